package identity

import (
	"testing"
)

func TestAgentID_RoundTrip(t *testing.T) {
	tests := []AgentID{
		{Name: "alice", Nonce: 0},
		{Name: "alice", Nonce: 42},
		{Name: "my-agent.v2_beta", Nonce: 7},
		{Name: "a-b-c", Nonce: 18446744073709551615},
		{Name: "", Nonce: 3},
	}
	for _, want := range tests {
		t.Run(want.String(), func(t *testing.T) {
			got := ParseAgentID(want.String())
			if got != want {
				t.Errorf("ParseAgentID(%q) = %+v, want %+v", want.String(), got, want)
			}
		})
	}
}

func TestParseAgentID_Malformed(t *testing.T) {
	for _, in := range []string{"", "alice", "alice-", "alice-x", "alice--x", "al ice-1", "alice-1.5"} {
		t.Run(in, func(t *testing.T) {
			if got := ParseAgentID(in); !got.IsZero() {
				t.Errorf("ParseAgentID(%q) = %+v, want sentinel", in, got)
			}
			if _, err := ValidateAgentID(in); err == nil {
				t.Errorf("ValidateAgentID(%q) should fail", in)
			}
		})
	}
}

func TestAgentID_NextAndLess(t *testing.T) {
	a := AgentID{Name: "bob", Nonce: 1}
	n := a.Next()
	if n.Nonce != 2 || n.Name != "bob" {
		t.Fatalf("Next() = %+v", n)
	}
	if !a.Less(n) || n.Less(a) {
		t.Error("nonce ordering broken")
	}
	if !(AgentID{Name: "a", Nonce: 9}).Less(AgentID{Name: "b"}) {
		t.Error("name should order before nonce")
	}
}

func TestAgentID_TextCodec(t *testing.T) {
	var a AgentID
	if err := a.UnmarshalText([]byte("carol-5")); err != nil {
		t.Fatal(err)
	}
	b, _ := a.MarshalText()
	if string(b) != "carol-5" {
		t.Errorf("MarshalText = %q", b)
	}
}

func TestKeypairFromSeed_Deterministic(t *testing.T) {
	a := KeypairFromSeed(1)
	b := KeypairFromSeed(1)
	c := KeypairFromSeed(2)
	if a.ID != b.ID {
		t.Error("same seed should give same id")
	}
	if a.ID == c.ID {
		t.Error("different seeds should give different ids")
	}
	if len(a.ID) != 33 || a.ID[0] != 'p' {
		t.Errorf("unexpected id shape %q", a.ID)
	}
}

func TestVerify(t *testing.T) {
	k := KeypairFromSeed(9)
	other := KeypairFromSeed(10)
	msg := []byte("heartbeat")
	sig := k.Sign(msg)

	if err := Verify(k.ID, k.Public, msg, sig); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}
	if err := Verify(other.ID, k.Public, msg, sig); err == nil {
		t.Error("key/id mismatch should be rejected")
	}
	if err := Verify(k.ID, k.Public, []byte("tampered"), sig); err == nil {
		t.Error("tampered message should be rejected")
	}
	if err := Verify(k.ID, k.Public[:5], msg, sig); err == nil {
		t.Error("short key should be rejected")
	}
}

func TestVesselInfo_Validate(t *testing.T) {
	ok := VesselInfo{Agent: AgentID{Name: "a"}, TotalFrags: 3, Threshold: 2, CurrentVessel: "p1", NextVessel: "p2"}
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid info rejected: %v", err)
	}

	tests := map[string]func(v *VesselInfo){
		"no name":           func(v *VesselInfo) { v.Agent.Name = "" },
		"zero threshold":    func(v *VesselInfo) { v.Threshold = 0 },
		"threshold > total": func(v *VesselInfo) { v.Threshold = 4 },
		"no vessel":         func(v *VesselInfo) { v.CurrentVessel = "" },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			v := ok
			mutate(&v)
			if v.Validate() == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestVesselInfo_Successor(t *testing.T) {
	v := VesselInfo{Agent: AgentID{Name: "a", Nonce: 4}, TotalFrags: 3, Threshold: 2, CurrentVessel: "p1", NextVessel: "p2"}
	s := v.Successor("p3")
	if s.Agent.Nonce != 5 || s.CurrentVessel != "p2" || s.NextVessel != "p3" || s.Threshold != 2 {
		t.Errorf("Successor = %+v", s)
	}
}
