package wire

import (
	"bytes"
	"testing"

	"github.com/vinayprograms/reverie/identity"
)

type sample struct {
	Agent  identity.AgentID `cbor:"agent"`
	Peer   identity.PeerID  `cbor:"peer"`
	Labels map[string]int   `cbor:"labels"`
}

func TestMarshal_Deterministic(t *testing.T) {
	v := sample{
		Agent:  identity.AgentID{Name: "alice", Nonce: 2},
		Peer:   "p01",
		Labels: map[string]int{"z": 1, "a": 2, "m": 3},
	}
	first, err := Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 20; i++ {
		again, err := Marshal(v)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(first, again) {
			t.Fatal("encoding is not deterministic")
		}
	}
}

func TestAgentID_EncodesAsText(t *testing.T) {
	data, err := Marshal(identity.AgentID{Name: "alice", Nonce: 2})
	if err != nil {
		t.Fatal(err)
	}
	var s string
	if err := Unmarshal(data, &s); err != nil {
		t.Fatalf("agent id should decode as a text string: %v", err)
	}
	if s != "alice-2" {
		t.Errorf("got %q, want alice-2", s)
	}

	var back sample
	in := sample{Agent: identity.AgentID{Name: "bob-x", Nonce: 9}}
	data, _ = Marshal(in)
	if err := Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if back.Agent != in.Agent {
		t.Errorf("agent = %+v, want %+v", back.Agent, in.Agent)
	}
}

func TestUnmarshal_IgnoresUnknownFields(t *testing.T) {
	data, _ := Marshal(map[string]any{"peer": "p9", "extra": 1})
	var s sample
	if err := Unmarshal(data, &s); err != nil {
		t.Fatal(err)
	}
	if s.Peer != "p9" {
		t.Errorf("peer = %q", s.Peer)
	}
}
