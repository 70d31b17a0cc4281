package heartbeat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vinayprograms/reverie/identity"
)

func TestEd25519Attestor_RoundTrip(t *testing.T) {
	key := identity.KeypairFromSeed(1)
	a := NewEd25519Attestor(key)

	att, err := a.Generate(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !a.Verify(att) {
		t.Fatal("fresh attestation rejected")
	}
	if AttestationSigner(att) != key.ID {
		t.Errorf("signer = %s, want %s", AttestationSigner(att), key.ID)
	}

	// Each attestation differs (counter advances).
	att2, _ := a.Generate(context.Background())
	if string(att) == string(att2) {
		t.Error("attestations should not repeat")
	}
}

func TestEd25519Attestor_Rejects(t *testing.T) {
	a := NewEd25519Attestor(identity.KeypairFromSeed(2))
	att, _ := a.Generate(context.Background())

	tampered := append([]byte(nil), att...)
	tampered[40] ^= 0xff
	if a.Verify(tampered) {
		t.Error("tampered attestation accepted")
	}
	if a.Verify(att[:10]) {
		t.Error("truncated attestation accepted")
	}
	if AttestationSigner(att[:10]) != "" {
		t.Error("truncated attestation should have no signer")
	}
}

func TestEd25519Attestor_MaxAge(t *testing.T) {
	a := NewEd25519Attestor(identity.KeypairFromSeed(3))
	now := epoch
	a.now = func() time.Time { return now }
	a.MaxAge = time.Minute

	att, _ := a.Generate(context.Background())
	now = now.Add(30 * time.Second)
	if !a.Verify(att) {
		t.Error("attestation within MaxAge rejected")
	}
	now = now.Add(time.Minute)
	if a.Verify(att) {
		t.Error("expired attestation accepted")
	}
}

func TestEd25519Attestor_CanceledContext(t *testing.T) {
	a := NewEd25519Attestor(identity.KeypairFromSeed(4))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := a.Generate(ctx); err == nil {
		t.Error("expected context error")
	}
}

func TestMemoryAttestor(t *testing.T) {
	m := NewMemoryAttestor()
	att, err := m.Generate(context.Background())
	if err != nil || !m.Verify(att) {
		t.Fatalf("default memory attestor should succeed: %v", err)
	}
	m.SetReject(true)
	if m.Verify(att) {
		t.Error("SetReject(true) ignored")
	}
	boom := errors.New("tee offline")
	m.SetGenerateError(boom)
	if _, err := m.Generate(context.Background()); !errors.Is(err, boom) {
		t.Errorf("Generate err = %v", err)
	}
	if m.Produced() != 1 {
		t.Errorf("Produced() = %d, want 1", m.Produced())
	}
}

func TestPayload_Codec(t *testing.T) {
	p := &Payload{Sender: "p1", Seq: 3, BlockHeight: 9, Attestation: []byte{1, 2}, SentAtNanos: epoch.UnixNano()}
	data, err := p.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	got, err := Unmarshal(data)
	if err != nil {
		t.Fatal(err)
	}
	if got.Sender != "p1" || got.Seq != 3 || got.BlockHeight != 9 || !got.SentAt().Equal(epoch) {
		t.Errorf("decoded %+v", got)
	}
	if _, err := Unmarshal([]byte{0xff}); err == nil {
		t.Error("garbage should fail to decode")
	}
}
