package threshold

import (
	"bytes"
	"errors"
	"testing"
)

func TestShamir_SplitReconstruct(t *testing.T) {
	s := NewShamir()
	secret := []byte("agent secret: sk-live-0123456789")

	tests := []struct {
		total, threshold int
		use              []int
	}{
		{3, 2, []int{0, 1}},
		{3, 2, []int{2, 0}},
		{3, 2, []int{1, 2}},
		{3, 2, []int{0, 1, 2}},
		{5, 3, []int{4, 1, 3}},
		{1, 1, []int{0}},
	}
	for _, tt := range tests {
		capsule, frags, err := s.Split(secret, tt.total, tt.threshold)
		if err != nil {
			t.Fatalf("Split(%d,%d): %v", tt.total, tt.threshold, err)
		}
		if len(frags) != tt.total {
			t.Fatalf("got %d fragments, want %d", len(frags), tt.total)
		}
		for i, f := range frags {
			if f.Index != i {
				t.Fatalf("fragment %d has index %d", i, f.Index)
			}
		}
		var cfrags []CapsuleFragment
		for _, idx := range tt.use {
			cf, err := s.Reencrypt(frags[idx], capsule)
			if err != nil {
				t.Fatal(err)
			}
			cfrags = append(cfrags, cf)
		}
		got, err := s.Reconstruct(capsule, cfrags, tt.threshold)
		if err != nil {
			t.Fatalf("Reconstruct with %v: %v", tt.use, err)
		}
		if !bytes.Equal(got, secret) {
			t.Errorf("Reconstruct with %v = %q", tt.use, got)
		}
	}
}

func TestShamir_BelowThreshold(t *testing.T) {
	s := NewShamir()
	capsule, frags, _ := s.Split([]byte("secret"), 3, 2)
	cf, _ := s.Reencrypt(frags[0], capsule)

	_, err := s.Reconstruct(capsule, []CapsuleFragment{cf}, 2)
	if !errors.Is(err, ErrNotEnough) {
		t.Errorf("one fragment: err = %v, want ErrNotEnough", err)
	}
	// Duplicates of the same index do not count twice.
	_, err = s.Reconstruct(capsule, []CapsuleFragment{cf, cf}, 2)
	if !errors.Is(err, ErrNotEnough) {
		t.Errorf("duplicate fragment: err = %v, want ErrNotEnough", err)
	}
}

func TestShamir_CapsuleMismatch(t *testing.T) {
	s := NewShamir()
	c1, f1, _ := s.Split([]byte("one"), 3, 2)
	c2, _, _ := s.Split([]byte("two"), 3, 2)

	if _, err := s.Reencrypt(f1[0], c2); !errors.Is(err, ErrCapsuleMismatch) {
		t.Errorf("Reencrypt err = %v", err)
	}
	cf, _ := s.Reencrypt(f1[0], c1)
	if _, err := s.Reconstruct(c2, []CapsuleFragment{cf}, 1); !errors.Is(err, ErrCapsuleMismatch) {
		t.Errorf("Reconstruct err = %v", err)
	}
}

func TestShamir_TamperedShare(t *testing.T) {
	s := NewShamir()
	capsule, frags, _ := s.Split([]byte("integrity matters"), 3, 2)
	a, _ := s.Reencrypt(frags[0], capsule)
	b, _ := s.Reencrypt(frags[1], capsule)
	b.Share[0] ^= 1

	if _, err := s.Reconstruct(capsule, []CapsuleFragment{a, b}, 2); !errors.Is(err, ErrIntegrity) {
		t.Errorf("err = %v, want ErrIntegrity", err)
	}
}

func TestShamir_InvalidParams(t *testing.T) {
	s := NewShamir()
	tests := []struct {
		name             string
		secret           []byte
		total, threshold int
	}{
		{"empty secret", nil, 3, 2},
		{"zero threshold", []byte("x"), 3, 0},
		{"threshold above total", []byte("x"), 2, 3},
		{"too many fragments", []byte("x"), 256, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := s.Split(tt.secret, tt.total, tt.threshold); !errors.Is(err, ErrInvalidParams) {
				t.Errorf("err = %v, want ErrInvalidParams", err)
			}
		})
	}
}

func TestShamir_IndexRange(t *testing.T) {
	s := NewShamir()
	capsule, frags, _ := s.Split([]byte("range"), 3, 2)

	tests := []struct {
		name  string
		index int
	}{
		{"negative", -1},
		{"equal to total", 3},
		{"above total", 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := frags[0]
			f.Index = tt.index
			if _, err := s.Reencrypt(f, capsule); !errors.Is(err, ErrInvalidParams) {
				t.Errorf("Reencrypt err = %v, want ErrInvalidParams", err)
			}
			cf := CapsuleFragment{CapsuleID: capsule.ID, Index: tt.index, Share: f.Share}
			if _, err := s.Reconstruct(capsule, []CapsuleFragment{cf, cf}, 2); !errors.Is(err, ErrInvalidParams) {
				t.Errorf("Reconstruct err = %v, want ErrInvalidParams", err)
			}
		})
	}
}

func TestShamir_TamperedCapsule(t *testing.T) {
	s := NewShamir()
	capsule, frags, _ := s.Split([]byte("bound to its header"), 3, 2)
	a, _ := s.Reencrypt(frags[0], capsule)
	b, _ := s.Reencrypt(frags[2], capsule)

	tests := []struct {
		name   string
		mutate func(c *Capsule)
	}{
		{"sealed body", func(c *Capsule) { c.Sealed[len(c.Sealed)-1] ^= 1 }},
		{"length", func(c *Capsule) { c.Length++ }},
		{"truncated", func(c *Capsule) { c.Sealed = c.Sealed[:8] }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := capsule
			c.Sealed = append([]byte(nil), capsule.Sealed...)
			tt.mutate(&c)
			if _, err := s.Reconstruct(c, []CapsuleFragment{a, b}, 2); !errors.Is(err, ErrIntegrity) {
				t.Errorf("err = %v, want ErrIntegrity", err)
			}
		})
	}
}
