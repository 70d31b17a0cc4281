package ratelimit

import (
	"sync"
	"testing"
	"time"
)

type fakeNow struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeNow) now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeNow) advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

func newLimiter(t *testing.T, capacity int, window time.Duration) (*Limiter, *fakeNow) {
	t.Helper()
	clk := &fakeNow{t: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	l, err := New(Config{Capacity: capacity, Window: window}, clk.now)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return l, clk
}

func TestNew_Invalid(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want error
	}{
		{"zero capacity", Config{Capacity: 0, Window: time.Second}, ErrInvalidCapacity},
		{"zero window", Config{Capacity: 1}, ErrInvalidWindow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg, nil); err != tt.want {
				t.Errorf("New() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestLimiter_TryAcquire(t *testing.T) {
	l, _ := newLimiter(t, 3, time.Minute)

	for i := 0; i < 3; i++ {
		if !l.TryAcquire("pa") {
			t.Errorf("expected TryAcquire to succeed on attempt %d", i+1)
		}
	}
	if l.TryAcquire("pa") {
		t.Error("expected TryAcquire to fail after exhausting capacity")
	}
	if !l.TryAcquire("pb") {
		t.Error("buckets must be independent per resource")
	}
	if got := l.Capacity("pa").Available; got != 0 {
		t.Errorf("expected available 0, got %d", got)
	}
}

func TestLimiter_Refill(t *testing.T) {
	l, clk := newLimiter(t, 6, time.Minute)
	for i := 0; i < 6; i++ {
		l.TryAcquire("pa")
	}

	clk.advance(20 * time.Second) // a third of the window
	if got := l.Capacity("pa").Available; got != 2 {
		t.Errorf("after 20s available = %d, want 2", got)
	}

	clk.advance(10 * time.Minute)
	if got := l.Capacity("pa").Available; got != 6 {
		t.Errorf("refill must cap at capacity, got %d", got)
	}
}

func TestLimiter_Forget(t *testing.T) {
	l, _ := newLimiter(t, 1, time.Minute)
	l.TryAcquire("pa")
	if l.TryAcquire("pa") {
		t.Fatal("bucket should be empty")
	}
	l.Forget("pa")
	if l.Len() != 0 {
		t.Errorf("Len() = %d after Forget", l.Len())
	}
	if !l.TryAcquire("pa") {
		t.Error("forgotten resource should start with a full bucket")
	}
}

func TestLimiter_Concurrent(t *testing.T) {
	l, _ := newLimiter(t, 100, time.Hour)

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if l.TryAcquire("pa") {
					mu.Lock()
					granted++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()
	if granted != 100 {
		t.Errorf("granted = %d, want 100", granted)
	}
}
