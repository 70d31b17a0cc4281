package shutdown

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vinayprograms/reverie/errors"
)

func TestShutdown_PhaseOrder(t *testing.T) {
	c := New(Config{})

	var mu sync.Mutex
	var order []string
	record := func(name string) Func {
		return func(context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}
	c.Register("discovery", PhaseTransport, record("discovery"))
	c.Register("node", PhaseLoop, record("node"))
	c.Register("metrics", PhaseIntake, record("metrics"))

	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	want := []string{"metrics", "node", "discovery"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order = %v, want %v", order, want)
			break
		}
	}

	select {
	case <-c.Done():
	default:
		t.Fatal("Done not closed")
	}
	res := c.Result()
	if res == nil || len(res.Steps) != 3 || len(res.Failed()) != 0 {
		t.Errorf("Result() = %+v", res)
	}
}

func TestShutdown_SamePhaseRunsConcurrently(t *testing.T) {
	c := New(Config{})
	var running, peak atomic.Int32
	release := make(chan struct{})
	block := Func(func(context.Context) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		running.Add(-1)
		return nil
	})
	c.Register("bus", PhaseTransport, block)
	c.Register("discovery", PhaseTransport, block)

	errc := make(chan error, 1)
	go func() { errc <- c.Shutdown(context.Background()) }()

	deadline := time.Now().Add(2 * time.Second)
	for peak.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	close(release)
	if err := <-errc; err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if peak.Load() != 2 {
		t.Errorf("peak concurrency = %d, want 2", peak.Load())
	}
}

func TestShutdown_Failures(t *testing.T) {
	boom := stderrors.New("boom")

	tests := []struct {
		name        string
		stopOnError bool
		wantRan     []string
	}{
		{"continue", false, []string{"node", "bus"}},
		{"stop on error", true, []string{"node"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(Config{StopOnError: tt.stopOnError})
			var ran []string
			c.Register("node", PhaseLoop, Func(func(context.Context) error {
				ran = append(ran, "node")
				return boom
			}))
			c.Register("bus", PhaseTransport, Func(func(context.Context) error {
				ran = append(ran, "bus")
				return nil
			}))

			err := c.Shutdown(context.Background())
			if !errors.Is(err, errors.ErrCodeInternal) {
				t.Fatalf("Shutdown() error = %v, want INTERNAL", err)
			}
			if len(ran) != len(tt.wantRan) {
				t.Fatalf("ran = %v, want %v", ran, tt.wantRan)
			}
			if failed := c.Result().Failed(); len(failed) != 1 || failed[0] != "node" {
				t.Errorf("Failed() = %v", failed)
			}
		})
	}
}

func TestShutdown_DeadlineBetweenPhases(t *testing.T) {
	c := New(Config{})
	ctx, cancel := context.WithCancel(context.Background())
	transport := false
	c.Register("node", PhaseLoop, Func(func(context.Context) error {
		cancel()
		return nil
	}))
	c.Register("bus", PhaseTransport, Func(func(context.Context) error {
		transport = true
		return nil
	}))

	err := c.Shutdown(ctx)
	if !errors.Is(err, errors.ErrCodeTimeout) {
		t.Fatalf("Shutdown() error = %v, want TIMEOUT", err)
	}
	if transport {
		t.Error("transport phase ran after the deadline")
	}
}

func TestShutdown_Once(t *testing.T) {
	c := New(Config{})
	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	c.Register("node", PhaseLoop, Func(func(context.Context) error {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-release
		return nil
	}))

	first := make(chan error, 1)
	go func() { first <- c.Shutdown(context.Background()) }()
	<-started

	if err := c.Shutdown(context.Background()); !errors.Is(err, errors.ErrCodeConflict) {
		t.Errorf("concurrent Shutdown() error = %v, want CONFLICT", err)
	}
	close(release)
	if err := <-first; err != nil {
		t.Fatalf("first Shutdown() error = %v", err)
	}
	if err := c.Shutdown(context.Background()); err != nil {
		t.Errorf("later Shutdown() error = %v, want the first result", err)
	}
	if calls.Load() != 1 {
		t.Errorf("handler ran %d times", calls.Load())
	}

	c.Register("late", PhaseIntake, Func(func(context.Context) error { return nil }))
	if n := len(c.Result().Steps); n != 1 {
		t.Errorf("steps = %d, want 1", n)
	}
}

func TestHandleSignals_Stop(t *testing.T) {
	c := New(Config{Timeout: time.Second})
	stop := c.HandleSignals()
	stop()
	stop()

	select {
	case <-c.Done():
		t.Fatal("Done closed without a signal")
	default:
	}
}

func TestPhaseName(t *testing.T) {
	tests := []struct {
		phase int
		want  string
	}{
		{PhaseIntake, "intake"},
		{PhaseLoop, "loop"},
		{PhaseTransport, "transport"},
		{99, "custom"},
	}
	for _, tt := range tests {
		if got := phaseName(tt.phase); got != tt.want {
			t.Errorf("phaseName(%d) = %q, want %q", tt.phase, got, tt.want)
		}
	}
}
