package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/vinayprograms/reverie/errors"
)

type registration struct {
	name    string
	phase   int
	handler Handler
}

// Coordinator runs registered handlers once, phase by phase.
type Coordinator struct {
	cfg Config

	mu       sync.Mutex
	handlers []registration
	started  bool

	done   chan struct{}
	result *Result
}

// New creates a Coordinator.
func New(cfg Config) *Coordinator {
	return &Coordinator{
		cfg:  cfg.withDefaults(),
		done: make(chan struct{}),
	}
}

// Register adds a handler. Registrations after Shutdown has started are
// ignored.
func (c *Coordinator) Register(name string, phase int, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		c.cfg.Logger.Warn("late registration ignored", map[string]interface{}{"handler": name})
		return
	}
	c.handlers = append(c.handlers, registration{name: name, phase: phase, handler: h})
}

// Shutdown runs every handler and returns Result.Err. Only the first call
// runs anything; a concurrent second call gets CONFLICT, a later one the
// first call's error.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		select {
		case <-c.done:
			return c.result.Err
		default:
			return errAlreadyStarted()
		}
	}
	c.started = true
	handlers := make([]registration, len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.Unlock()

	res := c.run(ctx, handlers)
	c.result = res
	close(c.done)
	return res.Err
}

func (c *Coordinator) run(ctx context.Context, handlers []registration) *Result {
	start := time.Now()
	res := &Result{}
	sort.SliceStable(handlers, func(i, j int) bool { return handlers[i].phase < handlers[j].phase })

	for _, group := range byPhase(handlers) {
		if ctx.Err() != nil {
			res.Err = errors.Timeout("shutdown deadline passed",
				errors.WithMetadata("next_phase", phaseName(group[0].phase)))
			break
		}
		steps := c.runPhase(ctx, group)
		res.Steps = append(res.Steps, steps...)
		failed := false
		for _, s := range steps {
			if s.Err != nil {
				failed = true
			}
		}
		if failed && res.Err == nil {
			res.Err = errors.Internal("shutdown handlers failed")
		}
		if failed && c.cfg.StopOnError {
			break
		}
	}
	res.Duration = time.Since(start)

	fields := map[string]interface{}{"duration_ms": res.Duration.Milliseconds()}
	if res.Err != nil {
		fields["failed"] = res.Failed()
		fields["error"] = res.Err.Error()
		c.cfg.Logger.Warn("shutdown incomplete", fields)
	} else {
		c.cfg.Logger.Info("shutdown complete", fields)
	}
	return res
}

func (c *Coordinator) runPhase(ctx context.Context, group []registration) []Step {
	steps := make([]Step, len(group))
	var wg sync.WaitGroup
	for i, r := range group {
		wg.Add(1)
		go func() {
			defer wg.Done()
			began := time.Now()
			err := r.handler.Stop(ctx)
			steps[i] = Step{Name: r.name, Phase: r.phase, Duration: time.Since(began), Err: err}

			fields := map[string]interface{}{
				"handler":     r.name,
				"phase":       phaseName(r.phase),
				"duration_ms": steps[i].Duration.Milliseconds(),
			}
			if err != nil {
				fields["error"] = err.Error()
				c.cfg.Logger.Error("handler failed", fields)
				return
			}
			c.cfg.Logger.Debug("handler stopped", fields)
		}()
	}
	wg.Wait()
	return steps
}

// HandleSignals starts a shutdown with the configured timeout on the first
// SIGINT or SIGTERM. The returned function stops listening.
func (c *Coordinator) HandleSignals() (stop func()) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	quit := make(chan struct{})
	go func() {
		select {
		case sig := <-sigs:
			c.cfg.Logger.Info("signal received", map[string]interface{}{"signal": sig.String()})
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
			defer cancel()
			_ = c.Shutdown(ctx)
		case <-quit:
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			signal.Stop(sigs)
			close(quit)
		})
	}
}

// Done is closed when Shutdown has finished.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// Result is nil until Done is closed.
func (c *Coordinator) Result() *Result {
	select {
	case <-c.done:
		return c.result
	default:
		return nil
	}
}

func byPhase(sorted []registration) [][]registration {
	var groups [][]registration
	for i := 0; i < len(sorted); {
		j := i
		for j < len(sorted) && sorted[j].phase == sorted[i].phase {
			j++
		}
		groups = append(groups, sorted[i:j])
		i = j
	}
	return groups
}

func phaseName(p int) string {
	switch p {
	case PhaseIntake:
		return "intake"
	case PhaseLoop:
		return "loop"
	case PhaseTransport:
		return "transport"
	}
	return "custom"
}
