package shutdown

import (
	"context"
	"time"

	"github.com/vinayprograms/reverie/errors"
	"github.com/vinayprograms/reverie/logging"
)

// Phases used by vesseld. Any int works; lower runs first.
const (
	PhaseIntake    = 10
	PhaseLoop      = 20
	PhaseTransport = 30
)

// Handler is a component that needs an orderly stop. ctx expires with the
// overall shutdown timeout.
type Handler interface {
	Stop(ctx context.Context) error
}

// Func adapts a function to Handler.
type Func func(ctx context.Context) error

// Stop implements Handler.
func (f Func) Stop(ctx context.Context) error { return f(ctx) }

// Step is the outcome of one handler.
type Step struct {
	Name     string
	Phase    int
	Duration time.Duration
	Err      error
}

// Result is the outcome of a whole shutdown.
type Result struct {
	Duration time.Duration
	Steps    []Step

	// Err is TIMEOUT when the deadline passed between phases, INTERNAL when
	// any handler failed, nil otherwise.
	Err error
}

// Failed lists the handlers that returned an error.
func (r *Result) Failed() []string {
	var names []string
	for _, s := range r.Steps {
		if s.Err != nil {
			names = append(names, s.Name)
		}
	}
	return names
}

// Config configures a Coordinator.
type Config struct {
	// Timeout bounds a signal-triggered shutdown. Default: 30s
	Timeout time.Duration

	// StopOnError skips later phases once a handler fails.
	StopOnError bool

	Logger *logging.Logger
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	c.Logger = logging.OrDiscard(c.Logger).WithComponent("shutdown")
	return c
}

// errAlreadyStarted is returned by a second Shutdown that races the first.
func errAlreadyStarted() error {
	return errors.New(errors.ErrCodeConflict, "shutdown already started")
}
