// Package metrics defines the sink that node components report to.
//
// Sinks are injected; nothing in this package registers global state.
package metrics

import "time"

// Outcome labels for fragment requests and respawn attempts.
const (
	OutcomeGranted      = "granted"
	OutcomeDenied       = "denied"
	OutcomeTimeout      = "timeout"
	OutcomeUnavailable  = "unavailable"
	OutcomeInvalid      = "invalid"
	OutcomeSuccess      = "success"
	OutcomeInsufficient = "insufficient"
	OutcomeError        = "error"
)

// Sink receives counters and gauges from the event loop and the respawn
// coordinator. Implementations must be safe for concurrent use.
type Sink interface {
	HeartbeatSent(ok bool)
	HeartbeatReceived()
	PeerFailed()
	FragmentRequest(outcome string)
	RespawnStarted()
	RespawnFinished(outcome string, d time.Duration)
	PeersKnown(n int)
}

// Noop discards everything.
type Noop struct{}

func (Noop) HeartbeatSent(bool)                    {}
func (Noop) HeartbeatReceived()                    {}
func (Noop) PeerFailed()                           {}
func (Noop) FragmentRequest(string)                {}
func (Noop) RespawnStarted()                       {}
func (Noop) RespawnFinished(string, time.Duration) {}
func (Noop) PeersKnown(int)                        {}

// OrNoop returns s, or Noop if s is nil.
func OrNoop(s Sink) Sink {
	if s == nil {
		return Noop{}
	}
	return s
}
