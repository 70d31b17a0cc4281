package heartbeat

import "time"

// History is the receiver-side record of one sender's heartbeats: the last
// accepted payload and a moving window of inter-arrival durations. It is
// not safe for concurrent use.
type History struct {
	window  int
	created time.Time
	last    time.Time
	payload *Payload

	// ring buffer of samples, oldest at head
	samples []time.Duration
	head    int
	count   int
	sum     time.Duration
}

// NewHistory creates an empty history with capacity window, anchored at
// created for ElapsedSinceLast until the first heartbeat arrives.
func NewHistory(window int, created time.Time) *History {
	if window < 1 {
		window = DefaultConfig().HistoryWindow
	}
	return &History{
		window:  window,
		created: created,
		samples: make([]time.Duration, window),
	}
}

// Record accepts p as received at now. The first recording only sets the
// baseline; every later one contributes one inter-arrival sample. A payload
// whose BlockHeight does not exceed the last accepted one is rejected with
// ErrStale and leaves the history untouched.
func (h *History) Record(p *Payload, now time.Time) error {
	if h.payload != nil && p.BlockHeight <= h.payload.BlockHeight {
		return ErrStale
	}
	if h.payload != nil {
		d := now.Sub(h.last)
		if d < 0 {
			d = 0
		}
		h.push(d)
	}
	h.last = now
	h.payload = p
	return nil
}

func (h *History) push(d time.Duration) {
	if h.count == h.window {
		h.sum -= h.samples[h.head]
		h.samples[h.head] = d
		h.head = (h.head + 1) % h.window
	} else {
		h.samples[(h.head+h.count)%h.window] = d
		h.count++
	}
	h.sum += d
}

// AverageInterval is the mean of the stored samples, zero when empty.
func (h *History) AverageInterval() time.Duration {
	if h.count == 0 {
		return 0
	}
	return h.sum / time.Duration(h.count)
}

// ElapsedSinceLast is now minus the last heartbeat, or minus the creation
// time if none has been recorded.
func (h *History) ElapsedSinceLast(now time.Time) time.Duration {
	if h.payload == nil {
		return now.Sub(h.created)
	}
	return now.Sub(h.last)
}

// LastAt returns the receive time of the last heartbeat (zero if none).
func (h *History) LastAt() time.Time {
	return h.last
}

// HasHeartbeat reports whether any heartbeat has been accepted.
func (h *History) HasHeartbeat() bool {
	return h.payload != nil
}

// Last returns the last accepted payload, or nil.
func (h *History) Last() *Payload {
	return h.payload
}

// Samples returns the stored samples, oldest first.
func (h *History) Samples() []time.Duration {
	out := make([]time.Duration, h.count)
	for i := 0; i < h.count; i++ {
		out[i] = h.samples[(h.head+i)%h.window]
	}
	return out
}

// Clone returns an independent copy.
func (h *History) Clone() *History {
	c := *h
	c.samples = append([]time.Duration(nil), h.samples...)
	return &c
}
