package node

import "sync"

// Health is the node's application health flag. It is the only node state
// shared outside the event loop.
type Health struct {
	mu     sync.Mutex
	down   bool
	reason string
}

// Healthy reports whether the node is serving.
func (h *Health) Healthy() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.down
}

// Fail marks the node unhealthy. There is no way back.
func (h *Health) Fail(reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.down = true
	h.reason = reason
}

// Reason returns why the node was marked unhealthy.
func (h *Health) Reason() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reason
}
