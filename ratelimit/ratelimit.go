package ratelimit

import (
	"errors"
	"sync"
	"time"
)

// Common errors.
var (
	ErrInvalidCapacity = errors.New("invalid capacity")
	ErrInvalidWindow   = errors.New("invalid window")
)

// Config sizes every bucket of a Limiter.
type Config struct {
	// Capacity is the number of tokens per window. Zero disables limiting.
	Capacity int `toml:"capacity"`

	// Window is the refill period.
	Window time.Duration `toml:"window"`
}

// Capacity describes one bucket.
type Capacity struct {
	Resource  string
	Available int
	Total     int
	Window    time.Duration
}

// bucket implements a token bucket rate limiter.
type bucket struct {
	available  int
	lastRefill time.Time
}

// Limiter keeps a token bucket per resource. It is safe for concurrent use.
type Limiter struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	capacity int
	window   time.Duration
	now      func() time.Time
}

// New creates a limiter. now supplies the time; pass time.Now outside
// tests.
func New(cfg Config, now func() time.Time) (*Limiter, error) {
	if cfg.Capacity <= 0 {
		return nil, ErrInvalidCapacity
	}
	if cfg.Window <= 0 {
		return nil, ErrInvalidWindow
	}
	if now == nil {
		now = time.Now
	}
	return &Limiter{
		buckets:  make(map[string]*bucket),
		capacity: cfg.Capacity,
		window:   cfg.Window,
		now:      now,
	}, nil
}

// refill adds tokens based on elapsed time since last refill.
func (l *Limiter) refill(b *bucket, now time.Time) {
	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		return
	}
	// rate = capacity / window
	add := int(float64(l.capacity) * float64(elapsed) / float64(l.window))
	if add > 0 {
		b.available += add
		if b.available > l.capacity {
			b.available = l.capacity
		}
		b.lastRefill = now
	}
}

func (l *Limiter) bucket(resource string, now time.Time) *bucket {
	b, ok := l.buckets[resource]
	if !ok {
		b = &bucket{available: l.capacity, lastRefill: now}
		l.buckets[resource] = b
		return b
	}
	l.refill(b, now)
	return b
}

// TryAcquire takes a token for resource if one is available.
func (l *Limiter) TryAcquire(resource string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.bucket(resource, l.now())
	if b.available == 0 {
		return false
	}
	b.available--
	return true
}

// Capacity reports the state of resource's bucket.
func (l *Limiter) Capacity(resource string) Capacity {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.bucket(resource, l.now())
	return Capacity{
		Resource:  resource,
		Available: b.available,
		Total:     l.capacity,
		Window:    l.window,
	}
}

// Forget drops resource's bucket, e.g. when a peer departs.
func (l *Limiter) Forget(resource string) {
	l.mu.Lock()
	delete(l.buckets, resource)
	l.mu.Unlock()
}

// Len returns the number of tracked buckets.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
