package discovery

import (
	"context"
	"sort"
	"sync"

	"github.com/vinayprograms/reverie/identity"
)

// Memory is an in-process Source. A single Memory can be shared by every
// node of a test cluster.
type Memory struct {
	mu       sync.RWMutex
	entries  map[identity.PeerID]string
	watchers map[chan Change]struct{}
	closed   bool
	buffer   int
}

// NewMemory creates an empty in-memory source.
func NewMemory() *Memory {
	return &Memory{
		entries:  make(map[identity.PeerID]string),
		watchers: make(map[chan Change]struct{}),
		buffer:   64,
	}
}

// Register adds or updates e and notifies watchers.
func (m *Memory) Register(ctx context.Context, e Entry) error {
	if err := validate(e); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.entries[e.Peer] = e.Addr
	m.notify(Change{Kind: Discovered, Entry: e})
	return nil
}

// Deregister removes peer and notifies watchers. Unknown peers are ignored.
func (m *Memory) Deregister(ctx context.Context, peer identity.PeerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	addr, ok := m.entries[peer]
	if !ok {
		return nil
	}
	delete(m.entries, peer)
	m.notify(Change{Kind: Expired, Entry: Entry{Peer: peer, Addr: addr}})
	return nil
}

// Entries lists the current registrations in peer order.
func (m *Memory) Entries() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry, 0, len(m.entries))
	for p, a := range m.entries {
		out = append(out, Entry{Peer: p, Addr: a})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Peer < out[j].Peer })
	return out
}

// Changes implements Source.
func (m *Memory) Changes(ctx context.Context) (<-chan Change, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	ch := make(chan Change, m.buffer+len(m.entries))
	peers := make([]identity.PeerID, 0, len(m.entries))
	for p := range m.entries {
		peers = append(peers, p)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
	for _, p := range peers {
		ch <- Change{Kind: Discovered, Entry: Entry{Peer: p, Addr: m.entries[p]}}
	}
	m.watchers[ch] = struct{}{}
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := m.watchers[ch]; ok {
			delete(m.watchers, ch)
			close(ch)
		}
	}()
	return ch, nil
}

// Close closes every watcher channel.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for ch := range m.watchers {
		close(ch)
	}
	m.watchers = nil
	return nil
}

// notify sends c to every watcher. Must be called with the lock held.
func (m *Memory) notify(c Change) {
	for ch := range m.watchers {
		select {
		case ch <- c:
		default:
			// watcher full, skip
		}
	}
}
