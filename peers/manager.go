// Package peers is the node's view of the network: which peers are alive,
// which fragments each claims to hold, which agents each hosts, and which
// migrations are in flight here.
//
// A Manager is owned by exactly one goroutine (the node's event loop) and
// does no locking. Readers elsewhere get a Snapshot copied out by the
// owner.
package peers

import (
	"errors"
	"sort"
	"time"

	"github.com/vinayprograms/reverie/heartbeat"
	"github.com/vinayprograms/reverie/identity"
)

// ErrUnknownPeer is returned when a heartbeat arrives from a peer that has
// not been seen yet.
var ErrUnknownPeer = errors.New("unknown peer")

// Record is everything known about one peer.
type Record struct {
	ID     identity.PeerID
	Addr   string
	Client string
	// Recipient is the peer's age recipient; fragments handed to the peer
	// are sealed to it.
	Recipient string
	FirstSeen time.Time
	History   *heartbeat.History
}

// Manager tracks peers, fragment ownership, vessel assignments, and
// pending respawns.
type Manager struct {
	self   identity.PeerID
	window int

	peers   map[identity.PeerID]*Record
	holders map[identity.FragmentKey]map[identity.PeerID]struct{}
	vessels map[string]identity.VesselInfo // agent name -> latest known
	hosting map[string]identity.VesselInfo // agents this node is vessel for
	pending map[identity.AgentID]time.Time
}

// NewManager creates an empty manager for node self. window sizes each
// peer's heartbeat history.
func NewManager(self identity.PeerID, window int) *Manager {
	return &Manager{
		self:    self,
		window:  window,
		peers:   make(map[identity.PeerID]*Record),
		holders: make(map[identity.FragmentKey]map[identity.PeerID]struct{}),
		vessels: make(map[string]identity.VesselInfo),
		hosting: make(map[string]identity.VesselInfo),
		pending: make(map[identity.AgentID]time.Time),
	}
}

// Self returns the local peer id.
func (m *Manager) Self() identity.PeerID { return m.self }

// PeerSeen creates a record for id if absent and reports whether it did.
// A known peer only has a missing address filled in.
func (m *Manager) PeerSeen(id identity.PeerID, addr string, now time.Time) bool {
	if id == m.self {
		return false
	}
	if r, ok := m.peers[id]; ok {
		if r.Addr == "" {
			r.Addr = addr
		}
		return false
	}
	m.peers[id] = &Record{
		ID:        id,
		Addr:      addr,
		FirstSeen: now,
		History:   heartbeat.NewHistory(m.window, now),
	}
	return true
}

// PeerDeparted removes id and every fragment credit it contributed. Vessel
// knowledge learned from other peers is kept.
func (m *Manager) PeerDeparted(id identity.PeerID) bool {
	if _, ok := m.peers[id]; !ok {
		return false
	}
	delete(m.peers, id)
	for key, set := range m.holders {
		delete(set, id)
		if len(set) == 0 {
			delete(m.holders, key)
		}
	}
	return true
}

// Known reports whether id has a record.
func (m *Manager) Known(id identity.PeerID) bool {
	_, ok := m.peers[id]
	return ok
}

// Peer returns the record for id. The record is owned by the manager.
func (m *Manager) Peer(id identity.PeerID) (*Record, bool) {
	r, ok := m.peers[id]
	return r, ok
}

// Peers lists known peers in id order.
func (m *Manager) Peers() []identity.PeerID {
	out := make([]identity.PeerID, 0, len(m.peers))
	for id := range m.peers {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// SetClient records a peer's client/version string.
func (m *Manager) SetClient(id identity.PeerID, client string) {
	if r, ok := m.peers[id]; ok {
		r.Client = client
	}
}

// SetRecipient records a peer's age recipient.
func (m *Manager) SetRecipient(id identity.PeerID, recipient string) {
	if r, ok := m.peers[id]; ok && recipient != "" {
		r.Recipient = recipient
	}
}

// Recipient returns a peer's age recipient, or "" if unknown.
func (m *Manager) Recipient(id identity.PeerID) string {
	if r, ok := m.peers[id]; ok {
		return r.Recipient
	}
	return ""
}

// Freshest lists live peers by ascending time since their last heartbeat,
// ties broken by id. exclude is left out.
func (m *Manager) Freshest(now time.Time, exclude ...identity.PeerID) []identity.PeerID {
	skip := make(map[identity.PeerID]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}
	type ranked struct {
		id      identity.PeerID
		elapsed time.Duration
	}
	var rs []ranked
	for id, r := range m.peers {
		if skip[id] {
			continue
		}
		rs = append(rs, ranked{id: id, elapsed: r.History.ElapsedSinceLast(now)})
	}
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].elapsed != rs[j].elapsed {
			return rs[i].elapsed < rs[j].elapsed
		}
		return rs[i].id < rs[j].id
	})
	out := make([]identity.PeerID, len(rs))
	for i, r := range rs {
		out[i] = r.id
	}
	return out
}

// RecordHeartbeat updates id's history. Heartbeats may outrun discovery,
// so ErrUnknownPeer is expected and only worth a log line.
func (m *Manager) RecordHeartbeat(id identity.PeerID, p *heartbeat.Payload, now time.Time) error {
	r, ok := m.peers[id]
	if !ok {
		return ErrUnknownPeer
	}
	return r.History.Record(p, now)
}

// Stale returns peers that have not been heard from for longer than limit,
// in id order.
func (m *Manager) Stale(now time.Time, limit time.Duration) []identity.PeerID {
	var out []identity.PeerID
	for id, r := range m.peers {
		if r.History.ElapsedSinceLast(now) > limit {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// NoteFragmentHolder credits peer with holding key. Duplicate credits are
// no-ops; the return value reports whether the set grew.
func (m *Manager) NoteFragmentHolder(key identity.FragmentKey, peer identity.PeerID) bool {
	set, ok := m.holders[key]
	if !ok {
		set = make(map[identity.PeerID]struct{})
		m.holders[key] = set
	}
	if _, dup := set[peer]; dup {
		return false
	}
	set[peer] = struct{}{}
	return true
}

// HoldersOf returns the peers credited with key, in id order.
func (m *Manager) HoldersOf(key identity.FragmentKey) []identity.PeerID {
	set := m.holders[key]
	out := make([]identity.PeerID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RankedHolders orders the holders of key by freshness: smallest elapsed
// time since the last heartbeat first, ties broken by peer id. This node
// counts as freshest. Holders without a live record are left out.
func (m *Manager) RankedHolders(key identity.FragmentKey, now time.Time) []identity.PeerID {
	type ranked struct {
		id      identity.PeerID
		elapsed time.Duration
	}
	var rs []ranked
	for id := range m.holders[key] {
		if id == m.self {
			rs = append(rs, ranked{id: id})
			continue
		}
		r, ok := m.peers[id]
		if !ok {
			continue
		}
		rs = append(rs, ranked{id: id, elapsed: r.History.ElapsedSinceLast(now)})
	}
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].elapsed != rs[j].elapsed {
			return rs[i].elapsed < rs[j].elapsed
		}
		return rs[i].id < rs[j].id
	})
	out := make([]identity.PeerID, len(rs))
	for i, r := range rs {
		out[i] = r.id
	}
	return out
}

// PruneHolders drops ownership credits for generations of name older than
// keep.
func (m *Manager) PruneHolders(name string, keep uint64) {
	for key := range m.holders {
		if key.Agent.Name == name && key.Agent.Nonce < keep {
			delete(m.holders, key)
		}
	}
}

// BeginRespawn marks agent as migrating. It returns false when a migration
// for agent is already pending here.
func (m *Manager) BeginRespawn(agent identity.AgentID, now time.Time) bool {
	if _, ok := m.pending[agent]; ok {
		return false
	}
	m.pending[agent] = now
	return true
}

// IsPending reports whether agent is migrating.
func (m *Manager) IsPending(agent identity.AgentID) bool {
	_, ok := m.pending[agent]
	return ok
}

// PendingSince returns when the migration of agent began.
func (m *Manager) PendingSince(agent identity.AgentID) (time.Time, bool) {
	t, ok := m.pending[agent]
	return t, ok
}

// AbortRespawn clears the pending marker without touching vessel state.
func (m *Manager) AbortRespawn(agent identity.AgentID) bool {
	if _, ok := m.pending[agent]; !ok {
		return false
	}
	delete(m.pending, agent)
	return true
}

// CompleteRespawn clears the pending marker for agent and records next as
// the agent's new vessel assignment. If this node is next's vessel it is
// now hosting the agent.
func (m *Manager) CompleteRespawn(agent identity.AgentID, next identity.VesselInfo) {
	delete(m.pending, agent)
	m.SetVesselInfo(next)
}

// SetVesselInfo records info as the latest known assignment for its agent.
// Last writer wins, except that an older generation never replaces a newer
// one. Returns whether info was applied.
func (m *Manager) SetVesselInfo(info identity.VesselInfo) bool {
	name := info.Agent.Name
	if cur, ok := m.vessels[name]; ok && info.Agent.Nonce < cur.Agent.Nonce {
		return false
	}
	m.vessels[name] = info
	if info.CurrentVessel == m.self {
		m.hosting[name] = info
	} else {
		delete(m.hosting, name)
	}
	return true
}

// VesselInfo returns the latest known assignment for agent name.
func (m *Manager) VesselInfo(name string) (identity.VesselInfo, bool) {
	v, ok := m.vessels[name]
	return v, ok
}

// HostedBy lists the agents whose current vessel is peer, by name.
func (m *Manager) HostedBy(peer identity.PeerID) []identity.VesselInfo {
	var out []identity.VesselInfo
	for _, v := range m.vessels {
		if v.CurrentVessel == peer {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Agent.Less(out[j].Agent) })
	return out
}

// Hosting lists the agents this node is vessel for.
func (m *Manager) Hosting() []identity.VesselInfo {
	out := make([]identity.VesselInfo, 0, len(m.hosting))
	for _, v := range m.hosting {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Agent.Less(out[j].Agent) })
	return out
}

// StopHosting drops name from the hosted set, e.g. when a respawn order
// moves it elsewhere.
func (m *Manager) StopHosting(name string) {
	delete(m.hosting, name)
}
