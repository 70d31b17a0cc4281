package peers

import (
	"sort"
	"time"

	"github.com/vinayprograms/reverie/identity"
)

// PeerSnapshot is a read-only view of one peer.
type PeerSnapshot struct {
	ID              identity.PeerID `json:"id"`
	Addr            string          `json:"addr,omitempty"`
	Client          string          `json:"client,omitempty"`
	Recipient       string          `json:"recipient,omitempty"`
	LastHeartbeat   time.Time       `json:"last_heartbeat,omitempty"`
	SinceLast       time.Duration   `json:"since_last"`
	AverageInterval time.Duration   `json:"average_interval"`
	Samples         int             `json:"samples"`
	BlockHeight     uint64          `json:"block_height"`
	Hosting         []string        `json:"hosting,omitempty"`
}

// HolderSnapshot lists the holders of one fragment.
type HolderSnapshot struct {
	Fragment identity.FragmentKey `json:"fragment"`
	Holders  []identity.PeerID    `json:"holders"`
}

// Snapshot is a value copy of the manager's state.
type Snapshot struct {
	Self    identity.PeerID       `json:"self"`
	TakenAt time.Time             `json:"taken_at"`
	Peers   []PeerSnapshot        `json:"peers"`
	Holders []HolderSnapshot      `json:"holders"`
	Vessels []identity.VesselInfo `json:"vessels"`
	Hosting []identity.VesselInfo `json:"hosting"`
	Pending []identity.AgentID    `json:"pending"`
}

// Snapshot copies the current state out. It shares nothing with the
// manager and is safe to hand to other goroutines.
func (m *Manager) Snapshot(now time.Time) Snapshot {
	s := Snapshot{Self: m.self, TakenAt: now}

	hostedBy := make(map[identity.PeerID][]string)
	for _, v := range m.vessels {
		hostedBy[v.CurrentVessel] = append(hostedBy[v.CurrentVessel], v.Agent.String())
	}

	for _, id := range m.Peers() {
		r := m.peers[id]
		ps := PeerSnapshot{
			ID:              id,
			Addr:            r.Addr,
			Client:          r.Client,
			Recipient:       r.Recipient,
			LastHeartbeat:   r.History.LastAt(),
			SinceLast:       r.History.ElapsedSinceLast(now),
			AverageInterval: r.History.AverageInterval(),
			Samples:         len(r.History.Samples()),
			Hosting:         hostedBy[id],
		}
		if last := r.History.Last(); last != nil {
			ps.BlockHeight = last.BlockHeight
		}
		sort.Strings(ps.Hosting)
		s.Peers = append(s.Peers, ps)
	}

	for key := range m.holders {
		s.Holders = append(s.Holders, HolderSnapshot{Fragment: key, Holders: m.HoldersOf(key)})
	}
	sort.Slice(s.Holders, func(i, j int) bool {
		a, b := s.Holders[i].Fragment, s.Holders[j].Fragment
		if a.Agent != b.Agent {
			return a.Agent.Less(b.Agent)
		}
		return a.Index < b.Index
	})

	for _, v := range m.vessels {
		s.Vessels = append(s.Vessels, v)
	}
	sort.Slice(s.Vessels, func(i, j int) bool { return s.Vessels[i].Agent.Less(s.Vessels[j].Agent) })
	s.Hosting = m.Hosting()

	for a := range m.pending {
		s.Pending = append(s.Pending, a)
	}
	sort.Slice(s.Pending, func(i, j int) bool { return s.Pending[i].Less(s.Pending[j]) })
	return s
}

// HoldersOf returns the holders recorded for key in the snapshot.
func (s Snapshot) HoldersOf(key identity.FragmentKey) []identity.PeerID {
	for _, h := range s.Holders {
		if h.Fragment == key {
			return h.Holders
		}
	}
	return nil
}

// Vessel returns the assignment recorded for agent name.
func (s Snapshot) Vessel(name string) (identity.VesselInfo, bool) {
	for _, v := range s.Vessels {
		if v.Agent.Name == name {
			return v, true
		}
	}
	return identity.VesselInfo{}, false
}

// IsPending reports whether agent was migrating when the snapshot was taken.
func (s Snapshot) IsPending(agent identity.AgentID) bool {
	for _, a := range s.Pending {
		if a == agent {
			return true
		}
	}
	return false
}
