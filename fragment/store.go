package fragment

import (
	"sort"
	"sync"

	"github.com/vinayprograms/reverie/errors"
	"github.com/vinayprograms/reverie/identity"
	"github.com/vinayprograms/reverie/threshold"
	"github.com/vinayprograms/reverie/wire"
)

type storedFragment struct {
	info    identity.VesselInfo
	capsule threshold.Capsule
	sealed  []byte
}

// Store holds the fragments this node has been given, sealed at rest with
// the node's age identity.
type Store struct {
	sealer *Sealer

	mu    sync.RWMutex
	items map[identity.FragmentKey]storedFragment
}

// NewStore creates an empty store sealing with sealer.
func NewStore(sealer *Sealer) *Store {
	return &Store{
		sealer: sealer,
		items:  make(map[identity.FragmentKey]storedFragment),
	}
}

// Put stores frag for info.Agent. Older generations of the same agent
// that this node still holds are kept until Purge.
func (s *Store) Put(info identity.VesselInfo, capsule threshold.Capsule, frag threshold.Fragment) error {
	plain, err := wire.Marshal(frag)
	if err != nil {
		return errors.Wrap(err, "encode fragment")
	}
	sealed, err := s.sealer.Seal(plain)
	if err != nil {
		return errors.Wrap(err, "seal fragment")
	}
	key := identity.FragmentKey{Agent: info.Agent, Index: frag.Index}
	s.mu.Lock()
	s.items[key] = storedFragment{info: info, capsule: capsule, sealed: sealed}
	s.mu.Unlock()
	return nil
}

// PutSealed stores a fragment already sealed to this node (as delivered
// in a SaveRequest), after checking that it opens.
func (s *Store) PutSealed(info identity.VesselInfo, capsule threshold.Capsule, index int, sealed []byte) error {
	frag, err := s.open(sealed)
	if err != nil {
		return err
	}
	if frag.Index != index {
		return errors.InvalidInput("sealed fragment index mismatch",
			errors.WithAgent(info.Agent.String()))
	}
	key := identity.FragmentKey{Agent: info.Agent, Index: index}
	s.mu.Lock()
	s.items[key] = storedFragment{info: info, capsule: capsule, sealed: sealed}
	s.mu.Unlock()
	return nil
}

func (s *Store) open(sealed []byte) (threshold.Fragment, error) {
	plain, err := s.sealer.Open(sealed)
	if err != nil {
		return threshold.Fragment{}, errors.WrapWithCode(err, errors.ErrCodeInvalidInput, "open sealed fragment")
	}
	var frag threshold.Fragment
	if err := wire.Unmarshal(plain, &frag); err != nil {
		return threshold.Fragment{}, errors.WrapWithCode(err, errors.ErrCodeInvalidInput, "decode fragment")
	}
	return frag, nil
}

// Get returns the stored fragment for key.
func (s *Store) Get(key identity.FragmentKey) (identity.VesselInfo, threshold.Capsule, threshold.Fragment, error) {
	s.mu.RLock()
	item, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		return identity.VesselInfo{}, threshold.Capsule{}, threshold.Fragment{},
			errors.NotFound("fragment not held: " + key.String())
	}
	frag, err := s.open(item.sealed)
	if err != nil {
		return identity.VesselInfo{}, threshold.Capsule{}, threshold.Fragment{}, err
	}
	return item.info, item.capsule, frag, nil
}

// Has reports whether key is held.
func (s *Store) Has(key identity.FragmentKey) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.items[key]
	return ok
}

// Info returns the vessel record stored alongside key.
func (s *Store) Info(key identity.FragmentKey) (identity.VesselInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[key]
	return item.info, ok
}

// Delete drops one fragment.
func (s *Store) Delete(key identity.FragmentKey) {
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
}

// Purge drops every fragment of agent name with a nonce below keep and
// returns how many were removed.
func (s *Store) Purge(name string, keep uint64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k := range s.items {
		if k.Agent.Name == name && k.Agent.Nonce < keep {
			delete(s.items, k)
			n++
		}
	}
	return n
}

// Keys lists held fragments in agent, then index order.
func (s *Store) Keys() []identity.FragmentKey {
	s.mu.RLock()
	keys := make([]identity.FragmentKey, 0, len(s.items))
	for k := range s.items {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Agent != keys[j].Agent {
			return keys[i].Agent.Less(keys[j].Agent)
		}
		return keys[i].Index < keys[j].Index
	})
	return keys
}

// Len returns the number of held fragments.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}
