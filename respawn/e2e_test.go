package respawn

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/vinayprograms/reverie/bus"
	"github.com/vinayprograms/reverie/discovery"
	"github.com/vinayprograms/reverie/fragment"
	"github.com/vinayprograms/reverie/heartbeat"
	"github.com/vinayprograms/reverie/identity"
	"github.com/vinayprograms/reverie/node"
	"github.com/vinayprograms/reverie/peers"
	"github.com/vinayprograms/reverie/threshold"
)

type member struct {
	node  *node.Node
	coord *Coordinator
}

func startMember(t *testing.T, b bus.MessageBus, src discovery.Source, seed uint64) member {
	t.Helper()
	hb := heartbeat.Config{
		SendTimeout:   100 * time.Millisecond,
		IdleTimeout:   20 * time.Millisecond,
		MaxFailures:   5,
		HistoryWindow: 10,
	}
	key := identity.KeypairFromSeed(seed)
	sealer, err := fragment.NewSealer()
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	scheme := threshold.NewShamir()
	n, err := node.New(node.Options{
		Key:       key,
		Sealer:    sealer,
		Scheme:    scheme,
		Attestor:  heartbeat.NewEd25519Attestor(key),
		Bus:       b,
		Discovery: src,
		Heartbeat: hb,
		Tick:      10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("node.New: %v", err)
	}
	c, err := New(Config{
		Self:            key.ID,
		Commands:        n.Client(),
		Scheme:          scheme,
		OverRequest:     1,
		Deadline:        2 * hb.MaxTimeBeforeRotation(),
		RetrySameHolder: true,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go n.Run(ctx)
	served := make(chan struct{})
	go func() {
		defer close(served)
		_ = c.Serve(ctx, n.Events())
	}()
	t.Cleanup(func() {
		cancel()
		<-n.Done()
		<-served
	})

	lctx, lcancel := context.WithTimeout(context.Background(), time.Second)
	defer lcancel()
	if err := n.Client().StartListening(lctx, "mem://"+key.ID.Short()); err != nil {
		t.Fatalf("StartListening: %v", err)
	}
	return member{node: n, coord: c}
}

func snapshot(t *testing.T, m member) peers.Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s, err := m.node.Client().State(ctx)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	return s
}

func eventually(t *testing.T, what string, within time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// Five peers; alice lives on peer 0 with fragments on peers 1-3 and peer 4
// as designated successor. Peer 0 stops answering and peer 4 must end up
// hosting alice's next generation.
func TestVesselMigration(t *testing.T) {
	if testing.Short() {
		t.Skip("multi-node migration")
	}
	b := bus.NewMemoryBus(bus.DefaultConfig())
	defer b.Close()
	src := discovery.NewMemory()
	defer src.Close()

	cluster := make([]member, 5)
	for i := range cluster {
		cluster[i] = startMember(t, b, src, uint64(i+1))
	}
	ids := make([]identity.PeerID, len(cluster))
	for i, m := range cluster {
		ids[i] = m.node.ID()
	}

	eventually(t, "full mesh with recipients", 5*time.Second, func() bool {
		for _, m := range cluster {
			s := snapshot(t, m)
			if len(s.Peers) != len(cluster)-1 {
				return false
			}
			for _, p := range s.Peers {
				if p.Recipient == "" {
					return false
				}
			}
		}
		return true
	})

	vessel, successor := cluster[0], cluster[4]
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	secret := []byte("alice remembers everything")
	info, err := vessel.coord.Spawn(ctx, SpawnRequest{
		Name:      "alice",
		Secret:    secret,
		Total:     3,
		Threshold: 2,
		Next:      ids[4],
		Holders:   ids[1:4],
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	eventually(t, "successor learns vessel and holders", 5*time.Second, func() bool {
		s := snapshot(t, successor)
		v, ok := s.Vessel("alice")
		if !ok || v != info {
			return false
		}
		for i := 0; i < info.TotalFrags; i++ {
			if len(s.HoldersOf(identity.FragmentKey{Agent: info.Agent, Index: i})) != 1 {
				return false
			}
		}
		return true
	})

	if err := vessel.node.Client().SimulateFailure(ctx); err != nil {
		t.Fatalf("SimulateFailure: %v", err)
	}

	healthy := cluster[1:]
	eventually(t, "migration to peer 4", 10*time.Second, func() bool {
		for _, m := range healthy {
			v, ok := snapshot(t, m).Vessel("alice")
			if !ok || v.Agent.Nonce != 2 || v.CurrentVessel != ids[4] {
				return false
			}
		}
		return true
	})

	hosts := 0
	for i, m := range healthy {
		s := snapshot(t, m)
		if len(s.Hosting) > 0 {
			hosts++
			if m.node.ID() != ids[4] {
				t.Errorf("peer %d hosts %+v", i+1, s.Hosting)
			}
			if s.Hosting[0].Agent != info.Agent.Next() {
				t.Errorf("hosted agent = %s, want %s", s.Hosting[0].Agent, info.Agent.Next())
			}
		}
		if s.IsPending(info.Agent) {
			t.Errorf("peer %d still has a pending respawn", i+1)
		}
	}
	if hosts != 1 {
		t.Errorf("%d peers host alice, want 1", hosts)
	}

	eventually(t, "successor keeps the secret", time.Second, func() bool {
		got, ok := successor.coord.Secret("alice")
		return ok && bytes.Equal(got, secret)
	})
	v, _ := snapshot(t, successor).Vessel("alice")
	if v.NextVessel == "" || v.NextVessel == ids[0] || v.NextVessel == ids[4] {
		t.Errorf("next vessel = %q, want a live peer other than the successor", v.NextVessel)
	}
}
