package discovery

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/vinayprograms/reverie/identity"
	"github.com/vinayprograms/reverie/logging"
)

// EtcdConfig configures the etcd-backed source.
type EtcdConfig struct {
	Endpoints   []string      `toml:"endpoints"`
	Prefix      string        `toml:"prefix"`
	TTL         int64         `toml:"ttl"` // lease seconds
	DialTimeout time.Duration `toml:"dial_timeout"`
}

// DefaultEtcdConfig returns defaults for a local etcd.
func DefaultEtcdConfig() EtcdConfig {
	return EtcdConfig{
		Endpoints:   []string{"http://127.0.0.1:2379"},
		Prefix:      "/reverie/peers",
		TTL:         10,
		DialTimeout: 5 * time.Second,
	}
}

// Etcd registers peers under <prefix>/<peer-id> with a lease and watches
// the prefix for changes.
type Etcd struct {
	cli    *clientv3.Client
	prefix string
	ttl    int64
	log    *logging.Logger

	mu     sync.Mutex
	leases map[identity.PeerID]clientv3.LeaseID
	cancel context.CancelFunc
	ctx    context.Context
	closed bool
}

// NewEtcd connects to etcd.
func NewEtcd(cfg EtcdConfig, log *logging.Logger) (*Etcd, error) {
	def := DefaultEtcdConfig()
	if len(cfg.Endpoints) == 0 {
		cfg.Endpoints = def.Endpoints
	}
	if cfg.Prefix == "" {
		cfg.Prefix = def.Prefix
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	log = logging.OrDiscard(log).WithComponent("discovery")

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Logger:      log.Zap(),
	})
	if err != nil {
		return nil, fmt.Errorf("etcd connect: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Etcd{
		cli:    cli,
		prefix: strings.TrimSuffix(cfg.Prefix, "/"),
		ttl:    cfg.TTL,
		log:    log,
		leases: make(map[identity.PeerID]clientv3.LeaseID),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

func (e *Etcd) key(peer identity.PeerID) string {
	return e.prefix + "/" + string(peer)
}

// peerFromKey extracts the peer id from a registration key.
func peerFromKey(prefix string, key []byte) identity.PeerID {
	rest, ok := strings.CutPrefix(string(key), prefix+"/")
	if !ok || rest == "" || strings.Contains(rest, "/") {
		return ""
	}
	return identity.PeerID(rest)
}

// Register grants a lease, writes the entry under it, and keeps the lease
// alive until Deregister or Close.
func (e *Etcd) Register(ctx context.Context, entry Entry) error {
	if err := validate(entry); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}

	lease, err := e.cli.Grant(ctx, e.ttl)
	if err != nil {
		return fmt.Errorf("etcd grant: %w", err)
	}
	if _, err := e.cli.Put(ctx, e.key(entry.Peer), entry.Addr, clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("etcd put: %w", err)
	}
	ka, err := e.cli.KeepAlive(e.ctx, lease.ID)
	if err != nil {
		return fmt.Errorf("etcd keepalive: %w", err)
	}
	if old, ok := e.leases[entry.Peer]; ok {
		e.cli.Revoke(ctx, old)
	}
	e.leases[entry.Peer] = lease.ID

	go func(peer identity.PeerID) {
		for range ka {
		}
		e.log.Debug("lease keepalive stopped", map[string]interface{}{"peer": peer.Short()})
	}(entry.Peer)

	e.log.Info("registered", map[string]interface{}{"peer": entry.Peer.Short(), "addr": entry.Addr, "ttl": e.ttl})
	return nil
}

// Deregister revokes the lease behind peer's registration, which deletes
// the key.
func (e *Etcd) Deregister(ctx context.Context, peer identity.PeerID) error {
	e.mu.Lock()
	lease, ok := e.leases[peer]
	delete(e.leases, peer)
	e.mu.Unlock()

	if ok {
		if _, err := e.cli.Revoke(ctx, lease); err != nil {
			return fmt.Errorf("etcd revoke: %w", err)
		}
		return nil
	}
	if _, err := e.cli.Delete(ctx, e.key(peer)); err != nil {
		return fmt.Errorf("etcd delete: %w", err)
	}
	return nil
}

// Changes implements Source with a prefix Get followed by a Watch from the
// next revision.
func (e *Etcd) Changes(ctx context.Context) (<-chan Change, error) {
	resp, err := e.cli.Get(ctx, e.prefix+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("etcd get: %w", err)
	}

	out := make(chan Change, 64)
	go func() {
		defer close(out)
		emit := func(c Change) bool {
			select {
			case out <- c:
				return true
			case <-ctx.Done():
				return false
			case <-e.ctx.Done():
				return false
			}
		}
		for _, kv := range resp.Kvs {
			peer := peerFromKey(e.prefix, kv.Key)
			if peer == "" {
				continue
			}
			if !emit(Change{Kind: Discovered, Entry: Entry{Peer: peer, Addr: string(kv.Value)}}) {
				return
			}
		}

		wctx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			select {
			case <-e.ctx.Done():
				cancel()
			case <-wctx.Done():
			}
		}()

		wch := e.cli.Watch(wctx, e.prefix+"/", clientv3.WithPrefix(), clientv3.WithRev(resp.Header.Revision+1))
		for wr := range wch {
			if err := wr.Err(); err != nil {
				e.log.Warn("watch error", map[string]interface{}{"error": err})
				continue
			}
			for _, ev := range wr.Events {
				peer := peerFromKey(e.prefix, ev.Kv.Key)
				if peer == "" {
					continue
				}
				c := Change{Kind: Discovered, Entry: Entry{Peer: peer, Addr: string(ev.Kv.Value)}}
				if ev.Type == clientv3.EventTypeDelete {
					c.Kind = Expired
				}
				if !emit(c) {
					return
				}
			}
		}
	}()
	return out, nil
}

// Close revokes every lease this source holds and closes the client.
func (e *Etcd) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	leases := e.leases
	e.leases = nil
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, l := range leases {
		e.cli.Revoke(ctx, l)
	}
	e.cancel()
	return e.cli.Close()
}
