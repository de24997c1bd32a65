package registry

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// EtcdRegistry keeps endpoints in etcd under TTL leases: if the server crashes, the lease
// expires and the entry disappears on its own.
type EtcdRegistry struct {
	client *clientv3.Client // thread-safe, shared across goroutines
	logger *zap.Logger

	mu     sync.Mutex
	leases map[string]*lease // key → lease kept alive by this process
}

type lease struct {
	id     clientv3.LeaseID
	cancel context.CancelFunc
}

type EtcdOption func(*clientv3.Config)

func WithDialTimeout(d time.Duration) EtcdOption {
	return func(c *clientv3.Config) { c.DialTimeout = d }
}

func WithEtcdLogger(l *zap.Logger) EtcdOption {
	return func(c *clientv3.Config) { c.Logger = l }
}

func NewEtcdRegistry(endpoints []string, options ...EtcdOption) (*EtcdRegistry, error) {
	cfg := clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
		Logger:      zap.L().Named("etcd"),
	}
	for _, o := range options {
		o(&cfg)
	}
	c, err := clientv3.New(cfg)
	if err != nil {
		return nil, err
	}
	return &EtcdRegistry{
		client: c,
		logger: cfg.Logger.Named("registry"),
		leases: make(map[string]*lease),
	}, nil
}

// Register grants a lease, writes the endpoint under it and keeps the lease alive until
// Deregister or Close. Registering the same address again replaces the old lease.
//
// Lease bookkeeping lives in a map guarded by mu: several services may share one registry.
func (r *EtcdRegistry) Register(ctx context.Context, channelID string, ep Endpoint, ttl int64) error {
	val, err := json.Marshal(ep)
	if err != nil {
		return err
	}
	k := key(channelID, ep.Address)

	if ttl <= 0 {
		_, err = r.client.Put(ctx, k, string(val))
		return err
	}

	granted, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}
	if _, err = r.client.Put(ctx, k, string(val), clientv3.WithLease(granted.ID)); err != nil {
		return err
	}

	// The keep-alive outlives ctx, it ends with Deregister/Close
	kaCtx, cancel := context.WithCancel(context.Background())
	ch, err := r.client.KeepAlive(kaCtx, granted.ID)
	if err != nil {
		cancel()
		return err
	}
	go func() {
		for range ch {
		}
		r.logger.Debug("keep-alive ended", zap.String("key", k))
	}()

	r.mu.Lock()
	old := r.leases[k]
	r.leases[k] = &lease{id: granted.ID, cancel: cancel}
	r.mu.Unlock()
	if old != nil {
		old.cancel()
	}
	r.logger.Info("endpoint registered", zap.String("channel", channelID), zap.String("address", ep.Address), zap.Int64("ttl", ttl))
	return nil
}

// Deregister removes the endpoint. Called during graceful shutdown before the listener stops.
func (r *EtcdRegistry) Deregister(ctx context.Context, channelID string, address string) error {
	k := key(channelID, address)
	r.mu.Lock()
	l := r.leases[k]
	delete(r.leases, k)
	r.mu.Unlock()

	if l != nil {
		l.cancel()
		if _, err := r.client.Revoke(ctx, l.id); err != nil {
			r.logger.Warn("lease revoke failed", zap.String("key", k), zap.Error(err))
		}
	}
	_, err := r.client.Delete(ctx, k)
	return err
}

// Discover returns the endpoints registered for channelID, ordered by address.
func (r *EtcdRegistry) Discover(ctx context.Context, channelID string) ([]Endpoint, error) {
	resp, err := r.client.Get(ctx, prefix(channelID), clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	eps := make([]Endpoint, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var ep Endpoint
		if err := json.Unmarshal(kv.Value, &ep); err != nil {
			r.logger.Warn("skipping malformed endpoint", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		eps = append(eps, ep)
	}
	sort.Slice(eps, func(i, j int) bool { return eps[i].Address < eps[j].Address })
	return eps, nil
}

// Watch uses etcd's server-push watch and re-reads the full list on every change
// (simpler than applying individual events).
func (r *EtcdRegistry) Watch(ctx context.Context, channelID string) <-chan []Endpoint {
	ch := make(chan []Endpoint, 1)

	go func() {
		defer close(ch)
		watchChan := r.client.Watch(ctx, prefix(channelID), clientv3.WithPrefix())
		if eps, err := r.Discover(ctx, channelID); err == nil {
			offer(ch, eps)
		}
		for resp := range watchChan {
			if err := resp.Err(); err != nil {
				r.logger.Warn("watch error", zap.String("channel", channelID), zap.Error(err))
				continue
			}
			eps, err := r.Discover(ctx, channelID)
			if err != nil {
				r.logger.Warn("re-reading endpoints failed", zap.String("channel", channelID), zap.Error(err))
				continue
			}
			offer(ch, eps)
		}
	}()

	return ch
}

// Close stops every keep-alive and closes the etcd client. The leases then run out on their own.
func (r *EtcdRegistry) Close() error {
	r.mu.Lock()
	for k, l := range r.leases {
		l.cancel()
		delete(r.leases, k)
	}
	r.mu.Unlock()
	return r.client.Close()
}
