package registry

import (
	"context"
	"sort"
	"sync"
)

// MemoryRegistry is a process-local Registry for tests and single-process deployments.
// TTLs are ignored: entries stay until Deregister.
type MemoryRegistry struct {
	mu       sync.Mutex
	entries  map[string]map[string]Endpoint // channel id → address → endpoint
	watchers map[string]map[chan []Endpoint]struct{}
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		entries:  make(map[string]map[string]Endpoint),
		watchers: make(map[string]map[chan []Endpoint]struct{}),
	}
}

func (r *MemoryRegistry) Register(ctx context.Context, channelID string, ep Endpoint, ttl int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries[channelID] == nil {
		r.entries[channelID] = make(map[string]Endpoint)
	}
	r.entries[channelID][ep.Address] = ep
	r.notifyLocked(channelID)
	return nil
}

func (r *MemoryRegistry) Deregister(ctx context.Context, channelID string, address string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[channelID][address]; !ok {
		return nil
	}
	delete(r.entries[channelID], address)
	r.notifyLocked(channelID)
	return nil
}

func (r *MemoryRegistry) Discover(ctx context.Context, channelID string) ([]Endpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listLocked(channelID), nil
}

func (r *MemoryRegistry) Watch(ctx context.Context, channelID string) <-chan []Endpoint {
	ch := make(chan []Endpoint, 1)
	r.mu.Lock()
	if r.watchers[channelID] == nil {
		r.watchers[channelID] = make(map[chan []Endpoint]struct{})
	}
	r.watchers[channelID][ch] = struct{}{}
	offer(ch, r.listLocked(channelID))
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		delete(r.watchers[channelID], ch)
		r.mu.Unlock()
		close(ch)
	}()
	return ch
}

func (r *MemoryRegistry) Close() error { return nil }

func (r *MemoryRegistry) listLocked(channelID string) []Endpoint {
	eps := make([]Endpoint, 0, len(r.entries[channelID]))
	for _, ep := range r.entries[channelID] {
		eps = append(eps, ep)
	}
	sort.Slice(eps, func(i, j int) bool { return eps[i].Address < eps[j].Address })
	return eps
}

func (r *MemoryRegistry) notifyLocked(channelID string) {
	eps := r.listLocked(channelID)
	for ch := range r.watchers[channelID] {
		offer(ch, eps)
	}
}
