package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"strings"
	"sync"

	"duplex-rpc/registry"
)

// ConsistentHashBalancer maps keys to endpoints on a hash ring. The same key always maps to the
// same endpoint until the endpoint set changes, and then only keys of the changed endpoints
// move. Keyed by response receiver id this keeps an HTTP polling session on one server.
//
// Each endpoint is placed on the ring as 100 virtual nodes for an even spread.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
type ConsistentHashBalancer struct {
	replicas int

	mu    sync.Mutex
	set   string                        // addresses the ring was built from
	ring  []uint32                      // sorted hash values
	nodes map[uint32]*registry.Endpoint // hash value → endpoint
}

func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: 100,
		nodes:    make(map[uint32]*registry.Endpoint),
	}
}

// Add places an endpoint on the ring. Each virtual node is hashed from "{address}#{i}".
func (b *ConsistentHashBalancer) Add(ep *registry.Endpoint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.addLocked(ep)
}

func (b *ConsistentHashBalancer) addLocked(ep *registry.Endpoint) {
	for i := 0; i < b.replicas; i++ {
		hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", ep.Address, i)))
		if _, taken := b.nodes[hash]; !taken {
			b.ring = append(b.ring, hash)
		}
		b.nodes[hash] = ep
	}
	sort.Slice(b.ring, func(i, j int) bool { return b.ring[i] < b.ring[j] })
}

// Lookup returns the endpoint responsible for key on the current ring.
func (b *ConsistentHashBalancer) Lookup(key string) (*registry.Endpoint, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lookupLocked(key)
}

func (b *ConsistentHashBalancer) lookupLocked(key string) (*registry.Endpoint, error) {
	if len(b.ring) == 0 {
		return nil, ErrNoEndpoints
	}
	hash := crc32.ChecksumIEEE([]byte(key))
	// First node clockwise, wrapping around to the start
	idx := sort.Search(len(b.ring), func(i int) bool { return b.ring[i] >= hash })
	if idx == len(b.ring) {
		idx = 0
	}
	return b.nodes[b.ring[idx]], nil
}

// Pick rebuilds the ring when endpoints differ from the last call and looks key up.
func (b *ConsistentHashBalancer) Pick(key string, endpoints []registry.Endpoint) (*registry.Endpoint, error) {
	if err := checkEndpoints(endpoints); err != nil {
		return nil, err
	}
	addrs := make([]string, len(endpoints))
	for i, ep := range endpoints {
		addrs[i] = ep.Address
	}
	sort.Strings(addrs)
	set := strings.Join(addrs, ",")

	b.mu.Lock()
	defer b.mu.Unlock()
	if set != b.set {
		b.set = set
		b.ring = b.ring[:0]
		b.nodes = make(map[uint32]*registry.Endpoint)
		for i := range endpoints {
			ep := endpoints[i]
			b.addLocked(&ep)
		}
	}
	return b.lookupLocked(key)
}

func (b *ConsistentHashBalancer) Name() string {
	return "consistent_hash"
}
