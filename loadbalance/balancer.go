// Package loadbalance picks the endpoint an output channel connects to when several input
// channels serve the same channel id.
//
// Three strategies are implemented:
//   - RoundRobin:      stateless services, equal-capacity endpoints
//   - WeightedRandom:  heterogeneous endpoints (different CPU/memory)
//   - ConsistentHash:  sticky sessions, the same response receiver always lands on the same endpoint
package loadbalance

import (
	"fmt"

	"duplex-rpc/registry"
)

var ErrNoEndpoints = registry.ErrNoEndpoints

// Balancer selects one endpoint. key is the response receiver id of the connecting output
// channel; strategies without affinity ignore it. Pick must be goroutine-safe.
type Balancer interface {
	Pick(key string, endpoints []registry.Endpoint) (*registry.Endpoint, error)

	// Name returns the strategy name (for logging/config).
	Name() string
}

// New returns the balancer called name: "round_robin", "weighted_random" or "consistent_hash".
func New(name string) (Balancer, error) {
	switch name {
	case "", "round_robin":
		return &RoundRobinBalancer{}, nil
	case "weighted_random":
		return &WeightedRandomBalancer{}, nil
	case "consistent_hash":
		return NewConsistentHashBalancer(), nil
	default:
		return nil, fmt.Errorf("loadbalance: unknown strategy %q", name)
	}
}

func checkEndpoints(endpoints []registry.Endpoint) error {
	if len(endpoints) == 0 {
		return ErrNoEndpoints
	}
	return nil
}
