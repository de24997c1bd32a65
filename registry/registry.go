// Package registry maps channel ids to the endpoints serving them, so output channels can be
// opened by name instead of by address.
//
//	Key:   /duplex-rpc/{ChannelID}/{Address}
//	Value: JSON-encoded Endpoint
package registry

import (
	"context"
	"errors"
)

// Transport names used in Endpoint.Transport.
const (
	TransportTCP       = "tcp"
	TransportHTTP      = "http"
	TransportWebSocket = "ws"
)

var ErrNoEndpoints = errors.New("registry: no endpoints registered")

// Endpoint is one input channel listening for a channel id. Address is whatever the transport's
// client constructor takes: host:port for tcp, a URL for http and ws.
type Endpoint struct {
	Address   string `json:"address"`
	Transport string `json:"transport"`
	Weight    int    `json:"weight"` // Weight for load balancing
	Version   string `json:"version,omitempty"`
}

type Registry interface {
	// Register publishes ep for channelID. With ttl > 0 the entry expires unless kept alive.
	Register(ctx context.Context, channelID string, ep Endpoint, ttl int64) error
	Deregister(ctx context.Context, channelID string, address string) error
	Discover(ctx context.Context, channelID string) ([]Endpoint, error)
	// Watch emits the current endpoint list and then every change until ctx is done.
	Watch(ctx context.Context, channelID string) <-chan []Endpoint
	Close() error
}

func key(channelID, address string) string {
	return prefix(channelID) + address
}

func prefix(channelID string) string {
	return "/duplex-rpc/" + channelID + "/"
}

// offer replaces a value the watcher has not picked up yet, so a slow watcher always sees the
// latest list.
func offer(ch chan []Endpoint, eps []Endpoint) {
	select {
	case ch <- eps:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- eps:
	default:
	}
}
