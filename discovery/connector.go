// Package discovery opens output channels by channel id: the endpoint is looked up in a
// registry and chosen by a load balancer each time the connection is opened.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"duplex-rpc/loadbalance"
	"duplex-rpc/protocol"
	"duplex-rpc/registry"
	"duplex-rpc/transport"

	"go.uber.org/zap"
)

// Dialer builds the concrete connector for an endpoint.
type Dialer func(ep registry.Endpoint) (transport.OutputConnector, error)

// DefaultDialer maps Endpoint.Transport to the connectors of package transport.
func DefaultDialer(options ...transport.ClientOption) Dialer {
	return func(ep registry.Endpoint) (transport.OutputConnector, error) {
		switch ep.Transport {
		case registry.TransportTCP, "":
			return transport.NewTCPClient(ep.Address, options...), nil
		case registry.TransportHTTP:
			return transport.NewHTTPClient(ep.Address, options...), nil
		case registry.TransportWebSocket:
			return transport.NewWebSocketClient(ep.Address, options...), nil
		default:
			return nil, fmt.Errorf("discovery: unsupported transport %q", ep.Transport)
		}
	}
}

type Options struct {
	Balancer loadbalance.Balancer
	Dialer   Dialer
	Key      string // affinity key passed to the balancer, usually the response receiver id
	Logger   *zap.Logger
}

type Option func(*Options)

func WithBalancer(b loadbalance.Balancer) Option {
	return func(opts *Options) { opts.Balancer = b }
}

func WithDialer(d Dialer) Option {
	return func(opts *Options) { opts.Dialer = d }
}

func WithAffinityKey(key string) Option {
	return func(opts *Options) { opts.Key = key }
}

func WithLogger(l *zap.Logger) Option {
	return func(opts *Options) { opts.Logger = l }
}

// Connector is a transport.OutputConnector that resolves its endpoint on every Open. When an
// endpoint cannot be opened the next candidate is tried until none is left.
type Connector struct {
	registry  registry.Registry
	channelID string
	opts      *Options
	logger    *zap.Logger

	mu       sync.Mutex
	current  transport.OutputConnector
	endpoint registry.Endpoint
}

func NewConnector(reg registry.Registry, channelID string, options ...Option) *Connector {
	opts := &Options{Balancer: &loadbalance.RoundRobinBalancer{}}
	for _, o := range options {
		o(opts)
	}
	if opts.Logger == nil {
		opts.Logger = zap.L()
	}
	if opts.Dialer == nil {
		opts.Dialer = DefaultDialer(transport.WithClientLogger(opts.Logger))
	}
	return &Connector{
		registry:  reg,
		channelID: channelID,
		opts:      opts,
		logger:    opts.Logger.Named("discovery").With(zap.String("channel", channelID)),
	}
}

func (c *Connector) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil && c.current.IsOpen() {
		return transport.ErrAlreadyOpen
	}

	candidates, err := c.registry.Discover(ctx, c.channelID)
	if err != nil {
		return fmt.Errorf("discovery: resolving %s: %w", c.channelID, err)
	}

	var errs []error
	for len(candidates) > 0 {
		ep, err := c.opts.Balancer.Pick(c.opts.Key, candidates)
		if err != nil {
			return err
		}
		picked := *ep
		candidates = without(candidates, picked.Address)

		conn, err := c.opts.Dialer(picked)
		if err == nil {
			err = conn.Open(ctx)
		}
		if err != nil {
			c.logger.Warn("endpoint unavailable", zap.String("address", picked.Address), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", picked.Address, err))
			if ctx.Err() != nil {
				break
			}
			continue
		}

		c.logger.Debug("endpoint selected", zap.String("address", picked.Address), zap.String("transport", picked.Transport),
			zap.String("balancer", c.opts.Balancer.Name()))
		c.current = conn
		c.endpoint = picked
		return nil
	}
	if len(errs) == 0 {
		return fmt.Errorf("discovery: %s: %w", c.channelID, registry.ErrNoEndpoints)
	}
	return fmt.Errorf("discovery: %s: %w", c.channelID, errors.Join(errs...))
}

func without(eps []registry.Endpoint, address string) []registry.Endpoint {
	out := make([]registry.Endpoint, 0, len(eps))
	for _, ep := range eps {
		if ep.Address != address {
			out = append(out, ep)
		}
	}
	return out
}

func (c *Connector) conn() transport.OutputConnector {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *Connector) Receive(onFrame transport.FrameHandler, onClose transport.CloseHandler) error {
	conn := c.conn()
	if conn == nil {
		return transport.ErrNotOpen
	}
	return conn.Receive(onFrame, onClose)
}

func (c *Connector) Send(f *protocol.Frame) error {
	conn := c.conn()
	if conn == nil {
		return transport.ErrNotOpen
	}
	return conn.Send(f)
}

func (c *Connector) Close() error {
	conn := c.conn()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (c *Connector) IsOpen() bool {
	conn := c.conn()
	return conn != nil && conn.IsOpen()
}

// Endpoint returns the endpoint of the last successful Open.
func (c *Connector) Endpoint() (registry.Endpoint, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endpoint, c.current != nil
}
