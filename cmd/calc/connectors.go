package main

import (
	"fmt"

	"duplex-rpc/config"
	"duplex-rpc/discovery"
	"duplex-rpc/loadbalance"
	"duplex-rpc/registry"
	"duplex-rpc/transport"

	"go.uber.org/zap"
)

type listener interface {
	transport.InputConnector
	Addr() string
}

func newInputConnector(cfg *config.Config, logger *zap.Logger) (listener, error) {
	opts := []transport.ServerOption{transport.WithServerLogger(logger)}
	if d := cfg.Server.InactivityTimeout.Duration; d > 0 {
		opts = append(opts, transport.WithInactivityTimeout(d))
	}
	switch cfg.Transport {
	case registry.TransportTCP:
		return transport.NewTCPServer(cfg.Address, opts...), nil
	case registry.TransportHTTP:
		opts = append(opts, transport.WithListenAddress(cfg.Address))
		if cfg.Server.MaxPollBytes > 0 {
			opts = append(opts, transport.WithMaxPollBytes(cfg.Server.MaxPollBytes))
		}
		return transport.NewHTTPServer(opts...), nil
	case registry.TransportWebSocket:
		opts = append(opts, transport.WithListenAddress(cfg.Address))
		return transport.NewWebSocketServer(opts...), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

// endpointFor turns a listening address into what the transport's client connector dials.
func endpointFor(transportName, addr string, weight int) registry.Endpoint {
	ep := registry.Endpoint{Address: addr, Transport: transportName, Weight: weight}
	switch transportName {
	case registry.TransportHTTP:
		ep.Address = "http://" + addr + "/"
	case registry.TransportWebSocket:
		ep.Address = "ws://" + addr + "/"
	}
	return ep
}

func clientOptions(cfg *config.Config, logger *zap.Logger) []transport.ClientOption {
	opts := []transport.ClientOption{transport.WithClientLogger(logger)}
	if d := cfg.Client.DialTimeout.Duration; d > 0 {
		opts = append(opts, transport.WithDialTimeout(d))
	}
	if d := cfg.Client.PollInterval.Duration; d > 0 {
		opts = append(opts, transport.WithPollInterval(d))
	}
	if d := cfg.Client.HeartbeatInterval.Duration; d > 0 {
		opts = append(opts, transport.WithHeartbeat(d))
	}
	return opts
}

// newOutputConnector dials cfg.Address directly, or resolves the channel id through reg when
// discovery is on.
func newOutputConnector(cfg *config.Config, reg registry.Registry, receiverID string, logger *zap.Logger) (transport.OutputConnector, error) {
	dialer := discovery.DefaultDialer(clientOptions(cfg, logger)...)
	if !cfg.Client.Discovery {
		return dialer(endpointFor(cfg.Transport, cfg.Address, 0))
	}
	b, err := loadbalance.New(cfg.Client.LoadBalancer)
	if err != nil {
		return nil, err
	}
	return discovery.NewConnector(reg, cfg.ChannelID,
		discovery.WithBalancer(b),
		discovery.WithDialer(dialer),
		discovery.WithAffinityKey(receiverID),
		discovery.WithLogger(logger),
	), nil
}

func newRegistry(cfg *config.Config, logger *zap.Logger) (registry.Registry, error) {
	switch cfg.Registry.Type {
	case "":
		return nil, nil
	case "memory":
		return registry.NewMemoryRegistry(), nil
	case "etcd":
		return registry.NewEtcdRegistry(cfg.Registry.Endpoints,
			registry.WithDialTimeout(cfg.Registry.DialTimeout.Duration),
			registry.WithEtcdLogger(logger.Named("etcd")))
	default:
		return nil, fmt.Errorf("unknown registry type %q", cfg.Registry.Type)
	}
}
