package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"duplex-rpc/admin"
	"duplex-rpc/channel"
	"duplex-rpc/codec"
	"duplex-rpc/config"
	"duplex-rpc/middleware"
	"duplex-rpc/registry"
	"duplex-rpc/server"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// calcServer is one running calculator service with its side endpoints.
type calcServer struct {
	cfg      *config.Config
	logger   *zap.Logger
	registry registry.Registry
	endpoint registry.Endpoint

	in       *channel.InputChannel
	svc      *server.Service
	stopTick context.CancelFunc
	http     []*http.Server
	addrs    map[string]string // "rpc", "admin", "metrics" → listening address
}

func startServer(cfg *config.Config, logger *zap.Logger, reg registry.Registry, tickInterval time.Duration) (*calcServer, error) {
	s := &calcServer{cfg: cfg, logger: logger, registry: reg, addrs: make(map[string]string)}

	codecType, err := codec.ParseCodecType(cfg.Codec)
	if err != nil {
		return nil, err
	}
	ser, err := codec.GetSerializer(cfg.Serializer)
	if err != nil {
		return nil, err
	}

	promReg := prometheus.NewRegistry()
	mws := []middleware.Middleware{
		middleware.RecoveryMiddleware(logger),
		middleware.LoggingMiddleware(logger),
		middleware.MetricsMiddleware(middleware.NewMetrics(cfg.Metrics.Namespace, promReg)),
	}
	if cfg.Server.RateLimit > 0 {
		mws = append(mws, middleware.RateLimitMiddleware(cfg.Server.RateLimit, max(cfg.Server.RateBurst, 1)))
	}
	if d := cfg.Server.RequestTimeout.Duration; d > 0 {
		mws = append(mws, middleware.TimeoutMiddleware(d))
	}

	calc := newCalculator()
	s.svc, err = server.NewService(calculatorContract, calc.implementation(),
		server.WithCodec(codecType),
		server.WithSerializer(ser),
		server.WithMiddleware(mws...),
		server.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}

	conn, err := newInputConnector(cfg, logger)
	if err != nil {
		return nil, err
	}
	s.in = channel.NewInputChannel(cfg.ChannelID, conn, channel.WithInputLogger(logger))
	if err := s.svc.Attach(s.in); err != nil {
		return nil, err
	}
	if err := s.in.StartListening(); err != nil {
		return nil, err
	}
	s.addrs["rpc"] = conn.Addr()
	s.in.OnResponseReceiverConnected(func(ev channel.ConnectionEvent) {
		logger.Info("receiver connected", zap.String("receiver", ev.ResponseReceiverID))
	})
	s.in.OnResponseReceiverDisconnected(func(ev channel.ConnectionEvent) {
		logger.Info("receiver disconnected", zap.String("receiver", ev.ResponseReceiverID), zap.Error(ev.Err))
	})

	if cfg.Admin.Address != "" {
		if err := s.serveHTTP("admin", cfg.Admin.Address, admin.NewHandler(s.in, logger)); err != nil {
			s.Stop(context.Background())
			return nil, err
		}
	}
	if cfg.Metrics.Address != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
		if err := s.serveHTTP("metrics", cfg.Metrics.Address, mux); err != nil {
			s.Stop(context.Background())
			return nil, err
		}
	}

	if reg != nil {
		s.endpoint = endpointFor(cfg.Transport, s.addrs["rpc"], cfg.Registry.Weight)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := reg.Register(ctx, cfg.ChannelID, s.endpoint, cfg.Registry.LeaseTTL)
		cancel()
		if err != nil {
			s.Stop(context.Background())
			return nil, err
		}
	}

	tickCtx, stop := context.WithCancel(context.Background())
	s.stopTick = stop
	if tickInterval > 0 {
		go calc.run(tickCtx, tickInterval)
	}

	logger.Info("calculator service listening",
		zap.String("channel", cfg.ChannelID),
		zap.String("transport", cfg.Transport),
		zap.String("address", s.addrs["rpc"]))
	return s, nil
}

func (s *calcServer) serveHTTP(name, addr string, h http.Handler) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: h, ReadHeaderTimeout: 5 * time.Second}
	s.http = append(s.http, srv)
	s.addrs[name] = l.Addr().String()
	go func() {
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error(name+" server stopped", zap.Error(err))
		}
	}()
	return nil
}

// Stop deregisters the endpoint first so no new clients arrive, then lets running
// invocations finish before the listener goes away.
func (s *calcServer) Stop(ctx context.Context) error {
	var errs []error
	if s.stopTick != nil {
		s.stopTick()
	}
	if s.registry != nil && s.endpoint.Address != "" {
		if err := s.registry.Deregister(ctx, s.cfg.ChannelID, s.endpoint.Address); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.svc.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.in.StopListening(); err != nil && !errors.Is(err, channel.ErrNotListening) {
		errs = append(errs, err)
	}
	for _, srv := range s.http {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
