// Command calc runs the calculator demo service or a client of it.
//
//	calc -mode server -config calc.yaml
//	calc -mode client -config calc.yaml -ticks 3
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"duplex-rpc/config"

	"go.uber.org/zap"
)

func main() {
	var (
		configPath = flag.String("config", "", "YAML configuration file (defaults are used when empty)")
		mode       = flag.String("mode", "server", "server or client")
		ticks      = flag.Int("ticks", 3, "client: Tick events to wait for")
		tick       = flag.Duration("tick", time.Second, "server: Tick event interval, 0 disables")
	)
	flag.Parse()

	if err := run(*configPath, *mode, *ticks, *tick); err != nil {
		fmt.Fprintln(os.Stderr, "calc:", err)
		os.Exit(1)
	}
}

func run(configPath, mode string, ticks int, tick time.Duration) error {
	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return err
		}
	}

	logger, err := cfg.Log.NewLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	reg, err := newRegistry(cfg, logger)
	if err != nil {
		return err
	}
	if reg != nil {
		defer reg.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch mode {
	case "server":
		s, err := startServer(cfg, logger, reg, tick)
		if err != nil {
			return err
		}
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
		defer cancel()
		return s.Stop(shutdownCtx)
	case "client":
		return runClient(ctx, cfg, logger, reg, os.Stdout, ticks)
	default:
		return fmt.Errorf("unknown mode %q", mode)
	}
}
