// commlink-bridge runs the bridges declared in a YAML configuration file
// until interrupted. Each bridge connects its source and destination
// backends and relays until SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/commlink-io/commlink-go"
	"github.com/commlink-io/commlink-go/bridge"
	"github.com/commlink-io/commlink-go/config"
)

func main() {
	configPath := flag.String("config", "bridges.yaml", "path to the bridge configuration file")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	// Optional .env for credentials referenced from the shell environment.
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(*logLevel),
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("could not load configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}

	bridges := make([]namedBridge, 0, len(cfg.Bridges))
	for _, bc := range cfg.Bridges {
		b, err := buildBridge(bc)
		if err != nil {
			logger.Error("could not build bridge", "bridge", bc.Name, "error", err)
			os.Exit(1)
		}
		bridges = append(bridges, namedBridge{name: bc.Name, runner: b})
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	for _, nb := range bridges {
		wg.Add(1)
		go func(nb namedBridge) {
			defer wg.Done()
			logger.Info("starting bridge", "bridge", nb.name)
			if err := nb.runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("bridge stopped", "bridge", nb.name, "error", err)
				stop()
				return
			}
			logger.Info("bridge stopped", "bridge", nb.name)
		}(nb)
	}

	<-ctx.Done()
	logger.Info("shutting down")

	for _, nb := range bridges {
		if err := nb.runner.Stop(); err != nil {
			logger.Error("bridge shutdown failed", "bridge", nb.name, "error", err)
		}
	}

	waitWithDeadline(&wg, 10*time.Second, logger)
}

// runner is the surface both bridge variants share.
type runner interface {
	Run(ctx context.Context) error
	Stop() error
}

type namedBridge struct {
	name   string
	runner runner
}

func buildBridge(bc config.Bridge) (runner, error) {
	sourceDriver, err := commlink.Driver(commlink.Backend(bc.Source.Backend))
	if err != nil {
		return nil, err
	}
	destDriver, err := commlink.Driver(commlink.Backend(bc.Destination.Backend))
	if err != nil {
		return nil, err
	}

	spec := bridge.Spec{
		Source: bridge.Endpoint{
			Driver:  sourceDriver,
			Params:  bc.Source.Params(),
			Address: bc.Source.Address,
		},
		Destination: bridge.Endpoint{
			Driver:  destDriver,
			Params:  bc.Destination.Params(),
			Address: bc.Destination.Address,
		},
		CallTimeout: bc.CallTimeout.Std(),
	}

	switch bc.Kind {
	case "rpc":
		spec.Kind = bridge.KindRPC
		return bridge.NewRPCBridge(spec)
	default:
		spec.Kind = bridge.KindTopic
		return bridge.NewTopicBridge(spec)
	}
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func waitWithDeadline(wg *sync.WaitGroup, timeout time.Duration, logger *slog.Logger) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		logger.Warn("shutdown deadline exceeded")
	}
}
