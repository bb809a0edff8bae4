package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/zsiec/fluxion/internal/config"
	"github.com/zsiec/fluxion/internal/engine"
	"github.com/zsiec/fluxion/internal/filter"
	"github.com/zsiec/fluxion/internal/graph"
)

var version = "dev"

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfgPath := envOr("FLUXIOND_CONFIG", "")
	cfg := config.Default()
	if cfgPath != "" {
		loaded, err := config.Load(cfgPath)
		if err != nil {
			slog.Error("failed to load config", "path", cfgPath, "error", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	eng, err := engine.New(cfg, builders(), nil)
	if err != nil {
		slog.Error("failed to construct engine", "error", err)
		os.Exit(1)
	}

	slog.Info("fluxiond starting",
		"version", version,
		"control_addr", cfg.Control.Addr,
		"worker_pool_size", cfg.Worker.PoolSize,
		"cert_hash", eng.Cert().FingerprintBase64(),
	)

	if err := eng.Run(ctx); err != nil {
		slog.Error("engine stopped with error", "error", err)
		os.Exit(1)
	}
}

// builders binds every control-plane-creatable filter.Kind to the
// concrete variant constructor the engine should use. The core carries no
// codec or transport implementations of its own; a deployment registers
// its receivers, decoders, encoders, and transmitters here behind the
// internal/boundary contracts.
func builders() map[filter.Kind]graph.FilterFactory {
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
