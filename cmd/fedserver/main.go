// Command fedserver runs the federation control plane as a long-lived
// process: it loads configuration, starts the Registry, Router, and Health
// Monitor, and serves an HTTP admin surface plus Prometheus metrics.
//
// Example build command:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD)"
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/haasonsaas/federation/internal/config"
	"github.com/haasonsaas/federation/internal/controlplane"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	configPath := "federation.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	if err := run(context.Background(), configPath); err != nil {
		slog.Error("fedserver exited with error", "error", err)
		os.Exit(1)
	}
}

func run(parent context.Context, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	slog.Info("starting federation control plane",
		"version", version,
		"commit", commit,
		"config", configPath,
		"store_driver", cfg.Store.Driver,
	)

	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cp, err := controlplane.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("building control plane: %w", err)
	}
	cp.Start(ctx)

	mux := http.NewServeMux()
	mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(cp.Metrics.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/v1/capacity", func(w http.ResponseWriter, r *http.Request) {
		writeJSONCapacity(w, cp)
	})

	srv := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: mux,
	}

	serveErrCh := make(chan error, 1)
	go func() {
		slog.Info("admin HTTP server listening", "addr", cfg.Server.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErrCh <- err
			return
		}
		serveErrCh <- nil
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received, initiating graceful shutdown")
	case err := <-serveErrCh:
		if err != nil {
			cp.Stop()
			return fmt.Errorf("admin server: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("admin server did not shut down cleanly", "error", err)
	}

	cp.Stop()
	slog.Info("federation control plane stopped gracefully")
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); err != nil {
		slog.Warn("config file not found, using defaults", "path", path)
		return config.Defaults(), nil
	}
	return config.Load(path)
}

func writeJSONCapacity(w http.ResponseWriter, cp *controlplane.ControlPlane) {
	report, err := cp.Registry.GetCapacityReport(context.Background())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(report); err != nil {
		slog.Error("failed to encode capacity report", "error", err)
	}
}
