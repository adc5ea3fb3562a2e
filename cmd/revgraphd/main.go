// Command revgraphd is the revgraph server daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"revgraph/api"
	"revgraph/config"
	"revgraph/repo"
)

func main() {
	// Parse flags
	listen := flag.String("listen", "", "Address to listen on (default: :7450)")
	dataDir := flag.String("data", "", "Data directory (default: ./data)")
	backend := flag.String("backend", "", "Store for new graphs: sqlite or badger (default: sqlite)")
	configFile := flag.String("config", "", "YAML config file")
	flag.Parse()

	// Load config (file overrides env, flags override both)
	cfg := config.FromEnv()
	if *configFile != "" {
		if err := cfg.LoadFile(*configFile); err != nil {
			config.FromEnv().NewLogger(os.Stderr).Error("loading config", "error", err)
			os.Exit(1)
		}
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *backend != "" {
		cfg.Backend = *backend
	}

	logger := cfg.NewLogger(os.Stderr)
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger.Info("revgraphd starting",
		"listen", cfg.Listen,
		"data", cfg.DataDir,
		"backend", cfg.Backend,
		"max_open", cfg.MaxOpenGraphs,
		"idle_ttl", cfg.IdleTTL,
		"auto_replay", cfg.AutoReplay,
		"replay_interval", cfg.ReplayInterval,
		"max_pack_mb", cfg.MaxPackSize/(1024*1024),
		"auth", cfg.AuthSecret != "",
		"version", cfg.Version)

	// Create data directory if needed
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		logger.Error("failed to create data directory", "error", err)
		os.Exit(1)
	}

	// Create graph registry
	registry := repo.NewRegistry(repo.RegistryConfig{
		DataDir:        cfg.DataDir,
		Backend:        cfg.Backend,
		MaxOpen:        cfg.MaxOpenGraphs,
		IdleTTL:        cfg.IdleTTL,
		AutoReplay:     cfg.AutoReplay,
		ReplayInterval: cfg.ReplayInterval,
		Logger:         logger,
	})
	defer registry.Close()

	srv := &http.Server{
		Addr:        cfg.Listen,
		Handler:     api.NewRouter(registry, cfg, logger),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	// Handle graceful shutdown
	done := make(chan struct{})
	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)
		<-sigint

		logger.Info("shutting down")

		// Give connections 30s to finish
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", "error", err)
		}

		close(done)
	}()

	// Start server
	logger.Info("revgraphd listening", "addr", cfg.Listen)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}

	<-done
	logger.Info("revgraphd stopped")
}
