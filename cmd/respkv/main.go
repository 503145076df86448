package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"respkv/internal/config"
	"respkv/internal/logging"
	"respkv/internal/metrics"
	"respkv/internal/pubsub"
	"respkv/internal/server"
	"respkv/internal/store"
)

func main() {
	var flags config.Flags
	flag.IntVar(&flags.Port, "port", 0, "listen port (overrides config)")
	flag.StringVar(&flags.ReplicaOf, "replicaof", "", `run as replica of "<host> <port>"`)
	flag.BoolVar(&flags.Debug, "debug", false, "enable debug logging")
	flag.Parse()

	cfg, err := config.Load(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() // nolint:errcheck

	metricsRegistry := metrics.NewRegistry()
	st := store.New()
	registry := pubsub.NewRegistry()
	srv := server.New(cfg, logger, st, registry, metricsRegistry)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		logger.Error("failed to start server", zap.Error(err))
		os.Exit(1)
	}

	if cfg.Replication.Role == config.RoleReplica {
		masterAddr := fmt.Sprintf("%s:%d", cfg.Replication.MasterHost, cfg.Replication.MasterPort)
		go func() {
			sock, err := server.Handshake(ctx, masterAddr, cfg.Server.Port, logger)
			if err != nil {
				logger.Error("replica handshake failed", zap.Error(err))
				return
			}
			// Hold the registration open until shutdown.
			<-ctx.Done()
			_ = sock.Close()
		}()
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Metrics.Enabled {
		g.Go(func() error {
			return runMetricsServer(gctx, cfg, metricsRegistry, st, logger)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("runtime error", zap.Error(err))
	}

	logger.Info("shutdown signal received")
	srv.Stop()
}

func runMetricsServer(ctx context.Context, cfg config.Config, reg *metrics.Registry, st *store.Store, logger *zap.Logger) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":    "healthy",
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
			"keys":      st.Len(),
		})
	})
	mux.Handle("/metrics", reg.Handler())

	httpServer := &http.Server{
		Addr:         cfg.Metrics.ListenAddr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics http server starting", zap.String("addr", cfg.Metrics.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics http server shutdown error", zap.Error(err))
		}
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}
