package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/arohanajit/kvstore-ecs/internal/api/rest"
	"github.com/arohanajit/kvstore-ecs/internal/cluster"
	"github.com/arohanajit/kvstore-ecs/internal/config"
	"github.com/arohanajit/kvstore-ecs/internal/hashring"
	"github.com/arohanajit/kvstore-ecs/internal/storage"
)

func main() {
	configPath := flag.String("config", os.Getenv("ECS_CONFIG"), "path to a YAML configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Initialize logger
	if err := config.InitLogger(cfg.Logging.Level); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	logger := config.GetLogger()
	defer config.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Error("Coordinator exited with error", zap.Error(err))
		config.Sync()
		os.Exit(1)
	}
	logger.Info("Coordinator shutdown completed")
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ring, err := hashring.New(cfg.NodeRecords()...)
	if err != nil {
		return fmt.Errorf("failed to build node table: %w", err)
	}

	store, err := newSnapshotStore(cfg, logger)
	if err != nil {
		return err
	}

	transport := cluster.Instrument(cluster.NewHTTPTransport(nil), logger.Named("transport"))
	defaultCache := cfg.DefaultCache()
	coord := cluster.NewCoordinator(ring, transport, store, cluster.Config{
		ReplicationFactor: cfg.ECS.ReplicationFactor,
		MinRingSize:       cfg.ECS.MinRingSize,
		RPCTimeout:        cfg.ECS.RPCTimeout,
		DefaultCache:      defaultCache,
	}, logger.Named("coordinator"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := coord.ResumeVersion(ctx); err != nil {
		logger.Warn("Could not read the last snapshot, numbering from zero", zap.Error(err))
	}

	// Bootstrap the initial ring
	if n := cfg.ECS.InitialNodes; n > 0 {
		added, err := coord.JoinNodes(ctx, n, defaultCache.Strategy, defaultCache.Size)
		if len(added) < n {
			logger.Warn("Bootstrapped fewer nodes than requested",
				zap.Int("requested", n),
				zap.Int("added", len(added)),
				zap.Error(err))
		} else {
			logger.Info("Bootstrapped ring", zap.Int("nodes", len(added)))
		}
	}

	monitor := cluster.NewHeartbeatMonitor(transport, coord.ProbeTargets,
		cfg.ECS.HeartbeatInterval, cfg.ECS.ProbeTimeout, logger.Named("heartbeat"))

	router := rest.NewRouter(rest.NewClusterHandler(coord), rest.RouterConfig{
		RequestTimeout: cfg.Server.RequestTimeout,
		MetricsEnabled: cfg.Metrics.Enabled,
		MetricsPath:    cfg.Metrics.Path,
	}, logger.Named("admin"))

	server := &http.Server{
		Addr:         cfg.Address(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	shutdownMgr := cluster.NewShutdownManager(server, monitor, coord, store, logger, cfg.Server.ShutdownTimeout)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Starting admin server", zap.String("address", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		monitor.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return coord.Run(gctx, monitor.Failures())
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Received shutdown signal")

		// The signal context is already done, so shutdown gets a fresh one
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return shutdownMgr.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func newSnapshotStore(cfg *config.Config, logger *zap.Logger) (storage.SnapshotStore, error) {
	switch cfg.Snapshot.Backend {
	case "redis":
		store, err := storage.NewRedisStore(
			cfg.Snapshot.RedisAddr,
			cfg.Snapshot.RedisPassword,
			cfg.Snapshot.RedisDB,
			cfg.Snapshot.RedisKey,
			logger.Named("snapshot"),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		return store, nil
	default:
		return storage.NewMemoryStore(), nil
	}
}
