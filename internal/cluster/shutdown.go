package cluster

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/arohanajit/kvstore-ecs/internal/storage"
)

const defaultShutdownTimeout = 30 * time.Second

// ShutdownManager handles the graceful shutdown sequence of the coordinator
// process
type ShutdownManager struct {
	server         *http.Server
	monitor        *HeartbeatMonitor
	coordinator    *Coordinator
	store          storage.SnapshotStore
	logger         *zap.Logger
	timeout        time.Duration
	mu             sync.Mutex
	isShuttingDown bool
}

// NewShutdownManager creates a new ShutdownManager instance. Any component
// may be nil.
func NewShutdownManager(
	server *http.Server,
	monitor *HeartbeatMonitor,
	coordinator *Coordinator,
	store storage.SnapshotStore,
	logger *zap.Logger,
	timeout time.Duration,
) *ShutdownManager {
	if timeout == 0 {
		timeout = defaultShutdownTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &ShutdownManager{
		server:      server,
		monitor:     monitor,
		coordinator: coordinator,
		store:       store,
		logger:      logger,
		timeout:     timeout,
	}
}

// Shutdown performs a graceful shutdown of the coordinator
func (sm *ShutdownManager) Shutdown(ctx context.Context) error {
	sm.mu.Lock()
	if sm.isShuttingDown {
		sm.mu.Unlock()
		return fmt.Errorf("shutdown already in progress")
	}
	sm.isShuttingDown = true
	sm.mu.Unlock()

	sm.logger.Info("Starting graceful shutdown sequence")

	ctx, cancel := context.WithTimeout(ctx, sm.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- sm.shutdown(ctx)
	}()

	select {
	case err := <-done:
		if err != nil {
			sm.logger.Warn("Graceful shutdown completed with errors", zap.Error(err))
			return err
		}
		sm.logger.Info("Graceful shutdown completed successfully")
		return nil
	case <-ctx.Done():
		sm.logger.Warn("Graceful shutdown timed out, forcing exit")
		return ctx.Err()
	}
}

func (sm *ShutdownManager) shutdown(ctx context.Context) error {
	var errs error

	// Step 1: Stop accepting admin requests
	if sm.server != nil {
		sm.logger.Info("Stopping HTTP server - no longer accepting new requests")
		serverCtx, serverCancel := context.WithTimeout(ctx, 5*time.Second)
		defer serverCancel()
		if err := sm.server.Shutdown(serverCtx); err != nil {
			sm.logger.Error("Error shutting down HTTP server", zap.Error(err))
			errs = multierr.Append(errs, err)
		}
	}

	// Step 2: No more failure batches
	if sm.monitor != nil {
		sm.logger.Info("Stopping heartbeat monitor")
		sm.monitor.Stop()
	}

	// Step 3: Checkpoint waits for any in-flight recovery to release the lock
	if sm.coordinator != nil {
		sm.logger.Info("Persisting final ring snapshot")
		if err := sm.coordinator.Checkpoint(ctx); err != nil {
			sm.logger.Error("Error persisting final snapshot", zap.Error(err))
			errs = multierr.Append(errs, err)
		}
	}

	// Step 4: Release the snapshot store
	if sm.store != nil {
		if err := sm.store.Close(); err != nil {
			sm.logger.Error("Error closing snapshot store", zap.Error(err))
			errs = multierr.Append(errs, err)
		}
	}

	return errs
}
