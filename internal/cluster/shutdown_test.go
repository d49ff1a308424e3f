package cluster

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestShutdownManager_Shutdown(t *testing.T) {
	ctx := context.Background()
	coord, transport, store := newTestCoordinator(t, 3, 3)

	server := &http.Server{Handler: http.NotFoundHandler()}

	monitor := NewHeartbeatMonitor(transport, coord.ProbeTargets, time.Hour, 0, nil)
	go monitor.Run(ctx)

	sm := NewShutdownManager(server, monitor, coord, store, nil, time.Second)
	require.NoError(t, sm.Shutdown(ctx))

	rec, err := store.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, string(MetadataCheckpoint), rec.Kind)

	_, ok := <-monitor.Failures()
	assert.False(t, ok, "monitor should be stopped")

	err = sm.Shutdown(ctx)
	assert.ErrorContains(t, err, "already in progress")
}

func TestShutdownManager_ReportsStoreErrors(t *testing.T) {
	store := new(mockSnapshotStore)
	store.On("Save", mock.Anything, mock.Anything).Return(nil)
	store.On("Close").Return(assert.AnError)

	coord := NewCoordinator(testRing(t, 3, 3), newFakeTransport(), store, Config{}, nil)
	sm := NewShutdownManager(nil, nil, coord, store, nil, time.Second)

	assert.ErrorIs(t, sm.Shutdown(context.Background()), assert.AnError)
	store.AssertExpectations(t)
}

func TestShutdownManager_WaitsForRecovery(t *testing.T) {
	coord, _, store := newTestCoordinator(t, 3, 3)

	// Hold the lock as an in-flight recovery batch would
	coord.mu.Lock()
	released := make(chan struct{})
	go func() {
		time.Sleep(50 * time.Millisecond)
		close(released)
		coord.mu.Unlock()
	}()

	sm := NewShutdownManager(nil, nil, coord, store, nil, time.Second)
	require.NoError(t, sm.Shutdown(context.Background()))

	select {
	case <-released:
	default:
		t.Fatal("shutdown finished before the lock was released")
	}
	_, err := store.Latest(context.Background())
	assert.NoError(t, err)
}
