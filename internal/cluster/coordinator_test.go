package cluster

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/arohanajit/kvstore-ecs/internal/hashring"
	"github.com/arohanajit/kvstore-ecs/internal/storage"
)

type sentRequest struct {
	Addr string
	Req  Request
}

// fakeTransport records every request and answers like a healthy node
// unless told otherwise
type fakeTransport struct {
	mu       sync.Mutex
	sent     []sentRequest
	down     map[string]bool
	failing  map[StatusCode]bool
	wrongAck map[string]bool
	onSend   func(Request)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		down:     make(map[string]bool),
		failing:  make(map[StatusCode]bool),
		wrongAck: make(map[string]bool),
	}
}

func (f *fakeTransport) Send(ctx context.Context, addr string, req Request) (Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.sent = append(f.sent, sentRequest{Addr: addr, Req: req})
	if f.onSend != nil {
		f.onSend(req)
	}
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	if f.down[addr] {
		return Response{}, fmt.Errorf("dial tcp %s: connection refused", addr)
	}
	if f.failing[req.Status] {
		return Response{ID: req.ID, Status: StatusError}, &RemoteError{Status: req.Status, Message: "injected"}
	}
	if req.Status == StatusHeartbeat && !f.wrongAck[addr] {
		return Response{ID: req.ID, Status: StatusHeartbeatAlive}, nil
	}
	return Response{ID: req.ID, Status: StatusSuccess}, nil
}

func (f *fakeTransport) setDown(addr string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down[addr] = true
}

func (f *fakeTransport) requests() []sentRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentRequest(nil), f.sent...)
}

func (f *fakeTransport) statuses() []StatusCode {
	var out []StatusCode
	for _, s := range f.requests() {
		out = append(out, s.Req.Status)
	}
	return out
}

func (f *fakeTransport) with(status StatusCode) []sentRequest {
	var out []sentRequest
	for _, s := range f.requests() {
		if s.Req.Status == status {
			out = append(out, s)
		}
	}
	return out
}

func (f *fakeTransport) addrsWith(status StatusCode) []string {
	var out []string
	for _, s := range f.with(status) {
		out = append(out, s.Addr)
	}
	return out
}

func (f *fakeTransport) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = nil
}

// testRing registers total nodes and commits the first onRing of them
func testRing(t *testing.T, total, onRing int) *hashring.HashRing {
	t.Helper()

	ring, err := hashring.New()
	require.NoError(t, err)
	for i := 1; i <= total; i++ {
		require.NoError(t, ring.Register(hashring.NodeRecord{
			Name: fmt.Sprintf("node%d", i),
			Host: fmt.Sprintf("10.0.0.%d", i),
			Port: 50000 + i,
		}))
	}
	for i := 1; i <= onRing; i++ {
		require.NoError(t, ring.AddServer(fmt.Sprintf("node%d", i)))
	}
	_, err = ring.UpdateRing()
	require.NoError(t, err)
	return ring
}

func newTestCoordinator(t *testing.T, total, onRing int) (*Coordinator, *fakeTransport, *storage.MemoryStore) {
	t.Helper()

	transport := newFakeTransport()
	store := storage.NewMemoryStore()
	coord := NewCoordinator(testRing(t, total, onRing), transport, store, Config{
		DefaultCache: hashring.CacheConfig{Strategy: hashring.CacheFIFO, Size: 10},
	}, nil)
	return coord, transport, store
}

func addrOf(t *testing.T, c *Coordinator, name string) string {
	t.Helper()
	n := c.Node(name)
	require.NotNil(t, n, name)
	return n.Key()
}

func TestCoordinator_StartStopShutdown(t *testing.T) {
	ctx := context.Background()
	ring := testRing(t, 4, 0)
	for _, name := range []string{"node1", "node2", "node3"} {
		require.NoError(t, ring.AddServer(name))
	}
	transport := newFakeTransport()
	store := storage.NewMemoryStore()
	coord := NewCoordinator(ring, transport, store, Config{}, nil)

	require.True(t, coord.Start(ctx))
	assert.Len(t, transport.with(StatusStart), 3)
	for _, name := range []string{"node1", "node2", "node3"} {
		assert.Equal(t, hashring.FlagStart, coord.Node(name).Flag, name)
	}
	assert.Equal(t, hashring.FlagIdle, coord.Node("node4").Flag)
	assert.Len(t, coord.Ring().Entries, 3)

	transport.reset()
	require.True(t, coord.Stop(ctx))
	assert.Len(t, transport.with(StatusStop), 3)
	for _, name := range []string{"node1", "node2", "node3"} {
		assert.Equal(t, hashring.FlagStop, coord.Node(name).Flag, name)
	}

	// Stopped nodes start again
	transport.reset()
	require.True(t, coord.Start(ctx))
	assert.Len(t, transport.with(StatusStart), 3)

	transport.reset()
	require.True(t, coord.Shutdown(ctx))
	assert.Len(t, transport.with(StatusShutdown), 3)
	for _, name := range []string{"node1", "node2", "node3"} {
		assert.Equal(t, hashring.FlagShutDown, coord.Node(name).Flag, name)
	}
	assert.Empty(t, coord.Ring().Entries)
	assert.NoError(t, coord.LastError())

	rec, err := store.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, string(MetadataShutdown), rec.Kind)
}

func TestCoordinator_StartReportsNodeFailure(t *testing.T) {
	ctx := context.Background()
	coord, transport, _ := newTestCoordinator(t, 3, 3)
	require.True(t, coord.Stop(ctx))

	transport.setDown(addrOf(t, coord, "node2"))
	assert.False(t, coord.Start(ctx))

	// The other nodes still got their request
	assert.Len(t, transport.with(StatusStart), 3)

	var terr *TransportError
	require.True(t, errors.As(coord.LastError(), &terr))
	assert.Equal(t, "node2", terr.Node)
	assert.Equal(t, StatusStart, terr.Status)
}

func TestCoordinator_AddNode(t *testing.T) {
	ctx := context.Background()
	coord, transport, store := newTestCoordinator(t, 4, 3)

	node := coord.AddNode(ctx, "lru", 50)
	require.NotNil(t, node)
	assert.Equal(t, "node4", node.Name)
	assert.Equal(t, hashring.FlagStart, node.Flag)
	assert.Equal(t, hashring.CacheConfig{Strategy: hashring.CacheLRU, Size: 50}, node.Cache)

	assert.Equal(t, []StatusCode{
		StatusInit,
		StatusWriteLock, StatusMoveData, StatusWriteUnlock,
		StatusUpdateMetadata, StatusUpdateMetadata, StatusUpdateMetadata, StatusUpdateMetadata,
	}, transport.statuses())

	sent := transport.requests()
	assert.Equal(t, node.Key(), sent[0].Addr)
	require.NotNil(t, sent[0].Req.Cache)
	assert.Equal(t, hashring.CacheLRU, sent[0].Req.Cache.Strategy)
	require.NotNil(t, sent[0].Req.Metadata)
	assert.Equal(t, "node4", sent[0].Req.Metadata.Node.Name)

	// The successor hands the new node its range
	require.Len(t, coord.Ring().Entries, 4)
	move := sent[2]
	require.NotNil(t, move.Req.Range)
	assert.Equal(t, node.Range, *move.Req.Range)
	assert.Equal(t, node.Key(), move.Req.Target)
	assert.Equal(t, sent[1].Addr, move.Addr)
	assert.Equal(t, sent[1].Addr, sent[3].Addr)
	assert.NotEqual(t, node.Key(), move.Addr)

	rec, err := store.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, string(MetadataNodeAdded), rec.Kind)
	assert.NoError(t, coord.LastError())
}

func TestCoordinator_AddNodeFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("invalid cache", func(t *testing.T) {
		coord, transport, _ := newTestCoordinator(t, 4, 3)
		assert.Nil(t, coord.AddNode(ctx, "RANDOM", 10))
		assert.True(t, IsPolicyError(coord.LastError()))
		assert.Empty(t, transport.requests())
		assert.Equal(t, hashring.FlagIdle, coord.Node("node4").Flag)
	})

	t.Run("no idle node", func(t *testing.T) {
		coord, transport, _ := newTestCoordinator(t, 3, 3)
		assert.Nil(t, coord.AddNode(ctx, hashring.CacheFIFO, 10))
		assert.ErrorIs(t, coord.LastError(), ErrNoIdleNode)
		assert.Empty(t, transport.requests())
	})

	t.Run("handoff failure leaves node on ring", func(t *testing.T) {
		coord, transport, _ := newTestCoordinator(t, 4, 3)
		transport.failing[StatusWriteLock] = true

		assert.Nil(t, coord.AddNode(ctx, hashring.CacheFIFO, 10))
		assert.Equal(t, hashring.FlagStart, coord.Node("node4").Flag)
		assert.Len(t, coord.Ring().Entries, 4)
		assert.Empty(t, transport.with(StatusMoveData))
		assert.Empty(t, transport.with(StatusUpdateMetadata))

		var rerr *RemoteError
		assert.True(t, errors.As(coord.LastError(), &rerr))
	})

	t.Run("unlock follows a failed move", func(t *testing.T) {
		coord, transport, _ := newTestCoordinator(t, 4, 3)
		transport.failing[StatusMoveData] = true

		assert.Nil(t, coord.AddNode(ctx, hashring.CacheFIFO, 10))
		assert.Len(t, transport.with(StatusWriteUnlock), 1)
	})
}

func TestCoordinator_CallErrorOutlivesLaterOperations(t *testing.T) {
	ctx := context.Background()
	coord, _, _ := newTestCoordinator(t, 4, 4)

	err := coord.LeaveNodes(ctx, []string{"node1", "node2"})
	require.True(t, IsPolicyError(err))

	// A recovery batch lands before the caller inspects the result
	report := coord.RecoverServers(ctx, []string{"node3"})
	require.NoError(t, report.Errors)
	assert.NoError(t, coord.LastError())

	assert.ErrorIs(t, err, ErrClusterTooSmall)
}

func TestCoordinator_CancelledCallerStillUnlocks(t *testing.T) {
	cancelOn := func(transport *fakeTransport, status StatusCode) (context.Context, context.CancelFunc) {
		ctx, cancel := context.WithCancel(context.Background())
		transport.onSend = func(req Request) {
			if req.Status == status {
				cancel()
			}
		}
		return ctx, cancel
	}

	t.Run("add node", func(t *testing.T) {
		coord, transport, _ := newTestCoordinator(t, 4, 3)
		ctx, cancel := cancelOn(transport, StatusMoveData)
		defer cancel()

		node, err := coord.JoinNode(ctx, hashring.CacheFIFO, 10)
		require.NoError(t, err)
		require.NotNil(t, node)

		locked := transport.addrsWith(StatusWriteLock)
		require.Len(t, locked, 1)
		assert.Equal(t, locked, transport.addrsWith(StatusWriteUnlock))
		assert.Len(t, transport.with(StatusUpdateMetadata), 4)
	})

	t.Run("unlock after cancelled failed move", func(t *testing.T) {
		coord, transport, _ := newTestCoordinator(t, 4, 3)
		transport.failing[StatusMoveData] = true
		ctx, cancel := cancelOn(transport, StatusMoveData)
		defer cancel()

		node, err := coord.JoinNode(ctx, hashring.CacheFIFO, 10)
		assert.Nil(t, node)
		assert.Error(t, err)
		assert.Equal(t, transport.addrsWith(StatusWriteLock), transport.addrsWith(StatusWriteUnlock))
	})

	t.Run("remove node", func(t *testing.T) {
		coord, transport, _ := newTestCoordinator(t, 4, 4)
		ctx, cancel := cancelOn(transport, StatusMoveData)
		defer cancel()

		require.NoError(t, coord.LeaveNodes(ctx, []string{"node2"}))
		assert.Equal(t, hashring.FlagShutDown, coord.Node("node2").Flag)
		assert.Equal(t, []string{addrOf(t, coord, "node2")}, transport.addrsWith(StatusShutdown))
	})
}

func TestCoordinator_AddNodes(t *testing.T) {
	ctx := context.Background()
	coord, _, _ := newTestCoordinator(t, 5, 3)

	added := coord.AddNodes(ctx, 3, hashring.CacheLFU, 20)
	require.Len(t, added, 2)
	assert.Equal(t, "node4", added[0].Name)
	assert.Equal(t, "node5", added[1].Name)
	assert.Len(t, coord.Ring().Entries, 5)
	assert.ErrorIs(t, coord.LastError(), ErrNoIdleNode)

	assert.Empty(t, coord.AddNodes(ctx, 1, hashring.CacheLFU, 20))
}

func TestCoordinator_RemoveNodesRefusedAtMinimum(t *testing.T) {
	ctx := context.Background()
	coord, transport, _ := newTestCoordinator(t, 3, 3)
	before := coord.Ring()

	assert.False(t, coord.RemoveNodes(ctx, []string{"node1"}))
	assert.Equal(t, before, coord.Ring())
	assert.Empty(t, transport.requests())
	assert.True(t, IsPolicyError(coord.LastError()))
	assert.ErrorIs(t, coord.LastError(), ErrClusterTooSmall)
}

func TestCoordinator_RemoveNodesPolicy(t *testing.T) {
	ctx := context.Background()
	coord, transport, _ := newTestCoordinator(t, 5, 4)

	assert.False(t, coord.RemoveNodes(ctx, []string{"ghost"}))
	assert.ErrorIs(t, coord.LastError(), hashring.ErrUnknownNode)

	assert.False(t, coord.RemoveNodes(ctx, []string{"node5"}))
	assert.ErrorIs(t, coord.LastError(), hashring.ErrNotOnRing)

	// Two removals would leave two nodes
	assert.False(t, coord.RemoveNodes(ctx, []string{"node1", "node2"}))
	assert.ErrorIs(t, coord.LastError(), ErrClusterTooSmall)

	assert.Empty(t, transport.requests())
	assert.Len(t, coord.Ring().Entries, 4)
}

func TestCoordinator_RemoveNode(t *testing.T) {
	ctx := context.Background()
	coord, transport, store := newTestCoordinator(t, 4, 4)

	victim := coord.Node("node2")
	var succName string
	for _, n := range coord.Nodes() {
		if n.Name != victim.Name && n.Range.Lower == victim.Range.Upper {
			succName = n.Name
		}
	}
	require.NotEmpty(t, succName)

	// Duplicates collapse to one removal
	require.True(t, coord.RemoveNodes(ctx, []string{"node2", "node2"}))

	sent := transport.requests()
	require.GreaterOrEqual(t, len(sent), 3)
	assert.Equal(t, StatusWriteLock, sent[0].Req.Status)
	assert.Equal(t, victim.Key(), sent[0].Addr)
	assert.Equal(t, StatusMoveData, sent[1].Req.Status)
	assert.Equal(t, victim.Range, *sent[1].Req.Range)
	assert.Equal(t, addrOf(t, coord, succName), sent[1].Req.Target)
	assert.Equal(t, StatusShutdown, sent[2].Req.Status)
	assert.Equal(t, victim.Key(), sent[2].Addr)

	// Only the survivors hear about it
	assert.Len(t, transport.with(StatusUpdateMetadata), 3)
	assert.NotContains(t, transport.addrsWith(StatusUpdateMetadata), victim.Key())

	assert.Equal(t, hashring.FlagShutDown, coord.Node("node2").Flag)
	assert.Len(t, coord.Ring().Entries, 3)

	rec, err := store.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, string(MetadataNodeRemoved), rec.Kind)
}

func TestCoordinator_RemoveNodeMoveFailureKeepsNode(t *testing.T) {
	ctx := context.Background()
	coord, transport, _ := newTestCoordinator(t, 4, 4)
	transport.failing[StatusMoveData] = true

	assert.False(t, coord.RemoveNodes(ctx, []string{"node1"}))
	assert.Equal(t, []StatusCode{StatusWriteLock, StatusMoveData, StatusWriteUnlock}, transport.statuses())
	assert.Equal(t, hashring.FlagStart, coord.Node("node1").Flag)
	assert.Len(t, coord.Ring().Entries, 4)
}

func TestCoordinator_BroadcastSkipsIdle(t *testing.T) {
	ctx := context.Background()
	coord, transport, store := newTestCoordinator(t, 5, 3)

	require.True(t, coord.BroadcastMetadataUpdates(ctx, MetadataRecovery))
	updates := transport.with(StatusUpdateMetadata)
	require.Len(t, updates, 3)
	for _, u := range updates {
		require.NotNil(t, u.Req.Metadata)
		assert.Equal(t, MetadataRecovery, u.Req.Metadata.Kind)
		assert.Equal(t, u.Addr, fmt.Sprintf("%s:%d", u.Req.Metadata.Node.Host, u.Req.Metadata.Node.Port))
		assert.Len(t, u.Req.Metadata.Ring.Entries, 3)
		assert.Len(t, u.Req.Metadata.Ring.Nodes, 5)
	}

	rec, err := store.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, string(MetadataRecovery), rec.Kind)
	assert.Equal(t, coord.Ring(), rec.Ring)
}

func TestCoordinator_LookupAndProbeTargets(t *testing.T) {
	coord, _, _ := newTestCoordinator(t, 4, 3)

	owner := coord.LookupKey("some-key")
	require.NotNil(t, owner)
	assert.True(t, owner.Flag.IsOnRing())

	targets := coord.ProbeTargets()
	require.Len(t, targets, 3)
	for _, target := range targets {
		assert.Equal(t, addrOf(t, coord, target.Name), target.Addr)
	}
}

type mockSnapshotStore struct {
	mock.Mock
}

func (m *mockSnapshotStore) Save(ctx context.Context, rec storage.Record) error {
	return m.Called(ctx, rec).Error(0)
}

func (m *mockSnapshotStore) Latest(ctx context.Context) (storage.Record, error) {
	args := m.Called(ctx)
	return args.Get(0).(storage.Record), args.Error(1)
}

func (m *mockSnapshotStore) Close() error {
	return m.Called().Error(0)
}

func TestCoordinator_SnapshotPersistence(t *testing.T) {
	ctx := context.Background()

	t.Run("version resumes from store", func(t *testing.T) {
		store := new(mockSnapshotStore)
		store.On("Latest", mock.Anything).Return(storage.Record{Version: 41}, nil)
		store.On("Save", mock.Anything, mock.MatchedBy(func(rec storage.Record) bool {
			return rec.Version == 42 && rec.Kind == string(MetadataCheckpoint)
		})).Return(nil).Once()

		coord := NewCoordinator(testRing(t, 3, 3), newFakeTransport(), store, Config{}, nil)
		require.NoError(t, coord.ResumeVersion(ctx))
		require.NoError(t, coord.Checkpoint(ctx))
		store.AssertExpectations(t)
	})

	t.Run("empty store starts from zero", func(t *testing.T) {
		store := new(mockSnapshotStore)
		store.On("Latest", mock.Anything).Return(storage.Record{}, storage.ErrSnapshotNotFound)

		coord := NewCoordinator(testRing(t, 3, 3), newFakeTransport(), store, Config{}, nil)
		assert.NoError(t, coord.ResumeVersion(ctx))
	})

	t.Run("save failure fails the operation", func(t *testing.T) {
		store := new(mockSnapshotStore)
		store.On("Save", mock.Anything, mock.Anything).Return(errors.New("redis unavailable"))

		coord := NewCoordinator(testRing(t, 3, 3), newFakeTransport(), store, Config{}, nil)
		assert.False(t, coord.Stop(ctx))
		assert.ErrorContains(t, coord.LastError(), "redis unavailable")
		// Nodes were still stopped
		assert.Equal(t, hashring.FlagStop, coord.Node("node1").Flag)
	})
}
