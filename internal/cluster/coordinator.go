package cluster

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/arohanajit/kvstore-ecs/internal/hashring"
	"github.com/arohanajit/kvstore-ecs/internal/metrics"
	"github.com/arohanajit/kvstore-ecs/internal/storage"
)

const (
	defaultReplicationFactor = 2
	defaultMinRingSize       = 3
	defaultRPCTimeout        = 5 * time.Second
)

// Config holds the coordinator's tunables
type Config struct {
	ReplicationFactor int
	MinRingSize       int
	RPCTimeout        time.Duration
	DefaultCache      hashring.CacheConfig
}

func (c Config) withDefaults() Config {
	if c.ReplicationFactor <= 0 {
		c.ReplicationFactor = defaultReplicationFactor
	}
	if c.MinRingSize <= 0 {
		c.MinRingSize = defaultMinRingSize
	}
	if c.RPCTimeout <= 0 {
		c.RPCTimeout = defaultRPCTimeout
	}
	if c.DefaultCache.Strategy == "" {
		c.DefaultCache = hashring.CacheConfig{Strategy: hashring.CacheFIFO, Size: 100}
	}
	return c
}

// Coordinator owns the ring and node table. Every membership operation and
// every recovery batch holds mu from start to finish.
type Coordinator struct {
	mu        sync.Mutex
	ring      *hashring.HashRing
	transport Transport
	store     storage.SnapshotStore
	cfg       Config
	logger    *zap.Logger
	metrics   *metrics.PrometheusMetrics
	collector *metrics.ClusterMetricsCollector
	lastErr   error
	version   uint64
}

// NewCoordinator creates a coordinator over ring. A nil store keeps
// snapshots in memory.
func NewCoordinator(ring *hashring.HashRing, transport Transport, store storage.SnapshotStore, cfg Config, logger *zap.Logger) *Coordinator {
	if store == nil {
		store = storage.NewMemoryStore()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Coordinator{
		ring:      ring,
		transport: transport,
		store:     store,
		cfg:       cfg.withDefaults(),
		logger:    logger,
		metrics:   metrics.GetMetrics(),
		collector: metrics.NewClusterMetricsCollector(),
	}
	c.collector.Observe(ring.Nodes())
	return c
}

// ResumeVersion continues snapshot numbering from the last persisted record
func (c *Coordinator) ResumeVersion(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, err := c.store.Latest(ctx)
	if errors.Is(err, storage.ErrSnapshotNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read latest snapshot: %w", err)
	}
	if rec.Version > c.version {
		c.version = rec.Version
	}
	return nil
}

// Start starts every STOP node and every node staged for insertion
func (c *Coordinator) Start(ctx context.Context) bool {
	return c.StartNodes(ctx) == nil
}

// StartNodes is Start returning the aggregated per-node error
func (c *Coordinator) StartNodes(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs error
	staged := c.ring.FilterServers(func(n *hashring.NodeRecord) bool {
		return n.Flag == hashring.FlagIdleStart
	})
	if len(staged) > 0 {
		if _, err := c.ring.UpdateRing(); err != nil {
			c.logger.Error("Ring update failed", zap.Error(err))
			errs = multierr.Append(errs, err)
		}
	}

	stopped := c.ring.FilterServers(func(n *hashring.NodeRecord) bool {
		return n.Flag == hashring.FlagStop && c.ring.OnRing(n.Name)
	})
	for _, n := range append(staged, stopped...) {
		if !c.ring.OnRing(n.Name) {
			continue
		}
		if err := c.ring.SetFlag(n.Name, hashring.FlagStart); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		errs = multierr.Append(errs, c.send(ctx, n, NewRequest(StatusStart)))
	}

	errs = multierr.Append(errs, c.persist(ctx, MetadataStart))
	return c.finish("start", errs)
}

// Stop stops every started node
func (c *Coordinator) Stop(ctx context.Context) bool {
	return c.StopNodes(ctx) == nil
}

// StopNodes is Stop returning the aggregated per-node error
func (c *Coordinator) StopNodes(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs error
	for _, n := range c.ring.FilterServers(func(n *hashring.NodeRecord) bool { return n.Flag == hashring.FlagStart }) {
		if err := c.ring.SetFlag(n.Name, hashring.FlagStop); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		errs = multierr.Append(errs, c.send(ctx, n, NewRequest(StatusStop)))
	}

	errs = multierr.Append(errs, c.persist(ctx, MetadataStop))
	return c.finish("stop", errs)
}

// Shutdown shuts down every alive node and drops it from the ring
func (c *Coordinator) Shutdown(ctx context.Context) bool {
	return c.ShutdownNodes(ctx) == nil
}

// ShutdownNodes is Shutdown returning the aggregated per-node error
func (c *Coordinator) ShutdownNodes(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs error
	alive := c.ring.FilterServers(func(n *hashring.NodeRecord) bool { return n.Flag.IsAlive() })
	for _, n := range alive {
		errs = multierr.Append(errs, c.send(ctx, n, NewRequest(StatusShutdown)))
		if err := c.ring.RemoveServer(n.Name); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	if _, err := c.ring.UpdateRing(); err != nil {
		c.logger.Error("Ring update failed", zap.Error(err))
		errs = multierr.Append(errs, err)
	}
	for _, n := range alive {
		errs = multierr.Append(errs, c.ring.SetFlag(n.Name, hashring.FlagShutDown))
	}

	errs = multierr.Append(errs, c.persist(ctx, MetadataShutdown))
	return c.finish("shutdown", errs)
}

// AddNode promotes the first IDLE node onto the ring and hands it its range.
// It returns nil if any step failed; the node is not rolled back.
func (c *Coordinator) AddNode(ctx context.Context, strategy hashring.CacheStrategy, size int) *hashring.NodeRecord {
	node, _ := c.JoinNode(ctx, strategy, size)
	return node
}

// JoinNode is AddNode returning the error of this call. A non-nil node with
// a non-nil error means only the final metadata broadcast failed.
func (c *Coordinator) JoinNode(ctx context.Context, strategy hashring.CacheStrategy, size int) (*hashring.NodeRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	node, err := c.addNode(ctx, hashring.CacheConfig{Strategy: strategy, Size: size})
	return node, c.finish("add_node", err)
}

// AddNodes adds up to count nodes, stopping at the first failure
func (c *Coordinator) AddNodes(ctx context.Context, count int, strategy hashring.CacheStrategy, size int) []*hashring.NodeRecord {
	added, _ := c.JoinNodes(ctx, count, strategy, size)
	return added
}

// JoinNodes is AddNodes returning the aggregated error of this call
func (c *Coordinator) JoinNodes(ctx context.Context, count int, strategy hashring.CacheStrategy, size int) ([]*hashring.NodeRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var (
		added []*hashring.NodeRecord
		errs  error
	)
	for i := 0; i < count; i++ {
		node, err := c.addNode(ctx, hashring.CacheConfig{Strategy: strategy, Size: size})
		errs = multierr.Append(errs, err)
		if node == nil {
			break
		}
		added = append(added, node)
	}
	return added, c.finish("add_nodes", errs)
}

// addNode returns the added node together with any non-fatal broadcast
// error, or a nil node when a fatal step failed.
func (c *Coordinator) addNode(ctx context.Context, cache hashring.CacheConfig) (*hashring.NodeRecord, error) {
	if cache.Strategy == "" && cache.Size == 0 {
		cache = c.cfg.DefaultCache
	}
	if err := cache.Validate(); err != nil {
		return nil, &PolicyError{Op: "add_node", Err: err}
	}
	cache = cache.Normalize()

	idle := c.ring.FindServer(func(n *hashring.NodeRecord) bool { return n.Flag == hashring.FlagIdle })
	if idle == nil {
		return nil, &PolicyError{Op: "add_node", Err: ErrNoIdleNode}
	}
	if err := c.ring.AddServer(idle.Name); err != nil {
		return nil, err
	}
	if _, err := c.ring.UpdateRing(); err != nil {
		c.logger.Error("Ring update failed", zap.String("node", idle.Name), zap.Error(err))
		return nil, err
	}
	if err := c.ring.SetCache(idle.Name, cache); err != nil {
		return nil, err
	}

	node := c.ring.Server(idle.Name)
	c.logger.Info("Adding node",
		zap.String("node", node.Name),
		zap.String("addr", node.Key()),
		zap.Stringer("range", node.Range))

	init := NewRequest(StatusInit)
	init.Cache = &cache
	init.Metadata = &Metadata{Kind: MetadataNodeAdded, Node: describe(node), Ring: c.ring.Snapshot()}
	if err := c.send(ctx, node, init); err != nil {
		return nil, err
	}

	if succ := c.ring.SuccessorServer(node.Name); succ != nil {
		if err := c.handoff(ctx, succ, node.Range, node); err != nil {
			return nil, err
		}
	}

	return c.ring.Server(node.Name), c.broadcast(ctx, MetadataNodeAdded)
}

// RemoveNodes moves each named node's range to its successor and shuts it
// down. It is refused without any change when the ring would shrink below
// the configured minimum.
func (c *Coordinator) RemoveNodes(ctx context.Context, names []string) bool {
	return c.LeaveNodes(ctx, names) == nil
}

// LeaveNodes is RemoveNodes returning the error of this call. Refusals are
// *PolicyError.
func (c *Coordinator) LeaveNodes(ctx context.Context, names []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	unique, err := c.checkRemoval(names)
	if err != nil {
		c.logger.Warn("Removal refused", zap.Strings("nodes", names), zap.Error(err))
		return c.finish("remove_nodes", err)
	}

	var errs error
	for _, name := range unique {
		errs = multierr.Append(errs, c.removeNode(ctx, name))
	}
	return c.finish("remove_nodes", errs)
}

func (c *Coordinator) checkRemoval(names []string) ([]string, error) {
	seen := make(map[string]bool, len(names))
	var unique []string
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true
		if c.ring.Server(name) == nil {
			return nil, &PolicyError{Op: "remove_nodes", Err: fmt.Errorf("%w: %s", hashring.ErrUnknownNode, name)}
		}
		if !c.ring.OnRing(name) {
			return nil, &PolicyError{Op: "remove_nodes", Err: fmt.Errorf("%w: %s", hashring.ErrNotOnRing, name)}
		}
		unique = append(unique, name)
	}
	if len(unique) == 0 {
		return nil, &PolicyError{Op: "remove_nodes", Err: errors.New("no nodes named")}
	}
	if c.ring.Len()-len(unique) < c.cfg.MinRingSize {
		return nil, &PolicyError{
			Op:  "remove_nodes",
			Err: fmt.Errorf("%w: %d on ring, removing %d, minimum %d", ErrClusterTooSmall, c.ring.Len(), len(unique), c.cfg.MinRingSize),
		}
	}
	return unique, nil
}

func (c *Coordinator) removeNode(ctx context.Context, name string) error {
	node := c.ring.Server(name)
	succ := c.ring.SuccessorServer(name)
	if succ == nil {
		return fmt.Errorf("%w: %s has no successor", ErrConsistency, name)
	}

	if err := c.send(ctx, node, NewRequest(StatusWriteLock)); err != nil {
		return err
	}
	move := NewRequest(StatusMoveData)
	move.Range = &node.Range
	move.Target = succ.Key()
	if err := c.send(ctx, node, move); err != nil {
		// The node keeps its range, so release its writes
		return multierr.Append(err, c.send(ctx, node, NewRequest(StatusWriteUnlock)))
	}

	var errs error
	if err := c.evict(name); err != nil {
		return err
	}
	errs = multierr.Append(errs, c.send(ctx, node, NewRequest(StatusShutdown)))
	errs = multierr.Append(errs, c.broadcast(ctx, MetadataNodeRemoved))

	c.logger.Info("Node removed",
		zap.String("node", name),
		zap.String("successor", succ.Name))
	return errs
}

// BroadcastMetadataUpdates pushes the current ring to every participating node
func (c *Coordinator) BroadcastMetadataUpdates(ctx context.Context, kind MetadataKind) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.finish("broadcast", c.broadcast(ctx, kind)) == nil
}

func (c *Coordinator) broadcast(ctx context.Context, kind MetadataKind) error {
	snap := c.ring.Snapshot()

	var errs error
	for _, n := range c.ring.FilterServers(func(n *hashring.NodeRecord) bool { return n.Flag.IsParticipating() }) {
		req := NewRequest(StatusUpdateMetadata)
		req.Metadata = &Metadata{Kind: kind, Node: describe(n), Ring: snap}
		errs = multierr.Append(errs, c.send(ctx, n, req))
	}
	return multierr.Append(errs, c.persist(ctx, kind))
}

// Checkpoint persists the current ring without notifying any node
func (c *Coordinator) Checkpoint(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.persist(ctx, MetadataCheckpoint)
}

// Run feeds failure batches to recovery until ctx is done or batches closes
func (c *Coordinator) Run(ctx context.Context, batches <-chan FailureBatch) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case batch, ok := <-batches:
			if !ok {
				return nil
			}
			report := c.RecoverServers(ctx, batch.Nodes)
			c.logger.Info("Recovery finished",
				zap.Uint64("cycle", batch.Cycle),
				zap.Strings("evicted", report.Evicted),
				zap.Int("replacements", len(report.Replacements)),
				zap.Error(report.Errors))
		}
	}
}

// Ring returns a copy of the current ring
func (c *Coordinator) Ring() hashring.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ring.Snapshot()
}

// Nodes returns every configured node in configuration order
func (c *Coordinator) Nodes() []*hashring.NodeRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ring.Nodes()
}

// Node returns one node, or nil
func (c *Coordinator) Node(name string) *hashring.NodeRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ring.Server(name)
}

// LookupKey returns the node owning key, or nil on an empty ring
func (c *Coordinator) LookupKey(key string) *hashring.NodeRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ring.ServerByObjectKey(key)
}

// ProbeTargets lists the nodes the heartbeat monitor should probe
func (c *Coordinator) ProbeTargets() []ProbeTarget {
	c.mu.Lock()
	defer c.mu.Unlock()

	var targets []ProbeTarget
	c.ring.ForEachServer(func(n *hashring.NodeRecord) {
		if n.Flag.IsAlive() {
			targets = append(targets, ProbeTarget{Name: n.Name, Addr: n.Key()})
		}
	})
	return targets
}

// LatestSnapshot returns the last persisted snapshot
func (c *Coordinator) LatestSnapshot(ctx context.Context) (storage.Record, error) {
	return c.store.Latest(ctx)
}

// LastError returns the aggregated error of the last operation, nil if it
// fully succeeded
func (c *Coordinator) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// send delivers req to node under the RPC deadline. The caller's
// cancellation is not propagated: a lock taken on a node must be released
// even when the admin request or the process context goes away.
func (c *Coordinator) send(ctx context.Context, node *hashring.NodeRecord, req Request) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.RPCTimeout)
	defer cancel()

	if _, err := c.transport.Send(ctx, node.Key(), req); err != nil {
		c.logger.Warn("Node request failed",
			zap.String("node", node.Name),
			zap.String("status", string(req.Status)),
			zap.String("request_id", req.ID),
			zap.Error(err))
		return &TransportError{Node: node.Name, Addr: node.Key(), Status: req.Status, Err: err}
	}
	return nil
}

// handoff moves rng from holder to target under holder's write lock. The
// lock is released whenever it was taken.
func (c *Coordinator) handoff(ctx context.Context, holder *hashring.NodeRecord, rng hashring.HashRange, target *hashring.NodeRecord) error {
	if err := c.send(ctx, holder, NewRequest(StatusWriteLock)); err != nil {
		return err
	}

	move := NewRequest(StatusMoveData)
	move.Range = &rng
	move.Target = target.Key()
	err := c.send(ctx, holder, move)

	return multierr.Append(err, c.send(ctx, holder, NewRequest(StatusWriteUnlock)))
}

// evict drops name from the ring and marks it shut down
func (c *Coordinator) evict(name string) error {
	if err := c.ring.RemoveServer(name); err != nil {
		return err
	}
	if _, err := c.ring.UpdateRing(); err != nil {
		c.logger.Error("Ring update failed", zap.String("node", name), zap.Error(err))
		return err
	}
	return c.ring.SetFlag(name, hashring.FlagShutDown)
}

func (c *Coordinator) persist(ctx context.Context, kind MetadataKind) error {
	c.version++
	rec := storage.Record{
		Version: c.version,
		Kind:    string(kind),
		SavedAt: time.Now().UTC(),
		Ring:    c.ring.Snapshot(),
	}

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.RPCTimeout)
	defer cancel()

	err := c.store.Save(saveCtx, rec)
	c.metrics.RecordSnapshotSave(err == nil)
	if err != nil {
		c.logger.Warn("Failed to persist snapshot",
			zap.Uint64("version", rec.Version),
			zap.String("kind", rec.Kind),
			zap.Error(err))
		return fmt.Errorf("failed to persist snapshot: %w", err)
	}
	return nil
}

// finish records the outcome of op and returns its aggregated error
func (c *Coordinator) finish(op string, errs error) error {
	c.metrics.RecordMembershipOp(op, errs == nil)
	c.collector.Observe(c.ring.Nodes())
	c.lastErr = errs

	if errs != nil {
		c.logger.Warn("Membership operation failed", zap.String("op", op), zap.Error(errs))
		return errs
	}
	c.logger.Info("Membership operation succeeded", zap.String("op", op), zap.Int("ring_size", c.ring.Len()))
	return nil
}
