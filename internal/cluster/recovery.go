package cluster

import (
	"context"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/arohanajit/kvstore-ecs/internal/hashring"
)

// RecoveryCase records how one failed node was handled
type RecoveryCase string

const (
	// RecoveryEvicted: no replica holder was left, the node was dropped
	RecoveryEvicted RecoveryCase = "evicted"
	// RecoveryBestEffort: no IDLE replacement, replicas moved to the successor
	RecoveryBestEffort RecoveryCase = "best_effort"
	// RecoveryCaseA: the replacement landed inside the failed node's range
	RecoveryCaseA RecoveryCase = "A"
	// RecoveryCaseB: the replacement landed inside the successor's range
	RecoveryCaseB RecoveryCase = "B"
	// RecoveryCaseC: the replacement landed elsewhere
	RecoveryCaseC RecoveryCase = "C"
)

// RecoveryReport summarizes one recovery batch
type RecoveryReport struct {
	Evicted      []string
	Replacements map[string]string       // failed node -> replacement
	Cases        map[string]RecoveryCase // failed node -> case
	Errors       error
}

// RecoverServers replaces or evicts every failed node in the batch, then
// settles recovery flags and asks the cluster to re-replicate. The batch is
// handled under the coordinator lock.
func (c *Coordinator) RecoverServers(ctx context.Context, names []string) *RecoveryReport {
	c.mu.Lock()
	defer c.mu.Unlock()

	report := &RecoveryReport{
		Replacements: make(map[string]string),
		Cases:        make(map[string]RecoveryCase),
	}

	failed := make(map[string]bool, len(names))
	for _, name := range names {
		failed[name] = true
	}

	processed := false
	for _, name := range names {
		if _, done := report.Cases[name]; done {
			continue
		}
		node := c.ring.Server(name)
		if node == nil || !c.ring.OnRing(name) {
			c.logger.Debug("Skipping recovery of node not on ring", zap.String("node", name))
			continue
		}
		processed = true

		kase, replacement, err := c.recoverServer(ctx, node, failed)
		report.Cases[name] = kase
		report.Evicted = append(report.Evicted, name)
		if replacement != "" {
			report.Replacements[name] = replacement
		}
		report.Errors = multierr.Append(report.Errors, err)
		c.metrics.RecordRecovery(string(kase))

		c.logger.Info("Recovered node",
			zap.String("node", name),
			zap.String("case", string(kase)),
			zap.String("replacement", replacement),
			zap.Error(err))
	}

	if processed {
		report.Errors = multierr.Append(report.Errors, c.settle(ctx))
	}
	c.finish("recover", report.Errors)
	return report
}

// replicaHolders returns up to ReplicationFactor live successors of name
func (c *Coordinator) replicaHolders(name string, failed map[string]bool) []*hashring.NodeRecord {
	var holders []*hashring.NodeRecord
	for _, n := range c.ring.Successors(name, c.ring.Len()) {
		if failed[n.Name] {
			continue
		}
		holders = append(holders, n)
		if len(holders) == c.cfg.ReplicationFactor {
			break
		}
	}
	return holders
}

func (c *Coordinator) recoverServer(ctx context.Context, node *hashring.NodeRecord, failed map[string]bool) (RecoveryCase, string, error) {
	holders := c.replicaHolders(node.Name, failed)
	if len(holders) == 0 {
		return RecoveryEvicted, "", c.evict(node.Name)
	}

	// The first live successor inherits the failed range
	oldRange := node.Range
	succ := holders[0]
	pred := c.ring.PredecessorServer(node.Name)

	var errs error
	replacement := c.promoteReplacement(node)
	if replacement == nil {
		c.logger.Warn("No idle node to replace failed node, relocating replicas",
			zap.String("node", node.Name),
			zap.String("successor", succ.Name))
		errs = multierr.Append(errs, c.moveReplica(ctx, holders[0], oldRange, succ))
		return RecoveryBestEffort, "", multierr.Append(errs, c.evict(node.Name))
	}

	init := NewRequest(StatusInit)
	cache := replacement.Cache
	init.Cache = &cache
	init.Metadata = &Metadata{Kind: MetadataRecovery, Node: describe(replacement), Ring: c.ring.Snapshot()}
	errs = multierr.Append(errs, c.send(ctx, replacement, init))

	fields := []zap.Field{
		zap.String("node", node.Name),
		zap.String("replacement", replacement.Name),
		zap.String("successor", succ.Name),
	}
	if pred != nil {
		fields = append(fields, zap.String("predecessor", pred.Name))
	}

	var kase RecoveryCase
	pos := replacement.Position()
	switch {
	case oldRange.Contains(pos):
		kase = RecoveryCaseA
		errs = multierr.Append(errs, c.moveReplica(ctx, holders[0], oldRange, replacement))
		errs = multierr.Append(errs, c.moveReplica(ctx, holders[0], oldRange, succ))
	case succ.Range.Contains(pos):
		kase = RecoveryCaseB
		errs = multierr.Append(errs, c.moveReplica(ctx, holders[0], oldRange, replacement))
		errs = multierr.Append(errs, c.handoffToReplacement(ctx, replacement, failed))
	default:
		kase = RecoveryCaseC
		errs = multierr.Append(errs, c.moveReplica(ctx, holders[0], oldRange, succ))
		errs = multierr.Append(errs, c.handoffToReplacement(ctx, replacement, failed))
	}
	c.logger.Info("Replacement placed", append(fields, zap.String("case", string(kase)))...)

	return kase, replacement.Name, multierr.Append(errs, c.evict(node.Name))
}

// promoteReplacement puts the first IDLE node on the ring under the
// recovery shadow of the failed node's flag. Nil when none could be placed.
func (c *Coordinator) promoteReplacement(failedNode *hashring.NodeRecord) *hashring.NodeRecord {
	idle := c.ring.FindServer(func(n *hashring.NodeRecord) bool { return n.Flag == hashring.FlagIdle })
	if idle == nil {
		return nil
	}
	if err := c.ring.Promote(idle.Name); err != nil {
		c.logger.Error("Ring update failed", zap.String("node", idle.Name), zap.Error(err))
		if !c.ring.OnRing(idle.Name) {
			return nil
		}
	}
	if err := c.ring.SetFlag(idle.Name, failedNode.Flag.Shadow()); err != nil {
		c.logger.Error("Failed to flag replacement", zap.String("node", idle.Name), zap.Error(err))
	}

	cache := failedNode.Cache
	if cache.Validate() != nil {
		cache = c.cfg.DefaultCache
	}
	if err := c.ring.SetCache(idle.Name, cache); err != nil {
		c.logger.Error("Failed to set replacement cache", zap.String("node", idle.Name), zap.Error(err))
	}
	return c.ring.Server(idle.Name)
}

// moveReplica asks holder to ship its replica of rng to target
func (c *Coordinator) moveReplica(ctx context.Context, holder *hashring.NodeRecord, rng hashring.HashRange, target *hashring.NodeRecord) error {
	req := NewRequest(StatusMoveReplicaData)
	req.Range = &rng
	req.Target = target.Key()
	return c.send(ctx, holder, req)
}

// handoffToReplacement moves the replacement's new range from its first
// live successor
func (c *Coordinator) handoffToReplacement(ctx context.Context, replacement *hashring.NodeRecord, failed map[string]bool) error {
	for _, n := range c.ring.Successors(replacement.Name, c.ring.Len()) {
		if failed[n.Name] {
			continue
		}
		return c.handoff(ctx, n, replacement.Range, replacement)
	}
	return nil
}

// settle resolves recovery flags, notifies the cluster and triggers
// re-replication against the new ring
func (c *Coordinator) settle(ctx context.Context) error {
	var errs error
	for _, n := range c.ring.ResolveShadows() {
		switch n.Flag {
		case hashring.FlagStart:
			errs = multierr.Append(errs, c.send(ctx, n, NewRequest(StatusStart)))
		case hashring.FlagStop:
			errs = multierr.Append(errs, c.send(ctx, n, NewRequest(StatusStop)))
		}
	}

	errs = multierr.Append(errs, c.broadcast(ctx, MetadataRecovery))

	for _, n := range c.ring.FilterServers(func(n *hashring.NodeRecord) bool {
		return n.Flag == hashring.FlagStart || n.Flag == hashring.FlagStop || n.Flag == hashring.FlagIdleStart
	}) {
		errs = multierr.Append(errs, c.send(ctx, n, NewRequest(StatusReplicateNow)))
	}
	return errs
}
