package metrics

import (
	"sync"

	"github.com/arohanajit/kvstore-ecs/internal/hashring"
)

var allFlags = []hashring.Flag{
	hashring.FlagIdle,
	hashring.FlagIdleStart,
	hashring.FlagStart,
	hashring.FlagStop,
	hashring.FlagStartStop,
	hashring.FlagShutDown,
	hashring.FlagRecoverStart,
	hashring.FlagRecoverStop,
	hashring.FlagRecoverIdleStart,
}

// ClusterMetricsCollector derives the ring gauges from the node table
type ClusterMetricsCollector struct {
	metrics   *PrometheusMetrics
	mu        sync.RWMutex
	ringSize  int
	flagCount map[hashring.Flag]int
}

// NewClusterMetricsCollector creates a new ClusterMetricsCollector
func NewClusterMetricsCollector() *ClusterMetricsCollector {
	collector := &ClusterMetricsCollector{
		metrics:   GetMetrics(),
		flagCount: make(map[hashring.Flag]int),
	}
	collector.metrics.SetRingMembers(0)
	for _, f := range allFlags {
		collector.metrics.SetNodesByFlag(f.String(), 0)
	}
	return collector
}

// Observe recomputes every gauge from the current node table
func (c *ClusterMetricsCollector) Observe(nodes []*hashring.NodeRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()

	counts := make(map[hashring.Flag]int, len(allFlags))
	ringSize := 0
	for _, n := range nodes {
		counts[n.Flag]++
		if n.Flag.IsOnRing() {
			ringSize++
		}
	}

	c.ringSize = ringSize
	c.flagCount = counts
	c.metrics.SetRingMembers(ringSize)
	for _, f := range allFlags {
		c.metrics.SetNodesByFlag(f.String(), counts[f])
	}
}

// RingSize returns the on-ring count from the last observation
func (c *ClusterMetricsCollector) RingSize() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ringSize
}

// FlagCount returns the number of nodes with flag f at the last observation
func (c *ClusterMetricsCollector) FlagCount(f hashring.Flag) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.flagCount[f]
}
