package cluster

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/arohanajit/kvstore-ecs/internal/metrics"
)

const defaultHeartbeatInterval = 5 * time.Second

// ProbeTarget is a node the monitor should probe
type ProbeTarget struct {
	Name string
	Addr string
}

// TargetProvider returns the nodes to probe this cycle
type TargetProvider func() []ProbeTarget

// FailureBatch holds every node that failed its probe in one cycle
type FailureBatch struct {
	Cycle      uint64
	Nodes      []string
	DetectedAt time.Time
}

// HeartbeatMonitor probes alive nodes on a fixed period and emits one
// FailureBatch per cycle that saw at least one failure
type HeartbeatMonitor struct {
	transport    Transport
	targets      TargetProvider
	interval     time.Duration
	probeTimeout time.Duration
	logger       *zap.Logger
	metrics      *metrics.PrometheusMetrics

	failures chan FailureBatch
	stopChan chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	running  atomic.Bool
	cycle    uint64
}

// NewHeartbeatMonitor creates a monitor. A zero probe timeout defaults to a
// third of the interval.
func NewHeartbeatMonitor(transport Transport, targets TargetProvider, interval, probeTimeout time.Duration, logger *zap.Logger) *HeartbeatMonitor {
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}
	if probeTimeout <= 0 {
		probeTimeout = interval / 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &HeartbeatMonitor{
		transport:    transport,
		targets:      targets,
		interval:     interval,
		probeTimeout: probeTimeout,
		logger:       logger,
		metrics:      metrics.GetMetrics(),
		failures:     make(chan FailureBatch),
		stopChan:     make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Failures delivers failure batches. It is closed when Run returns.
func (m *HeartbeatMonitor) Failures() <-chan FailureBatch {
	return m.failures
}

// Run probes until ctx is cancelled or Stop is called
func (m *HeartbeatMonitor) Run(ctx context.Context) {
	if !m.running.CompareAndSwap(false, true) {
		return
	}
	defer close(m.done)
	defer close(m.failures)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info("Heartbeat monitor started",
		zap.Duration("interval", m.interval),
		zap.Duration("probe_timeout", m.probeTimeout))

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopChan:
			return
		case <-ticker.C:
		}

		batch := m.probeAll(ctx)

		// Cancelled mid-cycle: results are discarded
		if ctx.Err() != nil || m.stopped() {
			return
		}
		if len(batch.Nodes) == 0 {
			continue
		}

		m.metrics.RecordFailureBatch(len(batch.Nodes))
		m.logger.Warn("Nodes failed heartbeat",
			zap.Uint64("cycle", batch.Cycle),
			zap.Strings("nodes", batch.Nodes))

		select {
		case m.failures <- batch:
		case <-ctx.Done():
			return
		case <-m.stopChan:
			return
		}
	}
}

// Stop ends the loop and waits for it to exit. Safe to call more than once.
func (m *HeartbeatMonitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopChan)
	})
	if m.running.Load() {
		<-m.done
	}
}

func (m *HeartbeatMonitor) stopped() bool {
	select {
	case <-m.stopChan:
		return true
	default:
		return false
	}
}

// probeAll probes every target sequentially
func (m *HeartbeatMonitor) probeAll(ctx context.Context) FailureBatch {
	m.cycle++
	batch := FailureBatch{Cycle: m.cycle}

	for _, target := range m.targets() {
		if ctx.Err() != nil {
			break
		}
		err := m.probe(ctx, target)
		m.metrics.RecordHeartbeat(target.Name, err == nil)
		if err != nil {
			m.logger.Debug("Heartbeat probe failed",
				zap.String("node", target.Name),
				zap.String("addr", target.Addr),
				zap.Error(err))
			batch.Nodes = append(batch.Nodes, target.Name)
		}
	}

	batch.DetectedAt = time.Now()
	return batch
}

// probe sends one heartbeat under the probe timeout
func (m *HeartbeatMonitor) probe(ctx context.Context, target ProbeTarget) error {
	ctx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()

	resp, err := m.transport.Send(ctx, target.Addr, NewRequest(StatusHeartbeat))
	if err != nil {
		return err
	}
	if resp.Status != StatusHeartbeatAlive {
		return fmt.Errorf("%w: heartbeat answered with %s", ErrUnexpectedResponse, resp.Status)
	}
	return nil
}
