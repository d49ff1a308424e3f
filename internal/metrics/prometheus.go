package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Singleton instance
	instance *PrometheusMetrics
	once     sync.Once
)

// PrometheusMetrics handles all metrics collection for the coordinator
type PrometheusMetrics struct {
	// Ring metrics
	RingMembers prometheus.Gauge
	NodesByFlag *prometheus.GaugeVec

	// Failure detection metrics
	HeartbeatProbes *prometheus.CounterVec
	FailureBatches  prometheus.Counter
	FailedNodes     prometheus.Counter

	// Membership metrics
	MembershipOps *prometheus.CounterVec
	Recoveries    *prometheus.CounterVec
	SnapshotSaves *prometheus.CounterVec

	// Node RPC metrics
	RPCTotal    *prometheus.CounterVec
	RPCDuration *prometheus.HistogramVec

	// Admin API metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge
}

// NewPrometheusMetrics creates a new PrometheusMetrics instance
func NewPrometheusMetrics() *PrometheusMetrics {
	once.Do(func() {
		instance = &PrometheusMetrics{
			RingMembers: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "ecs_ring_members",
				Help: "The number of nodes holding a ring position",
			}),
			NodesByFlag: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "ecs_nodes",
					Help: "The number of configured nodes per lifecycle flag",
				},
				[]string{"flag"},
			),

			HeartbeatProbes: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "ecs_heartbeat_probes_total",
					Help: "The total number of heartbeat probes by outcome",
				},
				[]string{"node", "outcome"},
			),
			FailureBatches: promauto.NewCounter(prometheus.CounterOpts{
				Name: "ecs_failure_batches_total",
				Help: "The total number of non-empty failure batches emitted by the monitor",
			}),
			FailedNodes: promauto.NewCounter(prometheus.CounterOpts{
				Name: "ecs_failed_nodes_total",
				Help: "The total number of nodes reported as failed",
			}),

			MembershipOps: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "ecs_membership_operations_total",
					Help: "The total number of membership operations by result",
				},
				[]string{"op", "result"},
			),
			Recoveries: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "ecs_recoveries_total",
					Help: "The total number of failed nodes handled by recovery, by case",
				},
				[]string{"case"},
			),
			SnapshotSaves: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "ecs_snapshot_saves_total",
					Help: "The total number of membership snapshot writes by result",
				},
				[]string{"result"},
			),

			RPCTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "ecs_node_rpc_total",
					Help: "The total number of RPCs sent to storage nodes",
				},
				[]string{"status", "outcome"},
			),
			RPCDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "ecs_node_rpc_duration_seconds",
					Help:    "The storage node RPC latencies in seconds",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"status"},
			),

			RequestsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "ecs_admin_requests_total",
					Help: "The total number of processed admin API requests",
				},
				[]string{"method", "endpoint", "status"},
			),
			RequestDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "ecs_admin_request_duration_seconds",
					Help:    "The admin API request latencies in seconds",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"method", "endpoint"},
			),
			RequestsInFlight: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "ecs_admin_requests_in_flight",
				Help: "The number of admin API requests currently being processed",
			}),
		}
	})

	return instance
}

// GetMetrics returns the singleton PrometheusMetrics instance
func GetMetrics() *PrometheusMetrics {
	if instance == nil {
		return NewPrometheusMetrics()
	}
	return instance
}

// Handler returns the Prometheus scrape handler
func Handler() http.Handler {
	return promhttp.Handler()
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// SetRingMembers updates the number of on-ring nodes
func (pm *PrometheusMetrics) SetRingMembers(count int) {
	pm.RingMembers.Set(float64(count))
}

// SetNodesByFlag updates the node count for one lifecycle flag
func (pm *PrometheusMetrics) SetNodesByFlag(flag string, count int) {
	pm.NodesByFlag.WithLabelValues(flag).Set(float64(count))
}

// RecordHeartbeat records the outcome of one probe
func (pm *PrometheusMetrics) RecordHeartbeat(node string, ok bool) {
	pm.HeartbeatProbes.WithLabelValues(node, outcome(ok)).Inc()
}

// RecordFailureBatch records a batch of failed nodes handed to recovery
func (pm *PrometheusMetrics) RecordFailureBatch(size int) {
	pm.FailureBatches.Inc()
	pm.FailedNodes.Add(float64(size))
}

// RecordMembershipOp records the result of a membership operation
func (pm *PrometheusMetrics) RecordMembershipOp(op string, ok bool) {
	pm.MembershipOps.WithLabelValues(op, outcome(ok)).Inc()
}

// RecordRecovery records how one failed node was handled
func (pm *PrometheusMetrics) RecordRecovery(kase string) {
	pm.Recoveries.WithLabelValues(kase).Inc()
}

// RecordSnapshotSave records a snapshot store write
func (pm *PrometheusMetrics) RecordSnapshotSave(ok bool) {
	pm.SnapshotSaves.WithLabelValues(outcome(ok)).Inc()
}

// RecordRPC records a storage node RPC and its latency
func (pm *PrometheusMetrics) RecordRPC(status string, ok bool, seconds float64) {
	pm.RPCTotal.WithLabelValues(status, outcome(ok)).Inc()
	pm.RPCDuration.WithLabelValues(status).Observe(seconds)
}

// RecordRequest records a request with its method, endpoint, and status
func (pm *PrometheusMetrics) RecordRequest(method, endpoint, status string) {
	pm.RequestsTotal.WithLabelValues(method, endpoint, status).Inc()
}

// ObserveRequestDuration records the duration of a request
func (pm *PrometheusMetrics) ObserveRequestDuration(method, endpoint string, duration float64) {
	pm.RequestDuration.WithLabelValues(method, endpoint).Observe(duration)
}

// IncRequestsInFlight increments the number of requests in flight
func (pm *PrometheusMetrics) IncRequestsInFlight() {
	pm.RequestsInFlight.Inc()
}

// DecRequestsInFlight decrements the number of requests in flight
func (pm *PrometheusMetrics) DecRequestsInFlight() {
	pm.RequestsInFlight.Dec()
}
