// Package metrics holds the Prometheus metrics for timelined, following
// the teacher's promauto-registered, per-namespace/subsystem style
// (storage-node/internal/metrics/prometheus.go).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector timelined registers.
type Metrics struct {
	PipelineInflight      prometheus.GaugeVec
	BatchFlushesTotal     prometheus.CounterVec
	BatchFlushSize        prometheus.Histogram
	CallLatencySeconds    prometheus.Histogram
	PipelineErrorsTotal   prometheus.CounterVec
	SubmitRejectedTotal   prometheus.CounterVec
	AutoDisableTotal      prometheus.CounterVec
	PoolCheckoutsTotal    prometheus.CounterVec
	WriteFanoutTotal      prometheus.CounterVec
	TrimsTotal            prometheus.CounterVec
	RetryJobsTotal        prometheus.CounterVec
	BadJobsTotal          prometheus.CounterVec
	ReadReplicaSelections prometheus.CounterVec
}

// New creates and registers timelined's metrics for the given node ID.
func New(nodeID string) *Metrics {
	labels := prometheus.Labels{"node_id": nodeID}

	return &Metrics{
		PipelineInflight: *promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "timelined",
			Subsystem:   "replica_client",
			Name:        "pipeline_inflight",
			Help:        "Current staging+batch+pipeline depth per replica client.",
			ConstLabels: labels,
		}, []string{"host"}),
		BatchFlushesTotal: *promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "timelined",
			Subsystem:   "replica_client",
			Name:        "batch_flushes_total",
			Help:        "Total batch flushes by trigger (size or age).",
			ConstLabels: labels,
		}, []string{"host", "trigger"}),
		BatchFlushSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "timelined",
			Subsystem:   "replica_client",
			Name:        "batch_flush_size",
			Help:        "Histogram of the number of calls submitted per batch flush.",
			ConstLabels: labels,
			Buckets:     prometheus.LinearBuckets(1, 10, 10),
		}),
		CallLatencySeconds: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "timelined",
			Subsystem:   "replica_client",
			Name:        "call_latency_seconds",
			Help:        "Per-call latency from submission to delivered response.",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		PipelineErrorsTotal: *promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "timelined",
			Subsystem:   "replica_client",
			Name:        "errors_total",
			Help:        "Errors charged to a replica client, by kind.",
			ConstLabels: labels,
		}, []string{"host", "kind"}),
		SubmitRejectedTotal: *promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "timelined",
			Subsystem:   "replica_client",
			Name:        "submit_rejected_total",
			Help:        "Submissions rejected for backpressure (Overloaded).",
			ConstLabels: labels,
		}, []string{"host"}),
		AutoDisableTotal: *promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "timelined",
			Subsystem:   "pool",
			Name:        "auto_disable_total",
			Help:        "Times a host was auto-disabled after crossing the error limit.",
			ConstLabels: labels,
		}, []string{"host"}),
		PoolCheckoutsTotal: *promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "timelined",
			Subsystem:   "pool",
			Name:        "checkouts_total",
			Help:        "Pool checkouts by outcome.",
			ConstLabels: labels,
		}, []string{"host", "outcome"}),
		WriteFanoutTotal: *promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "timelined",
			Subsystem:   "replshard",
			Name:        "write_fanout_total",
			Help:        "Write fan-out outcomes by op and result.",
			ConstLabels: labels,
		}, []string{"op", "result"}),
		TrimsTotal: *promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "timelined",
			Subsystem:   "trim",
			Name:        "trims_total",
			Help:        "Trims scheduled after a write crossed the upper bound.",
			ConstLabels: labels,
		}, []string{"class"}),
		RetryJobsTotal: *promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "timelined",
			Subsystem:   "jobqueue",
			Name:        "retry_jobs_total",
			Help:        "Retryable jobs enqueued by priority.",
			ConstLabels: labels,
		}, []string{"priority"}),
		BadJobsTotal: *promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "timelined",
			Subsystem:   "jobqueue",
			Name:        "bad_jobs_total",
			Help:        "Jobs diverted to the bad-jobs log after exhausting retries.",
			ConstLabels: labels,
		}, []string{"priority"}),
		ReadReplicaSelections: *promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "timelined",
			Subsystem:   "replshard",
			Name:        "read_replica_selections_total",
			Help:        "Read replica selections by host and outcome.",
			ConstLabels: labels,
		}, []string{"host", "outcome"}),
	}
}

// SetPipelineInflight records the current staging+batch+pipeline depth for host.
func (m *Metrics) SetPipelineInflight(host string, depth int) {
	m.PipelineInflight.WithLabelValues(host).Set(float64(depth))
}

// RecordBatchFlush records one batch flush, triggered either by size or age.
func (m *Metrics) RecordBatchFlush(host, trigger string, size int) {
	m.BatchFlushesTotal.WithLabelValues(host, trigger).Inc()
	m.BatchFlushSize.Observe(float64(size))
}

// RecordCallLatency records the submission-to-delivery latency of one call.
func (m *Metrics) RecordCallLatency(seconds float64) {
	m.CallLatencySeconds.Observe(seconds)
}

// RecordPipelineError charges an error of kind to host.
func (m *Metrics) RecordPipelineError(host, kind string) {
	m.PipelineErrorsTotal.WithLabelValues(host, kind).Inc()
}

// RecordSubmitRejected records a submission refused for backpressure.
func (m *Metrics) RecordSubmitRejected(host string) {
	m.SubmitRejectedTotal.WithLabelValues(host).Inc()
}

// RecordAutoDisable records a host crossing the auto-disable error limit.
func (m *Metrics) RecordAutoDisable(host string) {
	m.AutoDisableTotal.WithLabelValues(host).Inc()
}

// RecordPoolCheckout records a pool checkout outcome for host.
func (m *Metrics) RecordPoolCheckout(host, outcome string) {
	m.PoolCheckoutsTotal.WithLabelValues(host, outcome).Inc()
}

// RecordWriteFanout records one replica's outcome for a fanned-out write op.
func (m *Metrics) RecordWriteFanout(op, result string) {
	m.WriteFanoutTotal.WithLabelValues(op, result).Inc()
}

// RecordTrim records a trim scheduled for the given timeline class.
func (m *Metrics) RecordTrim(class string) {
	m.TrimsTotal.WithLabelValues(class).Inc()
}

// RecordRetryJob records a retryable job enqueued at the given priority.
func (m *Metrics) RecordRetryJob(priority string) {
	m.RetryJobsTotal.WithLabelValues(priority).Inc()
}

// RecordBadJob records a job diverted to the bad-jobs log.
func (m *Metrics) RecordBadJob(priority string) {
	m.BadJobsTotal.WithLabelValues(priority).Inc()
}

// RecordReadReplicaSelection records a read-replica pick outcome.
func (m *Metrics) RecordReadReplicaSelection(host, outcome string) {
	m.ReadReplicaSelections.WithLabelValues(host, outcome).Inc()
}
