package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "distcache"

// Metrics holds all Prometheus metrics for a cache member.
// A nil *Metrics records nothing.
type Metrics struct {
	// Write path and replication metrics
	WritesTotal              *prometheus.CounterVec
	SyncAckDuration          *prometheus.HistogramVec
	ReplicationTimeoutsTotal *prometheus.CounterVec
	PendingEntries           *prometheus.GaugeVec
	OldestPendingSeconds     *prometheus.GaugeVec
	FlushesTotal             *prometheus.CounterVec
	FlushFailuresTotal       *prometheus.CounterVec
	FlushBatchSize           *prometheus.HistogramVec
	BackupLogOverflowsTotal  *prometheus.CounterVec
	BackupBatchesApplied     *prometheus.CounterVec

	// Ownership and failover metrics
	ChainRecomputationsTotal *prometheus.CounterVec
	ChainRecomputeDuration   *prometheus.HistogramVec
	FailoversTotal           *prometheus.CounterVec
	ReplayedEntriesTotal     *prometheus.CounterVec
	UnavailablePartitions    *prometheus.GaugeVec
	UnhealthyCandidatesTotal *prometheus.CounterVec

	// Read metrics
	ReadsTotal   *prometheus.CounterVec
	ReadDuration *prometheus.HistogramVec

	// Topology metrics
	ViewChangesTotal prometheus.Counter
	MembersTotal     prometheus.Gauge

	// Transport metrics
	TransportRequestsTotal *prometheus.CounterVec
	BreakerStateChanges    *prometheus.CounterVec

	// Drain worker metrics
	DrainTasksTotal  *prometheus.CounterVec
	DrainQueuedTasks *prometheus.GaugeVec

	// System metrics
	MemoryUsageBytes   prometheus.Gauge
	MemoryUsagePercent prometheus.Gauge
	CPUUsagePercent    prometheus.Gauge
	GoroutinesTotal    prometheus.Gauge
}

// NewMetrics creates all metrics and registers them with reg
func NewMetrics(nodeID string, reg prometheus.Registerer) *Metrics {
	labels := prometheus.Labels{"node_id": nodeID}
	factory := promauto.With(reg)

	return &Metrics{
		WritesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "replication",
			Name:        "writes_total",
			Help:        "Total number of writes committed at this primary",
			ConstLabels: labels,
		}, []string{"service", "mode"}),
		SyncAckDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "replication",
			Name:        "sync_ack_duration_seconds",
			Help:        "Time synchronous writes wait for backup acknowledgement",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"service"}),
		ReplicationTimeoutsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "replication",
			Name:        "timeouts_total",
			Help:        "Synchronous writes that timed out waiting for backups",
			ConstLabels: labels,
		}, []string{"service"}),
		PendingEntries: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "replication",
			Name:        "pending_entries",
			Help:        "Backup log entries not yet acknowledged by every backup",
			ConstLabels: labels,
		}, []string{"service", "partition"}),
		OldestPendingSeconds: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "replication",
			Name:        "oldest_pending_seconds",
			Help:        "Age of the oldest unacknowledged backup log entry",
			ConstLabels: labels,
		}, []string{"service", "partition"}),
		FlushesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "replication",
			Name:        "flushes_total",
			Help:        "Backup flushes by trigger",
			ConstLabels: labels,
		}, []string{"service", "trigger"}),
		FlushFailuresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "replication",
			Name:        "flush_failures_total",
			Help:        "Backup batches that were not acknowledged",
			ConstLabels: labels,
		}, []string{"service"}),
		FlushBatchSize: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "replication",
			Name:        "flush_batch_entries",
			Help:        "Entries per backup batch",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(1, 4, 8), // 1 to 16K
		}, []string{"service"}),
		BackupLogOverflowsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "replication",
			Name:        "backup_log_overflows_total",
			Help:        "Backup log overflows that broke a backup relationship",
			ConstLabels: labels,
		}, []string{"service"}),
		BackupBatchesApplied: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "replication",
			Name:        "backup_batches_applied_total",
			Help:        "Backup batches applied at this member",
			ConstLabels: labels,
		}, []string{"service", "kind"}),

		ChainRecomputationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "ownership",
			Name:        "recomputations_total",
			Help:        "Ownership chain recomputations",
			ConstLabels: labels,
		}, []string{"service"}),
		ChainRecomputeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "ownership",
			Name:        "recompute_duration_seconds",
			Help:        "Time to recompute and apply every chain of a service",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"service"}),
		FailoversTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "failover",
			Name:        "promotions_total",
			Help:        "Partitions promoted to primary at this member",
			ConstLabels: labels,
		}, []string{"service"}),
		ReplayedEntriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "failover",
			Name:        "replayed_entries_total",
			Help:        "Retained backup entries replayed after promotion",
			ConstLabels: labels,
		}, []string{"service"}),
		UnavailablePartitions: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "failover",
			Name:        "unavailable_partitions",
			Help:        "Partitions with no live owner",
			ConstLabels: labels,
		}, []string{"service"}),
		UnhealthyCandidatesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "failover",
			Name:        "unhealthy_candidates_total",
			Help:        "Backups reported unhealthy after a backup log overflow",
			ConstLabels: labels,
		}, []string{"service"}),

		ReadsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "read",
			Name:        "requests_total",
			Help:        "Reads by locator policy and target role",
			ConstLabels: labels,
		}, []string{"service", "policy", "target"}),
		ReadDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "read",
			Name:        "duration_seconds",
			Help:        "Histogram of read durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"service"}),

		ViewChangesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "topology",
			Name:        "view_changes_total",
			Help:        "Topology view changes applied",
			ConstLabels: labels,
		}),
		MembersTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "topology",
			Name:        "members",
			Help:        "Live members in the current view",
			ConstLabels: labels,
		}),

		TransportRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "transport",
			Name:        "requests_total",
			Help:        "Inter-member requests by method and outcome",
			ConstLabels: labels,
		}, []string{"method", "status"}),
		BreakerStateChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "transport",
			Name:        "breaker_state_changes_total",
			Help:        "Circuit breaker transitions by new state",
			ConstLabels: labels,
		}, []string{"state"}),

		DrainTasksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "workers",
			Name:        "tasks_total",
			Help:        "Drain tasks by pool and outcome",
			ConstLabels: labels,
		}, []string{"pool", "status"}),
		DrainQueuedTasks: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "workers",
			Name:        "queued_tasks",
			Help:        "Drain tasks waiting for a worker",
			ConstLabels: labels,
		}, []string{"pool"}),

		MemoryUsageBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "system",
			Name:        "memory_usage_bytes",
			Help:        "Current heap allocation in bytes",
			ConstLabels: labels,
		}),
		MemoryUsagePercent: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "system",
			Name:        "memory_usage_percent",
			Help:        "Host memory in use",
			ConstLabels: labels,
		}),
		CPUUsagePercent: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "system",
			Name:        "cpu_usage_percent",
			Help:        "Host CPU utilisation",
			ConstLabels: labels,
		}),
		GoroutinesTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "system",
			Name:        "goroutines_total",
			Help:        "Current number of goroutines",
			ConstLabels: labels,
		}),
	}
}

func partitionLabel(p int) string {
	return strconv.Itoa(p)
}

// RecordWrite records a write committed at the primary
func (m *Metrics) RecordWrite(service, mode string) {
	if m == nil {
		return
	}
	m.WritesTotal.WithLabelValues(service, mode).Inc()
}

// RecordSyncAck records how long a synchronous write waited
func (m *Metrics) RecordSyncAck(service string, seconds float64, timedOut bool) {
	if m == nil {
		return
	}
	m.SyncAckDuration.WithLabelValues(service).Observe(seconds)
	if timedOut {
		m.ReplicationTimeoutsTotal.WithLabelValues(service).Inc()
	}
}

// UpdateLag updates the replication lag gauges of a partition
func (m *Metrics) UpdateLag(service string, partition int, pending int, oldestSeconds float64) {
	if m == nil {
		return
	}
	label := partitionLabel(partition)
	m.PendingEntries.WithLabelValues(service, label).Set(float64(pending))
	m.OldestPendingSeconds.WithLabelValues(service, label).Set(oldestSeconds)
}

// RecordFlush records a backup flush and its batch sizes
func (m *Metrics) RecordFlush(service, trigger string, batchEntries []int, failures int) {
	if m == nil {
		return
	}
	m.FlushesTotal.WithLabelValues(service, trigger).Inc()
	for _, n := range batchEntries {
		m.FlushBatchSize.WithLabelValues(service).Observe(float64(n))
	}
	if failures > 0 {
		m.FlushFailuresTotal.WithLabelValues(service).Add(float64(failures))
	}
}

// RecordOverflow records a backup log overflow
func (m *Metrics) RecordOverflow(service string) {
	if m == nil {
		return
	}
	m.BackupLogOverflowsTotal.WithLabelValues(service).Inc()
}

// RecordBackupBatch records a batch applied at a backup
func (m *Metrics) RecordBackupBatch(service string, snapshot bool) {
	if m == nil {
		return
	}
	kind := "incremental"
	if snapshot {
		kind = "snapshot"
	}
	m.BackupBatchesApplied.WithLabelValues(service, kind).Inc()
}

// RecordRecomputation records a chain recomputation
func (m *Metrics) RecordRecomputation(service string, seconds float64) {
	if m == nil {
		return
	}
	m.ChainRecomputationsTotal.WithLabelValues(service).Inc()
	m.ChainRecomputeDuration.WithLabelValues(service).Observe(seconds)
}

// RecordFailover records a promotion and the number of replayed entries
func (m *Metrics) RecordFailover(service string, replayed int) {
	if m == nil {
		return
	}
	m.FailoversTotal.WithLabelValues(service).Inc()
	m.ReplayedEntriesTotal.WithLabelValues(service).Add(float64(replayed))
}

// UpdateUnavailable sets the number of unavailable partitions
func (m *Metrics) UpdateUnavailable(service string, count int) {
	if m == nil {
		return
	}
	m.UnavailablePartitions.WithLabelValues(service).Set(float64(count))
}

// RecordUnhealthyCandidate records a candidate-unhealthy signal
func (m *Metrics) RecordUnhealthyCandidate(service string) {
	if m == nil {
		return
	}
	m.UnhealthyCandidatesTotal.WithLabelValues(service).Inc()
}

// RecordRead records a read by policy and target role
func (m *Metrics) RecordRead(service, policy string, fromPrimary bool, seconds float64) {
	if m == nil {
		return
	}
	target := "backup"
	if fromPrimary {
		target = "primary"
	}
	m.ReadsTotal.WithLabelValues(service, policy, target).Inc()
	m.ReadDuration.WithLabelValues(service).Observe(seconds)
}

// RecordViewChange records an applied topology view
func (m *Metrics) RecordViewChange(members int) {
	if m == nil {
		return
	}
	m.ViewChangesTotal.Inc()
	m.MembersTotal.Set(float64(members))
}

// RecordTransportRequest records an inter-member request outcome
func (m *Metrics) RecordTransportRequest(method string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.TransportRequestsTotal.WithLabelValues(method, status).Inc()
}

// RecordBreakerState records a circuit breaker transition
func (m *Metrics) RecordBreakerState(state string) {
	if m == nil {
		return
	}
	m.BreakerStateChanges.WithLabelValues(state).Inc()
}

// RecordDrainTask records the outcome of a drain task and the queue depth after it
func (m *Metrics) RecordDrainTask(pool, status string, queued int) {
	if m == nil {
		return
	}
	m.DrainTasksTotal.WithLabelValues(pool, status).Inc()
	m.DrainQueuedTasks.WithLabelValues(pool).Set(float64(queued))
}

// UpdateSystemStats updates system-level statistics
func (m *Metrics) UpdateSystemStats(memoryUsage int64, memoryPercent, cpuPercent float64, goroutines int) {
	if m == nil {
		return
	}
	m.MemoryUsageBytes.Set(float64(memoryUsage))
	m.MemoryUsagePercent.Set(memoryPercent)
	m.CPUUsagePercent.Set(cpuPercent)
	m.GoroutinesTotal.Set(float64(goroutines))
}
