// Package metrics is the prometheus metric catalogue for the
// orchestration engine: counters, gauges and histograms registered via
// promauto, covering the subtask/allocation/checkpoint domain.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SubtaskQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "orchestrator_subtask_queue_depth",
		Help: "Current number of subtasks waiting for allocation; the scheduler reports the whole queue under priority=\"all\"",
	}, []string{"priority"})

	SchedulerDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_scheduler_decisions_total",
		Help: "Total scheduling decisions made, by outcome",
	}, []string{"decision", "reason"})

	SchedulerLoopDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "orchestrator_scheduler_loop_duration_seconds",
		Help:    "Duration of one scheduler loop iteration",
		Buckets: prometheus.DefBuckets,
	})

	SubtaskQueueOldestAge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "orchestrator_subtask_queue_oldest_age_seconds",
		Help: "Age of the oldest queued subtask",
	}, []string{"priority"})

	SchedulerMode = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "orchestrator_scheduler_mode",
		Help: "Current scheduler mode (1=normal, 2=degraded, 3=read_only, 4=draining)",
	}, []string{"mode"})

	LeaderEpoch = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "orchestrator_leader_epoch",
		Help: "Current fencing epoch held by the leader replica",
	}, []string{"replica_id"})

	LeaderTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_leader_transitions_total",
		Help: "Leadership acquisition and loss events",
	}, []string{"replica_id", "event"})

	LeaderStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "orchestrator_leader_status",
		Help: "1 if this replica currently holds leadership, else 0",
	})

	SubtaskTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_subtask_timeouts_total",
		Help: "Subtasks forcibly failed after exceeding their hard runtime limit",
	}, []string{"subtask_type", "timeout_reason"})

	SubtaskRuntimeSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "orchestrator_subtask_runtime_seconds",
		Help:    "Subtask execution time distribution",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})

	WorkerSaturation = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "orchestrator_worker_saturation",
		Help: "Ratio of busy workers to online workers",
	})

	AllocationRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_allocation_rejections_total",
		Help: "Allocation attempts rejected by admission control",
	}, []string{"reason"})

	CircuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "orchestrator_circuit_state",
		Help: "Circuit breaker state per dependency (0=closed, 1=half_open, 2=open)",
	}, []string{"breaker"})

	EventPublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_event_publish_failures_total",
		Help: "Failed best-effort event publish attempts",
	}, []string{"event_type", "reason"})

	CheckpointsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_checkpoints_created_total",
		Help: "Checkpoints created, by trigger reason",
	}, []string{"trigger_reason"})

	CheckpointWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "orchestrator_checkpoint_wait_seconds",
		Help:    "Time a checkpoint spent pending human review",
		Buckets: prometheus.ExponentialBuckets(1, 2, 14),
	})

	AllocationWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "orchestrator_allocation_wait_seconds",
		Help:    "Time a subtask spent queued before being allocated to a worker",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	RedisLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "orchestrator_redis_roundtrip_latency_seconds",
		Help:    "Redis operation latency (coordination spine health)",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10),
	})

	VersionedWriteConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_versioned_write_conflicts_total",
		Help: "Optimistic concurrency conflicts observed on versioned writes",
	})

	ConnectedWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "orchestrator_connected_workers",
		Help: "Current number of local event-bus consumers subscribed to task events",
	})

	DegradedModeActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "orchestrator_degraded_mode_active",
		Help: "1 when the engine has entered degraded mode due to repeated infrastructure errors",
	})
)
