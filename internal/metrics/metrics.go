package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	TaskEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dlgroup",
			Name:      "task_events_total",
			Help:      "Count of task state transitions processed by the reconciler.",
		},
		[]string{"state"},
	)

	TaskFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dlgroup",
			Name:      "task_failures_total",
			Help:      "Tasks that resolved to Error, by error kind.",
		},
		[]string{"kind"},
	)

	BytesDownloaded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dlgroup",
			Name:      "bytes_downloaded_total",
			Help:      "Bytes written to temp files by all tasks.",
		},
	)

	ActiveTasks = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "dlgroup",
			Name:      "active_tasks",
			Help:      "Tasks holding an admission credit, per group.",
		},
		[]string{"group"},
	)

	WaitingTasks = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "dlgroup",
			Name:      "waiting_tasks",
			Help:      "Tasks queued for admission, per group.",
		},
		[]string{"group"},
	)

	PoolRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dlgroup",
			Name:      "pool_rejections_total",
			Help:      "Tasks failed because the execution pool was saturated.",
		},
		[]string{"group"},
	)

	IntakeDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dlgroup",
			Name:      "intake_dropped_total",
			Help:      "Tasks dropped because the intake queue was full.",
		},
		[]string{"group"},
	)

	TaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dlgroup",
			Name:      "task_run_seconds",
			Help:      "Wall time of a task run, by final state.",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 15, 60, 300, 1800},
		},
		[]string{"state"},
	)
)

var registerOnce sync.Once

// Register registers the dlgroup metrics into the default registry. Repeated
// calls are no-ops.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(TaskEvents, TaskFailures, BytesDownloaded, ActiveTasks, WaitingTasks, PoolRejections, IntakeDropped, TaskDuration)
	})
}
