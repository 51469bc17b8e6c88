// Package jobmetrics instruments the worker: task runs, processor inbox
// batches, tenant webhook deliveries and the periodic cleanups.
package jobmetrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Cleanup targets.
const (
	TargetRiskEvaluations  = "risk_evaluations"
	TargetRateLimitWindows = "ratelimit_windows"
)

// Recorder holds the worker collectors. A nil *Recorder records nothing.
type Recorder struct {
	taskRuns     *prometheus.CounterVec
	taskSeconds  *prometheus.HistogramVec
	inboxRows    *prometheus.CounterVec
	inboxBacklog prometheus.Gauge
	deliveries   *prometheus.CounterVec
	cleaned      *prometheus.CounterVec
}

var (
	sharedOnce     sync.Once
	sharedRecorder *Recorder
)

// NewRecorder registers the collectors on reg. A nil reg shares one Recorder
// registered on the default registry, since registering twice panics.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	if reg != nil {
		return register(reg)
	}
	sharedOnce.Do(func() { sharedRecorder = register(prometheus.DefaultRegisterer) })
	return sharedRecorder
}

// Run times one task execution.
type Run struct {
	rec   *Recorder
	task  string
	start time.Time
}

// StartRun begins timing task.
func (r *Recorder) StartRun(task string) *Run {
	return &Run{rec: r, task: task, start: time.Now()}
}

// Finish records the run result and hands err back, so handlers can write
// `defer func() { err = run.Finish(err) }()`.
func (r *Run) Finish(err error) error {
	if r == nil || r.rec == nil {
		return err
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.rec.taskRuns.WithLabelValues(r.task, result).Inc()
	r.rec.taskSeconds.WithLabelValues(r.task).Observe(time.Since(r.start).Seconds())
	return err
}

// InboxBatch counts the rows one inbox run resolved.
func (r *Recorder) InboxBatch(processed, failed, skipped int) {
	if r == nil {
		return
	}
	for outcome, n := range map[string]int{"processed": processed, "failed": failed, "skipped": skipped} {
		if n > 0 {
			r.inboxRows.WithLabelValues(outcome).Add(float64(n))
		}
	}
}

// InboxBacklog sets the pending row count seen by a dry run.
func (r *Recorder) InboxBacklog(pending int) {
	if r == nil {
		return
	}
	r.inboxBacklog.Set(float64(pending))
}

// Delivery counts one tenant webhook attempt by outcome.
func (r *Recorder) Delivery(outcome string) {
	if r == nil {
		return
	}
	r.deliveries.WithLabelValues(outcome).Inc()
}

// Cleaned counts rows a cleanup task deleted from target.
func (r *Recorder) Cleaned(target string, n int64) {
	if r == nil || n <= 0 {
		return
	}
	r.cleaned.WithLabelValues(target).Add(float64(n))
}

func register(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		taskRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "soledgic_worker_task_runs_total",
			Help: "Worker task executions by task type and result.",
		}, []string{"task", "result"}),
		taskSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "soledgic_worker_task_seconds",
			Help:    "Worker task execution time.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60},
		}, []string{"task"}),
		inboxRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "soledgic_worker_inbox_rows_total",
			Help: "Processor inbox rows resolved by outcome.",
		}, []string{"outcome"}),
		inboxBacklog: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "soledgic_worker_inbox_backlog",
			Help: "Pending processor inbox rows at the last dry run.",
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "soledgic_worker_webhook_deliveries_total",
			Help: "Tenant webhook deliveries by outcome.",
		}, []string{"outcome"}),
		cleaned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "soledgic_worker_cleanup_deleted_total",
			Help: "Rows deleted by periodic cleanup tasks.",
		}, []string{"target"}),
	}
	reg.MustRegister(r.taskRuns, r.taskSeconds, r.inboxRows, r.inboxBacklog, r.deliveries, r.cleaned)
	return r
}
