// internal/common/metrics/metrics.go
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"access-sync/internal/common/logger"
)

var (
	QueueJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_jobs_total",
			Help: "Total number of jobs by queue and terminal status",
		},
		[]string{"queue", "status"},
	)

	QueueJobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "queue_job_duration_seconds",
			Help: "Duration of job processing in seconds",
		},
		[]string{"queue"},
	)

	QueueWaitingJobs = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_waiting_jobs",
			Help: "Number of jobs waiting per queue",
		},
		[]string{"queue"},
	)
)

// Job outcome labels for QueueJobsTotal.
const (
	StatusCompleted    = "completed"
	StatusFailed       = "failed"
	StatusDeadLettered = "dead_lettered"
	StatusDuplicate    = "duplicate_suppressed"
)

// Recorder is the passive metrics collaborator handed to the queue client and
// workers. Recording can never fail the calling path: panics from the
// prometheus client (e.g. inconsistent label cardinality during tests) are
// swallowed and logged.
type Recorder struct {
	logger logger.Logger
}

func NewRecorder(log logger.Logger) *Recorder {
	return &Recorder{logger: log}
}

func (r *Recorder) JobCompleted(queue string, d time.Duration) {
	r.observe(func() {
		QueueJobsTotal.WithLabelValues(queue, StatusCompleted).Inc()
		QueueJobDuration.WithLabelValues(queue).Observe(d.Seconds())
	})
}

func (r *Recorder) JobFailed(queue string, d time.Duration) {
	r.observe(func() {
		QueueJobsTotal.WithLabelValues(queue, StatusFailed).Inc()
		QueueJobDuration.WithLabelValues(queue).Observe(d.Seconds())
	})
}

func (r *Recorder) JobDeadLettered(queue string) {
	r.observe(func() {
		QueueJobsTotal.WithLabelValues(queue, StatusDeadLettered).Inc()
	})
}

func (r *Recorder) DuplicateSuppressed(queue string) {
	r.observe(func() {
		QueueJobsTotal.WithLabelValues(queue, StatusDuplicate).Inc()
	})
}

func (r *Recorder) SetWaiting(queue string, n int64) {
	r.observe(func() {
		QueueWaitingJobs.WithLabelValues(queue).Set(float64(n))
	})
}

func (r *Recorder) observe(record func()) {
	if r == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil && r.logger != nil {
			r.logger.Warn("metrics recording failed", map[string]interface{}{
				"panic": rec,
			})
		}
	}()
	record()
}
