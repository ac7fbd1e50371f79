// Package worker consumes grant/revoke jobs and drives the ChannelAccess and
// Entitlement state machines. It is the only writer of access state and the
// only caller of the channel provider.
package worker

import (
	"context"
	"sync"
	"time"

	"access-sync/internal/access/alert"
	"access-sync/internal/access/audit"
	"access-sync/internal/access/provider"
	"access-sync/internal/access/queue"
	"access-sync/internal/access/store"
	apperrors "access-sync/internal/common/errors"
	"access-sync/internal/common/logger"
	"access-sync/internal/common/metrics"
	"access-sync/internal/common/observability"
)

// Config holds per-worker runtime settings.
type Config struct {
	Concurrency   int
	PollInterval  time.Duration
	JobTimeout    time.Duration
	GaugeInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 30 * time.Second
	}
	if c.GaugeInterval <= 0 {
		c.GaugeInterval = 5 * time.Second
	}
}

// Worker pulls jobs from one queue and processes them. Multiple instances may
// run against the same queue: the broker's active list holds a job with at
// most one consumer, abandoned claims are reclaimed when their lease expires,
// and every state mutation is a conditional write, so at-least-once delivery
// is safe.
type Worker struct {
	queueName string
	config    Config
	queue     *queue.Client
	store     *store.Store
	provider  provider.Provider
	rec       *metrics.Recorder
	obs       *observability.Observability
	audit     *audit.Sink
	alerts    *alert.Notifier
	logger    logger.Logger
}

func New(
	queueName string,
	cfg Config,
	q *queue.Client,
	st *store.Store,
	p provider.Provider,
	rec *metrics.Recorder,
	obs *observability.Observability,
	auditSink *audit.Sink,
	alerts *alert.Notifier,
	log logger.Logger,
) *Worker {
	cfg.applyDefaults()
	return &Worker{
		queueName: queueName,
		config:    cfg,
		queue:     q,
		store:     st,
		provider:  p,
		rec:       rec,
		obs:       obs,
		audit:     auditSink,
		alerts:    alerts,
		logger:    log.WithFields(map[string]interface{}{"queue": queueName}),
	}
}

// Run consumes jobs until ctx is canceled. Blocks.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup

	for i := 0; i < w.config.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.consume(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		w.reportWaiting(ctx)
	}()

	w.logger.Info("worker started", map[string]interface{}{
		"concurrency": w.config.Concurrency,
	})
	wg.Wait()
	w.logger.Info("worker stopped", nil)
}

func (w *Worker) consume(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		job, err := w.queue.Dequeue(ctx, w.queueName)
		if err != nil {
			w.logger.Error("dequeue failed", map[string]interface{}{
				"error": err.Error(),
			})
			w.sleep(ctx, w.config.PollInterval)
			continue
		}
		if job == nil {
			w.sleep(ctx, w.config.PollInterval)
			continue
		}

		w.process(ctx, job)
	}
}

// settleTimeout bounds the queue bookkeeping after a job attempt. Settlement
// runs on a context detached from shutdown so a SIGTERM mid-job cannot leave
// the attempt unrecorded.
const settleTimeout = 10 * time.Second

// process runs one job attempt and settles its queue state. Terminal failure
// metrics count jobs, not attempts: a transiently failing job increments the
// failed counter once, when it dead-letters.
func (w *Worker) process(ctx context.Context, job *queue.Job) {
	start := time.Now()
	jobCtx, cancel := context.WithTimeout(ctx, w.config.JobTimeout)
	err := w.handle(jobCtx, job)
	cancel()
	duration := time.Since(start)

	settleCtx, settleCancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer settleCancel()

	if err == nil {
		if err := w.queue.Complete(settleCtx, job); err != nil {
			// The lease reaper will redeliver it; the handler's writes are
			// conditional, so the rerun is a no-op.
			w.logger.Error("job completion ack failed", map[string]interface{}{
				"jobId": job.ID,
				"error": err.Error(),
			})
			return
		}
		w.rec.JobCompleted(w.queueName, duration)
		if w.obs != nil {
			w.obs.RecordJobProcessed(settleCtx, w.queueName, "completed")
			w.obs.RecordJobDuration(settleCtx, w.queueName, duration)
		}
		w.logger.Info("job completed", map[string]interface{}{
			"jobId":    job.ID,
			"duration": duration.String(),
		})
		return
	}

	if !apperrors.IsRetryable(err) {
		// Known unrecoverable: the retry budget is for transient failures only.
		if dlErr := w.queue.DeadLetter(settleCtx, job, err.Error(), true); dlErr != nil {
			w.logger.Error("dead-letter failed", map[string]interface{}{
				"jobId": job.ID,
				"error": dlErr.Error(),
			})
			return
		}
		w.settleDead(settleCtx, job, err.Error(), true, duration)
		return
	}

	deadLettered, retryErr := w.queue.Retry(settleCtx, job, err.Error())
	if retryErr != nil {
		// Left on the active list; the lease reaper will reschedule it.
		w.logger.Error("retry scheduling failed", map[string]interface{}{
			"jobId": job.ID,
			"error": retryErr.Error(),
		})
		return
	}
	if deadLettered {
		w.settleDead(settleCtx, job, err.Error(), false, duration)
		return
	}
	if w.obs != nil {
		w.obs.RecordJobDuration(settleCtx, w.queueName, duration)
	}
}

func (w *Worker) settleDead(ctx context.Context, job *queue.Job, cause string, permanent bool, duration time.Duration) {
	w.rec.JobFailed(w.queueName, duration)
	if w.obs != nil {
		w.obs.RecordJobProcessed(ctx, w.queueName, "dead_lettered")
		w.obs.RecordJobDuration(ctx, w.queueName, duration)
	}
	w.alerts.DeadLettered(ctx, w.queueName, job.ID, cause, permanent)
	w.audit.Record(ctx, audit.Event{
		Action: "dead_lettered",
		JobID:  job.ID,
		Detail: cause,
	})
}

func (w *Worker) handle(ctx context.Context, job *queue.Job) error {
	switch job.Queue {
	case queue.QueueGrant:
		return w.handleGrant(ctx, job)
	case queue.QueueRevoke:
		return w.handleRevoke(ctx, job)
	default:
		return apperrors.NewPermanentProviderError("dispatch", "unknown queue "+job.Queue)
	}
}

func (w *Worker) reportWaiting(ctx context.Context) {
	ticker := time.NewTicker(w.config.GaugeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := w.queue.WaitingCount(ctx, w.queueName)
			if err != nil {
				w.logger.Debug("waiting-count failed", map[string]interface{}{
					"error": err.Error(),
				})
				continue
			}
			w.rec.SetWaiting(w.queueName, n)
		}
	}
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
