// internal/access/queue/client.go
package queue

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"access-sync/internal/access/intent"
	apperrors "access-sync/internal/common/errors"
	"access-sync/internal/common/logger"
	"access-sync/internal/common/metrics"
)

// Logical queue names. Each has its own waiting/delayed/active lists and a
// dead-letter store.
const (
	QueueGrant  = "grant-access"
	QueueRevoke = "revoke-access"
)

const keyPrefix = "accesssync"

// EnqueueStatus distinguishes a fresh enqueue from a suppressed duplicate.
// Both are successful outcomes for the caller.
type EnqueueStatus string

const (
	StatusEnqueued            EnqueueStatus = "enqueued"
	StatusDuplicateSuppressed EnqueueStatus = "duplicate_suppressed"
)

// EnqueueResult reports what happened to a submitted intent.
type EnqueueResult struct {
	JobID  string
	Status EnqueueStatus
}

// Policy holds the default job policy applied to every enqueued job.
// MaxAttempts bounds attempts, not delays: N attempts are separated by N-1
// backoff intervals. LeaseMs bounds how long a dequeued job may sit on the
// active list before it is reclaimed as a failed attempt.
type Policy struct {
	MaxAttempts   int
	BackoffBaseMs int64
	LeaseMs       int64
}

// DefaultPolicy: 5 attempts with exponential backoff from a 5-second base and
// a 60-second active lease.
var DefaultPolicy = Policy{
	MaxAttempts:   5,
	BackoffBaseMs: 5000,
	LeaseMs:       60000,
}

// Client owns the grant and revoke queues over one shared Redis connection.
// The connection lifecycle is managed by the caller via Close.
type Client struct {
	rdb    *redis.Client
	policy Policy
	logger logger.Logger
	rec    *metrics.Recorder
	closed atomic.Bool
}

// NewClient builds the queue client. The Redis client must already be
// configured; a nil client means the broker location was never configured,
// which is fatal at startup rather than retryable.
func NewClient(rdb *redis.Client, policy Policy, rec *metrics.Recorder, log logger.Logger) (*Client, error) {
	if rdb == nil {
		return nil, apperrors.NewConfigurationError("queue client requires a broker connection")
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = DefaultPolicy.MaxAttempts
	}
	if policy.BackoffBaseMs <= 0 {
		policy.BackoffBaseMs = DefaultPolicy.BackoffBaseMs
	}
	if policy.LeaseMs <= 0 {
		policy.LeaseMs = DefaultPolicy.LeaseMs
	}
	return &Client{
		rdb:    rdb,
		policy: policy,
		rec:    rec,
		logger: log.WithFields(map[string]interface{}{"component": "queue"}),
	}, nil
}

func waitingKey(q string) string { return fmt.Sprintf("%s:%s:waiting", keyPrefix, q) }
func delayedKey(q string) string { return fmt.Sprintf("%s:%s:delayed", keyPrefix, q) }
func activeKey(q string) string  { return fmt.Sprintf("%s:%s:active", keyPrefix, q) }
func leaseKey(q string) string   { return fmt.Sprintf("%s:%s:lease", keyPrefix, q) }
func deadKey(q string) string    { return fmt.Sprintf("%s:%s:dead", keyPrefix, q) }
func deadJobsKey(q string) string {
	return fmt.Sprintf("%s:%s:dead:jobs", keyPrefix, q)
}
func jobKey(q, id string) string { return fmt.Sprintf("%s:%s:job:%s", keyPrefix, q, id) }

// EnqueueGrant validates a raw grant payload and submits it to the grant
// queue under its derived idempotency key. A colliding waiting/active job of
// the same id makes this a successful no-op.
func (c *Client) EnqueueGrant(ctx context.Context, raw []byte) (EnqueueResult, error) {
	in, err := intent.ValidateGrant(raw)
	if err != nil {
		return EnqueueResult{}, err
	}
	return c.enqueue(ctx, QueueGrant, intent.DeriveGrantKey(in), raw)
}

// EnqueueRevoke is the revoke-side counterpart of EnqueueGrant.
func (c *Client) EnqueueRevoke(ctx context.Context, raw []byte) (EnqueueResult, error) {
	in, err := intent.ValidateRevoke(raw)
	if err != nil {
		return EnqueueResult{}, err
	}
	return c.enqueue(ctx, QueueRevoke, intent.DeriveRevokeKey(in), raw)
}

func (c *Client) enqueue(ctx context.Context, queueName, id string, payload []byte) (EnqueueResult, error) {
	if c.closed.Load() {
		return EnqueueResult{}, apperrors.NewQueueUnavailableError("enqueue", fmt.Errorf("queue client is closed"))
	}

	job := &Job{
		ID:            id,
		Queue:         queueName,
		Payload:       payload,
		AttemptsMade:  0,
		MaxAttempts:   c.policy.MaxAttempts,
		BackoffBaseMs: c.policy.BackoffBaseMs,
		State:         StateWaiting,
		EnqueuedAt:    time.Now().UTC(),
	}

	data, err := job.marshal()
	if err != nil {
		return EnqueueResult{}, apperrors.NewQueueUnavailableError("enqueue", err)
	}

	// The envelope key doubles as the dedup lock: it exists exactly while a
	// job of this id is waiting or active.
	set, err := c.rdb.SetNX(ctx, jobKey(queueName, id), data, 0).Result()
	if err != nil {
		return EnqueueResult{}, apperrors.NewQueueUnavailableError("enqueue", err)
	}
	if !set {
		c.logger.Debug("duplicate enqueue suppressed", map[string]interface{}{
			"queue": queueName,
			"jobId": id,
		})
		if c.rec != nil {
			c.rec.DuplicateSuppressed(queueName)
		}
		return EnqueueResult{JobID: id, Status: StatusDuplicateSuppressed}, nil
	}

	if err := c.rdb.LPush(ctx, waitingKey(queueName), id).Err(); err != nil {
		// Release the dedup lock so a retried enqueue is not wedged.
		c.rdb.Del(ctx, jobKey(queueName, id))
		return EnqueueResult{}, apperrors.NewQueueUnavailableError("enqueue", err)
	}

	c.logger.Info("job enqueued", map[string]interface{}{
		"queue": queueName,
		"jobId": id,
	})
	return EnqueueResult{JobID: id, Status: StatusEnqueued}, nil
}

// Dequeue promotes due delayed jobs, reclaims expired active leases, then
// moves one waiting job to the active list and returns its envelope. The
// claimed job carries a lease; if the consumer never settles it, a later
// Dequeue reclaims it as a failed attempt. Returns (nil, nil) when the queue
// is empty.
func (c *Client) Dequeue(ctx context.Context, queueName string) (*Job, error) {
	if err := c.promoteDelayed(ctx, queueName); err != nil {
		return nil, err
	}
	if err := c.reapExpiredLeases(ctx, queueName); err != nil {
		return nil, err
	}

	for {
		id, err := c.rdb.LMove(ctx, waitingKey(queueName), activeKey(queueName), "RIGHT", "LEFT").Result()
		if err == redis.Nil {
			return nil, nil
		}
		if err != nil {
			return nil, apperrors.NewQueueUnavailableError("dequeue", err)
		}

		data, err := c.rdb.Get(ctx, jobKey(queueName, id)).Bytes()
		if err == redis.Nil {
			// Orphaned id with no envelope; drop it and keep going.
			c.rdb.LRem(ctx, activeKey(queueName), 1, id)
			c.logger.Warn("dropped orphaned job id", map[string]interface{}{
				"queue": queueName,
				"jobId": id,
			})
			continue
		}
		if err != nil {
			return nil, apperrors.NewQueueUnavailableError("dequeue", err)
		}

		job, err := unmarshalJob(data)
		if err != nil {
			c.rdb.LRem(ctx, activeKey(queueName), 1, id)
			c.rdb.Del(ctx, jobKey(queueName, id))
			c.logger.Error("dropped undecodable job envelope", map[string]interface{}{
				"queue": queueName,
				"jobId": id,
				"error": err.Error(),
			})
			continue
		}

		job.State = StateActive
		if data, err := job.marshal(); err == nil {
			c.rdb.Set(ctx, jobKey(queueName, id), data, 0)
		}

		leaseUntil := float64(time.Now().Add(time.Duration(c.policy.LeaseMs) * time.Millisecond).UnixMilli())
		if err := c.rdb.ZAdd(ctx, leaseKey(queueName), redis.Z{Score: leaseUntil, Member: id}).Err(); err != nil {
			return nil, apperrors.NewQueueUnavailableError("dequeue", err)
		}
		return job, nil
	}
}

// promoteDelayed moves every delayed job whose backoff has elapsed back onto
// the waiting list.
func (c *Client) promoteDelayed(ctx context.Context, queueName string) error {
	now := float64(time.Now().UnixMilli())
	ids, err := c.rdb.ZRangeByScore(ctx, delayedKey(queueName), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%f", now),
	}).Result()
	if err != nil && err != redis.Nil {
		return apperrors.NewQueueUnavailableError("promote", err)
	}

	for _, id := range ids {
		removed, err := c.rdb.ZRem(ctx, delayedKey(queueName), id).Result()
		if err != nil {
			return apperrors.NewQueueUnavailableError("promote", err)
		}
		// Another consumer may have promoted it first.
		if removed == 0 {
			continue
		}
		if err := c.rdb.LPush(ctx, waitingKey(queueName), id).Err(); err != nil {
			return apperrors.NewQueueUnavailableError("promote", err)
		}
	}
	return nil
}

// reapExpiredLeases recovers active jobs whose consumer went away without
// settling them (process crash, lost connection). Each reclaimed job is
// charged a failed attempt and rescheduled, or dead-lettered once its attempt
// budget is spent, so a claimed job is never stranded on the active list.
func (c *Client) reapExpiredLeases(ctx context.Context, queueName string) error {
	now := float64(time.Now().UnixMilli())
	ids, err := c.rdb.ZRangeByScore(ctx, leaseKey(queueName), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%f", now),
	}).Result()
	if err != nil && err != redis.Nil {
		return apperrors.NewQueueUnavailableError("reap", err)
	}

	for _, id := range ids {
		removed, err := c.rdb.ZRem(ctx, leaseKey(queueName), id).Result()
		if err != nil {
			return apperrors.NewQueueUnavailableError("reap", err)
		}
		// Another consumer may have reclaimed it, or the owner settled it in
		// the meantime.
		if removed == 0 {
			continue
		}

		data, err := c.rdb.Get(ctx, jobKey(queueName, id)).Bytes()
		if err == redis.Nil {
			c.rdb.LRem(ctx, activeKey(queueName), 1, id)
			continue
		}
		if err != nil {
			return apperrors.NewQueueUnavailableError("reap", err)
		}
		job, err := unmarshalJob(data)
		if err != nil {
			c.rdb.LRem(ctx, activeKey(queueName), 1, id)
			c.rdb.Del(ctx, jobKey(queueName, id))
			continue
		}

		c.logger.Warn("active lease expired, reclaiming job", map[string]interface{}{
			"queue":        queueName,
			"jobId":        id,
			"attemptsMade": job.AttemptsMade,
		})
		if _, err := c.Retry(ctx, job, "lease expired: consumer never settled the job"); err != nil {
			return err
		}
	}
	return nil
}

// Complete acknowledges a successful job. Completed envelopes are removed,
// not retained; only failures are kept for inspection.
func (c *Client) Complete(ctx context.Context, job *Job) error {
	c.rdb.ZRem(ctx, leaseKey(job.Queue), job.ID)
	if err := c.rdb.LRem(ctx, activeKey(job.Queue), 1, job.ID).Err(); err != nil {
		return apperrors.NewQueueUnavailableError("complete", err)
	}
	if err := c.rdb.Del(ctx, jobKey(job.Queue, job.ID)).Err(); err != nil {
		return apperrors.NewQueueUnavailableError("complete", err)
	}
	return nil
}

// Retry records a failed attempt. The job is rescheduled with exponential
// backoff until its attempt budget is spent, then dead-lettered.
// Returns true when the job was dead-lettered.
func (c *Client) Retry(ctx context.Context, job *Job, cause string) (bool, error) {
	job.AttemptsMade++
	job.LastError = cause

	if job.AttemptsMade >= job.MaxAttempts {
		if err := c.DeadLetter(ctx, job, cause, false); err != nil {
			return false, err
		}
		return true, nil
	}

	job.State = StateFailed
	data, err := job.marshal()
	if err != nil {
		return false, apperrors.NewQueueUnavailableError("retry", err)
	}

	if err := c.rdb.Set(ctx, jobKey(job.Queue, job.ID), data, 0).Err(); err != nil {
		return false, apperrors.NewQueueUnavailableError("retry", err)
	}

	readyAt := float64(time.Now().Add(job.NextBackoff()).UnixMilli())
	if err := c.rdb.ZAdd(ctx, delayedKey(job.Queue), redis.Z{Score: readyAt, Member: job.ID}).Err(); err != nil {
		return false, apperrors.NewQueueUnavailableError("retry", err)
	}
	c.rdb.ZRem(ctx, leaseKey(job.Queue), job.ID)
	if err := c.rdb.LRem(ctx, activeKey(job.Queue), 1, job.ID).Err(); err != nil {
		return false, apperrors.NewQueueUnavailableError("retry", err)
	}

	c.logger.Warn("job attempt failed, rescheduled", map[string]interface{}{
		"queue":        job.Queue,
		"jobId":        job.ID,
		"attemptsMade": job.AttemptsMade,
		"maxAttempts":  job.MaxAttempts,
		"backoff":      job.NextBackoff().String(),
		"cause":        cause,
	})
	return false, nil
}

// DeadLetter moves a job to the dead-letter store, retained for inspection.
// The dedup envelope key is released so a later intent for the same pair can
// start a fresh cycle. permanent marks known-unrecoverable failures so
// operators can tell them apart from exhausted retry budgets.
func (c *Client) DeadLetter(ctx context.Context, job *Job, cause string, permanent bool) error {
	now := time.Now().UTC()
	job.State = StateDead
	job.LastError = cause
	job.Permanent = permanent
	job.DeadAt = &now

	data, err := job.marshal()
	if err != nil {
		return apperrors.NewQueueUnavailableError("dead-letter", err)
	}

	if err := c.rdb.HSet(ctx, deadJobsKey(job.Queue), job.ID, data).Err(); err != nil {
		return apperrors.NewQueueUnavailableError("dead-letter", err)
	}
	if err := c.rdb.LPush(ctx, deadKey(job.Queue), job.ID).Err(); err != nil {
		return apperrors.NewQueueUnavailableError("dead-letter", err)
	}
	c.rdb.ZRem(ctx, leaseKey(job.Queue), job.ID)
	c.rdb.LRem(ctx, activeKey(job.Queue), 1, job.ID)
	if err := c.rdb.Del(ctx, jobKey(job.Queue, job.ID)).Err(); err != nil {
		return apperrors.NewQueueUnavailableError("dead-letter", err)
	}

	c.logger.Error("job dead-lettered", map[string]interface{}{
		"queue":        job.Queue,
		"jobId":        job.ID,
		"attemptsMade": job.AttemptsMade,
		"permanent":    permanent,
		"cause":        cause,
	})
	if c.rec != nil {
		c.rec.JobDeadLettered(job.Queue)
	}
	return nil
}

// WaitingCount reports jobs waiting or backing off, for the waiting gauge.
func (c *Client) WaitingCount(ctx context.Context, queueName string) (int64, error) {
	waiting, err := c.rdb.LLen(ctx, waitingKey(queueName)).Result()
	if err != nil {
		return 0, apperrors.NewQueueUnavailableError("waiting-count", err)
	}
	delayed, err := c.rdb.ZCard(ctx, delayedKey(queueName)).Result()
	if err != nil {
		return 0, apperrors.NewQueueUnavailableError("waiting-count", err)
	}
	return waiting + delayed, nil
}

// DeadCount reports dead-lettered jobs retained for inspection.
func (c *Client) DeadCount(ctx context.Context, queueName string) (int64, error) {
	n, err := c.rdb.LLen(ctx, deadKey(queueName)).Result()
	if err != nil {
		return 0, apperrors.NewQueueUnavailableError("dead-count", err)
	}
	return n, nil
}

// ListDead returns up to limit dead-lettered job envelopes, newest first.
func (c *Client) ListDead(ctx context.Context, queueName string, limit int64) ([]*Job, error) {
	ids, err := c.rdb.LRange(ctx, deadKey(queueName), 0, limit-1).Result()
	if err != nil {
		return nil, apperrors.NewQueueUnavailableError("list-dead", err)
	}

	jobs := make([]*Job, 0, len(ids))
	for _, id := range ids {
		data, err := c.rdb.HGet(ctx, deadJobsKey(queueName), id).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, apperrors.NewQueueUnavailableError("list-dead", err)
		}
		job, err := unmarshalJob(data)
		if err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Replay moves a dead-lettered job back onto the waiting list with a fresh
// attempt budget. Used by the operator replay tool; there is no automatic
// sweep.
func (c *Client) Replay(ctx context.Context, queueName, id string) error {
	data, err := c.rdb.HGet(ctx, deadJobsKey(queueName), id).Bytes()
	if err == redis.Nil {
		return fmt.Errorf("job %s not found in %s dead-letter queue", id, queueName)
	}
	if err != nil {
		return apperrors.NewQueueUnavailableError("replay", err)
	}

	job, err := unmarshalJob(data)
	if err != nil {
		return apperrors.NewQueueUnavailableError("replay", err)
	}

	job.State = StateWaiting
	job.AttemptsMade = 0
	job.LastError = ""
	job.Permanent = false
	job.DeadAt = nil

	envelope, err := job.marshal()
	if err != nil {
		return apperrors.NewQueueUnavailableError("replay", err)
	}

	set, err := c.rdb.SetNX(ctx, jobKey(queueName, id), envelope, 0).Result()
	if err != nil {
		return apperrors.NewQueueUnavailableError("replay", err)
	}
	if !set {
		return fmt.Errorf("job %s already has a live duplicate, not replayed", id)
	}

	if err := c.rdb.LPush(ctx, waitingKey(queueName), id).Err(); err != nil {
		c.rdb.Del(ctx, jobKey(queueName, id))
		return apperrors.NewQueueUnavailableError("replay", err)
	}

	c.rdb.LRem(ctx, deadKey(queueName), 1, id)
	c.rdb.HDel(ctx, deadJobsKey(queueName), id)

	c.logger.Info("dead-lettered job replayed", map[string]interface{}{
		"queue": queueName,
		"jobId": id,
	})
	return nil
}

// Close stops accepting jobs and closes the broker connection. Close failures
// are logged and returned, but shutdown proceeds either way.
func (c *Client) Close() error {
	c.closed.Store(true)
	if err := c.rdb.Close(); err != nil {
		c.logger.Error("failed to close broker connection", map[string]interface{}{
			"error": err.Error(),
		})
		return err
	}
	return nil
}
