// internal/access/queue/client_test.go
package queue

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "access-sync/internal/common/errors"
	"access-sync/internal/common/logger"
)

// ==========================
// Test Helper Functions
// ==========================

const (
	testSubscriptionID = "b3c9a1f4-8e2d-4f6a-9c1b-2d7e5a3f8b01"
	testChannelID      = "c4d0b2e5-9f3e-4a7b-8d2c-3e8f6b4a9c02"
	testCustomerID     = "d5e1c3f6-0a4f-4b8c-9e3d-4f9a7c5b0d03"
)

func newTestClient(t *testing.T, policy Policy) *Client {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	client, err := NewClient(rdb, policy, nil, logger.NewTestLogger(t))
	require.NoError(t, err)
	return client
}

func grantPayload(subscriptionID, channelID string) []byte {
	return []byte(fmt.Sprintf(
		`{"subscriptionId":%q,"channelId":%q,"customerId":%q,"provider":"stripe"}`,
		subscriptionID, channelID, testCustomerID,
	))
}

func revokePayload(subscriptionID, reason string) []byte {
	return []byte(fmt.Sprintf(`{"subscriptionId":%q,"reason":%q}`, subscriptionID, reason))
}

// ==========================
// Enqueue Tests
// ==========================

func TestClient_EnqueueGrant_DuplicateSuppressed(t *testing.T) {
	client := newTestClient(t, DefaultPolicy)
	ctx := context.Background()

	first, err := client.EnqueueGrant(ctx, grantPayload(testSubscriptionID, testChannelID))
	require.NoError(t, err)
	assert.Equal(t, StatusEnqueued, first.Status)
	assert.Equal(t, "grant:"+testSubscriptionID+":"+testChannelID, first.JobID)

	// Same (subscription, channel) pair from a redelivered webhook.
	second, err := client.EnqueueGrant(ctx, grantPayload(testSubscriptionID, testChannelID))
	require.NoError(t, err)
	assert.Equal(t, StatusDuplicateSuppressed, second.Status)
	assert.Equal(t, first.JobID, second.JobID)

	waiting, err := client.WaitingCount(ctx, QueueGrant)
	require.NoError(t, err)
	assert.Equal(t, int64(1), waiting)
}

func TestClient_EnqueueRevoke_ReasonIsPartOfIdentity(t *testing.T) {
	client := newTestClient(t, DefaultPolicy)
	ctx := context.Background()

	first, err := client.EnqueueRevoke(ctx, revokePayload(testSubscriptionID, "canceled"))
	require.NoError(t, err)
	assert.Equal(t, StatusEnqueued, first.Status)

	second, err := client.EnqueueRevoke(ctx, revokePayload(testSubscriptionID, "payment_failed"))
	require.NoError(t, err)
	assert.Equal(t, StatusEnqueued, second.Status)
	assert.NotEqual(t, first.JobID, second.JobID)

	waiting, err := client.WaitingCount(ctx, QueueRevoke)
	require.NoError(t, err)
	assert.Equal(t, int64(2), waiting)
}

func TestClient_EnqueueGrant_InvalidPayloadRejected(t *testing.T) {
	client := newTestClient(t, DefaultPolicy)
	ctx := context.Background()

	_, err := client.EnqueueGrant(ctx, []byte(`{"subscriptionId":"nope"}`))
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))

	// Nothing reaches the broker on validation failure.
	waiting, err := client.WaitingCount(ctx, QueueGrant)
	require.NoError(t, err)
	assert.Equal(t, int64(0), waiting)
}

func TestClient_Enqueue_BrokerFailure(t *testing.T) {
	rdb, redisMock := redismock.NewClientMock()
	client, err := NewClient(rdb, DefaultPolicy, nil, logger.NewTestLogger(t))
	require.NoError(t, err)

	jobID := "grant:" + testSubscriptionID + ":" + testChannelID
	redisMock.Regexp().ExpectSetNX(jobKey(QueueGrant, jobID), `.*`, 0).
		SetErr(errors.New("connection refused"))

	_, err = client.EnqueueGrant(context.Background(), grantPayload(testSubscriptionID, testChannelID))
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeQueueUnavailable, apperrors.CodeOf(err))
	assert.True(t, apperrors.IsRetryable(err))
	assert.NoError(t, redisMock.ExpectationsWereMet())
}

func TestClient_Enqueue_AfterCloseFails(t *testing.T) {
	client := newTestClient(t, DefaultPolicy)
	require.NoError(t, client.Close())

	_, err := client.EnqueueGrant(context.Background(), grantPayload(testSubscriptionID, testChannelID))
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeQueueUnavailable, apperrors.CodeOf(err))
}

// ==========================
// Dequeue / Complete Tests
// ==========================

func TestClient_Dequeue_EmptyQueue(t *testing.T) {
	client := newTestClient(t, DefaultPolicy)

	job, err := client.Dequeue(context.Background(), QueueGrant)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestClient_CompleteReleasesDedupLock(t *testing.T) {
	client := newTestClient(t, DefaultPolicy)
	ctx := context.Background()

	res, err := client.EnqueueGrant(ctx, grantPayload(testSubscriptionID, testChannelID))
	require.NoError(t, err)

	job, err := client.Dequeue(ctx, QueueGrant)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, res.JobID, job.ID)
	assert.Equal(t, StateActive, job.State)

	require.NoError(t, client.Complete(ctx, job))

	// The envelope is gone, so a new cycle for the same pair is a fresh job.
	again, err := client.EnqueueGrant(ctx, grantPayload(testSubscriptionID, testChannelID))
	require.NoError(t, err)
	assert.Equal(t, StatusEnqueued, again.Status)
}

func TestClient_Dequeue_HoldsJobWithOneConsumer(t *testing.T) {
	client := newTestClient(t, DefaultPolicy)
	ctx := context.Background()

	_, err := client.EnqueueGrant(ctx, grantPayload(testSubscriptionID, testChannelID))
	require.NoError(t, err)

	job, err := client.Dequeue(ctx, QueueGrant)
	require.NoError(t, err)
	require.NotNil(t, job)

	// A second consumer finds the waiting list empty while the job is active.
	other, err := client.Dequeue(ctx, QueueGrant)
	require.NoError(t, err)
	assert.Nil(t, other)
}

// ==========================
// Lease Tests
// ==========================

func TestClient_Dequeue_RedeliversAfterConsumerCrash(t *testing.T) {
	client := newTestClient(t, Policy{MaxAttempts: 3, BackoffBaseMs: 1, LeaseMs: 1})
	ctx := context.Background()

	res, err := client.EnqueueGrant(ctx, grantPayload(testSubscriptionID, testChannelID))
	require.NoError(t, err)

	// The consumer claims the job and then dies without settling it.
	claimed, err := client.Dequeue(ctx, QueueGrant)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	// The job is still live, so the same pair stays suppressed.
	dup, err := client.EnqueueGrant(ctx, grantPayload(testSubscriptionID, testChannelID))
	require.NoError(t, err)
	assert.Equal(t, StatusDuplicateSuppressed, dup.Status)

	time.Sleep(20 * time.Millisecond)

	// The next poll reclaims the expired lease as a failed attempt and
	// reschedules the job with backoff.
	reaped, err := client.Dequeue(ctx, QueueGrant)
	require.NoError(t, err)
	assert.Nil(t, reaped)

	active, err := client.rdb.LLen(ctx, activeKey(QueueGrant)).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), active)

	waiting, err := client.WaitingCount(ctx, QueueGrant)
	require.NoError(t, err)
	assert.Equal(t, int64(1), waiting)

	time.Sleep(20 * time.Millisecond)

	redelivered, err := client.Dequeue(ctx, QueueGrant)
	require.NoError(t, err)
	require.NotNil(t, redelivered)
	assert.Equal(t, res.JobID, redelivered.ID)
	assert.Equal(t, 1, redelivered.AttemptsMade)
	assert.Contains(t, redelivered.LastError, "lease expired")

	dead, err := client.DeadCount(ctx, QueueGrant)
	require.NoError(t, err)
	assert.Equal(t, int64(0), dead)
}

func TestClient_LeaseExhaustion_DeadLettersAndReleasesDedup(t *testing.T) {
	client := newTestClient(t, Policy{MaxAttempts: 1, BackoffBaseMs: 1, LeaseMs: 1})
	ctx := context.Background()

	res, err := client.EnqueueGrant(ctx, grantPayload(testSubscriptionID, testChannelID))
	require.NoError(t, err)

	claimed, err := client.Dequeue(ctx, QueueGrant)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	time.Sleep(20 * time.Millisecond)

	// The lone attempt is spent on the crashed claim, so the reap
	// dead-letters instead of rescheduling.
	reaped, err := client.Dequeue(ctx, QueueGrant)
	require.NoError(t, err)
	assert.Nil(t, reaped)

	dead, err := client.DeadCount(ctx, QueueGrant)
	require.NoError(t, err)
	assert.Equal(t, int64(1), dead)

	jobs, err := client.ListDead(ctx, QueueGrant, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, res.JobID, jobs[0].ID)
	assert.False(t, jobs[0].Permanent)
	assert.Contains(t, jobs[0].LastError, "lease expired")

	// Dead-lettering released the dedup lock for a fresh cycle.
	again, err := client.EnqueueGrant(ctx, grantPayload(testSubscriptionID, testChannelID))
	require.NoError(t, err)
	assert.Equal(t, StatusEnqueued, again.Status)
}

func TestClient_Complete_ClearsLease(t *testing.T) {
	client := newTestClient(t, Policy{MaxAttempts: 3, BackoffBaseMs: 1, LeaseMs: 1})
	ctx := context.Background()

	_, err := client.EnqueueGrant(ctx, grantPayload(testSubscriptionID, testChannelID))
	require.NoError(t, err)

	job, err := client.Dequeue(ctx, QueueGrant)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.NoError(t, client.Complete(ctx, job))

	time.Sleep(20 * time.Millisecond)

	// A settled job leaves nothing behind for the reaper to resurrect.
	ghost, err := client.Dequeue(ctx, QueueGrant)
	require.NoError(t, err)
	assert.Nil(t, ghost)

	leases, err := client.rdb.ZCard(ctx, leaseKey(QueueGrant)).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), leases)
}

// ==========================
// Retry / Backoff Tests
// ==========================

func TestClient_Retry_SchedulesWithBackoff(t *testing.T) {
	client := newTestClient(t, Policy{MaxAttempts: 3, BackoffBaseMs: 5000})
	ctx := context.Background()

	_, err := client.EnqueueGrant(ctx, grantPayload(testSubscriptionID, testChannelID))
	require.NoError(t, err)

	job, err := client.Dequeue(ctx, QueueGrant)
	require.NoError(t, err)
	require.NotNil(t, job)

	before := time.Now()
	deadLettered, err := client.Retry(ctx, job, "status 503")
	require.NoError(t, err)
	assert.False(t, deadLettered)
	assert.Equal(t, 1, job.AttemptsMade)

	// The job sits in the delayed set, scored by its ready time.
	readyAt, err := client.rdb.ZScore(ctx, delayedKey(QueueGrant), job.ID).Result()
	require.NoError(t, err)
	earliest := float64(before.Add(5 * time.Second).UnixMilli())
	assert.GreaterOrEqual(t, readyAt, earliest)
	assert.Less(t, readyAt, earliest+float64((2*time.Second).Milliseconds()))

	// Still counted as waiting, but not yet deliverable.
	waiting, err := client.WaitingCount(ctx, QueueGrant)
	require.NoError(t, err)
	assert.Equal(t, int64(1), waiting)

	next, err := client.Dequeue(ctx, QueueGrant)
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestClient_Retry_PromotedAfterBackoffElapses(t *testing.T) {
	client := newTestClient(t, Policy{MaxAttempts: 3, BackoffBaseMs: 1})
	ctx := context.Background()

	_, err := client.EnqueueGrant(ctx, grantPayload(testSubscriptionID, testChannelID))
	require.NoError(t, err)

	job, err := client.Dequeue(ctx, QueueGrant)
	require.NoError(t, err)
	require.NotNil(t, job)

	deadLettered, err := client.Retry(ctx, job, "status 503")
	require.NoError(t, err)
	require.False(t, deadLettered)

	time.Sleep(20 * time.Millisecond)

	redelivered, err := client.Dequeue(ctx, QueueGrant)
	require.NoError(t, err)
	require.NotNil(t, redelivered)
	assert.Equal(t, job.ID, redelivered.ID)
	assert.Equal(t, 1, redelivered.AttemptsMade)
	assert.Equal(t, "status 503", redelivered.LastError)
}

func TestClient_Retry_ExhaustionDeadLetters(t *testing.T) {
	client := newTestClient(t, Policy{MaxAttempts: 3, BackoffBaseMs: 1})
	ctx := context.Background()

	res, err := client.EnqueueGrant(ctx, grantPayload(testSubscriptionID, testChannelID))
	require.NoError(t, err)

	var deadLettered bool
	for attempt := 1; attempt <= 3; attempt++ {
		time.Sleep(20 * time.Millisecond)
		job, err := client.Dequeue(ctx, QueueGrant)
		require.NoError(t, err)
		require.NotNil(t, job, "attempt %d", attempt)

		deadLettered, err = client.Retry(ctx, job, "status 503")
		require.NoError(t, err)
	}
	assert.True(t, deadLettered, "budget of 3 attempts must be spent")

	dead, err := client.DeadCount(ctx, QueueGrant)
	require.NoError(t, err)
	assert.Equal(t, int64(1), dead)

	jobs, err := client.ListDead(ctx, QueueGrant, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, res.JobID, jobs[0].ID)
	assert.Equal(t, 3, jobs[0].AttemptsMade)
	assert.False(t, jobs[0].Permanent)
	assert.Equal(t, StateDead, jobs[0].State)
	require.NotNil(t, jobs[0].DeadAt)

	// Dead-lettering releases the dedup lock for a fresh cycle.
	again, err := client.EnqueueGrant(ctx, grantPayload(testSubscriptionID, testChannelID))
	require.NoError(t, err)
	assert.Equal(t, StatusEnqueued, again.Status)
}

// ==========================
// Dead-Letter / Replay Tests
// ==========================

func TestClient_DeadLetter_PermanentFlag(t *testing.T) {
	client := newTestClient(t, DefaultPolicy)
	ctx := context.Background()

	_, err := client.EnqueueGrant(ctx, grantPayload(testSubscriptionID, testChannelID))
	require.NoError(t, err)

	job, err := client.Dequeue(ctx, QueueGrant)
	require.NoError(t, err)
	require.NotNil(t, job)

	require.NoError(t, client.DeadLetter(ctx, job, "channel gone (status 410)", true))

	jobs, err := client.ListDead(ctx, QueueGrant, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.True(t, jobs[0].Permanent)
	assert.Equal(t, "channel gone (status 410)", jobs[0].LastError)

	// Nothing active, nothing waiting.
	waiting, err := client.WaitingCount(ctx, QueueGrant)
	require.NoError(t, err)
	assert.Equal(t, int64(0), waiting)
}

func TestClient_Replay_ResetsAttemptBudget(t *testing.T) {
	client := newTestClient(t, Policy{MaxAttempts: 2, BackoffBaseMs: 1})
	ctx := context.Background()

	res, err := client.EnqueueGrant(ctx, grantPayload(testSubscriptionID, testChannelID))
	require.NoError(t, err)

	for attempt := 1; attempt <= 2; attempt++ {
		time.Sleep(20 * time.Millisecond)
		job, err := client.Dequeue(ctx, QueueGrant)
		require.NoError(t, err)
		require.NotNil(t, job)
		_, err = client.Retry(ctx, job, "status 503")
		require.NoError(t, err)
	}

	dead, err := client.DeadCount(ctx, QueueGrant)
	require.NoError(t, err)
	require.Equal(t, int64(1), dead)

	require.NoError(t, client.Replay(ctx, QueueGrant, res.JobID))

	dead, err = client.DeadCount(ctx, QueueGrant)
	require.NoError(t, err)
	assert.Equal(t, int64(0), dead)

	job, err := client.Dequeue(ctx, QueueGrant)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, res.JobID, job.ID)
	assert.Equal(t, 0, job.AttemptsMade)
	assert.Empty(t, job.LastError)
	assert.False(t, job.Permanent)
}

func TestClient_Replay_UnknownJob(t *testing.T) {
	client := newTestClient(t, DefaultPolicy)

	err := client.Replay(context.Background(), QueueGrant, "grant:missing:missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}
