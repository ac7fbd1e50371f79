// test/e2e/e2e_test.go
package e2e

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"access-sync/internal/access/alert"
	"access-sync/internal/access/audit"
	"access-sync/internal/access/provider"
	"access-sync/internal/access/queue"
	"access-sync/internal/access/store"
	"access-sync/internal/access/worker"
	"access-sync/internal/common/logger"
	"access-sync/internal/common/metrics"
)

// End-to-end pipeline: billing intents enter through the queue client, both
// workers consume concurrently, and the access state machine settles. The
// broker is an in-process Redis, the store a mocked Postgres, the channel
// platform a scripted fake.

const (
	subscriptionID = "b3c9a1f4-8e2d-4f6a-9c1b-2d7e5a3f8b01"
	channelID      = "c4d0b2e5-9f3e-4a7b-8d2c-3e8f6b4a9c02"
	customerID     = "d5e1c3f6-0a4f-4b8c-9e3d-4f9a7c5b0d03"
)

type scriptedProvider struct {
	mu          sync.Mutex
	grantCalls  int
	revokeCalls int
}

func (p *scriptedProvider) GrantChannelAccess(ctx context.Context, chID, custID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.grantCalls++
	return "inv-e2e-1", nil
}

func (p *scriptedProvider) RevokeChannelAccess(ctx context.Context, chID, custID string) (provider.RevokeOutcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.revokeCalls++
	return provider.OutcomeRemoved, nil
}

func (p *scriptedProvider) counts() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.grantCalls, p.revokeCalls
}

func TestGrantThenRevokePipeline(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	log := logger.NewTestLogger(t)

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	// Two workers share the store; arrival order within a phase is not fixed.
	mock.MatchExpectationsInOrder(false)

	rec := metrics.NewRecorder(log)
	queueClient, err := queue.NewClient(rdb, queue.DefaultPolicy, rec, log)
	require.NoError(t, err)

	st := store.New(db, log)
	prov := &scriptedProvider{}
	auditSink := audit.NewSink(nil, "audit-e2e", log)
	alerts := alert.NewNotifier(nil, "", log)

	workerConfig := worker.Config{
		Concurrency:   2,
		PollInterval:  5 * time.Millisecond,
		JobTimeout:    2 * time.Second,
		GaugeInterval: time.Minute,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	for _, queueName := range []string{queue.QueueGrant, queue.QueueRevoke} {
		w := worker.New(queueName, workerConfig, queueClient, st, prov, rec, nil, auditSink, alerts, log)
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx)
		}()
	}

	// --- Grant phase ---

	mock.ExpectQuery("SELECT subscription_id, channel_id").
		WithArgs(subscriptionID, channelID).
		WillReturnRows(sqlmock.NewRows([]string{
			"subscription_id", "channel_id", "customer_id", "invite_id",
			"status", "granted_at", "revoked_at", "revoke_reason",
		}))
	mock.ExpectExec("INSERT INTO channel_access").
		WithArgs(subscriptionID, channelID, customerID, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE channel_access").
		WithArgs(subscriptionID, channelID, "inv-e2e-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO entitlements").
		WithArgs(subscriptionID, customerID, "channel:"+channelID,
			store.EntitlementChannelAccess, nil, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	grantPayload := []byte(fmt.Sprintf(
		`{"subscriptionId":%q,"channelId":%q,"customerId":%q,"provider":"stripe"}`,
		subscriptionID, channelID, customerID,
	))

	first, err := queueClient.EnqueueGrant(ctx, grantPayload)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusEnqueued, first.Status)

	// The webhook fires twice; the second delivery collapses into the first.
	second, err := queueClient.EnqueueGrant(ctx, grantPayload)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusDuplicateSuppressed, second.Status)

	require.Eventually(t, func() bool {
		grants, _ := prov.counts()
		waiting, err := queueClient.WaitingCount(ctx, queue.QueueGrant)
		return err == nil && grants == 1 && waiting == 0
	}, 3*time.Second, 10*time.Millisecond, "grant job should complete exactly once")

	// --- Revoke phase ---

	mock.ExpectQuery("SELECT subscription_id, channel_id").
		WithArgs(subscriptionID).
		WillReturnRows(sqlmock.NewRows([]string{
			"subscription_id", "channel_id", "customer_id", "invite_id",
			"status", "granted_at", "revoked_at", "revoke_reason",
		}).AddRow(subscriptionID, channelID, customerID, "inv-e2e-1", "GRANTED", time.Now().UTC(), nil, ""))
	mock.ExpectExec("UPDATE channel_access").
		WithArgs(subscriptionID, channelID, sqlmock.AnyArg(), "canceled").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE entitlements").
		WithArgs(subscriptionID, sqlmock.AnyArg(), "canceled").
		WillReturnResult(sqlmock.NewResult(0, 1))

	revokePayload := []byte(fmt.Sprintf(
		`{"subscriptionId":%q,"reason":"canceled"}`, subscriptionID,
	))

	res, err := queueClient.EnqueueRevoke(ctx, revokePayload)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusEnqueued, res.Status)

	require.Eventually(t, func() bool {
		_, revokes := prov.counts()
		waiting, err := queueClient.WaitingCount(ctx, queue.QueueRevoke)
		return err == nil && revokes == 1 && waiting == 0
	}, 3*time.Second, 10*time.Millisecond, "revoke job should complete exactly once")

	// Nothing dead-lettered on the happy path.
	for _, queueName := range []string{queue.QueueGrant, queue.QueueRevoke} {
		dead, err := queueClient.DeadCount(ctx, queueName)
		require.NoError(t, err)
		assert.Equal(t, int64(0), dead, "queue %s", queueName)
	}

	cancel()
	wg.Wait()

	assert.NoError(t, mock.ExpectationsWereMet())
}
