// internal/access/queue/job_test.go
package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestJob_NextBackoff(t *testing.T) {
	tests := []struct {
		name         string
		attemptsMade int
		expected     time.Duration
	}{
		{name: "first failure", attemptsMade: 1, expected: 5 * time.Second},
		{name: "second failure", attemptsMade: 2, expected: 10 * time.Second},
		{name: "third failure", attemptsMade: 3, expected: 20 * time.Second},
		{name: "fourth failure", attemptsMade: 4, expected: 40 * time.Second},
		{name: "fifth failure", attemptsMade: 5, expected: 80 * time.Second},
		{name: "zero attempts falls back to the base", attemptsMade: 0, expected: 5 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := &Job{BackoffBaseMs: 5000, AttemptsMade: tt.attemptsMade}
			assert.Equal(t, tt.expected, job.NextBackoff())
		})
	}
}

func TestJob_MarshalRoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	job := &Job{
		ID:            "grant:sub:chan",
		Queue:         QueueGrant,
		Payload:       []byte(`{"subscriptionId":"sub"}`),
		AttemptsMade:  2,
		MaxAttempts:   5,
		BackoffBaseMs: 5000,
		State:         StateFailed,
		LastError:     "status 503",
		EnqueuedAt:    now,
	}

	data, err := job.marshal()
	assert.NoError(t, err)

	decoded, err := unmarshalJob(data)
	assert.NoError(t, err)
	assert.Equal(t, job, decoded)
}
