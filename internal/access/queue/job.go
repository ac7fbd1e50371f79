// internal/access/queue/job.go
package queue

import (
	"encoding/json"
	"time"
)

// State tracks a job through the queue lifecycle. Completed jobs are removed
// rather than retained, so the completed state only ever appears in flight.
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateDead      State = "dead"
)

// Job is the engine-owned durable envelope for one unit of work. Its ID is
// derived from the intent, not generated, so identical intents collapse into
// one queued job.
type Job struct {
	ID            string          `json:"id"`
	Queue         string          `json:"queue"`
	Payload       json.RawMessage `json:"payload"`
	AttemptsMade  int             `json:"attemptsMade"`
	MaxAttempts   int             `json:"maxAttempts"`
	BackoffBaseMs int64           `json:"backoffBaseMs"`
	State         State           `json:"state"`
	LastError     string          `json:"lastError,omitempty"`
	Permanent     bool            `json:"permanent,omitempty"`
	EnqueuedAt    time.Time       `json:"enqueuedAt"`
	DeadAt        *time.Time      `json:"deadAt,omitempty"`
}

// NextBackoff returns the delay before the next attempt: exponential from the
// base, doubling per attempt already made. MaxAttempts bounds attempts, so N
// attempts realize N-1 delays: with the defaults (5 attempts, 5s base) a job
// waits 5s, 10s, 20s, 40s between its five attempts.
func (j *Job) NextBackoff() time.Duration {
	attempts := j.AttemptsMade
	if attempts < 1 {
		attempts = 1
	}
	return time.Duration(j.BackoffBaseMs) * time.Millisecond << (attempts - 1)
}

func (j *Job) marshal() ([]byte, error) {
	return json.Marshal(j)
}

func unmarshalJob(data []byte) (*Job, error) {
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	return &j, nil
}
