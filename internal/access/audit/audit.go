// Package audit records access-state transitions into Elasticsearch for
// operator inspection. Recording is fire-and-forget: a failed write is logged
// and never fails the job that produced it.
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"access-sync/internal/common/database"
	"access-sync/internal/common/logger"
)

// Event is one access-state transition document.
type Event struct {
	Action         string    `json:"action"` // granted, revoked, grant_failed, dead_lettered
	SubscriptionID string    `json:"subscriptionId"`
	ChannelID      string    `json:"channelId,omitempty"`
	CustomerID     string    `json:"customerId,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	JobID          string    `json:"jobId,omitempty"`
	Detail         string    `json:"detail,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

type Sink struct {
	es     *database.ElasticsearchClient
	index  string
	logger logger.Logger
}

// NewSink builds the audit sink. A nil Elasticsearch client disables it; all
// Record calls become no-ops.
func NewSink(es *database.ElasticsearchClient, index string, log logger.Logger) *Sink {
	return &Sink{
		es:     es,
		index:  index,
		logger: log.WithFields(map[string]interface{}{"component": "audit"}),
	}
}

// Record indexes one event. Errors are swallowed after logging.
func (s *Sink) Record(ctx context.Context, ev Event) {
	if s == nil || s.es == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	body, err := json.Marshal(ev)
	if err != nil {
		s.logger.Warn("audit event marshal failed", map[string]interface{}{
			"action": ev.Action,
			"error":  err.Error(),
		})
		return
	}

	if err := s.es.Index(ctx, s.index, bytes.NewReader(body)); err != nil {
		s.logger.Warn("audit event index failed", map[string]interface{}{
			"action": ev.Action,
			"error":  err.Error(),
		})
	}
}
