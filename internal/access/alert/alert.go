// Package alert notifies operators when a job is dead-lettered. Like metrics
// and audit, it is a passive collaborator: publish failures are logged and
// swallowed, never surfaced as business errors.
package alert

import (
	"context"
	"encoding/json"
	"time"

	"access-sync/internal/common/aws"
	"access-sync/internal/common/logger"
)

type Notifier struct {
	sns      *aws.SNSClient
	topicARN string
	logger   logger.Logger
}

// NewNotifier builds the SNS dead-letter notifier. A nil SNS client disables
// it.
func NewNotifier(sns *aws.SNSClient, topicARN string, log logger.Logger) *Notifier {
	return &Notifier{
		sns:      sns,
		topicARN: topicARN,
		logger:   log.WithFields(map[string]interface{}{"component": "alert"}),
	}
}

// DeadLettered publishes a notification for one dead-lettered job.
func (n *Notifier) DeadLettered(ctx context.Context, queueName, jobID, cause string, permanent bool) {
	if n == nil || n.sns == nil {
		return
	}

	message, err := json.Marshal(map[string]interface{}{
		"queue":     queueName,
		"jobId":     jobID,
		"cause":     cause,
		"permanent": permanent,
		"at":        time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		n.logger.Warn("dead-letter alert marshal failed", map[string]interface{}{
			"jobId": jobID,
			"error": err.Error(),
		})
		return
	}

	if err := n.sns.PublishMessage(ctx, n.topicARN, "access-sync job dead-lettered", string(message)); err != nil {
		n.logger.Warn("dead-letter alert publish failed", map[string]interface{}{
			"queue": queueName,
			"jobId": jobID,
			"error": err.Error(),
		})
	}
}
