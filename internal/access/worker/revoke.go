package worker

import (
	"context"

	"access-sync/internal/access/audit"
	"access-sync/internal/access/intent"
	"access-sync/internal/access/provider"
	"access-sync/internal/access/queue"
)

// handleRevoke fans a revoke intent out over every GRANTED channel of the
// subscription. Rows already REVOKED are excluded by the query and therefore
// skipped without a provider call; a customer the provider reports as already
// absent counts as revoked.
func (w *Worker) handleRevoke(ctx context.Context, job *queue.Job) error {
	in, err := intent.ValidateRevoke(job.Payload)
	if err != nil {
		return err
	}

	log := w.logger.WithFields(map[string]interface{}{
		"jobId":          job.ID,
		"subscriptionId": in.SubscriptionID,
		"reason":         string(in.Reason),
	})

	rows, err := w.store.ListGrantedBySubscription(ctx, in.SubscriptionID)
	if err != nil {
		return err
	}

	for _, row := range rows {
		outcome, err := w.provider.RevokeChannelAccess(ctx, row.ChannelID, row.CustomerID)
		if err != nil {
			// Partial fan-out is fine: rows revoked so far are no longer
			// GRANTED and will be skipped when the job is retried.
			return err
		}

		changed, err := w.store.MarkRevoked(ctx, in.SubscriptionID, row.ChannelID, string(in.Reason))
		if err != nil {
			return err
		}
		if !changed {
			log.Info("revoke already recorded by a concurrent delivery", map[string]interface{}{
				"channelId": row.ChannelID,
			})
			continue
		}

		log.Info("access revoked", map[string]interface{}{
			"channelId":     row.ChannelID,
			"alreadyAbsent": outcome == provider.OutcomeAlreadyAbsent,
		})
		w.audit.Record(ctx, audit.Event{
			Action:         "revoked",
			SubscriptionID: in.SubscriptionID,
			ChannelID:      row.ChannelID,
			CustomerID:     row.CustomerID,
			Reason:         string(in.Reason),
			JobID:          job.ID,
			Detail:         string(outcome),
		})
	}

	if _, err := w.store.RevokeEntitlements(ctx, in.SubscriptionID, string(in.Reason)); err != nil {
		return err
	}

	return nil
}
