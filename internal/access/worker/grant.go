package worker

import (
	"context"

	"access-sync/internal/access/audit"
	"access-sync/internal/access/intent"
	"access-sync/internal/access/queue"
	"access-sync/internal/access/store"
	apperrors "access-sync/internal/common/errors"
)

// handleGrant drives one (subscription, channel) pair toward GRANTED.
//
// The persisted row is re-read on every delivery and each transition is a
// conditional write, so duplicate delivery and racing revokes degrade to
// no-ops rather than blind overwrites. A grant arriving after a revoke is
// honored only when the subscription is still active; otherwise it is
// suppressed so a stale webhook cannot silently resurrect access.
func (w *Worker) handleGrant(ctx context.Context, job *queue.Job) error {
	in, err := intent.ValidateGrant(job.Payload)
	if err != nil {
		// Validated at enqueue; a failure here means a corrupted envelope.
		return err
	}

	log := w.logger.WithFields(map[string]interface{}{
		"jobId":          job.ID,
		"subscriptionId": in.SubscriptionID,
		"channelId":      in.ChannelID,
	})

	ca, err := w.store.GetChannelAccess(ctx, in.SubscriptionID, in.ChannelID)
	if err != nil {
		return err
	}

	switch {
	case ca == nil:
		if _, err := w.store.EnsurePending(ctx, in.SubscriptionID, in.ChannelID, in.CustomerID); err != nil {
			return err
		}

	case ca.Status == store.StatusGranted:
		// Already granted: acknowledge without re-inviting the customer.
		log.Info("grant already applied, skipping provider call", nil)
		return nil

	case ca.Status == store.StatusRevoked:
		active, err := w.store.SubscriptionActive(ctx, in.SubscriptionID)
		if err != nil {
			return err
		}
		if !active {
			log.Warn("grant suppressed for revoked pair of inactive subscription", nil)
			w.audit.Record(ctx, audit.Event{
				Action:         "grant_suppressed",
				SubscriptionID: in.SubscriptionID,
				ChannelID:      in.ChannelID,
				CustomerID:     in.CustomerID,
				JobID:          job.ID,
			})
			return nil
		}
		if _, err := w.store.ReopenPending(ctx, in.SubscriptionID, in.ChannelID, in.CustomerID); err != nil {
			return err
		}

	case ca.Status == store.StatusGrantFailed:
		// A replayed job gets a fresh cycle after a permanent failure.
		if _, err := w.store.RetryGrantFailed(ctx, in.SubscriptionID, in.ChannelID); err != nil {
			return err
		}

	case ca.Status == store.StatusPending:
		// Fall through to the provider call.
	}

	inviteID, err := w.provider.GrantChannelAccess(ctx, in.ChannelID, in.CustomerID)
	if err != nil {
		if apperrors.IsPermanent(err) {
			// Known unrecoverable: leave a marker distinguishable from PENDING
			// before the job dead-letters.
			if _, markErr := w.store.MarkGrantFailed(ctx, in.SubscriptionID, in.ChannelID); markErr != nil {
				log.Error("failed to mark grant failure", map[string]interface{}{
					"error": markErr.Error(),
				})
			}
			w.audit.Record(ctx, audit.Event{
				Action:         "grant_failed",
				SubscriptionID: in.SubscriptionID,
				ChannelID:      in.ChannelID,
				CustomerID:     in.CustomerID,
				JobID:          job.ID,
				Detail:         err.Error(),
			})
		}
		return err
	}

	changed, err := w.store.MarkGranted(ctx, in.SubscriptionID, in.ChannelID, inviteID)
	if err != nil {
		return err
	}
	if !changed {
		// Another delivery of this job won the conditional write.
		log.Info("grant already recorded by a concurrent delivery", nil)
		return nil
	}

	if _, err := w.store.EnsureEntitlement(ctx, store.Entitlement{
		SubscriptionID: in.SubscriptionID,
		CustomerID:     in.CustomerID,
		EntitlementKey: "channel:" + in.ChannelID,
		Type:           store.EntitlementChannelAccess,
	}); err != nil {
		return err
	}

	log.Info("access granted", map[string]interface{}{
		"inviteId": inviteID,
	})
	w.audit.Record(ctx, audit.Event{
		Action:         "granted",
		SubscriptionID: in.SubscriptionID,
		ChannelID:      in.ChannelID,
		CustomerID:     in.CustomerID,
		JobID:          job.ID,
	})
	return nil
}
