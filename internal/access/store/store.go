// internal/access/store/store.go
package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	apperrors "access-sync/internal/common/errors"
	"access-sync/internal/common/logger"
)

// Store persists ChannelAccess and Entitlement rows. Every mutation is an
// atomic conditional write keyed on the current status, so concurrent or
// duplicate job execution degrades to a no-op rather than a lost update.
type Store struct {
	db     *sql.DB
	logger logger.Logger
}

func New(db *sql.DB, log logger.Logger) *Store {
	return &Store{
		db:     db,
		logger: log.WithFields(map[string]interface{}{"component": "store"}),
	}
}

// GetChannelAccess returns the row for (subscriptionID, channelID), or nil
// when no row exists.
func (s *Store) GetChannelAccess(ctx context.Context, subscriptionID, channelID string) (*ChannelAccess, error) {
	query := `SELECT subscription_id, channel_id, customer_id, COALESCE(invite_id, ''), status, granted_at, revoked_at, COALESCE(revoke_reason, '')
		FROM channel_access WHERE subscription_id = $1 AND channel_id = $2`

	var ca ChannelAccess
	err := s.db.QueryRowContext(ctx, query, subscriptionID, channelID).Scan(
		&ca.SubscriptionID, &ca.ChannelID, &ca.CustomerID, &ca.InviteID,
		&ca.Status, &ca.GrantedAt, &ca.RevokedAt, &ca.RevokeReason,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewStoreUnavailableError("get channel access", err)
	}
	return &ca, nil
}

// EnsurePending creates the PENDING row for a first-time grant. The
// (subscription_id, channel_id) uniqueness makes a concurrent duplicate a
// no-op. Reports whether a row was inserted.
func (s *Store) EnsurePending(ctx context.Context, subscriptionID, channelID, customerID string) (bool, error) {
	query := `INSERT INTO channel_access (subscription_id, channel_id, customer_id, status, created_at)
		VALUES ($1, $2, $3, 'PENDING', $4)
		ON CONFLICT (subscription_id, channel_id) DO NOTHING`

	res, err := s.db.ExecContext(ctx, query, subscriptionID, channelID, customerID, time.Now().UTC())
	if err != nil {
		return false, apperrors.NewStoreUnavailableError("ensure pending", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ReopenPending returns a REVOKED pair to PENDING for a new grant cycle.
// Conditional on the row still being REVOKED.
func (s *Store) ReopenPending(ctx context.Context, subscriptionID, channelID, customerID string) (bool, error) {
	query := `UPDATE channel_access
		SET customer_id = $3, status = 'PENDING', invite_id = NULL, granted_at = NULL, revoked_at = NULL, revoke_reason = NULL
		WHERE subscription_id = $1 AND channel_id = $2 AND status = 'REVOKED'`

	res, err := s.db.ExecContext(ctx, query, subscriptionID, channelID, customerID)
	if err != nil {
		return false, apperrors.NewStoreUnavailableError("reopen pending", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkGranted transitions PENDING -> GRANTED after a successful provider
// call. A row no longer PENDING is left untouched.
func (s *Store) MarkGranted(ctx context.Context, subscriptionID, channelID, inviteID string) (bool, error) {
	query := `UPDATE channel_access
		SET status = 'GRANTED', invite_id = $3, granted_at = $4
		WHERE subscription_id = $1 AND channel_id = $2 AND status = 'PENDING'`

	res, err := s.db.ExecContext(ctx, query, subscriptionID, channelID, inviteID, time.Now().UTC())
	if err != nil {
		return false, apperrors.NewStoreUnavailableError("mark granted", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkGrantFailed transitions PENDING -> GRANT_FAILED on a permanent
// provider error.
func (s *Store) MarkGrantFailed(ctx context.Context, subscriptionID, channelID string) (bool, error) {
	query := `UPDATE channel_access
		SET status = 'GRANT_FAILED'
		WHERE subscription_id = $1 AND channel_id = $2 AND status = 'PENDING'`

	res, err := s.db.ExecContext(ctx, query, subscriptionID, channelID)
	if err != nil {
		return false, apperrors.NewStoreUnavailableError("mark grant failed", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RetryGrantFailed returns a GRANT_FAILED pair to PENDING so a replayed job
// starts a fresh cycle.
func (s *Store) RetryGrantFailed(ctx context.Context, subscriptionID, channelID string) (bool, error) {
	query := `UPDATE channel_access
		SET status = 'PENDING'
		WHERE subscription_id = $1 AND channel_id = $2 AND status = 'GRANT_FAILED'`

	res, err := s.db.ExecContext(ctx, query, subscriptionID, channelID)
	if err != nil {
		return false, apperrors.NewStoreUnavailableError("retry grant failed", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkRevoked transitions GRANTED -> REVOKED. Rows already revoked are left
// untouched, which makes duplicate revoke delivery safe.
func (s *Store) MarkRevoked(ctx context.Context, subscriptionID, channelID, reason string) (bool, error) {
	query := `UPDATE channel_access
		SET status = 'REVOKED', revoked_at = $3, revoke_reason = $4
		WHERE subscription_id = $1 AND channel_id = $2 AND status = 'GRANTED'`

	res, err := s.db.ExecContext(ctx, query, subscriptionID, channelID, time.Now().UTC(), reason)
	if err != nil {
		return false, apperrors.NewStoreUnavailableError("mark revoked", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ListGrantedBySubscription returns every GRANTED row of a subscription.
// A subscription can grant more than one channel, so a revoke fans out over
// this list.
func (s *Store) ListGrantedBySubscription(ctx context.Context, subscriptionID string) ([]ChannelAccess, error) {
	query := `SELECT subscription_id, channel_id, customer_id, COALESCE(invite_id, ''), status, granted_at, revoked_at, COALESCE(revoke_reason, '')
		FROM channel_access WHERE subscription_id = $1 AND status = 'GRANTED'`

	rows, err := s.db.QueryContext(ctx, query, subscriptionID)
	if err != nil {
		return nil, apperrors.NewStoreUnavailableError("list granted", err)
	}
	defer rows.Close()

	var out []ChannelAccess
	for rows.Next() {
		var ca ChannelAccess
		if err := rows.Scan(
			&ca.SubscriptionID, &ca.ChannelID, &ca.CustomerID, &ca.InviteID,
			&ca.Status, &ca.GrantedAt, &ca.RevokedAt, &ca.RevokeReason,
		); err != nil {
			return nil, apperrors.NewStoreUnavailableError("list granted", err)
		}
		out = append(out, ca)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewStoreUnavailableError("list granted", err)
	}
	return out, nil
}

// SubscriptionActive reports whether the subscription is currently active.
// Unknown subscriptions count as inactive.
func (s *Store) SubscriptionActive(ctx context.Context, subscriptionID string) (bool, error) {
	query := `SELECT status FROM subscriptions WHERE id = $1`

	var status string
	err := s.db.QueryRowContext(ctx, query, subscriptionID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, apperrors.NewStoreUnavailableError("subscription status", err)
	}
	return status == "active", nil
}

// EnsureEntitlement records a grantable capability; duplicate delivery is a
// no-op via the (subscription_id, entitlement_key) uniqueness.
func (s *Store) EnsureEntitlement(ctx context.Context, e Entitlement) (bool, error) {
	query := `INSERT INTO entitlements (subscription_id, customer_id, entitlement_key, type, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (subscription_id, entitlement_key) DO NOTHING`

	res, err := s.db.ExecContext(ctx, query,
		e.SubscriptionID, e.CustomerID, e.EntitlementKey, e.Type, e.ExpiresAt, time.Now().UTC())
	if err != nil {
		return false, apperrors.NewStoreUnavailableError("ensure entitlement", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RevokeEntitlements revokes every live entitlement of a subscription.
// Returns the number of rows revoked.
func (s *Store) RevokeEntitlements(ctx context.Context, subscriptionID, reason string) (int64, error) {
	query := `UPDATE entitlements
		SET revoked_at = $2, revoke_reason = $3
		WHERE subscription_id = $1 AND revoked_at IS NULL`

	res, err := s.db.ExecContext(ctx, query, subscriptionID, time.Now().UTC(), reason)
	if err != nil {
		return 0, apperrors.NewStoreUnavailableError("revoke entitlements", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ActiveEntitlements returns entitlements that are neither revoked nor
// expired. Expiry needs no job: an elapsed expires_at simply stops matching.
func (s *Store) ActiveEntitlements(ctx context.Context, subscriptionID string) ([]Entitlement, error) {
	query := `SELECT subscription_id, customer_id, entitlement_key, type, expires_at, revoked_at, COALESCE(revoke_reason, '')
		FROM entitlements
		WHERE subscription_id = $1 AND revoked_at IS NULL AND (expires_at IS NULL OR expires_at > $2)`

	rows, err := s.db.QueryContext(ctx, query, subscriptionID, time.Now().UTC())
	if err != nil {
		return nil, apperrors.NewStoreUnavailableError("active entitlements", err)
	}
	defer rows.Close()

	var out []Entitlement
	for rows.Next() {
		var e Entitlement
		if err := rows.Scan(
			&e.SubscriptionID, &e.CustomerID, &e.EntitlementKey, &e.Type,
			&e.ExpiresAt, &e.RevokedAt, &e.RevokeReason,
		); err != nil {
			return nil, apperrors.NewStoreUnavailableError("active entitlements", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewStoreUnavailableError("active entitlements", err)
	}
	return out, nil
}
