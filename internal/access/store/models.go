// internal/access/store/models.go
package store

import "time"

// AccessStatus is the persisted state of one (subscription, channel) pair.
type AccessStatus string

const (
	StatusPending AccessStatus = "PENDING"
	StatusGranted AccessStatus = "GRANTED"
	StatusRevoked AccessStatus = "REVOKED"
	// StatusGrantFailed marks a pair whose grant hit a known unrecoverable
	// provider condition. Distinguishable from PENDING so operators can tell
	// "never attempted / still retrying" from "gave up".
	StatusGrantFailed AccessStatus = "GRANT_FAILED"
)

// EntitlementType classifies a grantable capability.
type EntitlementType string

const (
	EntitlementChannelAccess EntitlementType = "CHANNEL_ACCESS"
	EntitlementFeatureFlag   EntitlementType = "FEATURE_FLAG"
	EntitlementContentUnlock EntitlementType = "CONTENT_UNLOCK"
	EntitlementAPIQuota      EntitlementType = "API_QUOTA"
)

// ChannelAccess is the record of a customer's membership state in one
// external channel. One row per (subscription, channel) pair; mutated
// exclusively by the access worker.
type ChannelAccess struct {
	SubscriptionID string
	ChannelID      string
	CustomerID     string
	InviteID       string
	Status         AccessStatus
	GrantedAt      *time.Time
	RevokedAt      *time.Time
	RevokeReason   string
}

// Entitlement is any grantable capability tied to a subscription, of which
// channel access is one kind. Expiry is passive: an elapsed ExpiresAt makes
// the entitlement inactive without a job.
type Entitlement struct {
	SubscriptionID string
	CustomerID     string
	EntitlementKey string
	Type           EntitlementType
	ExpiresAt      *time.Time
	RevokedAt      *time.Time
	RevokeReason   string
}
