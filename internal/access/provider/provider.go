// Package provider abstracts the external channel platform the worker grants
// and revokes membership against.
package provider

import "context"

// RevokeOutcome reports how a removal ended on the provider side.
type RevokeOutcome string

const (
	// OutcomeRemoved means the customer was removed by this call.
	OutcomeRemoved RevokeOutcome = "removed"
	// OutcomeAlreadyAbsent means the customer was not in the channel.
	// Treated as success: revokes are idempotent at the business level.
	OutcomeAlreadyAbsent RevokeOutcome = "already_absent"
)

// Provider is the channel-platform boundary. Implementations must bound each
// call with their own timeout so a stuck call cannot hold a worker slot, and
// must classify failures as transient or permanent via the errors package.
type Provider interface {
	// GrantChannelAccess produces or refreshes an invite for the customer.
	// Safe to call more than once for the same pair.
	GrantChannelAccess(ctx context.Context, channelID, customerID string) (inviteID string, err error)

	// RevokeChannelAccess removes the customer from the channel.
	RevokeChannelAccess(ctx context.Context, channelID, customerID string) (RevokeOutcome, error)
}
