package intent

// Idempotency-key derivation. The derived key becomes the job's identity, so
// duplicate triggers for the same semantic intent collapse into one queued
// unit of work regardless of how often the billing webhook is delivered.

// DeriveGrantKey is a pure function of (subscriptionId, channelId).
// CustomerID and Provider are deliberately excluded: two grant attempts for
// the same pair must coalesce no matter who delivered them.
func DeriveGrantKey(i GrantAccessIntent) string {
	return "grant:" + i.SubscriptionID + ":" + i.ChannelID
}

// DeriveRevokeKey is a pure function of (subscriptionId, reason).
func DeriveRevokeKey(i RevokeAccessIntent) string {
	return "revoke:" + i.SubscriptionID + ":" + string(i.Reason)
}
