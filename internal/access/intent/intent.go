// Package intent defines the grant/revoke intent values accepted by the
// access queues, their validation, and idempotency-key derivation.
package intent

// PaymentProvider identifies the billing system that triggered an intent.
type PaymentProvider string

const (
	ProviderStripe        PaymentProvider = "stripe"
	ProviderPayPal        PaymentProvider = "paypal"
	ProviderTelegramStars PaymentProvider = "telegram_stars"
)

// KnownProviders lists every accepted payment provider.
var KnownProviders = []PaymentProvider{
	ProviderStripe,
	ProviderPayPal,
	ProviderTelegramStars,
}

// RevokeReason drives downstream audit and retry policy. The set is closed:
// an unrecognized reason must never silently revoke access.
type RevokeReason string

const (
	ReasonPaymentFailed RevokeReason = "payment_failed"
	ReasonCanceled      RevokeReason = "canceled"
	ReasonManual        RevokeReason = "manual"
	ReasonRefund        RevokeReason = "refund"
	ReasonExpired       RevokeReason = "expired"
)

// KnownReasons lists every accepted revoke reason.
var KnownReasons = []RevokeReason{
	ReasonPaymentFailed,
	ReasonCanceled,
	ReasonManual,
	ReasonRefund,
	ReasonExpired,
}

// GrantAccessIntent is the immutable value describing "this customer should
// have access to this channel because of this subscription". It is consumed
// once by a worker and never mutated.
type GrantAccessIntent struct {
	SubscriptionID string          `json:"subscriptionId"`
	ChannelID      string          `json:"channelId"`
	CustomerID     string          `json:"customerId"`
	Provider       PaymentProvider `json:"provider"`
}

// RevokeAccessIntent describes a desired revocation for every channel a
// subscription granted. Reason is part of the job identity: a canceled revoke
// and a payment_failed revoke for the same subscription are distinct attempts.
type RevokeAccessIntent struct {
	SubscriptionID string       `json:"subscriptionId"`
	Reason         RevokeReason `json:"reason"`
}

func validProvider(p string) bool {
	for _, known := range KnownProviders {
		if PaymentProvider(p) == known {
			return true
		}
	}
	return false
}

func validReason(r string) bool {
	for _, known := range KnownReasons {
		if RevokeReason(r) == known {
			return true
		}
	}
	return false
}
