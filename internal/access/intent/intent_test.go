// internal/access/intent/intent_test.go
package intent

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "access-sync/internal/common/errors"
)

// ==========================
// Test Helper Functions
// ==========================

const (
	testSubscriptionID = "b3c9a1f4-8e2d-4f6a-9c1b-2d7e5a3f8b01"
	testChannelID      = "c4d0b2e5-9f3e-4a7b-8d2c-3e8f6b4a9c02"
	testCustomerID     = "d5e1c3f6-0a4f-4b8c-9e3d-4f9a7c5b0d03"
)

func grantPayload(subscriptionID, channelID, customerID, provider string) []byte {
	return []byte(fmt.Sprintf(
		`{"subscriptionId":%q,"channelId":%q,"customerId":%q,"provider":%q}`,
		subscriptionID, channelID, customerID, provider,
	))
}

func revokePayload(subscriptionID, reason string) []byte {
	return []byte(fmt.Sprintf(`{"subscriptionId":%q,"reason":%q}`, subscriptionID, reason))
}

// ==========================
// Grant Validation Tests
// ==========================

func TestValidateGrant(t *testing.T) {
	tests := []struct {
		name        string
		payload     []byte
		expectError bool
		validate    func(t *testing.T, in GrantAccessIntent)
	}{
		{
			name:    "valid stripe grant",
			payload: grantPayload(testSubscriptionID, testChannelID, testCustomerID, "stripe"),
			validate: func(t *testing.T, in GrantAccessIntent) {
				assert.Equal(t, testSubscriptionID, in.SubscriptionID)
				assert.Equal(t, testChannelID, in.ChannelID)
				assert.Equal(t, testCustomerID, in.CustomerID)
				assert.Equal(t, ProviderStripe, in.Provider)
			},
		},
		{
			name:    "valid telegram stars grant",
			payload: grantPayload(testSubscriptionID, testChannelID, testCustomerID, "telegram_stars"),
			validate: func(t *testing.T, in GrantAccessIntent) {
				assert.Equal(t, ProviderTelegramStars, in.Provider)
			},
		},
		{
			name: "unknown fields are dropped, not rejected",
			payload: []byte(fmt.Sprintf(
				`{"subscriptionId":%q,"channelId":%q,"customerId":%q,"provider":"paypal","webhookId":"wh_123","livemode":true}`,
				testSubscriptionID, testChannelID, testCustomerID,
			)),
			validate: func(t *testing.T, in GrantAccessIntent) {
				assert.Equal(t, ProviderPayPal, in.Provider)
			},
		},
		{
			name:        "missing channelId",
			payload:     []byte(fmt.Sprintf(`{"subscriptionId":%q,"customerId":%q,"provider":"stripe"}`, testSubscriptionID, testCustomerID)),
			expectError: true,
		},
		{
			name:        "subscriptionId is not a UUID",
			payload:     grantPayload("sub-123", testChannelID, testCustomerID, "stripe"),
			expectError: true,
		},
		{
			name:        "unknown provider rejected",
			payload:     grantPayload(testSubscriptionID, testChannelID, testCustomerID, "bitcoin"),
			expectError: true,
		},
		{
			name:        "provider wrong type",
			payload:     []byte(fmt.Sprintf(`{"subscriptionId":%q,"channelId":%q,"customerId":%q,"provider":7}`, testSubscriptionID, testChannelID, testCustomerID)),
			expectError: true,
		},
		{
			name:        "not a JSON object",
			payload:     []byte(`"stripe"`),
			expectError: true,
		},
		{
			name:        "empty payload",
			payload:     []byte(``),
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in, err := ValidateGrant(tt.payload)

			if tt.expectError {
				require.Error(t, err)
				assert.True(t, apperrors.IsValidation(err), "expected a validation error, got %v", err)
				return
			}

			require.NoError(t, err)
			if tt.validate != nil {
				tt.validate(t, in)
			}
		})
	}
}

// ==========================
// Revoke Validation Tests
// ==========================

func TestValidateRevoke(t *testing.T) {
	t.Run("every known reason is accepted", func(t *testing.T) {
		for _, reason := range KnownReasons {
			in, err := ValidateRevoke(revokePayload(testSubscriptionID, string(reason)))
			require.NoError(t, err, "reason %q", reason)
			assert.Equal(t, reason, in.Reason)
		}
	})

	tests := []struct {
		name    string
		payload []byte
	}{
		{
			name:    "unknown reason is rejected before reaching the queue",
			payload: revokePayload(testSubscriptionID, "chargeback"),
		},
		{
			name:    "empty reason",
			payload: revokePayload(testSubscriptionID, ""),
		},
		{
			name:    "missing reason",
			payload: []byte(fmt.Sprintf(`{"subscriptionId":%q}`, testSubscriptionID)),
		},
		{
			name:    "subscriptionId is not a UUID",
			payload: revokePayload("not-a-uuid", "canceled"),
		},
		{
			name:    "reason wrong type",
			payload: []byte(fmt.Sprintf(`{"subscriptionId":%q,"reason":["canceled"]}`, testSubscriptionID)),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ValidateRevoke(tt.payload)
			require.Error(t, err)
			assert.True(t, apperrors.IsValidation(err), "expected a validation error, got %v", err)
		})
	}
}

// ==========================
// Idempotency Key Tests
// ==========================

func TestDeriveGrantKey(t *testing.T) {
	base := GrantAccessIntent{
		SubscriptionID: testSubscriptionID,
		ChannelID:      testChannelID,
		CustomerID:     testCustomerID,
		Provider:       ProviderStripe,
	}

	t.Run("depends only on subscription and channel", func(t *testing.T) {
		otherCustomer := base
		otherCustomer.CustomerID = "e6f2d4a7-1b5a-4c9d-8f4e-5a0b8d6c1e04"
		otherProvider := base
		otherProvider.Provider = ProviderPayPal

		assert.Equal(t, DeriveGrantKey(base), DeriveGrantKey(otherCustomer))
		assert.Equal(t, DeriveGrantKey(base), DeriveGrantKey(otherProvider))
	})

	t.Run("distinct channels produce distinct keys", func(t *testing.T) {
		other := base
		other.ChannelID = "f7a3e5b8-2c6b-4d0e-9a5f-6b1c9e7d2f05"
		assert.NotEqual(t, DeriveGrantKey(base), DeriveGrantKey(other))
	})

	t.Run("key shape", func(t *testing.T) {
		assert.Equal(t, "grant:"+testSubscriptionID+":"+testChannelID, DeriveGrantKey(base))
	})
}

func TestDeriveRevokeKey(t *testing.T) {
	canceled := RevokeAccessIntent{SubscriptionID: testSubscriptionID, Reason: ReasonCanceled}
	failed := RevokeAccessIntent{SubscriptionID: testSubscriptionID, Reason: ReasonPaymentFailed}

	// Reason is part of the job identity: canceled and payment_failed revokes
	// for the same subscription must not collapse into one job.
	assert.NotEqual(t, DeriveRevokeKey(canceled), DeriveRevokeKey(failed))
	assert.Equal(t, "revoke:"+testSubscriptionID+":canceled", DeriveRevokeKey(canceled))
}
