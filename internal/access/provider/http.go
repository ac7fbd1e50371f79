package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	apperrors "access-sync/internal/common/errors"
)

// HTTPProvider talks to the channel platform's REST API.
type HTTPProvider struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewHTTPProvider(baseURL, token string, timeout time.Duration) *HTTPProvider {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPProvider{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type inviteResponse struct {
	InviteID string `json:"inviteId"`
}

// GrantChannelAccess creates an invite for the customer. The provider returns
// the existing invite when one is already live, so repeat calls are safe.
func (p *HTTPProvider) GrantChannelAccess(ctx context.Context, channelID, customerID string) (string, error) {
	url := fmt.Sprintf("%s/channels/%s/invites", p.baseURL, channelID)

	payload, err := json.Marshal(map[string]string{"customerId": customerID})
	if err != nil {
		return "", apperrors.NewTransientProviderError("grant", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(payload))
	if err != nil {
		return "", apperrors.NewTransientProviderError("grant", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.token)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", apperrors.NewTransientProviderError("grant", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", apperrors.NewTransientProviderError("grant", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		var invite inviteResponse
		if err := json.Unmarshal(body, &invite); err != nil {
			return "", apperrors.NewTransientProviderError("grant", fmt.Errorf("unmarshal invite: %w", err))
		}
		if invite.InviteID == "" {
			return "", apperrors.NewPermanentProviderError("grant", "provider returned no invite id")
		}
		return invite.InviteID, nil

	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		// Channel no longer exists; retrying is wasted work.
		return "", apperrors.NewPermanentProviderError("grant",
			fmt.Sprintf("channel %s gone (status %d): %s", channelID, resp.StatusCode, string(body)))

	case resp.StatusCode == http.StatusUnprocessableEntity:
		return "", apperrors.NewPermanentProviderError("grant",
			fmt.Sprintf("provider rejected invite (status %d): %s", resp.StatusCode, string(body)))

	default:
		// 429, 5xx and anything unclassified: let the retry policy decide.
		return "", apperrors.NewTransientProviderError("grant",
			fmt.Errorf("status %d: %s", resp.StatusCode, string(body)))
	}
}

// RevokeChannelAccess removes the customer from the channel. A 404 means the
// customer is already gone, which counts as success.
func (p *HTTPProvider) RevokeChannelAccess(ctx context.Context, channelID, customerID string) (RevokeOutcome, error) {
	url := fmt.Sprintf("%s/channels/%s/members/%s", p.baseURL, channelID, customerID)

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return "", apperrors.NewTransientProviderError("revoke", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.token)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", apperrors.NewTransientProviderError("revoke", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", apperrors.NewTransientProviderError("revoke", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent:
		return OutcomeRemoved, nil

	case resp.StatusCode == http.StatusNotFound:
		return OutcomeAlreadyAbsent, nil

	case resp.StatusCode == http.StatusGone:
		// Whole channel is gone, so nobody is a member of it.
		return OutcomeAlreadyAbsent, nil

	default:
		return "", apperrors.NewTransientProviderError("revoke",
			fmt.Errorf("status %d: %s", resp.StatusCode, string(body)))
	}
}
