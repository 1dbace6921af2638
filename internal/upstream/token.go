package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Token is a short-lived bearer token minted from an account's long-lived
// credential.
type Token struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
	RefreshIn int    `json:"refresh_in"`
}

// StatusError is a non-2xx upstream reply with its status and body
// preserved, so callers can forward or classify it.
type StatusError struct {
	Status int
	Body   []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.Status, e.Body)
}

// AuthError is a credential-issuer rejection during token exchange.
type AuthError struct {
	Status int
	Body   []byte
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("token exchange failed (status %d): %s", e.Status, e.Body)
}

// FetchToken exchanges an account's long-lived credential for a session
// token at the issuer's token endpoint.
func (c *Client) FetchToken(ctx context.Context, credential string) (*Token, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.authBaseURL+"/copilot_internal/v2/token", nil)
	if err != nil {
		return nil, fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Authorization", "token "+credential)
	req.Header.Set("Editor-Version", c.meta.EditorVersion)
	req.Header.Set("Editor-Plugin-Version", c.meta.PluginVersion)
	req.Header.Set("User-Agent", c.meta.UserAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &AuthError{Status: resp.StatusCode, Body: body}
	}

	var token Token
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, fmt.Errorf("unmarshal token response: %w", err)
	}
	if token.Token == "" {
		return nil, fmt.Errorf("token endpoint returned empty token")
	}
	return &token, nil
}

// QuotaWindow is one quota category's headroom.
type QuotaWindow struct {
	Remaining   float64 `json:"remaining"`
	Entitlement float64 `json:"entitlement"`
	Unlimited   bool    `json:"unlimited"`
}

// QuotaSnapshots is the per-account usage report from the issuer.
type QuotaSnapshots struct {
	Premium     QuotaWindow `json:"premium_interactions"`
	Chat        QuotaWindow `json:"chat"`
	Completions QuotaWindow `json:"completions"`
}

type userResponse struct {
	QuotaSnapshots *QuotaSnapshots `json:"quota_snapshots"`
}

// FetchUsage retrieves the account's quota snapshots from the issuer
// using the long-lived credential.
func (c *Client) FetchUsage(ctx context.Context, credential string) (*QuotaSnapshots, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.authBaseURL+"/copilot_internal/user", nil)
	if err != nil {
		return nil, fmt.Errorf("create usage request: %w", err)
	}
	req.Header.Set("Authorization", "token "+credential)
	req.Header.Set("Editor-Version", c.meta.EditorVersion)
	req.Header.Set("User-Agent", c.meta.UserAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("usage request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read usage response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Status: resp.StatusCode, Body: body}
	}

	var user userResponse
	if err := json.Unmarshal(body, &user); err != nil {
		return nil, fmt.Errorf("unmarshal usage response: %w", err)
	}
	if user.QuotaSnapshots == nil {
		return nil, fmt.Errorf("usage response missing quota snapshots")
	}
	return user.QuotaSnapshots, nil
}
