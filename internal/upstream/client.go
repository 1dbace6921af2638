// Package upstream is the HTTP client for the vendor chat-completion API:
// token exchange, model catalog, quota snapshots, and the inference
// endpoints (chat completions, responses, embeddings).
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	defaultAPIBaseURL  = "https://api.enterprise.copilot-vendor.com"
	defaultAuthBaseURL = "https://auth.copilot-vendor.com"
)

// ClientOption configures the client.
type ClientOption func(*Client)

// WithAPIBaseURL sets a custom inference API base URL.
func WithAPIBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.apiBaseURL = strings.TrimSuffix(baseURL, "/")
	}
}

// WithAuthBaseURL sets a custom credential-issuer base URL.
func WithAuthBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.authBaseURL = strings.TrimSuffix(baseURL, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithMetadata sets the editor/integration identity sent on every call.
func WithMetadata(meta Metadata) ClientOption {
	return func(c *Client) {
		c.meta = meta
	}
}

// Metadata identifies the relay to the upstream. The vendor varies
// behavior (and billing) on these headers, so they are fixed per process.
type Metadata struct {
	EditorVersion string
	PluginVersion string
	IntegrationID string
	UserAgent     string
}

// Client talks to the vendor API.
type Client struct {
	apiBaseURL  string
	authBaseURL string
	httpClient  *http.Client
	meta        Metadata
}

// NewClient creates an upstream client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		apiBaseURL:  defaultAPIBaseURL,
		authBaseURL: defaultAuthBaseURL,
		httpClient:  http.DefaultClient,
		meta: Metadata{
			EditorVersion: "vscode/1.99.0",
			PluginVersion: "copilot-chat/0.26.0",
			IntegrationID: "vscode-chat",
			UserAgent:     "copilot-relay/1.0",
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CallOptions carries per-request header switches.
type CallOptions struct {
	// Vision enables the vision-capability header; set when any message
	// carries image content.
	Vision bool

	// Initiator is "agent" when the conversation already contains
	// assistant or tool turns, "user" otherwise.
	Initiator string
}

// ChatCompletions issues a chat-completion call with a pre-serialized
// body. The response is returned undrained so the caller can inspect the
// status before streaming or retrying; the caller owns Body.Close.
func (c *Client) ChatCompletions(ctx context.Context, bearer string, body []byte, opts CallOptions) (*http.Response, error) {
	return c.post(ctx, bearer, "/chat/completions", body, opts)
}

// Responses issues a Responses-API call. Same contract as ChatCompletions.
func (c *Client) Responses(ctx context.Context, bearer string, body []byte, opts CallOptions) (*http.Response, error) {
	return c.post(ctx, bearer, "/responses", body, opts)
}

// Embeddings issues an embeddings call. Same contract as ChatCompletions.
func (c *Client) Embeddings(ctx context.Context, bearer string, body []byte) (*http.Response, error) {
	return c.post(ctx, bearer, "/embeddings", body, CallOptions{})
}

func (c *Client) post(ctx context.Context, bearer, path string, body []byte, opts CallOptions) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	c.setHeaders(req, bearer)
	if opts.Vision {
		req.Header.Set("Copilot-Vision-Request", "true")
	}
	if opts.Initiator != "" {
		req.Header.Set("X-Initiator", opts.Initiator)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream request failed: %w", err)
	}
	return resp, nil
}

// FetchModels retrieves the model catalog for a session token.
func (c *Client) FetchModels(ctx context.Context, bearer string) (*Catalog, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBaseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(req, bearer)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch models: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read models response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Status: resp.StatusCode, Body: respBody}
	}

	var catalog Catalog
	if err := json.Unmarshal(respBody, &catalog); err != nil {
		return nil, fmt.Errorf("unmarshal models response: %w", err)
	}
	return &catalog, nil
}

func (c *Client) setHeaders(req *http.Request, bearer string) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Editor-Version", c.meta.EditorVersion)
	req.Header.Set("Editor-Plugin-Version", c.meta.PluginVersion)
	req.Header.Set("Copilot-Integration-Id", c.meta.IntegrationID)
	req.Header.Set("User-Agent", c.meta.UserAgent)
}
