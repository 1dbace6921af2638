// Package relay routes downstream requests to upstream sessions. A
// request authenticates with either an account's own key (direct mode,
// pinned to that account) or the pool key (one eligible account is
// selected per attempt, with failover on retryable upstream errors).
package relay

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/relayforge/copilot-relay/internal/balance"
	"github.com/relayforge/copilot-relay/internal/instance"
	"github.com/relayforge/copilot-relay/internal/store"
	"github.com/relayforge/copilot-relay/internal/upstream"
)

var (
	// ErrUnknownKey means the bearer key matched no account and not the
	// pool key.
	ErrUnknownKey = errors.New("unknown api key")

	// ErrInstanceNotRunning means a direct-mode account has no running
	// instance.
	ErrInstanceNotRunning = errors.New("instance not running")

	// ErrNoAccounts means pool mode found no eligible running account.
	ErrNoAccounts = errors.New("no accounts available")
)

// Principal is a resolved request identity.
type Principal struct {
	// Pool is set when the request used the pool key.
	Pool bool

	// Account is the pinned account for direct-mode requests.
	Account *store.Account
}

// AttemptFunc issues one upstream call for the given session. It is
// invoked once per attempted account; the response is returned undrained.
type AttemptFunc func(ctx context.Context, sess *instance.Session) (*http.Response, error)

// Relay dispatches authenticated requests to upstream sessions.
type Relay struct {
	store    *store.Store
	registry *instance.Registry
	selector *balance.Selector
	logger   *slog.Logger
}

// New creates a relay.
func New(st *store.Store, reg *instance.Registry, sel *balance.Selector, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{store: st, registry: reg, selector: sel, logger: logger}
}

// Resolve maps a bearer key to a principal. Account keys win over the
// pool key; the pool key only resolves while the pool is enabled.
func (r *Relay) Resolve(key string) (Principal, error) {
	if account, ok := r.store.FindByAPIKey(key); ok {
		return Principal{Account: &account}, nil
	}
	pool, err := r.store.PoolConfig()
	if err != nil {
		return Principal{}, err
	}
	if pool.Enabled && pool.APIKey == key {
		return Principal{Pool: true}, nil
	}
	return Principal{}, ErrUnknownKey
}

// Dispatch runs attempt against the session(s) the principal maps to and
// returns the response to forward downstream.
//
// Direct mode never retries: the pinned account's response comes back as
// is, error statuses included. Pool mode retries 429 and 5xx responses on
// the next eligible account; when every account has failed, the first
// failure is returned verbatim.
func (r *Relay) Dispatch(ctx context.Context, p Principal, attempt AttemptFunc) (*http.Response, *instance.Session, error) {
	if !p.Pool {
		sess, ok := r.registry.Session(p.Account.ID)
		if !ok {
			return nil, nil, ErrInstanceNotRunning
		}
		resp, err := attempt(ctx, sess)
		if err != nil {
			return nil, nil, err
		}
		return resp, sess, nil
	}
	return r.dispatchPool(ctx, attempt)
}

func (r *Relay) dispatchPool(ctx context.Context, attempt AttemptFunc) (*http.Response, *instance.Session, error) {
	pool, err := r.store.PoolConfig()
	if err != nil {
		return nil, nil, err
	}

	candidates := r.poolCandidates()
	if len(candidates) == 0 {
		return nil, nil, ErrNoAccounts
	}

	exclude := make(map[string]bool, len(candidates))
	var firstFailure *bufferedResponse
	var firstErr error

	for len(exclude) < len(candidates) {
		account := r.selector.Pick(pool.Strategy, candidates, exclude)
		if account == nil {
			break
		}
		exclude[account.ID] = true

		sess, ok := r.registry.Session(account.ID)
		if !ok {
			continue
		}

		resp, err := attempt(ctx, sess)
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil, err
			}
			r.logger.Warn("pool attempt failed", "account_id", account.ID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		if !retryable(resp.StatusCode) {
			return resp, sess, nil
		}

		r.logger.Warn("pool attempt rejected upstream",
			"account_id", account.ID,
			"status", resp.StatusCode)
		if firstFailure == nil {
			firstFailure = bufferResponse(resp)
		} else {
			resp.Body.Close()
		}
	}

	if firstFailure != nil {
		return firstFailure.restore(), nil, nil
	}
	if firstErr != nil {
		return nil, nil, firstErr
	}
	return nil, nil, ErrNoAccounts
}

// Catalog returns a model catalog visible to the principal: the pinned
// account's catalog in direct mode, any running pool account's catalog in
// pool mode.
func (r *Relay) Catalog(p Principal) (*upstream.Catalog, error) {
	if !p.Pool {
		sess, ok := r.registry.Session(p.Account.ID)
		if !ok {
			return nil, ErrInstanceNotRunning
		}
		return sess.Catalog, nil
	}
	for _, account := range r.poolCandidates() {
		if sess, ok := r.registry.Session(account.ID); ok {
			return sess.Catalog, nil
		}
	}
	return nil, ErrNoAccounts
}

// poolCandidates returns enabled accounts with running instances, in
// store order so selection strategies see a stable sequence.
func (r *Relay) poolCandidates() []store.Account {
	var out []store.Account
	for _, account := range r.store.Accounts() {
		if !account.Enabled {
			continue
		}
		if _, ok := r.registry.Session(account.ID); ok {
			out = append(out, account)
		}
	}
	return out
}

// retryable reports whether a status should fail over to another
// account. Client errors other than rate limiting are the caller's
// problem and forward as is.
func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// bufferedResponse captures a drained response so the first failure can
// be replayed after the pool is exhausted.
type bufferedResponse struct {
	status int
	header http.Header
	body   []byte
}

func bufferResponse(resp *http.Response) *bufferedResponse {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		body = nil
	}
	return &bufferedResponse{
		status: resp.StatusCode,
		header: resp.Header.Clone(),
		body:   body,
	}
}

func (b *bufferedResponse) restore() *http.Response {
	return &http.Response{
		StatusCode: b.status,
		Header:     b.header,
		Body:       io.NopCloser(bytes.NewReader(b.body)),
	}
}
