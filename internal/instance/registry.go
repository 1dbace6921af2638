// Package instance manages per-account upstream sessions. An instance is
// absent until started; starting performs a synchronous token exchange and
// catalog fetch, then keeps the session token fresh in the background
// until the instance is stopped.
package instance

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/relayforge/copilot-relay/internal/store"
	"github.com/relayforge/copilot-relay/internal/upstream"
)

// Status is an instance's lifecycle state.
type Status string

const (
	// StatusStopped is the resting state; unknown accounts also report it.
	StatusStopped Status = "stopped"
	StatusRunning Status = "running"
	StatusError   Status = "error"
)

// refreshEarly is how far before the advertised refresh interval the
// token is renewed.
const refreshEarly = 60 * time.Second

// TokenSource mints and reports on upstream sessions. *upstream.Client
// satisfies it; tests inject fakes.
type TokenSource interface {
	FetchToken(ctx context.Context, credential string) (*upstream.Token, error)
	FetchModels(ctx context.Context, bearer string) (*upstream.Catalog, error)
	FetchUsage(ctx context.Context, credential string) (*upstream.QuotaSnapshots, error)
}

// Session is a running instance's live state.
type Session struct {
	AccountID  string
	Credential string
	Token      string
	ExpiresAt  time.Time
	Catalog    *upstream.Catalog
	StartedAt  time.Time
}

type entry struct {
	status  Status
	lastErr error
	session *Session
	cancel  context.CancelFunc

	// starting reserves the slot while the synchronous token exchange is
	// in flight, so concurrent Start calls cannot build duplicate
	// sessions.
	starting bool
}

// Registry tracks instances by account id.
type Registry struct {
	source TokenSource
	usage  *store.UsageCache
	logger *slog.Logger

	// schedule defers fn by d; replaced in tests to run synchronously.
	schedule func(d time.Duration, fn func()) *time.Timer

	mu      sync.Mutex
	entries map[string]*entry
}

// NewRegistry creates a registry. usage may be nil when quota caching is
// disabled.
func NewRegistry(source TokenSource, usage *store.UsageCache, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		source:   source,
		usage:    usage,
		logger:   logger,
		schedule: time.AfterFunc,
		entries:  make(map[string]*entry),
	}
}

// Start brings an instance up for the account. The initial token exchange
// and catalog fetch are synchronous; on failure the instance lands in the
// error state and the error is returned. Starting a running instance is a
// no-op.
func (r *Registry) Start(ctx context.Context, account store.Account) error {
	r.mu.Lock()
	e, ok := r.entries[account.ID]
	if ok && (e.status == StatusRunning || e.starting) {
		r.mu.Unlock()
		r.logger.Warn("instance already running", "account_id", account.ID)
		return nil
	}
	if !ok {
		e = &entry{status: StatusStopped}
		r.entries[account.ID] = e
	}
	e.starting = true
	r.mu.Unlock()

	token, err := r.source.FetchToken(ctx, account.Credential)
	if err != nil {
		r.setError(account.ID, err)
		return fmt.Errorf("start instance %s: %w", account.ID, err)
	}

	catalog, err := r.source.FetchModels(ctx, token.Token)
	if err != nil {
		r.setError(account.ID, err)
		return fmt.Errorf("start instance %s: %w", account.ID, err)
	}

	session := &Session{
		AccountID:  account.ID,
		Credential: account.Credential,
		Token:      token.Token,
		ExpiresAt:  time.Unix(token.ExpiresAt, 0),
		Catalog:    catalog,
		StartedAt:  time.Now(),
	}

	refreshCtx, cancel := context.WithCancel(context.Background())

	r.mu.Lock()
	if e.cancel != nil {
		e.cancel()
	}
	e.status = StatusRunning
	e.session = session
	e.cancel = cancel
	e.lastErr = nil
	e.starting = false
	r.mu.Unlock()

	r.scheduleRefresh(refreshCtx, account.ID, token.RefreshIn)
	r.refreshUsage(ctx, account.ID, account.Credential)

	r.logger.Info("instance started",
		"account_id", account.ID,
		"models", len(catalog.Data),
		"refresh_in", token.RefreshIn)
	return nil
}

// Stop cancels the refresh loop and returns the instance to stopped.
// Stopping an absent or stopped instance is a no-op.
func (r *Registry) Stop(accountID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[accountID]
	if !ok {
		return
	}
	if e.cancel != nil {
		e.cancel()
	}
	e.status = StatusStopped
	e.session = nil
	e.cancel = nil
	r.logger.Info("instance stopped", "account_id", accountID)
}

// Status reports an instance's state. Accounts never started report
// stopped.
func (r *Registry) Status(accountID string) (Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[accountID]
	if !ok {
		return StatusStopped, nil
	}
	return e.status, e.lastErr
}

// Session returns the live session for a running instance.
func (r *Registry) Session(accountID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[accountID]
	if !ok || e.status != StatusRunning || e.session == nil {
		return nil, false
	}
	s := *e.session
	return &s, true
}

// Running returns the ids of all running instances, in no particular
// order.
func (r *Registry) Running() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id, e := range r.entries {
		if e.status == StatusRunning {
			ids = append(ids, id)
		}
	}
	return ids
}

func (r *Registry) setError(accountID string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[accountID]; ok {
		if e.cancel != nil {
			e.cancel()
			e.cancel = nil
		}
		e.status = StatusError
		e.lastErr = err
		e.session = nil
		e.starting = false
		return
	}
	r.entries[accountID] = &entry{status: StatusError, lastErr: err}
}

func (r *Registry) scheduleRefresh(ctx context.Context, accountID string, refreshIn int) {
	delay := time.Duration(refreshIn)*time.Second - refreshEarly
	if delay < time.Second {
		delay = time.Second
	}
	r.schedule(delay, func() {
		if ctx.Err() != nil {
			return
		}
		r.refresh(ctx, accountID)
	})
}

// refresh renews the session token in the background. Failures keep the
// previous token and retry after a minute; a request will surface the
// expiry if the token truly dies.
func (r *Registry) refresh(ctx context.Context, accountID string) {
	r.mu.Lock()
	e, ok := r.entries[accountID]
	if !ok || e.status != StatusRunning || e.session == nil {
		r.mu.Unlock()
		return
	}
	credential := e.session.Credential
	r.mu.Unlock()

	token, err := r.source.FetchToken(ctx, credential)
	if err != nil {
		r.logger.Warn("token refresh failed", "account_id", accountID, "error", err)
		r.schedule(time.Minute, func() {
			if ctx.Err() != nil {
				return
			}
			r.refresh(ctx, accountID)
		})
		return
	}

	r.mu.Lock()
	if e, ok := r.entries[accountID]; ok && e.status == StatusRunning && e.session != nil {
		e.session.Token = token.Token
		e.session.ExpiresAt = time.Unix(token.ExpiresAt, 0)
	}
	r.mu.Unlock()

	r.logger.Debug("token refreshed", "account_id", accountID, "refresh_in", token.RefreshIn)
	r.scheduleRefresh(ctx, accountID, token.RefreshIn)
	r.refreshUsage(ctx, accountID, credential)
}

// refreshUsage updates the quota cache on a best-effort basis.
func (r *Registry) refreshUsage(ctx context.Context, accountID, credential string) {
	if r.usage == nil {
		return
	}
	snap, err := r.source.FetchUsage(ctx, credential)
	if err != nil {
		r.logger.Debug("usage fetch failed", "account_id", accountID, "error", err)
		return
	}
	if err := r.usage.Put(accountID, *snap); err != nil {
		r.logger.Warn("usage cache write failed", "account_id", accountID, "error", err)
	}
}
