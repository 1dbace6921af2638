package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/relayforge/copilot-relay/internal/upstream"
)

// UsageCache persists the latest quota snapshot per account so the
// quota-based selection strategy survives restarts and does not hit the
// issuer on every pick.
type UsageCache struct {
	db *sql.DB
}

// OpenUsageCache opens (or creates) the usage database at path.
func OpenUsageCache(path string) (*UsageCache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open usage cache: %w", err)
	}
	// One writer at a time keeps modernc's file locking happy.
	db.SetMaxOpenConns(1)

	const schema = `
CREATE TABLE IF NOT EXISTS usage (
	account_id              TEXT PRIMARY KEY,
	premium_remaining       REAL NOT NULL,
	premium_entitlement     REAL NOT NULL,
	premium_unlimited       INTEGER NOT NULL,
	chat_remaining          REAL NOT NULL,
	chat_entitlement        REAL NOT NULL,
	chat_unlimited          INTEGER NOT NULL,
	completions_remaining   REAL NOT NULL,
	completions_entitlement REAL NOT NULL,
	completions_unlimited   INTEGER NOT NULL,
	updated_at              INTEGER NOT NULL
);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create usage schema: %w", err)
	}
	return &UsageCache{db: db}, nil
}

// Put upserts the snapshot for an account.
func (u *UsageCache) Put(accountID string, q upstream.QuotaSnapshots) error {
	_, err := u.db.Exec(`
INSERT INTO usage (
	account_id,
	premium_remaining, premium_entitlement, premium_unlimited,
	chat_remaining, chat_entitlement, chat_unlimited,
	completions_remaining, completions_entitlement, completions_unlimited,
	updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(account_id) DO UPDATE SET
	premium_remaining = excluded.premium_remaining,
	premium_entitlement = excluded.premium_entitlement,
	premium_unlimited = excluded.premium_unlimited,
	chat_remaining = excluded.chat_remaining,
	chat_entitlement = excluded.chat_entitlement,
	chat_unlimited = excluded.chat_unlimited,
	completions_remaining = excluded.completions_remaining,
	completions_entitlement = excluded.completions_entitlement,
	completions_unlimited = excluded.completions_unlimited,
	updated_at = excluded.updated_at`,
		accountID,
		q.Premium.Remaining, q.Premium.Entitlement, boolToInt(q.Premium.Unlimited),
		q.Chat.Remaining, q.Chat.Entitlement, boolToInt(q.Chat.Unlimited),
		q.Completions.Remaining, q.Completions.Entitlement, boolToInt(q.Completions.Unlimited),
		time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("store usage for %s: %w", accountID, err)
	}
	return nil
}

// Get returns the cached snapshot for an account, reporting whether one
// exists.
func (u *UsageCache) Get(accountID string) (upstream.QuotaSnapshots, bool, error) {
	var q upstream.QuotaSnapshots
	var pu, cu, cmu int
	err := u.db.QueryRow(`
SELECT premium_remaining, premium_entitlement, premium_unlimited,
	chat_remaining, chat_entitlement, chat_unlimited,
	completions_remaining, completions_entitlement, completions_unlimited
FROM usage WHERE account_id = ?`, accountID).Scan(
		&q.Premium.Remaining, &q.Premium.Entitlement, &pu,
		&q.Chat.Remaining, &q.Chat.Entitlement, &cu,
		&q.Completions.Remaining, &q.Completions.Entitlement, &cmu,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return upstream.QuotaSnapshots{}, false, nil
	}
	if err != nil {
		return upstream.QuotaSnapshots{}, false, fmt.Errorf("load usage for %s: %w", accountID, err)
	}
	q.Premium.Unlimited = pu != 0
	q.Chat.Unlimited = cu != 0
	q.Completions.Unlimited = cmu != 0
	return q, true, nil
}

// Delete drops the cached snapshot for an account.
func (u *UsageCache) Delete(accountID string) error {
	_, err := u.db.Exec(`DELETE FROM usage WHERE account_id = ?`, accountID)
	return err
}

// Close closes the database.
func (u *UsageCache) Close() error {
	return u.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
