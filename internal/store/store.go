// Package store persists accounts and the pool configuration as JSON files
// under a data directory, and caches per-account quota snapshots in a
// sqlite database. Writes are whole-file read-modify-write with an atomic
// rename; concurrent writers can lose updates, which is acceptable for the
// admin-driven write rate.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Account is one upstream credential with its routing metadata. The
// runtime core only reads accounts; mutation happens through the store's
// CRUD methods.
type Account struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Credential string    `json:"credential"`
	Tier       string    `json:"tier,omitempty"`
	Enabled    bool      `json:"enabled"`
	APIKey     string    `json:"api_key"`
	Priority   int       `json:"priority"`
	CreatedAt  time.Time `json:"created_at"`
}

// Strategy names a pool account-selection strategy.
type Strategy string

const (
	StrategyRoundRobin Strategy = "round-robin"
	StrategyPriority   Strategy = "priority"
	StrategyQuota      Strategy = "quota"
)

// PoolConfig is the singleton pool-mode configuration.
type PoolConfig struct {
	Enabled  bool     `json:"enabled"`
	Strategy Strategy `json:"strategy"`
	APIKey   string   `json:"api_key"`
}

// Store is the file-backed account and pool-config store.
type Store struct {
	dir string

	mu       sync.Mutex
	accounts []Account
	pool     *PoolConfig
}

// Open loads (or initializes) the store in dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	s := &Store{dir: dir}
	if err := s.loadAccounts(); err != nil {
		return nil, err
	}
	if err := s.loadPool(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) accountsPath() string { return filepath.Join(s.dir, "accounts.json") }
func (s *Store) poolPath() string     { return filepath.Join(s.dir, "pool.json") }

func (s *Store) loadAccounts() error {
	raw, err := os.ReadFile(s.accountsPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read accounts: %w", err)
	}
	if err := json.Unmarshal(raw, &s.accounts); err != nil {
		return fmt.Errorf("parse %s: %w", s.accountsPath(), err)
	}
	return nil
}

func (s *Store) loadPool() error {
	raw, err := os.ReadFile(s.poolPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read pool config: %w", err)
	}
	var cfg PoolConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return fmt.Errorf("parse %s: %w", s.poolPath(), err)
	}
	s.pool = &cfg
	return nil
}

// Accounts returns all accounts in store order.
func (s *Store) Accounts() []Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Account, len(s.accounts))
	copy(out, s.accounts)
	return out
}

// Get returns the account with the given id.
func (s *Store) Get(id string) (Account, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.accounts {
		if a.ID == id {
			return a, true
		}
	}
	return Account{}, false
}

// FindByAPIKey returns the account owning the given proxy API key.
func (s *Store) FindByAPIKey(key string) (Account, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.accounts {
		if a.APIKey != "" && a.APIKey == key {
			return a, true
		}
	}
	return Account{}, false
}

// Add creates an account, filling in id, API key and creation time.
func (s *Store) Add(a Account) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.APIKey == "" {
		a.APIKey = NewAPIKey()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	for _, existing := range s.accounts {
		if existing.ID == a.ID {
			return Account{}, fmt.Errorf("account %s already exists", a.ID)
		}
	}
	s.accounts = append(s.accounts, a)
	if err := s.saveAccountsLocked(); err != nil {
		s.accounts = s.accounts[:len(s.accounts)-1]
		return Account{}, err
	}
	return a, nil
}

// Update replaces the stored account with the same id.
func (s *Store) Update(a Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.accounts {
		if existing.ID == a.ID {
			s.accounts[i] = a
			return s.saveAccountsLocked()
		}
	}
	return fmt.Errorf("account %s not found", a.ID)
}

// Delete removes an account by id. Deleting an unknown id is a no-op.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.accounts {
		if existing.ID == id {
			s.accounts = append(s.accounts[:i], s.accounts[i+1:]...)
			return s.saveAccountsLocked()
		}
	}
	return nil
}

// PoolConfig returns the pool configuration, creating it with a generated
// key and round-robin strategy on first access.
func (s *Store) PoolConfig() (PoolConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool == nil {
		cfg := PoolConfig{
			Enabled:  false,
			Strategy: StrategyRoundRobin,
			APIKey:   NewAPIKey(),
		}
		if err := atomicWriteJSON(s.poolPath(), cfg); err != nil {
			return PoolConfig{}, err
		}
		s.pool = &cfg
	}
	return *s.pool, nil
}

// SetPoolConfig replaces the pool configuration.
func (s *Store) SetPoolConfig(cfg PoolConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.APIKey == "" {
		cfg.APIKey = NewAPIKey()
	}
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyRoundRobin
	}
	if err := atomicWriteJSON(s.poolPath(), cfg); err != nil {
		return err
	}
	s.pool = &cfg
	return nil
}

func (s *Store) saveAccountsLocked() error {
	return atomicWriteJSON(s.accountsPath(), s.accounts)
}

// NewAPIKey generates a proxy API key.
func NewAPIKey() string {
	return "rk-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// atomicWriteJSON writes data as indented JSON to a temp file and renames
// it into place.
func atomicWriteJSON(path string, data any) error {
	encoded, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(encoded); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
