package store

import (
	"strings"
	"testing"
)

func TestAccountRoundTrip(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	created, err := s.Add(Account{Name: "work", Credential: "ghu_abc", Enabled: true, Priority: 3})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if created.ID == "" || created.APIKey == "" || created.CreatedAt.IsZero() {
		t.Errorf("generated fields missing: %+v", created)
	}
	if !strings.HasPrefix(created.APIKey, "rk-") {
		t.Errorf("api key = %q, want rk- prefix", created.APIKey)
	}

	// A fresh store instance sees the persisted account.
	reopened, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, ok := reopened.Get(created.ID)
	if !ok {
		t.Fatal("account not persisted")
	}
	if got.Name != "work" || got.Credential != "ghu_abc" || got.Priority != 3 {
		t.Errorf("persisted account = %+v", got)
	}

	byKey, ok := reopened.FindByAPIKey(created.APIKey)
	if !ok || byKey.ID != created.ID {
		t.Errorf("FindByAPIKey = %+v, %v", byKey, ok)
	}
}

func TestUpdateAndDelete(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	created, err := s.Add(Account{Name: "a", Credential: "c"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	created.Enabled = true
	created.Priority = 9
	if err := s.Update(created); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, _ := s.Get(created.ID)
	if !got.Enabled || got.Priority != 9 {
		t.Errorf("updated account = %+v", got)
	}

	if err := s.Update(Account{ID: "missing"}); err == nil {
		t.Error("Update of unknown id succeeded")
	}

	if err := s.Delete(created.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := s.Get(created.ID); ok {
		t.Error("account still present after delete")
	}
	if err := s.Delete("missing"); err != nil {
		t.Errorf("Delete of unknown id: %v", err)
	}
}

func TestPoolConfigLazyCreation(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	cfg, err := s.PoolConfig()
	if err != nil {
		t.Fatalf("PoolConfig: %v", err)
	}
	if cfg.Enabled {
		t.Error("pool enabled by default")
	}
	if cfg.Strategy != StrategyRoundRobin {
		t.Errorf("default strategy = %q", cfg.Strategy)
	}
	if cfg.APIKey == "" {
		t.Error("pool key not generated")
	}

	// The generated key is stable across reopens.
	reopened, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	again, err := reopened.PoolConfig()
	if err != nil {
		t.Fatalf("PoolConfig after reopen: %v", err)
	}
	if again.APIKey != cfg.APIKey {
		t.Errorf("pool key changed across reopen: %q vs %q", again.APIKey, cfg.APIKey)
	}
}

func TestSetPoolConfig(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := s.SetPoolConfig(PoolConfig{Enabled: true, Strategy: StrategyQuota, APIKey: "rk-fixed"}); err != nil {
		t.Fatalf("SetPoolConfig: %v", err)
	}
	cfg, err := s.PoolConfig()
	if err != nil {
		t.Fatalf("PoolConfig: %v", err)
	}
	if !cfg.Enabled || cfg.Strategy != StrategyQuota || cfg.APIKey != "rk-fixed" {
		t.Errorf("pool config = %+v", cfg)
	}
}
