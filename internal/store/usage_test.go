package store

import (
	"path/filepath"
	"testing"

	"github.com/relayforge/copilot-relay/internal/upstream"
)

func TestUsageCacheRoundTrip(t *testing.T) {
	cache, err := OpenUsageCache(filepath.Join(t.TempDir(), "usage.db"))
	if err != nil {
		t.Fatalf("OpenUsageCache: %v", err)
	}
	defer cache.Close()

	if _, ok, err := cache.Get("acct-1"); err != nil || ok {
		t.Fatalf("Get on empty cache = ok=%v err=%v", ok, err)
	}

	snap := upstream.QuotaSnapshots{
		Premium:     upstream.QuotaWindow{Remaining: 42, Entitlement: 300},
		Chat:        upstream.QuotaWindow{Unlimited: true},
		Completions: upstream.QuotaWindow{Remaining: 10, Entitlement: 10},
	}
	if err := cache.Put("acct-1", snap); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok, err := cache.Get("acct-1")
	if err != nil || !ok {
		t.Fatalf("Get = ok=%v err=%v", ok, err)
	}
	if got.Premium.Remaining != 42 || got.Premium.Entitlement != 300 {
		t.Errorf("premium = %+v", got.Premium)
	}
	if !got.Chat.Unlimited {
		t.Error("chat unlimited flag lost")
	}

	// Upsert replaces the previous snapshot.
	snap.Premium.Remaining = 41
	if err := cache.Put("acct-1", snap); err != nil {
		t.Fatalf("Put again: %v", err)
	}
	got, _, _ = cache.Get("acct-1")
	if got.Premium.Remaining != 41 {
		t.Errorf("premium remaining after upsert = %v, want 41", got.Premium.Remaining)
	}

	if err := cache.Delete("acct-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := cache.Get("acct-1"); ok {
		t.Error("snapshot still present after delete")
	}
}
