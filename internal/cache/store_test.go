package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vietddude/resilio/internal/core/domain"
	"github.com/vietddude/resilio/internal/infra/kv/memory"
)

// newTestStore returns a store with a fake clock and no real backoff sleeps.
func newTestStore(t *testing.T, cfg Config) (*Store, *memory.Store, *time.Time) {
	t.Helper()
	backend := memory.New()
	s := NewStore(cfg, backend)

	now := time.Now()
	s.now = func() time.Time { return now }
	s.sleep = func(time.Duration) {}
	return s, backend, &now
}

func TestStore_SetGet(t *testing.T) {
	s, _, _ := newTestStore(t, DefaultConfig())
	ctx := context.Background()

	if err := s.SetCurrentOwner(ctx, "u1"); err != nil {
		t.Fatalf("set owner: %v", err)
	}
	if err := s.Set(ctx, "trades_recent", "latest", map[string]int{"v": 1}, time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}

	var got map[string]int
	found, err := s.GetInto(ctx, "trades_recent", "latest", &got)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !found || got["v"] != 1 {
		t.Errorf("got %v found=%v, want v=1 found=true", got, found)
	}
}

func TestStore_TTLExpiry(t *testing.T) {
	s, _, now := newTestStore(t, DefaultConfig())
	ctx := context.Background()

	if err := s.Set(ctx, "account", "current", "data", time.Second); err != nil {
		t.Fatalf("set: %v", err)
	}

	*now = now.Add(999 * time.Millisecond)
	if _, found, _ := s.Get(ctx, "account", "current"); !found {
		t.Error("entry should be readable just inside TTL")
	}

	*now = now.Add(200 * time.Millisecond) // past TTL
	if _, found, _ := s.Get(ctx, "account", "current"); found {
		t.Error("entry should be gone past TTL")
	}
	// The expired entry was evicted, not just hidden.
	if s.Has(ctx, "account", "current") {
		t.Error("expired entry should have been evicted")
	}
}

func TestStore_OwnerIsolationAndFullPurge(t *testing.T) {
	s, backend, _ := newTestStore(t, DefaultConfig())
	ctx := context.Background()

	if err := s.SetCurrentOwner(ctx, "u1"); err != nil {
		t.Fatalf("set owner: %v", err)
	}
	if err := s.Set(ctx, "account", "k", 5, time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}

	if err := s.SetCurrentOwner(ctx, "u2"); err != nil {
		t.Fatalf("switch owner: %v", err)
	}
	if _, found, _ := s.Get(ctx, "account", "k"); found {
		t.Error("u2 must not see u1's entry")
	}

	// Full purge: switching back to u1 does not resurrect anything.
	if err := s.SetCurrentOwner(ctx, "u1"); err != nil {
		t.Fatalf("switch back: %v", err)
	}
	if _, found, _ := s.Get(ctx, "account", "k"); found {
		t.Error("full purge on owner switch must remove u1's entries too")
	}
	if backend.Len() != 0 {
		t.Errorf("backend should be empty after purges, has %d keys", backend.Len())
	}
}

func TestStore_PurgeOwnerOnlyPolicy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PurgePolicy = PurgeOwnerOnly
	s, backend, _ := newTestStore(t, cfg)
	ctx := context.Background()

	// A bystander owner's entry, written straight to the backend. Under
	// PurgeAll a switch would wipe it; PurgeOwnerOnly must leave it alone.
	bystander := s.storageKey(domain.Key{Owner: "other", Namespace: "account", Logical: "k"})
	backend.Put(bystander, []byte(`{"data":1,"owner_id":"other","timestamp":1,"ttl":99999999999}`))

	if err := s.SetCurrentOwner(ctx, "u1"); err != nil {
		t.Fatalf("set owner: %v", err)
	}
	if err := s.Set(ctx, "account", "k", 1, time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}

	if err := s.SetCurrentOwner(ctx, "u2"); err != nil {
		t.Fatalf("switch: %v", err)
	}
	if _, found, _ := s.Get(ctx, "account", "k"); found {
		t.Error("outgoing owner's entry should have been purged")
	}
	if _, err := backend.Get(ctx, bystander); err != nil {
		t.Error("owner-only purge must not touch other owners' entries")
	}
}

func TestStore_WriteRetrySucceedsAfterTransientFailure(t *testing.T) {
	s, backend, _ := newTestStore(t, DefaultConfig())
	ctx := context.Background()

	backend.FailSets(2, errors.New("quota exceeded"))
	if err := s.Set(ctx, "account", "k", 1, time.Minute); err != nil {
		t.Fatalf("set should recover within retry budget: %v", err)
	}
	if _, found, _ := s.Get(ctx, "account", "k"); !found {
		t.Error("value should be readable after retried write")
	}
}

func TestStore_WriteRetryExhaustionReturnsStorageError(t *testing.T) {
	s, backend, _ := newTestStore(t, DefaultConfig())
	ctx := context.Background()

	backend.FailSets(3, errors.New("quota exceeded"))
	err := s.Set(ctx, "account", "k", 1, time.Minute)
	if err == nil {
		t.Fatal("set should fail after exhausting retries")
	}
	if !errors.Is(err, domain.ErrStorage) {
		t.Errorf("expected storage error, got %v", err)
	}
}

func TestStore_InvalidatePattern(t *testing.T) {
	s, backend, _ := newTestStore(t, DefaultConfig())
	ctx := context.Background()

	if err := s.SetCurrentOwner(ctx, "u1"); err != nil {
		t.Fatalf("set owner: %v", err)
	}
	for _, k := range []struct{ ns, logical string }{
		{"trade_strategies", "all"},
		{"calendar", "2026-08"},
		{"account", "current"},
	} {
		if err := s.Set(ctx, k.ns, k.logical, "x", time.Minute); err != nil {
			t.Fatalf("set %s: %v", k.ns, err)
		}
	}

	// Another owner's strategy entry, written straight to the backend.
	otherKey := s.storageKey(domain.Key{Owner: "u2", Namespace: "trade_strategies", Logical: "all"})
	backend.Put(otherKey, []byte(`{"data":"y","owner_id":"u2","timestamp":1,"ttl":9999999}`))

	removed, err := s.InvalidatePattern(ctx, "trade_strategies")
	if err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed %d entries, want 1", removed)
	}
	if s.Has(ctx, "trade_strategies", "all") {
		t.Error("matching entry should be gone")
	}
	if !s.Has(ctx, "account", "current") {
		t.Error("non-matching entry should survive")
	}
	if _, err := backend.Get(ctx, otherKey); err != nil {
		t.Error("other owner's entry must not be touched")
	}
}

func TestStore_CleanupExpired(t *testing.T) {
	s, _, now := newTestStore(t, DefaultConfig())
	ctx := context.Background()

	if err := s.Set(ctx, "account", "short", 1, 100*time.Millisecond); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Set(ctx, "account", "long", 2, time.Hour); err != nil {
		t.Fatalf("set: %v", err)
	}

	*now = now.Add(time.Second)
	removed, err := s.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed %d, want 1", removed)
	}
	if !s.Has(ctx, "account", "long") {
		t.Error("unexpired entry should survive cleanup")
	}
}

func TestStore_EvictOldest(t *testing.T) {
	s, _, now := newTestStore(t, DefaultConfig())
	ctx := context.Background()

	base := *now
	for i, logical := range []string{"a", "b", "c", "d", "e"} {
		*now = base.Add(time.Duration(i) * time.Second)
		if err := s.Set(ctx, "account", logical, i, time.Hour); err != nil {
			t.Fatalf("set %s: %v", logical, err)
		}
	}

	removed, err := s.EvictOldest(ctx, 0.2)
	if err != nil {
		t.Fatalf("evict: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed %d, want 1 (20%% of 5)", removed)
	}
	if s.Has(ctx, "account", "a") {
		t.Error("oldest entry should have been evicted")
	}
	if !s.Has(ctx, "account", "e") {
		t.Error("newest entry must survive")
	}
}

func TestStore_CorruptEntryIsSelfHealing(t *testing.T) {
	s, backend, _ := newTestStore(t, DefaultConfig())
	ctx := context.Background()

	key := s.storageKey(domain.Key{Owner: "", Namespace: "account", Logical: "bad"})
	backend.Put(key, []byte("{not json"))

	raw, found, err := s.Get(ctx, "account", "bad")
	if err != nil {
		t.Fatalf("get must not surface corruption: %v", err)
	}
	if found || raw != nil {
		t.Error("corrupt entry must read as a miss")
	}
	if _, err := backend.Get(ctx, key); err == nil {
		t.Error("corrupt entry should have been evicted")
	}
}

func TestStore_BatchedWrites(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchWindow = 50 * time.Millisecond
	s, backend, _ := newTestStore(t, cfg)
	ctx := context.Background()

	if err := s.Set(ctx, "account", "k", 42, time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}

	// Read-after-write before the flush.
	var got int
	found, err := s.GetInto(ctx, "account", "k", &got)
	if err != nil || !found || got != 42 {
		t.Fatalf("pending write should be readable: got=%d found=%v err=%v", got, found, err)
	}

	s.Flush()
	if backend.Len() != 1 {
		t.Errorf("backend should hold the flushed entry, has %d", backend.Len())
	}
	found, err = s.GetInto(ctx, "account", "k", &got)
	if err != nil || !found || got != 42 {
		t.Errorf("flushed write should be readable: got=%d found=%v err=%v", got, found, err)
	}
}

func TestStore_Stats(t *testing.T) {
	s, _, _ := newTestStore(t, DefaultConfig())
	ctx := context.Background()

	if err := s.Set(ctx, "account", "k", 1, time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	_, _, _ = s.Get(ctx, "account", "k")
	_, _, _ = s.Get(ctx, "account", "absent")

	st := s.Stats(ctx)
	if st.Hits != 1 || st.Misses != 1 {
		t.Errorf("hits=%d misses=%d, want 1/1", st.Hits, st.Misses)
	}
	if st.Entries != 1 {
		t.Errorf("entries=%d, want 1", st.Entries)
	}
	if st.AccessCounts["account"] != 2 {
		t.Errorf("access count=%d, want 2", st.AccessCounts["account"])
	}
	if st.HitRate != 0.5 {
		t.Errorf("hit rate=%f, want 0.5", st.HitRate)
	}
}
