package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vietddude/resilio/internal/core/config"
	"github.com/vietddude/resilio/internal/infra/kv/memory"
	"github.com/vietddude/resilio/internal/preload"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	cfg := config.Default()
	cfg.Server.Port = 0 // no health server in unit tests
	s := NewServiceWithBackend(cfg, memory.New())
	s.engine.SetSleep(func(context.Context, time.Duration) error { return nil })
	return s
}

func TestService_GetOrFetchReadThrough(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	var fetches int64
	s.RegisterFetcher("account", func(ctx context.Context, logical string) (any, error) {
		atomic.AddInt64(&fetches, 1)
		return map[string]string{"id": "u1", "key": logical}, nil
	})

	raw, err := s.GetOrFetch(ctx, "account", "current", time.Minute)
	if err != nil {
		t.Fatalf("first read: %v", err)
	}
	var got map[string]string
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["id"] != "u1" || got["key"] != "current" {
		t.Errorf("got %v, want the fetched payload", got)
	}

	// Second read is a cache hit; the fetcher must not run again.
	if _, err := s.GetOrFetch(ctx, "account", "current", time.Minute); err != nil {
		t.Fatalf("second read: %v", err)
	}
	if n := atomic.LoadInt64(&fetches); n != 1 {
		t.Errorf("fetches=%d, want 1", n)
	}
}

func TestService_GetOrFetchRetriesTransientFailures(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	calls := 0
	s.RegisterFetcher("trades_recent", func(ctx context.Context, logical string) (any, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("connection timeout")
		}
		return []string{"t1", "t2"}, nil
	})

	raw, err := s.GetOrFetch(ctx, "trades_recent", "latest", time.Minute)
	if err != nil {
		t.Fatalf("read should recover: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls=%d, want 3", calls)
	}
	var got []string
	if err := json.Unmarshal(raw, &got); err != nil || len(got) != 2 {
		t.Errorf("got %v err=%v, want two trades", got, err)
	}
}

func TestService_GetOrFetchUnknownNamespace(t *testing.T) {
	s := newTestService(t)
	if _, err := s.GetOrFetch(context.Background(), "nope", "x", time.Minute); err == nil {
		t.Fatal("expected error for unregistered namespace")
	}
}

func TestService_InvalidateAfterMutation(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	if err := s.SetCurrentOwner(ctx, "u1"); err != nil {
		t.Fatalf("set owner: %v", err)
	}
	store := s.Store()
	for _, k := range []struct{ ns, logical string }{
		{preload.NamespaceStrategies, "all"},
		{preload.NamespaceCalendar, "2026-07"},
		{preload.NamespaceCalendar, "2026-08"},
		{preload.NamespaceAccount, "current"},
	} {
		if err := store.Set(ctx, k.ns, k.logical, "x", time.Hour); err != nil {
			t.Fatalf("seed %s: %v", k.ns, err)
		}
	}

	if err := s.InvalidateAfterMutation(ctx, preload.NamespaceStrategies, preload.NamespaceCalendar); err != nil {
		t.Fatalf("invalidate: %v", err)
	}

	if store.Has(ctx, preload.NamespaceStrategies, "all") {
		t.Error("strategies should be invalidated")
	}
	for _, month := range []string{"2026-07", "2026-08"} {
		if store.Has(ctx, preload.NamespaceCalendar, month) {
			t.Errorf("calendar %s should be invalidated", month)
		}
	}
	if !store.Has(ctx, preload.NamespaceAccount, "current") {
		t.Error("account data must survive a trade mutation")
	}
}

func TestService_GetOrFetchBreakeredRejectsWhenOpen(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	boom := errors.New("server error 503")
	s.RegisterFetcher("account", func(ctx context.Context, logical string) (any, error) {
		return nil, boom
	})

	// Trip the breaker.
	threshold := s.cfg.Breaker.FailureThreshold
	for i := 0; i < threshold; i++ {
		if _, err := s.GetOrFetchBreakered(ctx, "account", fmt.Sprintf("k%d", i), time.Minute); !errors.Is(err, boom) {
			t.Fatalf("call %d: got %v", i, err)
		}
	}

	fetched := false
	s.RegisterFetcher("account", func(ctx context.Context, logical string) (any, error) {
		fetched = true
		return "data", nil
	})
	if _, err := s.GetOrFetchBreakered(ctx, "account", "kx", time.Minute); err == nil {
		t.Fatal("open breaker should reject the fetch")
	}
	if fetched {
		t.Error("open breaker must not reach the fetcher")
	}
}

func TestService_StartStop(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := s.Stop(stopCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestService_StatsSnapshot(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	if err := s.Store().Set(ctx, "account", "current", 1, time.Hour); err != nil {
		t.Fatalf("set: %v", err)
	}
	_, _, _ = s.Store().Get(ctx, "account", "current")

	snap := s.Stats(ctx)
	if snap.Cache.Hits != 1 {
		t.Errorf("cache hits=%d, want 1", snap.Cache.Hits)
	}
	if len(snap.Retry.Strategies) != 4 {
		t.Errorf("strategies=%d, want the four defaults", len(snap.Retry.Strategies))
	}
}
