package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/vietddude/resilio/internal/cache"
	"github.com/vietddude/resilio/internal/core/domain"
	"github.com/vietddude/resilio/internal/infra/kv/memory"
	"github.com/vietddude/resilio/internal/retry"
)

func newTestHandler(t *testing.T, store *cache.Store) *Handler {
	t.Helper()
	engine := retry.NewEngine(retry.DefaultConfig())
	engine.SetSleep(func(context.Context, time.Duration) error { return nil })
	return NewHandler(engine, store)
}

func TestHandler_FallbackOnExhaustion(t *testing.T) {
	h := newTestHandler(t, nil)
	ctx := context.Background()

	h.RegisterFallback("fetch", func(context.Context) (any, error) {
		return "from-fallback", nil
	})

	result, err := h.ExecuteWithRetry(ctx, "fetch", func(context.Context) (any, error) {
		return nil, fmt.Errorf("down: %w", domain.ErrTransientNetwork)
	}, Options{Strategy: retry.StrategyExponential})
	if err != nil {
		t.Fatalf("fallback should rescue the call: %v", err)
	}
	if result != "from-fallback" {
		t.Errorf("result=%v, want fallback value", result)
	}
}

func TestHandler_FallbackFailureJoinsErrors(t *testing.T) {
	h := newTestHandler(t, nil)
	ctx := context.Background()

	fbErr := errors.New("fallback broken")
	h.RegisterFallback("fetch", func(context.Context) (any, error) {
		return nil, fbErr
	})

	_, err := h.ExecuteWithRetry(ctx, "fetch", func(context.Context) (any, error) {
		return nil, fmt.Errorf("down: %w", domain.ErrTransientNetwork)
	}, Options{Strategy: retry.StrategyExponential})
	if err == nil {
		t.Fatal("expected joined failure")
	}
	if !errors.Is(err, fbErr) {
		t.Errorf("error should carry the fallback failure, got %v", err)
	}
	if !errors.Is(err, domain.ErrTransientNetwork) {
		t.Errorf("error should carry the original failure, got %v", err)
	}
}

func TestHandler_NoFallbackSurfacesError(t *testing.T) {
	h := newTestHandler(t, nil)
	ctx := context.Background()

	_, err := h.ExecuteWithRetry(ctx, "fetch", func(context.Context) (any, error) {
		return nil, fmt.Errorf("down: %w", domain.ErrTransientNetwork)
	}, Options{Strategy: retry.StrategyExponential})
	if !errors.Is(err, domain.ErrTransientNetwork) {
		t.Errorf("got %v, want the exhaustion error", err)
	}
}

func TestHandler_MaxRetriesOverride(t *testing.T) {
	h := newTestHandler(t, nil)
	ctx := context.Background()

	calls := 0
	zero := 0
	_, err := h.ExecuteWithRetry(ctx, "fetch", func(context.Context) (any, error) {
		calls++
		return nil, fmt.Errorf("down: %w", domain.ErrTransientNetwork)
	}, Options{Strategy: retry.StrategyExponential, MaxRetries: &zero})
	if err == nil {
		t.Fatal("expected failure")
	}
	if calls != 1 {
		t.Errorf("calls=%d, want 1 with MaxRetries=0", calls)
	}
}

func TestHandler_ExecuteWithFallback(t *testing.T) {
	h := newTestHandler(t, nil)
	ctx := context.Background()

	fbCalls := 0
	result, err := h.ExecuteWithFallback(ctx, "fetch",
		func(context.Context) (any, error) {
			return nil, fmt.Errorf("down: %w", domain.ErrTransientNetwork)
		},
		func(context.Context) (any, error) {
			fbCalls++
			return "stale", nil
		})
	if err != nil {
		t.Fatalf("execute with fallback: %v", err)
	}
	if result != "stale" || fbCalls != 1 {
		t.Errorf("result=%v fbCalls=%d, want stale/1", result, fbCalls)
	}
}

func TestHandler_HandleNetworkErrorSubstitutesFallbackData(t *testing.T) {
	h := newTestHandler(t, nil)
	ctx := context.Background()

	result, err := h.HandleNetworkError(ctx, "fetch", func(context.Context) (any, error) {
		return nil, fmt.Errorf("down: %w", domain.ErrTransientNetwork)
	}, map[string]string{"source": "cache"})
	if err != nil {
		t.Fatalf("fallback data should rescue the call: %v", err)
	}
	if m, ok := result.(map[string]string); !ok || m["source"] != "cache" {
		t.Errorf("result=%v, want the fallback data", result)
	}

	// Without fallback data the error comes through.
	if _, err := h.HandleNetworkError(ctx, "fetch2", func(context.Context) (any, error) {
		return nil, fmt.Errorf("down: %w", domain.ErrTransientNetwork)
	}, nil); err == nil {
		t.Error("nil fallback data should surface the error")
	}
}

func TestHandler_StorageRemediationEvictsOldest(t *testing.T) {
	backend := memory.New()
	store := cache.NewStore(cache.DefaultConfig(), backend)
	h := newTestHandler(t, store)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if err := store.Set(ctx, "account", fmt.Sprintf("k%d", i), i, time.Hour); err != nil {
			t.Fatalf("seed set: %v", err)
		}
	}

	_, err := h.ExecuteWithRetry(ctx, "save", func(context.Context) (any, error) {
		return nil, errors.New("quota exceeded")
	}, Options{Strategy: retry.StrategyConservative})
	if err == nil {
		t.Fatal("expected storage failure to surface")
	}
	if !errors.Is(err, domain.ErrStorage) {
		t.Errorf("remediated error should classify as storage, got %v", err)
	}

	// Two attempts under conservative, each evicting 20% of what remains:
	// 10 -> 8 -> 6 entries plus change from integer rounding.
	if backend.Len() >= 10 {
		t.Errorf("backend still holds %d entries, eviction should have freed space", backend.Len())
	}
}
