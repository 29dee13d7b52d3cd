package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/vietddude/resilio/internal/cache"
	"github.com/vietddude/resilio/internal/core/domain"
	"github.com/vietddude/resilio/internal/retry"
)

// Options tunes a single ExecuteWithRetry call.
type Options struct {
	// Strategy names the backoff policy. Empty selects adaptively from the
	// operation's history.
	Strategy string

	// MaxRetries overrides the strategy's budget when non-nil.
	MaxRetries *int
}

// Handler composes the retry engine with fallbacks and storage remediation.
type Handler struct {
	engine *retry.Engine
	store  *cache.Store
	log    *slog.Logger

	mu        sync.RWMutex
	fallbacks map[string]retry.Func
}

// NewHandler creates a handler. store may be nil when no cache remediation is
// wanted.
func NewHandler(engine *retry.Engine, store *cache.Store) *Handler {
	return &Handler{
		engine:    engine,
		store:     store,
		log:       slog.Default().With("component", "resilience"),
		fallbacks: make(map[string]retry.Func),
	}
}

// RegisterFallback installs a fallback for an operation name. When every
// retry of that operation fails, the fallback's result is returned instead of
// the error.
func (h *Handler) RegisterFallback(operation string, fn retry.Func) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fallbacks[operation] = fn
}

func (h *Handler) fallback(operation string) retry.Func {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.fallbacks[operation]
}

// ExecuteWithRetry runs fn under retry, applying storage remediation on
// storage-class failures and the registered fallback on exhaustion. Fallback
// failures are reported joined with the original error, never swallowed.
func (h *Handler) ExecuteWithRetry(ctx context.Context, operation string, fn retry.Func, opts Options) (any, error) {
	wrapped := h.withRemediation(operation, fn)

	strategyName := opts.Strategy
	if strategyName == "" {
		strategyName = h.engine.SelectStrategy(operation)
	}

	var result any
	var err error
	if opts.MaxRetries != nil {
		result, err = h.engine.ExecuteWithMaxRetries(ctx, operation, strategyName, *opts.MaxRetries, wrapped)
	} else {
		result, err = h.engine.Execute(ctx, operation, strategyName, wrapped)
	}
	if err == nil {
		return result, nil
	}

	fb := h.fallback(operation)
	if fb == nil {
		return nil, err
	}

	h.log.Info("Falling back", "operation", operation, "error", err)
	fbResult, fbErr := fb(ctx)
	if fbErr != nil {
		return nil, fmt.Errorf("%s: fallback also failed: %w", operation, errors.Join(err, fbErr))
	}
	return fbResult, nil
}

// ExecuteWithFallback runs primary under adaptive retry; on final failure the
// fallback runs exactly once, without retry, and its result is returned.
func (h *Handler) ExecuteWithFallback(ctx context.Context, operation string, primary, fallback retry.Func) (any, error) {
	result, err := h.engine.ExecuteAdaptive(ctx, operation, h.withRemediation(operation, primary))
	if err == nil {
		return result, nil
	}

	h.log.Info("Primary failed, running fallback", "operation", operation, "error", err)
	fbResult, fbErr := fallback(ctx)
	if fbErr != nil {
		return nil, fmt.Errorf("%s: fallback also failed: %w", operation, errors.Join(err, fbErr))
	}
	return fbResult, nil
}

// HandleNetworkError retries a fetch and substitutes fallbackData once the
// budget is spent, when fallbackData is provided.
func (h *Handler) HandleNetworkError(ctx context.Context, operation string, fetch retry.Func, fallbackData any) (any, error) {
	result, err := h.engine.Execute(ctx, operation, retry.StrategyExponential, fetch)
	if err == nil {
		return result, nil
	}
	if fallbackData != nil {
		h.log.Warn("Fetch exhausted retries, substituting fallback data",
			"operation", operation, "error", err)
		return fallbackData, nil
	}
	return nil, err
}

// withRemediation classifies each failure and frees cache space on storage
// pressure before handing the error back to the retry loop. Corrupt-entry
// failures pass through; the cache layer already removed the offender.
func (h *Handler) withRemediation(operation string, fn retry.Func) retry.Func {
	return func(ctx context.Context) (any, error) {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}

		switch domain.Classify(err) {
		case domain.CategoryStorage:
			if h.store != nil {
				removed, evictErr := h.store.EvictOldest(ctx, 0.2)
				if evictErr != nil {
					h.log.Warn("Pressure eviction failed", "operation", operation, "error", evictErr)
				} else if removed > 0 {
					h.log.Info("Evicted entries under storage pressure",
						"operation", operation, "removed", removed)
				}
			}
			return nil, domain.StorageErrorf("%s hit storage pressure: %v", operation, err)
		case domain.CategoryTransient:
			return nil, fmt.Errorf("%s: %w: %v", operation, domain.ErrTransientNetwork, err)
		case domain.CategoryPermission:
			return nil, fmt.Errorf("%s: %w: %v", operation, domain.ErrPermission, err)
		default:
			return nil, err
		}
	}
}
