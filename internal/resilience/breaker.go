package resilience

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vietddude/resilio/internal/core/domain"
	"github.com/vietddude/resilio/internal/infra/kv"
	"github.com/vietddude/resilio/internal/metrics"
	"github.com/vietddude/resilio/internal/retry"
)

// BreakerConfig tunes the circuit breaker state machine.
type BreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that opens the
	// breaker.
	FailureThreshold int `yaml:"failure_threshold"`

	// Timeout bounds each wrapped call; a timeout counts as a failure.
	Timeout time.Duration `yaml:"timeout"`

	// ResetTimeout is how long an open breaker waits before letting one
	// trial call through.
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// DefaultBreakerConfig returns production defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Timeout:          10 * time.Second,
		ResetTimeout:     30 * time.Second,
	}
}

// Breaker is a persisted circuit breaker keyed by operation family. State is
// written to the key/value store as one JSON value per key, so a reload picks
// up where the page left off and there is no partial-update window between
// count, state, and failure time.
type Breaker struct {
	cfg    BreakerConfig
	kvs    kv.Store
	prefix string
	log    *slog.Logger

	mu  sync.Mutex
	now func() time.Time
}

// NewBreaker creates a breaker persisting under prefix.
func NewBreaker(cfg BreakerConfig, kvs kv.Store, prefix string) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if prefix == "" {
		prefix = "resilio"
	}
	return &Breaker{
		cfg:    cfg,
		kvs:    kvs,
		prefix: prefix,
		log:    slog.Default().With("component", "breaker"),
		now:    time.Now,
	}
}

func (b *Breaker) stateKey(key string) string {
	return b.prefix + ":cb:" + key
}

// State returns the persisted state for a key. A key with no state is a
// closed breaker with zero failures.
func (b *Breaker) State(ctx context.Context, key string) domain.BreakerState {
	raw, err := b.kvs.Get(ctx, b.stateKey(key))
	if err != nil {
		return domain.BreakerState{Status: domain.BreakerClosed}
	}
	var st domain.BreakerState
	if err := json.Unmarshal(raw, &st); err != nil {
		// Unreadable state: safest is a closed breaker; it re-opens fast
		// if the failures are real.
		return domain.BreakerState{Status: domain.BreakerClosed}
	}
	return st
}

func (b *Breaker) saveState(ctx context.Context, key string, st domain.BreakerState) {
	raw, err := json.Marshal(st)
	if err != nil {
		return
	}
	if err := b.kvs.Set(ctx, b.stateKey(key), raw); err != nil {
		b.log.Warn("Failed to persist breaker state", "key", key, "error", err)
	}
}

// Reset returns a breaker to closed with zero failures.
func (b *Breaker) Reset(ctx context.Context, key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.saveState(ctx, key, domain.BreakerState{Status: domain.BreakerClosed})
}

// Execute runs fn under the breaker for key.
//
// Closed: the call runs (bounded by Timeout); success clears the failure
// count, failure increments it and opens the breaker at the threshold.
// Open: calls are rejected without invoking fn until ResetTimeout has passed
// since the last failure, at which point the breaker half-opens and one trial
// call runs. A half-open success closes the breaker; a failure re-opens it.
func (b *Breaker) Execute(ctx context.Context, key string, fn retry.Func) (any, error) {
	b.mu.Lock()
	st := b.State(ctx, key)

	if st.Status == domain.BreakerOpen {
		elapsed := b.now().UnixMilli() - st.LastFailureAt
		if elapsed <= b.cfg.ResetTimeout.Milliseconds() {
			b.mu.Unlock()
			metrics.BreakerRejections.WithLabelValues(key).Inc()
			return nil, fmt.Errorf("%s: %w", key, domain.ErrBreakerOpen)
		}
		st.Status = domain.BreakerHalfOpen
		b.saveState(ctx, key, st)
		metrics.BreakerTransitions.WithLabelValues(key, string(domain.BreakerHalfOpen)).Inc()
		b.log.Info("Breaker half-open, allowing trial call", "key", key)
	}
	b.mu.Unlock()

	result, err := b.call(ctx, fn)

	b.mu.Lock()
	defer b.mu.Unlock()
	// Re-read: a concurrent call may have moved the state while fn ran.
	st = b.State(ctx, key)

	if err == nil {
		if st.Status != domain.BreakerClosed || st.FailureCount != 0 {
			b.saveState(ctx, key, domain.BreakerState{Status: domain.BreakerClosed})
			if st.Status != domain.BreakerClosed {
				metrics.BreakerTransitions.WithLabelValues(key, string(domain.BreakerClosed)).Inc()
				b.log.Info("Breaker closed", "key", key)
			}
		}
		return result, nil
	}

	st.FailureCount++
	st.LastFailureAt = b.now().UnixMilli()
	if st.Status == domain.BreakerHalfOpen || st.FailureCount >= b.cfg.FailureThreshold {
		if st.Status != domain.BreakerOpen {
			metrics.BreakerTransitions.WithLabelValues(key, string(domain.BreakerOpen)).Inc()
			b.log.Warn("Breaker opened", "key", key, "failures", st.FailureCount)
		}
		st.Status = domain.BreakerOpen
	}
	b.saveState(ctx, key, st)
	return nil, err
}

// call runs fn raced against the per-call timeout. A timeout is an ordinary
// failure as far as the breaker is concerned.
func (b *Breaker) call(ctx context.Context, fn retry.Func) (any, error) {
	tctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := fn(tctx)
		done <- outcome{result: result, err: err}
	}()

	select {
	case <-tctx.Done():
		if errors.Is(tctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("call timed out after %s: %w", b.cfg.Timeout, domain.ErrTransientNetwork)
		}
		return nil, tctx.Err()
	case out := <-done:
		return out.result, out.err
	}
}
