package retry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vietddude/resilio/internal/metrics"
)

// Func is the operation shape the engine executes. The injected fetchers at
// the application boundary all reduce to this.
type Func func(ctx context.Context) (any, error)

// Config holds engine settings.
type Config struct {
	// DefaultStrategy is used by adaptive selection when history is
	// inconclusive. Default: exponential.
	DefaultStrategy string `yaml:"default_strategy"`

	// HistorySize bounds the retry-context ring buffer. Default: 100.
	HistorySize int `yaml:"history_size"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		DefaultStrategy: StrategyExponential,
		HistorySize:     100,
	}
}

// Engine executes functions under named backoff strategies and keeps a
// bounded attempt history for adaptive strategy selection.
type Engine struct {
	cfg Config
	log *slog.Logger

	mu         sync.RWMutex
	strategies map[string]Strategy

	hist *history

	// sleep is swappable so tests don't wait out real backoff.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewEngine creates an engine with the four default strategies registered.
func NewEngine(cfg Config) *Engine {
	if cfg.DefaultStrategy == "" {
		cfg.DefaultStrategy = StrategyExponential
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 100
	}
	return &Engine{
		cfg:        cfg,
		log:        slog.Default().With("component", "retry"),
		strategies: defaultStrategies(),
		hist:       newHistory(cfg.HistorySize),
		sleep:      sleepCtx,
	}
}

// SetSleep replaces the backoff sleeper. Tests inject a no-op here so they
// don't wait out real delays.
func (e *Engine) SetSleep(fn func(ctx context.Context, d time.Duration) error) {
	if fn != nil {
		e.sleep = fn
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Register adds a named strategy. Strategies are immutable once registered;
// re-registering a name is an error.
func (e *Engine) Register(s Strategy) error {
	if s.Name == "" {
		return fmt.Errorf("strategy name is required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.strategies[s.Name]; exists {
		return fmt.Errorf("strategy %q already registered", s.Name)
	}
	e.strategies[s.Name] = s
	return nil
}

func (e *Engine) strategy(name string) (Strategy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.strategies[name]
	if !ok {
		return Strategy{}, fmt.Errorf("unknown retry strategy %q", name)
	}
	return s, nil
}

// Execute runs fn under the named strategy with its configured retry budget.
func (e *Engine) Execute(ctx context.Context, operation, strategyName string, fn Func) (any, error) {
	s, err := e.strategy(strategyName)
	if err != nil {
		return nil, err
	}
	return e.run(ctx, operation, s, s.MaxRetries, fn)
}

// ExecuteWithMaxRetries runs fn under the named strategy with an overridden
// retry budget.
func (e *Engine) ExecuteWithMaxRetries(ctx context.Context, operation, strategyName string, maxRetries int, fn Func) (any, error) {
	s, err := e.strategy(strategyName)
	if err != nil {
		return nil, err
	}
	return e.run(ctx, operation, s, maxRetries, fn)
}

// ExecuteAdaptive picks a strategy from recent history for the operation and
// runs fn under it.
func (e *Engine) ExecuteAdaptive(ctx context.Context, operation string, fn Func) (any, error) {
	return e.Execute(ctx, operation, e.SelectStrategy(operation), fn)
}

// run is the retry loop: up to maxRetries+1 invocations, stopping early when
// the strategy's predicate rejects the error. Every attempt lands in the
// history ring.
func (e *Engine) run(ctx context.Context, operation string, s Strategy, maxRetries int, fn Func) (any, error) {
	total := maxRetries + 1
	start := time.Now()

	var lastErr error
	for attempt := 0; attempt < total; attempt++ {
		if attempt > 0 {
			if err := e.sleep(ctx, s.Delay(attempt-1)); err != nil {
				return nil, err
			}
			metrics.RetryAttempts.WithLabelValues(operation, s.Name).Inc()
		}

		result, err := fn(ctx)
		e.record(operation, s.Name, attempt, total, start, err)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if s.Retryable != nil && !s.Retryable(err) {
			e.log.Debug("Error not retryable under strategy",
				"operation", operation, "strategy", s.Name, "error", err)
			return nil, err
		}
	}

	metrics.RetryExhausted.WithLabelValues(operation, s.Name).Inc()
	return nil, fmt.Errorf("%s failed after %d attempts: %w", operation, total, lastErr)
}

func (e *Engine) record(operation, strategy string, attempt, total int, start time.Time, err error) {
	c := Context{
		Operation:     operation,
		AttemptIndex:  attempt,
		TotalAttempts: total,
		StartTime:     start,
		Strategy:      strategy,
	}
	if err != nil {
		c.LastError = err.Error()
	}
	e.hist.add(c)
}

// SelectStrategy picks a strategy for the operation from the failure rate of
// its last 10 recorded attempts: mostly-retrying operations get conservative
// handling, mostly-clean ones get fast handling.
func (e *Engine) SelectStrategy(operation string) string {
	recent := e.hist.lastFor(operation, 10)
	if len(recent) == 0 {
		return e.cfg.DefaultStrategy
	}

	retried := 0
	for _, c := range recent {
		if c.AttemptIndex > 0 {
			retried++
		}
	}
	rate := float64(retried) / float64(len(recent))

	switch {
	case rate > 0.7:
		return StrategyConservative
	case rate > 0.4:
		return StrategyLinear
	case rate < 0.2:
		return StrategyFast
	default:
		return e.cfg.DefaultStrategy
	}
}

// Stats summarizes engine activity for observability.
type Stats struct {
	HistoryLen int      `json:"history_len"`
	Strategies []string `json:"strategies"`
}

// Stats returns a snapshot.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	names := make([]string, 0, len(e.strategies))
	for name := range e.strategies {
		names = append(names, name)
	}
	e.mu.RUnlock()
	return Stats{HistoryLen: e.hist.len(), Strategies: names}
}

// RecentContexts exposes the last n attempts for an operation, newest first.
func (e *Engine) RecentContexts(operation string, n int) []Context {
	return e.hist.lastFor(operation, n)
}
