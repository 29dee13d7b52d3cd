package retry

import (
	"math"
	"math/rand"
	"time"

	"github.com/vietddude/resilio/internal/core/domain"
)

// Strategy is an immutable named backoff policy. Registered once, looked up
// by name, never mutated afterwards.
type Strategy struct {
	Name       string
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	Jitter     bool
	// Retryable decides whether an error is worth another attempt under
	// this strategy.
	Retryable func(error) bool
}

// Delay computes the backoff before the given attempt (0-indexed):
// min(base * multiplier^attempt, max), perturbed by ±10% when jitter is on.
func (s Strategy) Delay(attempt int) time.Duration {
	d := float64(s.BaseDelay) * math.Pow(s.Multiplier, float64(attempt))
	if d > float64(s.MaxDelay) {
		d = float64(s.MaxDelay)
	}
	if s.Jitter {
		// ±10%
		d += d * (rand.Float64()*0.2 - 0.1)
	}
	return time.Duration(d)
}

// Strategy names registered by default.
const (
	StrategyExponential  = "exponential"
	StrategyLinear       = "linear"
	StrategyFast         = "fast"
	StrategyConservative = "conservative"
)

func defaultStrategies() map[string]Strategy {
	return map[string]Strategy{
		StrategyExponential: {
			Name:       StrategyExponential,
			MaxRetries: 3,
			BaseDelay:  1000 * time.Millisecond,
			MaxDelay:   10000 * time.Millisecond,
			Multiplier: 2,
			Jitter:     true,
			Retryable: func(err error) bool {
				return domain.Classify(err) == domain.CategoryTransient
			},
		},
		StrategyLinear: {
			Name:       StrategyLinear,
			MaxRetries: 5,
			BaseDelay:  500 * time.Millisecond,
			MaxDelay:   5000 * time.Millisecond,
			Multiplier: 1,
			Jitter:     false,
			Retryable: func(err error) bool {
				c := domain.Classify(err)
				return c == domain.CategoryStorage || c == domain.CategoryCorrupt
			},
		},
		StrategyFast: {
			Name:       StrategyFast,
			MaxRetries: 2,
			BaseDelay:  100 * time.Millisecond,
			MaxDelay:   1000 * time.Millisecond,
			Multiplier: 1.5,
			Jitter:     true,
			Retryable: func(err error) bool {
				c := domain.Classify(err)
				return c == domain.CategoryTransient || c == domain.CategoryUnknown
			},
		},
		StrategyConservative: {
			Name:       StrategyConservative,
			MaxRetries: 1,
			BaseDelay:  2000 * time.Millisecond,
			MaxDelay:   2000 * time.Millisecond,
			Multiplier: 1,
			Jitter:     false,
			Retryable: func(err error) bool {
				// Everything except permission failures gets one more try.
				return domain.Classify(err).Retryable()
			},
		},
	}
}
