package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks cache hits per namespace
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resilio_cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"namespace"},
	)

	// CacheMisses tracks cache misses per namespace
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resilio_cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"namespace"},
	)

	// CacheEvictions tracks evictions by reason (expired, owner_mismatch, corrupt, pressure, pattern)
	CacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resilio_cache_evictions_total",
			Help: "Total number of cache entries evicted",
		},
		[]string{"reason"},
	)

	// CacheWriteFailures tracks storage write failures after retries
	CacheWriteFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "resilio_cache_write_failures_total",
			Help: "Total number of cache writes that exhausted retries",
		},
	)

	// RetryAttempts tracks retry attempts per operation and strategy
	RetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resilio_retry_attempts_total",
			Help: "Total number of retry attempts",
		},
		[]string{"operation", "strategy"},
	)

	// RetryExhausted tracks operations that failed after all retries
	RetryExhausted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resilio_retry_exhausted_total",
			Help: "Total number of operations that exhausted their retry budget",
		},
		[]string{"operation", "strategy"},
	)

	// BreakerTransitions tracks circuit breaker state transitions
	BreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resilio_breaker_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"key", "to_state"},
	)

	// BreakerRejections tracks calls rejected by an open breaker
	BreakerRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resilio_breaker_rejections_total",
			Help: "Total number of calls rejected while the breaker was open",
		},
		[]string{"key"},
	)

	// PreloadTasksCompleted tracks finished preload tasks per outcome
	PreloadTasksCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resilio_preload_tasks_total",
			Help: "Total number of preload tasks by outcome",
		},
		[]string{"outcome"},
	)

	// PreloadRunning tracks in-flight preload tasks
	PreloadRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "resilio_preload_running",
			Help: "Number of preload tasks currently running",
		},
	)

	// FetchLatency tracks injected fetcher latency per namespace
	FetchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "resilio_fetch_latency_seconds",
			Help:    "Injected fetcher latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"namespace"},
	)
)
