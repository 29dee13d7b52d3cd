package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vietddude/resilio/internal/cache"
	"github.com/vietddude/resilio/internal/core/config"
	"github.com/vietddude/resilio/internal/core/domain"
	"github.com/vietddude/resilio/internal/health"
	"github.com/vietddude/resilio/internal/infra/kv"
	kvbadger "github.com/vietddude/resilio/internal/infra/kv/badger"
	kvmemory "github.com/vietddude/resilio/internal/infra/kv/memory"
	kvpostgres "github.com/vietddude/resilio/internal/infra/kv/postgres"
	kvredis "github.com/vietddude/resilio/internal/infra/kv/redis"
	"github.com/vietddude/resilio/internal/metrics"
	"github.com/vietddude/resilio/internal/preload"
	"github.com/vietddude/resilio/internal/resilience"
	"github.com/vietddude/resilio/internal/retry"
)

// Service is the composition root: it owns the cache store, retry engine,
// resilience handler, circuit breaker, and preload scheduler, and exposes the
// read path application code calls. Construct one at application start and
// pass it by reference; there are no package-level instances.
type Service struct {
	cfg       config.AppConfig
	kvs       kv.Store
	store     *cache.Store
	engine    *retry.Engine
	handler   *resilience.Handler
	breaker   *resilience.Breaker
	scheduler *preload.Scheduler
	healthSrv *health.Server
	log       *slog.Logger

	mu       sync.RWMutex
	fetchers map[string]preload.Fetcher

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService wires all components from configuration.
func NewService(cfg config.AppConfig) (*Service, error) {
	kvs, err := openBackend(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to init storage backend: %w", err)
	}
	return newService(cfg, kvs), nil
}

// NewServiceWithBackend wires components onto a caller-supplied backend.
// Used by tests and by applications embedding their own store.
func NewServiceWithBackend(cfg config.AppConfig, kvs kv.Store) *Service {
	return newService(cfg, kvs)
}

func newService(cfg config.AppConfig, kvs kv.Store) *Service {
	store := cache.NewStore(cfg.Cache, kvs)
	engine := retry.NewEngine(cfg.Retry)
	handler := resilience.NewHandler(engine, store)
	breaker := resilience.NewBreaker(cfg.Breaker, kvs, cfg.Cache.Prefix)

	s := &Service{
		cfg:      cfg,
		kvs:      kvs,
		store:    store,
		engine:   engine,
		handler:  handler,
		breaker:  breaker,
		log:      slog.Default().With("component", "control"),
		fetchers: make(map[string]preload.Fetcher),
	}
	s.scheduler = preload.NewScheduler(cfg.Preload, store, s)

	if cfg.Server.Port > 0 {
		s.healthSrv = health.NewServer(s, cfg.Server.Port)
	}
	return s
}

func openBackend(cfg config.StorageConfig) (kv.Store, error) {
	switch cfg.Backend {
	case "", config.BackendMemory:
		return kvmemory.New(), nil
	case config.BackendRedis:
		return kvredis.New(cfg.Redis)
	case config.BackendBadger:
		return kvbadger.New(cfg.Badger)
	case config.BackendPostgres:
		return kvpostgres.New(context.Background(), cfg.Postgres)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// RegisterFetcher installs the injected fetch callback for a namespace. This
// is the only way the service talks to the backend API.
func (s *Service) RegisterFetcher(namespace string, fn preload.Fetcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetchers[namespace] = fn
}

// Fetcher implements preload.Registry.
func (s *Service) Fetcher(namespace string) (preload.Fetcher, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn, ok := s.fetchers[namespace]
	return fn, ok
}

// SetCurrentOwner records the logged-in user. Pass "" on logout. Switching
// owners purges the store per the configured policy.
func (s *Service) SetCurrentOwner(ctx context.Context, owner domain.OwnerID) error {
	return s.store.SetCurrentOwner(ctx, owner)
}

// GetOrFetch is the read path: cache hit wins; a miss runs the namespace's
// fetcher under adaptive retry and writes the result back with the given TTL.
func (s *Service) GetOrFetch(ctx context.Context, namespace, logical string, ttl time.Duration) (json.RawMessage, error) {
	if raw, found, err := s.store.Get(ctx, namespace, logical); err == nil && found {
		return raw, nil
	} else if err != nil {
		// A failing backend read degrades to fetch; it must not take the
		// page down.
		s.log.Warn("Cache read failed, fetching", "namespace", namespace, "error", err)
	}

	fetch, ok := s.Fetcher(namespace)
	if !ok {
		return nil, fmt.Errorf("no fetcher registered for namespace %q", namespace)
	}

	operation := "fetch_" + namespace
	start := time.Now()
	result, err := s.handler.ExecuteWithRetry(ctx, operation, func(ctx context.Context) (any, error) {
		return fetch(ctx, logical)
	}, resilience.Options{})
	metrics.FetchLatency.WithLabelValues(namespace).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}

	if err := s.store.Set(ctx, namespace, logical, result, ttl); err != nil {
		// The fetched value is still good; a write failure only costs the
		// next reader a re-fetch.
		s.log.Warn("Failed to cache fetched value", "namespace", namespace, "error", err)
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode fetched %s/%s: %w", namespace, logical, err)
	}
	return raw, nil
}

// GetOrFetchBreakered is GetOrFetch with the fetch additionally guarded by
// the circuit breaker for the namespace.
func (s *Service) GetOrFetchBreakered(ctx context.Context, namespace, logical string, ttl time.Duration) (json.RawMessage, error) {
	if raw, found, _ := s.store.Get(ctx, namespace, logical); found {
		return raw, nil
	}

	fetch, ok := s.Fetcher(namespace)
	if !ok {
		return nil, fmt.Errorf("no fetcher registered for namespace %q", namespace)
	}

	result, err := s.breaker.Execute(ctx, namespace, func(ctx context.Context) (any, error) {
		return fetch(ctx, logical)
	})
	if err != nil {
		return nil, err
	}

	if err := s.store.Set(ctx, namespace, logical, result, ttl); err != nil {
		s.log.Warn("Failed to cache fetched value", "namespace", namespace, "error", err)
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode fetched %s/%s: %w", namespace, logical, err)
	}
	return raw, nil
}

// InvalidateAfterMutation busts the cache families a mutation touches. A
// trade or strategy edit invalidates the strategy list and every calendar
// month, since both render aggregates over trades.
func (s *Service) InvalidateAfterMutation(ctx context.Context, namespaces ...string) error {
	for _, ns := range namespaces {
		removed, err := s.store.InvalidatePattern(ctx, ns)
		if err != nil {
			return err
		}
		s.log.Debug("Invalidated cache family", "namespace", ns, "removed", removed)
	}
	return nil
}

// Store exposes the cache store for direct CRUD.
func (s *Service) Store() *cache.Store { return s.store }

// Engine exposes the retry engine.
func (s *Service) Engine() *retry.Engine { return s.engine }

// Handler exposes the resilience handler.
func (s *Service) Handler() *resilience.Handler { return s.handler }

// Breaker exposes the circuit breaker.
func (s *Service) Breaker() *resilience.Breaker { return s.breaker }

// Scheduler exposes the preload scheduler.
func (s *Service) Scheduler() *preload.Scheduler { return s.scheduler }

// Stats implements health.StatsSource.
func (s *Service) Stats(ctx context.Context) health.Snapshot {
	return health.Snapshot{
		Cache:   s.store.Stats(ctx),
		Retry:   s.engine.Stats(),
		Preload: s.scheduler.Stats(),
	}
}

// Start launches the janitor, the health server, and an initial background
// preload pass.
func (s *Service) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		s.store.RunJanitor(runCtx)
	}()

	if s.healthSrv != nil {
		go func() {
			if err := s.healthSrv.Start(); err != nil {
				s.log.Error("Health server stopped", "error", err)
			}
		}()
	}

	go func() {
		s.scheduler.PreloadEssential(runCtx)
		s.scheduler.PreloadInBackground(runCtx)
	}()

	s.log.Info("Service started", "backend", s.cfg.Storage.Backend)
	return nil
}

// Stop shuts everything down and closes the storage backend.
func (s *Service) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
		select {
		case <-s.done:
		case <-ctx.Done():
		}
	}
	if s.healthSrv != nil {
		if err := s.healthSrv.Stop(ctx); err != nil {
			s.log.Warn("Health server shutdown failed", "error", err)
		}
	}
	s.store.Flush()
	return s.kvs.Close()
}
