package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vietddude/resilio/internal/core/domain"
	"github.com/vietddude/resilio/internal/infra/kv"
	"github.com/vietddude/resilio/internal/metrics"
)

// PurgePolicy controls what happens to stored data when the active owner
// changes.
type PurgePolicy string

const (
	// PurgeAll wipes the entire store on any owner change. This is the
	// default: after a user switch no data from any prior session is
	// reachable, even when switching back to a recent owner.
	PurgeAll PurgePolicy = "all"

	// PurgeOwnerOnly removes only the outgoing owner's entries.
	PurgeOwnerOnly PurgePolicy = "owner_only"
)

// Config holds cache store settings.
type Config struct {
	// Prefix namespaces all storage keys so several deployments can share
	// one backend.
	Prefix string `yaml:"prefix"`

	// BatchWindow debounces writes: Sets inside the window are flushed
	// together. Zero disables batching.
	BatchWindow time.Duration `yaml:"batch_window"`

	// WriteRetries and WriteRetryBase control the backoff loop around
	// storage writes. Defaults: 3 attempts starting at 1s, doubling.
	WriteRetries   int           `yaml:"write_retries"`
	WriteRetryBase time.Duration `yaml:"write_retry_base"`

	PurgePolicy PurgePolicy `yaml:"purge_policy"`

	// CleanupInterval is how often the janitor evicts expired entries.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Prefix:          "resilio",
		BatchWindow:     0,
		WriteRetries:    3,
		WriteRetryBase:  time.Second,
		PurgePolicy:     PurgeAll,
		CleanupInterval: 5 * time.Minute,
	}
}

// Stats is a point-in-time snapshot of store activity.
type Stats struct {
	Owner        domain.OwnerID `json:"owner"`
	Entries      int            `json:"entries"`
	Hits         uint64         `json:"hits"`
	Misses       uint64         `json:"misses"`
	Evictions    uint64         `json:"evictions"`
	Writes       uint64         `json:"writes"`
	HitRate      float64        `json:"hit_rate"`
	PendingBatch int            `json:"pending_batch"`
	// AccessCounts counts reads per namespace since startup. Drives
	// predictive preloading.
	AccessCounts map[string]uint64 `json:"access_counts"`
}

// Store is the owner-scoped persistent cache. All entries are tagged with the
// owner that wrote them; reads validate ownership and TTL and evict anything
// invalid, so a bad entry can never be returned.
type Store struct {
	cfg Config
	kvs kv.Store
	log *slog.Logger

	mu        sync.Mutex
	owner     domain.OwnerID
	pending   map[string]domain.Entry // batched writes, keyed by storage key
	flushTmr  *time.Timer
	hits      uint64
	misses    uint64
	evictions uint64
	writes    uint64
	access    map[string]uint64

	// now is swappable for tests.
	now func() time.Time
	// sleep is swappable so write-retry tests don't wait for real backoff.
	sleep func(time.Duration)
}

// NewStore creates a cache store on top of the given key/value backend.
func NewStore(cfg Config, kvs kv.Store) *Store {
	if cfg.Prefix == "" {
		cfg.Prefix = "resilio"
	}
	if cfg.WriteRetries <= 0 {
		cfg.WriteRetries = 3
	}
	if cfg.WriteRetryBase <= 0 {
		cfg.WriteRetryBase = time.Second
	}
	if cfg.PurgePolicy == "" {
		cfg.PurgePolicy = PurgeAll
	}
	return &Store{
		cfg:     cfg,
		kvs:     kvs,
		log:     slog.Default().With("component", "cache"),
		pending: make(map[string]domain.Entry),
		access:  make(map[string]uint64),
		now:     time.Now,
		sleep:   time.Sleep,
	}
}

// cachePrefix scopes entry keys away from other families (breaker state etc.)
// sharing the same backend.
func (s *Store) cachePrefix() string {
	return s.cfg.Prefix + ":cache:"
}

func (s *Store) storageKey(k domain.Key) string {
	return s.cachePrefix() + k.Encode()
}

// CurrentOwner returns the active owner id ("" = logged out).
func (s *Store) CurrentOwner() domain.OwnerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owner
}

// SetCurrentOwner records the active owner. Switching to a different owner
// purges stored data first (all of it under PurgeAll, the outgoing owner's
// slice under PurgeOwnerOnly), so no stale session data survives the switch.
func (s *Store) SetCurrentOwner(ctx context.Context, owner domain.OwnerID) error {
	s.mu.Lock()
	prev := s.owner
	if prev == owner {
		s.mu.Unlock()
		return nil
	}
	s.owner = owner
	// Drop unflushed writes from the previous session.
	s.pending = make(map[string]domain.Entry)
	s.mu.Unlock()

	var err error
	switch s.cfg.PurgePolicy {
	case PurgeOwnerOnly:
		err = s.clearOwnerKeys(ctx, prev)
	default:
		err = s.ClearAll(ctx)
	}
	if err != nil {
		return fmt.Errorf("purge on owner switch: %w", err)
	}
	s.log.Info("Owner switched", "previous", string(prev), "current", string(owner))
	return nil
}

// Set stores a JSON-serializable value under the active owner with the given
// TTL. With batching enabled the write lands after the debounce window;
// either way a storage failure is retried with exponential backoff and
// surfaced as a storage error once retries exhaust.
func (s *Store) Set(ctx context.Context, namespace, logical string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal value for %s/%s: %w", namespace, logical, err)
	}

	s.mu.Lock()
	owner := s.owner
	entry := domain.NewEntry(raw, owner, ttl, s.now())
	key := s.storageKey(domain.Key{Owner: owner, Namespace: namespace, Logical: logical})
	s.writes++

	if s.cfg.BatchWindow > 0 {
		s.pending[key] = entry
		if s.flushTmr == nil {
			s.flushTmr = time.AfterFunc(s.cfg.BatchWindow, s.flushBatch)
		}
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	return s.writeWithRetry(ctx, key, entry)
}

// writeWithRetry performs the storage write under the configured backoff
// loop. It never drops a write silently.
func (s *Store) writeWithRetry(ctx context.Context, key string, entry domain.Entry) error {
	buf, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}

	var lastErr error
	delay := s.cfg.WriteRetryBase
	for attempt := 0; attempt < s.cfg.WriteRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			s.sleep(delay)
			delay *= 2
		}
		if lastErr = s.kvs.Set(ctx, key, buf); lastErr == nil {
			return nil
		}
		s.log.Warn("Cache write failed", "key", key, "attempt", attempt+1, "error", lastErr)
	}

	metrics.CacheWriteFailures.Inc()
	return domain.StorageErrorf("cache write for %s failed after %d attempts: %v",
		key, s.cfg.WriteRetries, lastErr)
}

// flushBatch drains the pending write buffer. Flush failures are logged and
// counted; there is no caller left to hand them to.
func (s *Store) flushBatch() {
	s.mu.Lock()
	batch := s.pending
	s.pending = make(map[string]domain.Entry)
	s.flushTmr = nil
	s.mu.Unlock()

	ctx := context.Background()
	for key, entry := range batch {
		if err := s.writeWithRetry(ctx, key, entry); err != nil {
			s.log.Error("Batched cache write dropped", "key", key, "error", err)
		}
	}
}

// Flush forces any pending batched writes out immediately.
func (s *Store) Flush() {
	s.mu.Lock()
	if s.flushTmr != nil {
		s.flushTmr.Stop()
		s.flushTmr = nil
	}
	s.mu.Unlock()
	s.flushBatch()
}

// Get returns the cached JSON value, or found=false on a miss. Reads are
// self-healing: an entry with the wrong owner, an elapsed TTL, or an
// undecodable body is evicted and reported as a miss, never returned.
func (s *Store) Get(ctx context.Context, namespace, logical string) (json.RawMessage, bool, error) {
	s.mu.Lock()
	owner := s.owner
	key := s.storageKey(domain.Key{Owner: owner, Namespace: namespace, Logical: logical})
	s.access[namespace]++

	// Read-after-write: a batched Set must be visible before it flushes.
	if pending, ok := s.pending[key]; ok {
		if pending.ValidFor(owner, s.now()) {
			s.hits++
			s.mu.Unlock()
			metrics.CacheHits.WithLabelValues(namespace).Inc()
			return pending.Data, true, nil
		}
		delete(s.pending, key)
	}
	now := s.now()
	s.mu.Unlock()

	raw, err := s.kvs.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		s.miss(namespace)
		return nil, false, nil
	}
	if err != nil {
		s.miss(namespace)
		return nil, false, domain.StorageErrorf("cache read for %s/%s failed: %v", namespace, logical, err)
	}

	var entry domain.Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		s.evict(ctx, key, "corrupt")
		s.miss(namespace)
		return nil, false, nil
	}
	if entry.OwnerID != owner {
		s.evict(ctx, key, "owner_mismatch")
		s.miss(namespace)
		return nil, false, nil
	}
	if entry.Expired(now) {
		s.evict(ctx, key, "expired")
		s.miss(namespace)
		return nil, false, nil
	}

	s.mu.Lock()
	s.hits++
	s.mu.Unlock()
	metrics.CacheHits.WithLabelValues(namespace).Inc()
	return entry.Data, true, nil
}

// GetInto decodes a cached value into dst.
func (s *Store) GetInto(ctx context.Context, namespace, logical string, dst any) (bool, error) {
	raw, found, err := s.Get(ctx, namespace, logical)
	if err != nil || !found {
		return found, err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("decode cached %s/%s: %w", namespace, logical, err)
	}
	return true, nil
}

// Has reports whether a valid entry exists without counting a hit or miss.
func (s *Store) Has(ctx context.Context, namespace, logical string) bool {
	s.mu.Lock()
	owner := s.owner
	key := s.storageKey(domain.Key{Owner: owner, Namespace: namespace, Logical: logical})
	if pending, ok := s.pending[key]; ok && pending.ValidFor(owner, s.now()) {
		s.mu.Unlock()
		return true
	}
	now := s.now()
	s.mu.Unlock()

	raw, err := s.kvs.Get(ctx, key)
	if err != nil {
		return false
	}
	var entry domain.Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return false
	}
	return entry.ValidFor(owner, now)
}

// Remove deletes a single entry for the active owner.
func (s *Store) Remove(ctx context.Context, namespace, logical string) error {
	s.mu.Lock()
	key := s.storageKey(domain.Key{Owner: s.owner, Namespace: namespace, Logical: logical})
	delete(s.pending, key)
	s.mu.Unlock()

	if err := s.kvs.Remove(ctx, key); err != nil {
		return domain.StorageErrorf("cache remove for %s/%s failed: %v", namespace, logical, err)
	}
	return nil
}

// ClearOwner removes every entry belonging to the active owner.
func (s *Store) ClearOwner(ctx context.Context) error {
	s.mu.Lock()
	owner := s.owner
	s.pending = make(map[string]domain.Entry)
	s.mu.Unlock()
	return s.clearOwnerKeys(ctx, owner)
}

// ClearOwnerEntries removes every entry belonging to the given owner,
// regardless of who is active. Used by operational tooling.
func (s *Store) ClearOwnerEntries(ctx context.Context, owner domain.OwnerID) error {
	return s.clearOwnerKeys(ctx, owner)
}

func (s *Store) clearOwnerKeys(ctx context.Context, owner domain.OwnerID) error {
	prefix := s.cachePrefix() + domain.Key{Owner: owner}.Encode()
	// Key.Encode renders "<owner>::" for an empty namespace/logical; trim to
	// the owner segment plus separator so every namespace matches.
	prefix = strings.TrimSuffix(prefix, "::") + ":"
	keys, err := s.kvs.Keys(ctx, prefix)
	if err != nil {
		return domain.StorageErrorf("list keys for owner %s failed: %v", owner, err)
	}
	for _, k := range keys {
		if err := s.kvs.Remove(ctx, k); err != nil {
			return domain.StorageErrorf("remove %s failed: %v", k, err)
		}
	}
	return nil
}

// ClearAll removes every cache entry for every owner.
func (s *Store) ClearAll(ctx context.Context) error {
	s.mu.Lock()
	s.pending = make(map[string]domain.Entry)
	s.mu.Unlock()

	keys, err := s.kvs.Keys(ctx, s.cachePrefix())
	if err != nil {
		return domain.StorageErrorf("list keys failed: %v", err)
	}
	for _, k := range keys {
		if err := s.kvs.Remove(ctx, k); err != nil {
			return domain.StorageErrorf("remove %s failed: %v", k, err)
		}
	}
	return nil
}

// InvalidatePattern removes the active owner's entries whose decoded
// "namespace:logical" identifier contains the substring. Other owners' keys
// are never touched.
func (s *Store) InvalidatePattern(ctx context.Context, substring string) (int, error) {
	s.mu.Lock()
	owner := s.owner
	for key := range s.pending {
		if k, err := domain.DecodeKey(strings.TrimPrefix(key, s.cachePrefix())); err == nil {
			if strings.Contains(k.Namespace+":"+k.Logical, substring) {
				delete(s.pending, key)
			}
		}
	}
	s.mu.Unlock()

	keys, err := s.kvs.Keys(ctx, s.cachePrefix())
	if err != nil {
		return 0, domain.StorageErrorf("list keys failed: %v", err)
	}

	removed := 0
	for _, storageKey := range keys {
		k, err := domain.DecodeKey(strings.TrimPrefix(storageKey, s.cachePrefix()))
		if err != nil {
			continue
		}
		if k.Owner != owner {
			continue
		}
		if !strings.Contains(k.Namespace+":"+k.Logical, substring) {
			continue
		}
		if err := s.kvs.Remove(ctx, storageKey); err != nil {
			return removed, domain.StorageErrorf("remove %s failed: %v", storageKey, err)
		}
		removed++
		s.countEviction("pattern")
	}
	return removed, nil
}

// CleanupExpired scans the active owner's entries and evicts those past TTL.
// Run from the janitor, not on every read.
func (s *Store) CleanupExpired(ctx context.Context) (int, error) {
	s.mu.Lock()
	owner := s.owner
	now := s.now()
	s.mu.Unlock()

	keys, err := s.kvs.Keys(ctx, s.cachePrefix())
	if err != nil {
		return 0, domain.StorageErrorf("list keys failed: %v", err)
	}

	removed := 0
	for _, storageKey := range keys {
		k, err := domain.DecodeKey(strings.TrimPrefix(storageKey, s.cachePrefix()))
		if err != nil || k.Owner != owner {
			continue
		}
		raw, err := s.kvs.Get(ctx, storageKey)
		if err != nil {
			continue
		}
		var entry domain.Entry
		if err := json.Unmarshal(raw, &entry); err != nil {
			s.evict(ctx, storageKey, "corrupt")
			removed++
			continue
		}
		if entry.Expired(now) {
			s.evict(ctx, storageKey, "expired")
			removed++
		}
	}
	return removed, nil
}

// EvictOldest removes the oldest fraction of entries (by write timestamp)
// across the whole store. Used as remediation when the backend reports
// storage pressure.
func (s *Store) EvictOldest(ctx context.Context, fraction float64) (int, error) {
	if fraction <= 0 {
		return 0, nil
	}
	keys, err := s.kvs.Keys(ctx, s.cachePrefix())
	if err != nil {
		return 0, domain.StorageErrorf("list keys failed: %v", err)
	}

	type aged struct {
		key string
		ts  int64
	}
	entries := make([]aged, 0, len(keys))
	for _, storageKey := range keys {
		raw, err := s.kvs.Get(ctx, storageKey)
		if err != nil {
			continue
		}
		var entry domain.Entry
		if err := json.Unmarshal(raw, &entry); err != nil {
			// Corrupt entries are the first to go.
			entries = append(entries, aged{key: storageKey, ts: 0})
			continue
		}
		entries = append(entries, aged{key: storageKey, ts: entry.Timestamp})
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].ts < entries[j].ts })

	n := int(float64(len(entries)) * fraction)
	if n == 0 && len(entries) > 0 {
		n = 1
	}
	removed := 0
	for i := 0; i < n && i < len(entries); i++ {
		if err := s.kvs.Remove(ctx, entries[i].key); err != nil {
			return removed, domain.StorageErrorf("remove %s failed: %v", entries[i].key, err)
		}
		removed++
		s.countEviction("pressure")
	}
	return removed, nil
}

// RemoveCorrupt deletes a single entry known to be undecodable.
func (s *Store) RemoveCorrupt(ctx context.Context, namespace, logical string) error {
	s.mu.Lock()
	key := s.storageKey(domain.Key{Owner: s.owner, Namespace: namespace, Logical: logical})
	s.mu.Unlock()
	s.evict(ctx, key, "corrupt")
	return nil
}

// Stats returns a snapshot of cache activity.
func (s *Store) Stats(ctx context.Context) Stats {
	s.mu.Lock()
	st := Stats{
		Owner:        s.owner,
		Hits:         s.hits,
		Misses:       s.misses,
		Evictions:    s.evictions,
		Writes:       s.writes,
		PendingBatch: len(s.pending),
		AccessCounts: make(map[string]uint64, len(s.access)),
	}
	for ns, c := range s.access {
		st.AccessCounts[ns] = c
	}
	owner := s.owner
	s.mu.Unlock()

	if total := st.Hits + st.Misses; total > 0 {
		st.HitRate = float64(st.Hits) / float64(total)
	}

	keys, err := s.kvs.Keys(ctx, s.cachePrefix())
	if err == nil {
		for _, storageKey := range keys {
			if k, err := domain.DecodeKey(strings.TrimPrefix(storageKey, s.cachePrefix())); err == nil && k.Owner == owner {
				st.Entries++
			}
		}
	}
	return st
}

// RunJanitor evicts expired entries on the configured interval until ctx is
// cancelled.
func (s *Store) RunJanitor(ctx context.Context) {
	interval := s.cfg.CleanupInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := s.CleanupExpired(ctx)
			if err != nil {
				s.log.Warn("Cleanup failed", "error", err)
				continue
			}
			if removed > 0 {
				s.log.Debug("Evicted expired entries", "count", removed)
			}
		}
	}
}

func (s *Store) miss(namespace string) {
	s.mu.Lock()
	s.misses++
	s.mu.Unlock()
	metrics.CacheMisses.WithLabelValues(namespace).Inc()
}

func (s *Store) evict(ctx context.Context, storageKey, reason string) {
	if err := s.kvs.Remove(ctx, storageKey); err != nil {
		s.log.Warn("Eviction failed", "key", storageKey, "error", err)
		return
	}
	s.countEviction(reason)
}

func (s *Store) countEviction(reason string) {
	s.mu.Lock()
	s.evictions++
	s.mu.Unlock()
	metrics.CacheEvictions.WithLabelValues(reason).Inc()
}
