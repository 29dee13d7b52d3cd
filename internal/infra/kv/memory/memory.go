package memory

import (
	"context"
	"strings"
	"sync"

	"github.com/vietddude/resilio/internal/infra/kv"
)

// Store is an in-memory kv.Store for tests and single-process development.
type Store struct {
	mu   sync.RWMutex
	data map[string][]byte

	// The next failCount Set calls fail with failErr. Used by tests to
	// simulate quota pressure.
	failErr   error
	failCount int
}

func New() *Store {
	return &Store{data: make(map[string][]byte)}
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.data[key]
	if !ok {
		return nil, kv.ErrNotFound
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failCount > 0 {
		s.failCount--
		return s.failErr
	}

	cp := make([]byte, len(value))
	copy(cp, value)
	s.data[key] = cp
	return nil
}

func (s *Store) Remove(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (s *Store) Close() error {
	return nil
}

// Len returns the number of stored keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// FailSets makes the next n Set calls return err.
func (s *Store) FailSets(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failCount = n
	s.failErr = err
}

// Put stores a raw value directly, bypassing failure injection.
func (s *Store) Put(key string, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
}
