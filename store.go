package localfirst

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// KeyValueStore is the persistent storage the cache and queue sit on.
// Get returns nil, nil for a missing key. Set returns a StorageQuotaExceeded
// error when the write would not fit.
type KeyValueStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// GetJSON reads key and decodes it into a T. The boolean is false when the
// key is absent.
func GetJSON[T any](ctx context.Context, s KeyValueStore, key string) (T, bool, error) {
	var v T
	data, err := s.Get(ctx, key)
	if err != nil || data == nil {
		return v, false, err
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, false, fmt.Errorf("decode %q: %w", key, err)
	}
	return v, true, nil
}

// SetJSON encodes v and stores it under key.
func SetJSON(ctx context.Context, s KeyValueStore, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %q: %w", key, err)
	}
	return s.Set(ctx, key, data)
}

// ============================================================================
// MemoryStore
// ============================================================================

// MemoryStore is a goroutine-safe in-memory KeyValueStore.
type MemoryStore struct {
	mu    sync.RWMutex
	data  map[string][]byte
	size  int64
	quota int64
}

// MemoryStoreOption configures a MemoryStore.
type MemoryStoreOption func(*MemoryStore)

// WithMemoryQuota limits the total bytes (keys plus values) the store holds.
// Zero means unlimited.
func WithMemoryQuota(bytes int64) MemoryStoreOption {
	return func(s *MemoryStore) { s.quota = bytes }
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{data: make(map[string][]byte)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.size + int64(len(key)+len(value))
	if old, ok := s.data[key]; ok {
		next -= int64(len(key) + len(old))
	}
	if s.quota > 0 && next > s.quota {
		return QuotaExceeded(key, next, s.quota)
	}
	s.data[key] = append([]byte(nil), value...)
	s.size = next
	return nil
}

func (s *MemoryStore) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.data[key]; ok {
		s.size -= int64(len(key) + len(old))
		delete(s.data, key)
	}
	return nil
}

func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[string][]byte)
	s.size = 0
	return nil
}

func (s *MemoryStore) Keys(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Size returns the bytes currently counted against the quota.
func (s *MemoryStore) Size() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}
