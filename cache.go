// Package localfirst is the local-first data layer of the Tabkeep extension:
// a TTL cache with request coalescing and stale fallback, an offline mutation
// queue replayed when connectivity returns, a chunked stream processor for
// bulk work, and an aggregated sync status for status indicators.
//
// Example:
//
//	store, _ := localfirst.OpenSQLiteStore(ctx, "data.db")
//	conn := localfirst.NewConnectivity(localfirst.StateOnline, logger)
//	cache := localfirst.NewCache(store, localfirst.WithConnectivity(conn))
//
//	res, err := cache.GetData(ctx, "bookmarks", fetchBookmarks, localfirst.GetOptions{})
//	if res.Stale {
//	    // show the offline badge
//	}
//
//	queue, _ := localfirst.NewOfflineQueue(ctx, store, localfirst.StoreApplier{Store: store},
//	    localfirst.WithQueueConnectivity(conn))
//	queue.Start(ctx)
//	defer queue.Close()
package localfirst

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultTTL is used when GetOptions.TTL is zero.
	DefaultTTL = 5 * time.Minute

	cacheKeyPrefix = "cache:"
)

// FetchFunc loads the current value for a cache key from its source. The
// returned value must be JSON-serializable; json.RawMessage is stored as is.
type FetchFunc func(ctx context.Context) (any, error)

// GetOptions tunes one GetData call. The zero value means: default TTL, use
// the cached value when fresh, and fall back to a stale value on failure.
type GetOptions struct {
	TTL                    time.Duration
	ForceRefresh           bool
	DisableOfflineFallback bool
}

// ============================================================================
// Cache
// ============================================================================

// Cache serves values from a KeyValueStore, refetching them when they are
// missing or older than their TTL.
type Cache struct {
	store        KeyValueStore
	conn         *Connectivity
	flight       singleflight.Group
	defaultTTL   time.Duration
	fetchTimeout time.Duration
	noFallback   bool
	now          func() time.Time
	logger       *zap.Logger
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithConnectivity shares a connectivity state machine with the cache.
func WithConnectivity(conn *Connectivity) CacheOption {
	return func(c *Cache) { c.conn = conn }
}

// WithDefaultTTL replaces DefaultTTL for calls that do not set one.
func WithDefaultTTL(ttl time.Duration) CacheOption {
	return func(c *Cache) {
		if ttl > 0 {
			c.defaultTTL = ttl
		}
	}
}

// WithFetchTimeout bounds every fetch. Zero, the default, leaves fetches
// unbounded.
func WithFetchTimeout(d time.Duration) CacheOption {
	return func(c *Cache) { c.fetchTimeout = d }
}

// WithOfflineFallback turns the stale fallback on or off for every call.
// It is on by default; when off, GetOptions.DisableOfflineFallback is implied.
func WithOfflineFallback(enabled bool) CacheOption {
	return func(c *Cache) { c.noFallback = !enabled }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) CacheOption {
	return func(c *Cache) { c.now = now }
}

// WithCacheLogger sets the cache logger.
func WithCacheLogger(logger *zap.Logger) CacheOption {
	return func(c *Cache) { c.logger = logger }
}

// NewCache creates a cache over store.
func NewCache(store KeyValueStore, opts ...CacheOption) *Cache {
	c := &Cache{
		store:      store,
		defaultTTL: DefaultTTL,
		now:        time.Now,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.conn == nil {
		c.conn = NewConnectivity(StateOnline, c.logger)
	}
	return c
}

// Connectivity returns the state machine the cache reports to.
func (c *Cache) Connectivity() *Connectivity {
	return c.conn
}

// IsInOfflineMode reports whether the cache currently considers the network
// unusable, either because the platform said so or because fetches fail.
func (c *Cache) IsInOfflineMode() bool {
	return c.conn.State() != StateOnline
}

// GetData returns the value for key, calling fetch only when the cached entry
// is missing, expired or ForceRefresh is set. Concurrent calls for the same
// key share one fetch. When the fetch fails and an entry exists, the old value
// is returned with Stale set unless DisableOfflineFallback is set.
func (c *Cache) GetData(ctx context.Context, key string, fetch FetchFunc, opts GetOptions) (*Result, error) {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	entry, err := c.Peek(ctx, key)
	if err != nil {
		c.logger.Warn("unreadable cache entry, refetching", zap.String("key", key), zap.Error(err))
		entry = nil
	}

	if entry != nil && !opts.ForceRefresh && entry.IsFresh(c.now(), ttl) {
		return &Result{Value: entry.Value, FetchedAt: entry.FetchedAt, FromCache: true}, nil
	}

	fallback := entry != nil && !opts.DisableOfflineFallback && !c.noFallback
	if fallback && c.conn.State() == StateOffline {
		c.logger.Debug("offline, serving stale entry", zap.String("key", key))
		return staleResult(entry, false), nil
	}

	ch := c.flight.DoChan(key, func() (any, error) {
		return c.refresh(ctx, key, fetch, ttl)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			if fallback {
				c.logger.Info("fetch failed, serving stale entry",
					zap.String("key", key), zap.Error(res.Err))
				return staleResult(entry, res.Shared), nil
			}
			return nil, res.Err
		}
		r := *res.Val.(*Result)
		r.Shared = res.Shared
		return &r, nil
	}
}

// refresh runs the fetch shared by all callers of key. It is detached from the
// first caller's cancellation so that caller leaving does not fail the others.
func (c *Cache) refresh(ctx context.Context, key string, fetch FetchFunc, ttl time.Duration) (*Result, error) {
	fctx := context.WithoutCancel(ctx)
	if c.fetchTimeout > 0 {
		var cancel context.CancelFunc
		fctx, cancel = context.WithTimeout(fctx, c.fetchTimeout)
		defer cancel()
	}

	v, err := fetch(fctx)
	if err != nil {
		if IsNetworkError(err) {
			c.conn.Apply(TriggerFetchFailed)
			return nil, asNetworkError(err, "fetch "+key)
		}
		return nil, FetchFailed(err, "fetch "+key)
	}
	c.conn.Apply(TriggerFetchSucceeded)

	raw, err := encodeValue(v)
	if err != nil {
		return nil, fmt.Errorf("encode %q: %w", key, err)
	}

	entry := CacheEntry{
		Key:       key,
		Value:     raw,
		FetchedAt: c.now(),
		TTLMs:     ttl.Milliseconds(),
	}
	if err := SetJSON(context.WithoutCancel(ctx), c.store, cacheKeyPrefix+key, entry); err != nil {
		c.logger.Warn("failed to store fetched value",
			zap.String("key", key), zap.Bool("quota", IsQuotaExceeded(err)), zap.Error(err))
	}
	return &Result{Value: raw, FetchedAt: entry.FetchedAt}, nil
}

// Peek returns the stored entry for key without any freshness check, or nil.
func (c *Cache) Peek(ctx context.Context, key string) (*CacheEntry, error) {
	entry, ok, err := GetJSON[CacheEntry](ctx, c.store, cacheKeyPrefix+key)
	if err != nil || !ok {
		return nil, err
	}
	return &entry, nil
}

// Invalidate drops the entry for key so the next GetData fetches.
func (c *Cache) Invalidate(ctx context.Context, key string) error {
	return c.store.Remove(ctx, cacheKeyPrefix+key)
}

// Keys lists the cached keys.
func (c *Cache) Keys(ctx context.Context) ([]string, error) {
	raw, err := c.store.Keys(ctx, cacheKeyPrefix)
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(raw))
	for i, k := range raw {
		keys[i] = strings.TrimPrefix(k, cacheKeyPrefix)
	}
	return keys, nil
}

// Get is GetData for a typed fetch function.
func Get[T any](ctx context.Context, c *Cache, key string, fetch func(ctx context.Context) (T, error), opts GetOptions) (T, *Result, error) {
	var zero T
	res, err := c.GetData(ctx, key, func(ctx context.Context) (any, error) {
		return fetch(ctx)
	}, opts)
	if err != nil {
		return zero, nil, err
	}
	var v T
	if err := res.Decode(&v); err != nil {
		return zero, res, fmt.Errorf("decode %q: %w", key, err)
	}
	return v, res, nil
}

func staleResult(entry *CacheEntry, shared bool) *Result {
	return &Result{
		Value:     entry.Value,
		FetchedAt: entry.FetchedAt,
		FromCache: true,
		Stale:     true,
		Shared:    shared,
	}
}

func encodeValue(v any) (json.RawMessage, error) {
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}
