package localfirst

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmgilman/go/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// countingFetch returns values in order and counts calls. Once the values run
// out it fails with err.
type countingFetch struct {
	calls  atomic.Int32
	values []any
	err    error
}

func (f *countingFetch) Fetch(ctx context.Context) (any, error) {
	n := int(f.calls.Add(1))
	if n <= len(f.values) {
		return f.values[n-1], nil
	}
	return nil, f.err
}

func newTestCache(t *testing.T, opts ...CacheOption) (*Cache, *fakeClock, *MemoryStore) {
	t.Helper()
	clock := newFakeClock()
	store := NewMemoryStore()
	c := NewCache(store, append([]CacheOption{WithClock(clock.Now)}, opts...)...)
	return c, clock, store
}

func decodeString(t *testing.T, r *Result) string {
	t.Helper()
	var s string
	require.NoError(t, r.Decode(&s))
	return s
}

// ============================================================================
// GetData
// ============================================================================

func TestGetDataFreshness(t *testing.T) {
	ctx := context.Background()

	t.Run("miss fetches and stores", func(t *testing.T) {
		c, clock, _ := newTestCache(t)
		f := &countingFetch{values: []any{"v1"}}

		res, err := c.GetData(ctx, "k", f.Fetch, GetOptions{})
		require.NoError(t, err)
		assert.Equal(t, "v1", decodeString(t, res))
		assert.False(t, res.FromCache)
		assert.False(t, res.Stale)
		assert.Equal(t, clock.Now(), res.FetchedAt)

		entry, err := c.Peek(ctx, "k")
		require.NoError(t, err)
		require.NotNil(t, entry)
		assert.Equal(t, DefaultTTL, entry.TTL())
	})

	t.Run("served from cache within ttl and refetched after", func(t *testing.T) {
		c, clock, _ := newTestCache(t)
		f := &countingFetch{values: []any{"v1", "v2"}}
		opts := GetOptions{TTL: time.Minute}

		_, err := c.GetData(ctx, "k", f.Fetch, opts)
		require.NoError(t, err)

		clock.Advance(time.Minute)
		res, err := c.GetData(ctx, "k", f.Fetch, opts)
		require.NoError(t, err)
		assert.True(t, res.FromCache)
		assert.Equal(t, "v1", decodeString(t, res))
		assert.EqualValues(t, 1, f.calls.Load())

		clock.Advance(time.Millisecond)
		res, err = c.GetData(ctx, "k", f.Fetch, opts)
		require.NoError(t, err)
		assert.False(t, res.FromCache)
		assert.Equal(t, "v2", decodeString(t, res))
		assert.EqualValues(t, 2, f.calls.Load())
	})

	t.Run("force refresh ignores a fresh entry", func(t *testing.T) {
		c, _, _ := newTestCache(t)
		f := &countingFetch{values: []any{"v1", "v2"}}

		_, err := c.GetData(ctx, "k", f.Fetch, GetOptions{})
		require.NoError(t, err)
		res, err := c.GetData(ctx, "k", f.Fetch, GetOptions{ForceRefresh: true})
		require.NoError(t, err)
		assert.Equal(t, "v2", decodeString(t, res))
	})

	t.Run("entry fetched in the future is not fresh", func(t *testing.T) {
		c, clock, store := newTestCache(t)
		require.NoError(t, SetJSON(ctx, store, cacheKeyPrefix+"k", CacheEntry{
			Key:       "k",
			Value:     []byte(`"skewed"`),
			FetchedAt: clock.Now().Add(time.Hour),
		}))
		f := &countingFetch{values: []any{"v1"}}

		res, err := c.GetData(ctx, "k", f.Fetch, GetOptions{})
		require.NoError(t, err)
		assert.Equal(t, "v1", decodeString(t, res))
	})

	t.Run("unreadable entry is refetched", func(t *testing.T) {
		c, _, store := newTestCache(t)
		require.NoError(t, store.Set(ctx, cacheKeyPrefix+"k", []byte(`not json`)))
		f := &countingFetch{values: []any{"v1"}}

		res, err := c.GetData(ctx, "k", f.Fetch, GetOptions{})
		require.NoError(t, err)
		assert.Equal(t, "v1", decodeString(t, res))
	})
}

func TestGetDataFallback(t *testing.T) {
	ctx := context.Background()

	t.Run("failed refetch serves the stale value", func(t *testing.T) {
		c, clock, _ := newTestCache(t)
		f := &countingFetch{values: []any{"old"}, err: ErrNetworkUnavailable}

		_, err := c.GetData(ctx, "k", f.Fetch, GetOptions{TTL: time.Minute})
		require.NoError(t, err)
		clock.Advance(2 * time.Minute)

		res, err := c.GetData(ctx, "k", f.Fetch, GetOptions{TTL: time.Minute})
		require.NoError(t, err)
		assert.Equal(t, "old", decodeString(t, res))
		assert.True(t, res.Stale)
		assert.True(t, res.FromCache)
		assert.True(t, c.IsInOfflineMode())
		assert.Equal(t, StateDegraded, c.Connectivity().State())
	})

	t.Run("fallback disabled returns the error", func(t *testing.T) {
		c, clock, _ := newTestCache(t)
		f := &countingFetch{values: []any{"old"}, err: ErrNetworkUnavailable}

		_, err := c.GetData(ctx, "k", f.Fetch, GetOptions{TTL: time.Minute})
		require.NoError(t, err)
		clock.Advance(2 * time.Minute)

		_, err = c.GetData(ctx, "k", f.Fetch, GetOptions{TTL: time.Minute, DisableOfflineFallback: true})
		require.Error(t, err)
		assert.True(t, IsNetworkError(err))
		assert.True(t, errors.IsRetryable(err))
	})

	t.Run("fallback disabled for the whole cache", func(t *testing.T) {
		conn := NewConnectivity(StateOnline, nil)
		c, clock, _ := newTestCache(t, WithConnectivity(conn), WithOfflineFallback(false))
		f := &countingFetch{values: []any{"old"}, err: ErrNetworkUnavailable}

		_, err := c.GetData(ctx, "k", f.Fetch, GetOptions{TTL: time.Minute})
		require.NoError(t, err)
		clock.Advance(2 * time.Minute)

		_, err = c.GetData(ctx, "k", f.Fetch, GetOptions{TTL: time.Minute})
		require.Error(t, err)
		assert.True(t, IsNetworkError(err))

		conn.SetOnline(false)
		_, err = c.GetData(ctx, "k", f.Fetch, GetOptions{TTL: time.Minute})
		require.Error(t, err, "offline does not serve stale either")
		assert.EqualValues(t, 3, f.calls.Load())
	})

	t.Run("no entry returns the error", func(t *testing.T) {
		c, _, _ := newTestCache(t)
		f := &countingFetch{err: stderrors.New("HTTP 404")}

		_, err := c.GetData(ctx, "k", f.Fetch, GetOptions{})
		require.Error(t, err)
		assert.Equal(t, CodeFetchFailed, errors.GetCode(err))
		assert.False(t, IsNetworkError(err))
		assert.False(t, c.IsInOfflineMode(), "a remote failure is not a connectivity failure")
	})

	t.Run("offline serves stale without fetching", func(t *testing.T) {
		conn := NewConnectivity(StateOnline, nil)
		c, clock, _ := newTestCache(t, WithConnectivity(conn))
		f := &countingFetch{values: []any{"old", "new"}}

		_, err := c.GetData(ctx, "k", f.Fetch, GetOptions{TTL: time.Minute})
		require.NoError(t, err)
		clock.Advance(2 * time.Minute)
		conn.SetOnline(false)

		res, err := c.GetData(ctx, "k", f.Fetch, GetOptions{TTL: time.Minute})
		require.NoError(t, err)
		assert.True(t, res.Stale)
		assert.Equal(t, "old", decodeString(t, res))
		assert.EqualValues(t, 1, f.calls.Load())

		conn.SetOnline(true)
		res, err = c.GetData(ctx, "k", f.Fetch, GetOptions{TTL: time.Minute})
		require.NoError(t, err)
		assert.Equal(t, "new", decodeString(t, res))
	})

	t.Run("successful fetch restores online", func(t *testing.T) {
		conn := NewConnectivity(StateDegraded, nil)
		c, _, _ := newTestCache(t, WithConnectivity(conn))
		f := &countingFetch{values: []any{"v"}}

		_, err := c.GetData(ctx, "k", f.Fetch, GetOptions{})
		require.NoError(t, err)
		assert.Equal(t, StateOnline, conn.State())
	})

	t.Run("store failure still returns the fetched value", func(t *testing.T) {
		store := NewMemoryStore(WithMemoryQuota(8))
		c := NewCache(store)
		f := &countingFetch{values: []any{"a value larger than the quota"}}

		res, err := c.GetData(ctx, "k", f.Fetch, GetOptions{})
		require.NoError(t, err)
		assert.Equal(t, "a value larger than the quota", decodeString(t, res))

		entry, err := c.Peek(ctx, "k")
		require.NoError(t, err)
		assert.Nil(t, entry)
	})
}

// ============================================================================
// Coalescing and cancellation
// ============================================================================

func TestGetDataCoalesces(t *testing.T) {
	c, _, _ := newTestCache(t)

	var calls atomic.Int32
	release := make(chan struct{})
	fetch := func(ctx context.Context) (any, error) {
		calls.Add(1)
		<-release
		return "shared", nil
	}

	const callers = 10
	var wg sync.WaitGroup
	results := make([]*Result, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = c.GetData(context.Background(), "k", fetch, GetOptions{})
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, calls.Load())
	shared := 0
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "shared", decodeString(t, results[i]))
		if results[i].Shared {
			shared++
		}
	}
	assert.Equal(t, callers, shared)
}

func TestGetDataCallerCancel(t *testing.T) {
	c, _, _ := newTestCache(t)

	started := make(chan struct{})
	release := make(chan struct{})
	var fetchErr atomic.Value
	fetch := func(ctx context.Context) (any, error) {
		select {
		case <-started:
		default:
			close(started)
		}
		<-release
		if ctx.Err() != nil {
			fetchErr.Store(ctx.Err())
		}
		return "v", nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := c.GetData(ctx, "k", fetch, GetOptions{})
		firstErr <- err
	}()
	<-started

	second := make(chan *Result, 1)
	go func() {
		res, err := c.GetData(context.Background(), "k", fetch, GetOptions{})
		assert.NoError(t, err)
		second <- res
	}()

	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	close(release)
	res := <-second
	require.NotNil(t, res)
	assert.Equal(t, "v", decodeString(t, res))
	assert.Nil(t, fetchErr.Load(), "shared fetch must not see the first caller's cancellation")
}

func TestGetDataFetchTimeout(t *testing.T) {
	c, _, _ := newTestCache(t, WithFetchTimeout(20*time.Millisecond))

	fetch := func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	_, err := c.GetData(context.Background(), "k", fetch, GetOptions{})
	require.Error(t, err)
	assert.True(t, IsNetworkError(err))
	assert.Equal(t, StateDegraded, c.Connectivity().State())
}

// ============================================================================
// Helpers around GetData
// ============================================================================

func TestTypedGet(t *testing.T) {
	type bookmark struct {
		URL   string `json:"url"`
		Title string `json:"title"`
	}
	c, _, _ := newTestCache(t)

	want := []bookmark{{URL: "https://go.dev", Title: "Go"}}
	got, res, err := Get(context.Background(), c, "bookmarks", func(ctx context.Context) ([]bookmark, error) {
		return want, nil
	}, GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.False(t, res.FromCache)

	got, res, err = Get(context.Background(), c, "bookmarks", func(ctx context.Context) ([]bookmark, error) {
		t.Error("fresh entry must not be refetched")
		return nil, nil
	}, GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.True(t, res.FromCache)
}

func TestInvalidateAndKeys(t *testing.T) {
	ctx := context.Background()
	c, _, store := newTestCache(t)
	f := &countingFetch{values: []any{1, 2, 3}}

	_, err := c.GetData(ctx, "a", f.Fetch, GetOptions{})
	require.NoError(t, err)
	_, err = c.GetData(ctx, "b", f.Fetch, GetOptions{})
	require.NoError(t, err)
	require.NoError(t, store.Set(ctx, "other", []byte(`1`)))

	keys, err := c.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, keys)

	require.NoError(t, c.Invalidate(ctx, "a"))
	res, err := c.GetData(ctx, "a", f.Fetch, GetOptions{})
	require.NoError(t, err)
	assert.JSONEq(t, `3`, string(res.Value))
}
