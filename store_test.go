package localfirst

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

type storeFactory func(t *testing.T, quota int64) KeyValueStore

func storeFactories() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T, quota int64) KeyValueStore {
			return NewMemoryStore(WithMemoryQuota(quota))
		},
		"sqlite": func(t *testing.T, quota int64) KeyValueStore {
			t.Helper()
			s, err := OpenSQLiteStore(context.Background(),
				filepath.Join(t.TempDir(), "kv.db"), WithSQLiteQuota(quota))
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
}

// ============================================================================
// KeyValueStore
// ============================================================================

func TestKeyValueStore(t *testing.T) {
	ctx := context.Background()

	for name, open := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			t.Run("missing key returns nil", func(t *testing.T) {
				s := open(t, 0)
				v, err := s.Get(ctx, "nope")
				require.NoError(t, err)
				assert.Nil(t, v)
			})

			t.Run("set get overwrite remove", func(t *testing.T) {
				s := open(t, 0)
				require.NoError(t, s.Set(ctx, "a", []byte(`1`)))
				require.NoError(t, s.Set(ctx, "a", []byte(`2`)))

				v, err := s.Get(ctx, "a")
				require.NoError(t, err)
				assert.Equal(t, `2`, string(v))

				require.NoError(t, s.Remove(ctx, "a"))
				require.NoError(t, s.Remove(ctx, "a"))
				v, err = s.Get(ctx, "a")
				require.NoError(t, err)
				assert.Nil(t, v)
			})

			t.Run("keys by prefix in order", func(t *testing.T) {
				s := open(t, 0)
				for _, k := range []string{"cache:b", "queue", "cache:a", "cachex"} {
					require.NoError(t, s.Set(ctx, k, []byte(`{}`)))
				}
				keys, err := s.Keys(ctx, "cache:")
				require.NoError(t, err)
				assert.Equal(t, []string{"cache:a", "cache:b"}, keys)
			})

			t.Run("clear", func(t *testing.T) {
				s := open(t, 0)
				require.NoError(t, s.Set(ctx, "a", []byte(`1`)))
				require.NoError(t, s.Clear(ctx))
				keys, err := s.Keys(ctx, "")
				require.NoError(t, err)
				assert.Empty(t, keys)
			})

			t.Run("quota exceeded", func(t *testing.T) {
				s := open(t, 16)
				require.NoError(t, s.Set(ctx, "k", []byte(`"0123456789"`)))

				err := s.Set(ctx, "k2", []byte(`"0123456789"`))
				require.Error(t, err)
				assert.True(t, IsQuotaExceeded(err))

				v, err := s.Get(ctx, "k2")
				require.NoError(t, err)
				assert.Nil(t, v, "rejected write must not be stored")

				// Replacing a value counts only the difference.
				require.NoError(t, s.Set(ctx, "k", []byte(`"abcdefghij"`)))
			})

			t.Run("non-ascii keys", func(t *testing.T) {
				s := open(t, 0)
				for _, k := range []string{"café:1", "café:2", "cafe:3", "caf"} {
					require.NoError(t, s.Set(ctx, k, []byte(`{}`)))
				}
				keys, err := s.Keys(ctx, "café:")
				require.NoError(t, err)
				assert.Equal(t, []string{"café:1", "café:2"}, keys)
			})

			t.Run("quota counts key bytes", func(t *testing.T) {
				s := open(t, 16)
				// "éé" is four bytes.
				require.NoError(t, s.Set(ctx, "éé", []byte(`"0123456789"`)))

				err := s.Set(ctx, "x", []byte(`1`))
				assert.True(t, IsQuotaExceeded(err))
			})
		})
	}
}

func TestSQLiteStorePersists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "kv.db")

	s, err := OpenSQLiteStore(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, "a", []byte(`"kept"`)))
	require.NoError(t, s.Close())

	s, err = OpenSQLiteStore(ctx, path)
	require.NoError(t, err)
	defer s.Close()

	v, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, `"kept"`, string(v))
}

func TestJSONHelpers(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, ok, err := GetJSON[map[string]int](ctx, s, "m")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, SetJSON(ctx, s, "m", map[string]int{"x": 1}))
	m, ok, err := GetJSON[map[string]int](ctx, s, "m")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, m["x"])

	require.NoError(t, s.Set(ctx, "bad", []byte(`{`)))
	_, _, err = GetJSON[map[string]int](ctx, s, "bad")
	assert.Error(t, err)
}
