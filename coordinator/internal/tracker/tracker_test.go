package tracker

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runStoreContract(t *testing.T, s Store) {
	ctx := context.Background()
	session := uuid.New().String()

	t.Run("set once", func(t *testing.T) {
		first, err := s.SetOnce(ctx, StartedKey(session))
		require.NoError(t, err)
		assert.True(t, first)

		again, err := s.SetOnce(ctx, StartedKey(session))
		require.NoError(t, err)
		assert.False(t, again)
	})

	t.Run("concurrent set once has one winner", func(t *testing.T) {
		key := AnnouncedKey(session)
		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 32; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := s.SetOnce(ctx, key)
				if err == nil && ok {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})

	t.Run("ints", func(t *testing.T) {
		_, ok, err := s.GetInt(ctx, ActiveTodoKey(session))
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, s.SetInt(ctx, ActiveTodoKey(session), -1))
		v, ok, err := s.GetInt(ctx, ActiveTodoKey(session))
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, -1, v)

		require.NoError(t, s.SetInt(ctx, ActiveTodoKey(session), 3))
		v, _, _ = s.GetInt(ctx, ActiveTodoKey(session))
		assert.Equal(t, 3, v)
	})

	t.Run("delete forgets keys", func(t *testing.T) {
		require.NoError(t, s.Delete(ctx, SessionKeys(session)...))

		first, err := s.SetOnce(ctx, StartedKey(session))
		require.NoError(t, err)
		assert.True(t, first)
		_, ok, err := s.GetInt(ctx, ActiveTodoKey(session))
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, s.Delete(ctx))
	})
}

func TestMemoryStore(t *testing.T) {
	m, err := NewMemory(0)
	require.NoError(t, err)
	runStoreContract(t, m)
}

func TestMemoryStoreIsBounded(t *testing.T) {
	ctx := context.Background()
	m, err := NewMemory(2)
	require.NoError(t, err)

	for _, k := range []string{"a", "b", "c"} {
		ok, err := m.SetOnce(ctx, k)
		require.NoError(t, err)
		require.True(t, ok)
	}
	assert.Equal(t, 2, m.Len())

	// "a" was evicted and can be set again.
	ok, err := m.SetOnce(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("TRACKER_REDIS_ADDR")
	if addr == "" {
		t.Skip("TRACKER_REDIS_ADDR not set, skipping redis tracker test")
	}
	r, err := DialRedis(context.Background(), addr, os.Getenv("TRACKER_REDIS_PASSWORD"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	runStoreContract(t, r)
}

func TestSessionKeysAreDistinct(t *testing.T) {
	seen := map[string]bool{}
	for _, k := range SessionKeys("s1") {
		assert.False(t, seen[k], "duplicate key %s", k)
		seen[k] = true
	}
	assert.NotContains(t, seen, StartedKey("s2"))
}
