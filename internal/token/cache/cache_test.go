package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryGetSetDel(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	ctx := context.Background()

	_, ok, err := m.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, m.Set(ctx, "k", "v", 0))

	val, ok, err := m.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", val)

	require.NoError(t, m.Del(ctx, "k"))

	_, ok, err = m.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemoryEntriesExpire(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	ctx := context.Background()

	now := time.Now()
	m.SetClock(func() time.Time { return now })

	require.NoError(t, m.Set(ctx, "k", "v", time.Minute))

	_, ok, _ := m.Get(ctx, "k")
	require.True(t, ok)

	now = now.Add(2 * time.Minute)

	_, ok, _ = m.Get(ctx, "k")
	require.False(t, ok)
}

func TestMemoryIncrWindows(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	ctx := context.Background()

	now := time.Now()
	m.SetClock(func() time.Time { return now })

	for want := int64(1); want <= 3; want++ {
		count, err := m.Incr(ctx, "bucket", time.Minute)
		require.NoError(t, err)
		require.Equal(t, want, count)
	}

	// Window elapses, the counter restarts.
	now = now.Add(2 * time.Minute)

	count, err := m.Incr(ctx, "bucket", time.Minute)
	require.NoError(t, err)
	require.Equal(t, int64(1), count)
}
