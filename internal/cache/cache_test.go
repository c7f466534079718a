package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCache_GetSet(t *testing.T) {
	c := NewMemoryCache(1024, 10, time.Minute)
	ctx := context.Background()
	key := ChunkKey{Address: "abc", Offset: 3}

	_, ok := c.Get(ctx, key)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, key, []byte("chunk")))
	data, ok := c.Get(ctx, key)
	require.True(t, ok)
	assert.Equal(t, []byte("chunk"), data)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(5), stats.Size)
	assert.Equal(t, 1, stats.Items)
}

func TestMemoryCache_Expiration(t *testing.T) {
	c := NewMemoryCache(1024, 10, 20*time.Millisecond)
	ctx := context.Background()
	key := ChunkKey{Address: "abc"}

	require.NoError(t, c.Set(ctx, key, []byte("data")))
	time.Sleep(40 * time.Millisecond)

	_, ok := c.Get(ctx, key)
	assert.False(t, ok)
	assert.Equal(t, 0, c.Stats().Items)
}

func TestMemoryCache_Eviction(t *testing.T) {
	tests := []struct {
		name     string
		maxSize  int64
		maxItems int
		evicted  []int64
		kept     []int64
	}{
		{name: "by size", maxSize: 10, maxItems: 100, evicted: []int64{0}, kept: []int64{1, 2}},
		{name: "by count", maxSize: 100, maxItems: 2, evicted: []int64{0}, kept: []int64{1, 2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewMemoryCache(tt.maxSize, tt.maxItems, time.Minute)
			ctx := context.Background()
			for i := int64(0); i < 3; i++ {
				require.NoError(t, c.Set(ctx, ChunkKey{Address: "a", Offset: i}, []byte("12345")))
			}
			for _, i := range tt.evicted {
				_, ok := c.Get(ctx, ChunkKey{Address: "a", Offset: i})
				assert.False(t, ok, "chunk %d", i)
			}
			for _, i := range tt.kept {
				_, ok := c.Get(ctx, ChunkKey{Address: "a", Offset: i})
				assert.True(t, ok, "chunk %d", i)
			}
			assert.Equal(t, int64(1), c.Stats().Evictions)
		})
	}
}

func TestMemoryCache_LRUOrder(t *testing.T) {
	c := NewMemoryCache(100, 2, time.Minute)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, ChunkKey{Address: "a", Offset: 0}, []byte("x")))
	require.NoError(t, c.Set(ctx, ChunkKey{Address: "a", Offset: 1}, []byte("y")))
	_, _ = c.Get(ctx, ChunkKey{Address: "a", Offset: 0})
	require.NoError(t, c.Set(ctx, ChunkKey{Address: "a", Offset: 2}, []byte("z")))

	_, ok := c.Get(ctx, ChunkKey{Address: "a", Offset: 0})
	assert.True(t, ok)
	_, ok = c.Get(ctx, ChunkKey{Address: "a", Offset: 1})
	assert.False(t, ok)
}

func TestMemoryCache_Invalidate(t *testing.T) {
	c := NewMemoryCache(100, 10, time.Minute)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, ChunkKey{Address: "a", Offset: 0}, []byte("x")))
	require.NoError(t, c.Set(ctx, ChunkKey{Address: "a", Offset: 1}, []byte("y")))
	require.NoError(t, c.Set(ctx, ChunkKey{Address: "b", Offset: 0}, []byte("z")))

	require.NoError(t, c.Invalidate(ctx, "a"))
	assert.Equal(t, 1, c.Stats().Items)
	_, ok := c.Get(ctx, ChunkKey{Address: "b", Offset: 0})
	assert.True(t, ok)
}

func TestMemoryCache_TooLarge(t *testing.T) {
	c := NewMemoryCache(4, 10, time.Minute)
	assert.Error(t, c.Set(context.Background(), ChunkKey{Address: "a"}, []byte("12345")))
}
