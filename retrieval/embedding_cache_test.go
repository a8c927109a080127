package retrieval

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryEmbeddingCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryEmbeddingCache(10)

	hash := HashText("some chunk text")
	_, ok := cache.Get(ctx, NamespaceChunk, hash)
	assert.False(t, ok)

	cache.Put(ctx, NamespaceChunk, hash, []float64{0.1, 0.2})
	vec, ok := cache.Get(ctx, NamespaceChunk, hash)
	require.True(t, ok)
	assert.Equal(t, []float64{0.1, 0.2}, vec)
}

func TestMemoryEmbeddingCacheNamespacesDoNotCollide(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryEmbeddingCache(10)
	hash := HashText("same text")

	cache.Put(ctx, NamespaceChunk, hash, []float64{1})
	_, ok := cache.Get(ctx, NamespaceQuery, hash)
	assert.False(t, ok)
}

func TestMemoryEmbeddingCacheEvictsWhenFull(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryEmbeddingCache(2)

	cache.Put(ctx, NamespaceChunk, "h1", []float64{1})
	cache.Put(ctx, NamespaceChunk, "h2", []float64{2})
	cache.Put(ctx, NamespaceChunk, "h3", []float64{3})

	vec, ok := cache.Get(ctx, NamespaceChunk, "h3")
	require.True(t, ok)
	assert.Equal(t, []float64{3}, vec)
}

func newTestRedisCache(t *testing.T) (*RedisEmbeddingCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	cache, err := NewRedisEmbeddingCache(RedisEmbeddingCacheConfig{
		Addr: mr.Addr(),
		TTL:  time.Hour,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })
	return cache, mr
}

func TestRedisEmbeddingCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	cache, _ := newTestRedisCache(t)

	hash := HashText("chunk body")
	_, ok := cache.Get(ctx, NamespaceChunk, hash)
	assert.False(t, ok)

	cache.Put(ctx, NamespaceChunk, hash, []float64{0.25, -0.5})
	vec, ok := cache.Get(ctx, NamespaceChunk, hash)
	require.True(t, ok)
	assert.Equal(t, []float64{0.25, -0.5}, vec)
}

func TestRedisEmbeddingCacheBackendFailureIsMiss(t *testing.T) {
	ctx := context.Background()
	cache, mr := newTestRedisCache(t)

	hash := HashText("text")
	cache.Put(ctx, NamespaceQuery, hash, []float64{1})

	mr.Close()

	// Cache is advisory: a dead backend degrades to a miss, no panic, no
	// error surfaced.
	_, ok := cache.Get(ctx, NamespaceQuery, hash)
	assert.False(t, ok)
	cache.Put(ctx, NamespaceQuery, hash, []float64{2})
}

func TestRedisEmbeddingCacheCorruptEntryIsMiss(t *testing.T) {
	ctx := context.Background()
	cache, mr := newTestRedisCache(t)

	hash := HashText("payload")
	require.NoError(t, mr.Set("evidenceflow:embed:chunk:"+hash, "not-json"))

	_, ok := cache.Get(ctx, NamespaceChunk, hash)
	assert.False(t, ok)
}
