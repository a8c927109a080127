package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// CacheNamespace separates chunk-text embeddings from query-text embeddings
// so the two key spaces never collide.
type CacheNamespace string

const (
	NamespaceChunk CacheNamespace = "chunk"
	NamespaceQuery CacheNamespace = "query"
)

// EmbeddingCache memoizes text-to-vector computations, keyed by content hash.
// The cache is advisory: a miss (or any backend failure, surfaced as a miss)
// falls through to live embedding computation. Implementations must be safe
// for concurrent use.
type EmbeddingCache interface {
	// Get returns the cached vector for the text hash, or ok=false on miss.
	Get(ctx context.Context, ns CacheNamespace, textHash string) (vector []float64, ok bool)

	// Put stores a vector. Failures are swallowed; the cache never breaks
	// correctness.
	Put(ctx context.Context, ns CacheNamespace, textHash string, vector []float64)
}

// MemoryEmbeddingCache is an in-process EmbeddingCache with a hard entry cap.
// Eviction is coarse: when full, the map is reset rather than tracking LRU
// order, keeping reads lock-cheap.
type MemoryEmbeddingCache struct {
	mu         sync.RWMutex
	entries    map[string][]float64
	maxEntries int
}

// NewMemoryEmbeddingCache creates an in-process cache holding up to
// maxEntries vectors (0 means 100k).
func NewMemoryEmbeddingCache(maxEntries int) *MemoryEmbeddingCache {
	if maxEntries <= 0 {
		maxEntries = 100_000
	}
	return &MemoryEmbeddingCache{
		entries:    make(map[string][]float64),
		maxEntries: maxEntries,
	}
}

func cacheKey(ns CacheNamespace, textHash string) string {
	return string(ns) + ":" + textHash
}

func (c *MemoryEmbeddingCache) Get(_ context.Context, ns CacheNamespace, textHash string) ([]float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	vec, ok := c.entries[cacheKey(ns, textHash)]
	return vec, ok
}

func (c *MemoryEmbeddingCache) Put(_ context.Context, ns CacheNamespace, textHash string, vector []float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= c.maxEntries {
		c.entries = make(map[string][]float64)
	}
	c.entries[cacheKey(ns, textHash)] = vector
}

// RedisEmbeddingCacheConfig configures the Redis-backed cache.
type RedisEmbeddingCacheConfig struct {
	Addr      string        `yaml:"addr" json:"addr"`
	Password  string        `yaml:"password" json:"password"`
	DB        int           `yaml:"db" json:"db"`
	KeyPrefix string        `yaml:"key_prefix" json:"key_prefix"`
	TTL       time.Duration `yaml:"ttl" json:"ttl"`
	PoolSize  int           `yaml:"pool_size" json:"pool_size"`
}

// DefaultRedisEmbeddingCacheConfig returns production defaults.
func DefaultRedisEmbeddingCacheConfig() RedisEmbeddingCacheConfig {
	return RedisEmbeddingCacheConfig{
		Addr:      "localhost:6379",
		KeyPrefix: "evidenceflow:embed",
		TTL:       7 * 24 * time.Hour,
		PoolSize:  10,
	}
}

// RedisEmbeddingCache stores vectors in Redis so embeddings survive process
// restarts and are shared across instances.
type RedisEmbeddingCache struct {
	client *redis.Client
	cfg    RedisEmbeddingCacheConfig
	logger *zap.Logger
}

// NewRedisEmbeddingCache connects to Redis and verifies the connection.
func NewRedisEmbeddingCache(cfg RedisEmbeddingCacheConfig, logger *zap.Logger) (*RedisEmbeddingCache, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "evidenceflow:embed"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisEmbeddingCache{
		client: client,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "embedding_cache")),
	}, nil
}

func (c *RedisEmbeddingCache) key(ns CacheNamespace, textHash string) string {
	return c.cfg.KeyPrefix + ":" + string(ns) + ":" + textHash
}

// Get returns the cached vector. Backend errors degrade to a miss.
func (c *RedisEmbeddingCache) Get(ctx context.Context, ns CacheNamespace, textHash string) ([]float64, bool) {
	val, err := c.client.Get(ctx, c.key(ns, textHash)).Result()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		c.logger.Warn("cache get failed, treating as miss", zap.Error(err))
		return nil, false
	}

	var vec []float64
	if err := json.Unmarshal([]byte(val), &vec); err != nil {
		c.logger.Warn("cache entry corrupt, treating as miss", zap.Error(err))
		return nil, false
	}
	return vec, true
}

// Put stores a vector with the configured TTL. Failures are logged only.
func (c *RedisEmbeddingCache) Put(ctx context.Context, ns CacheNamespace, textHash string, vector []float64) {
	data, err := json.Marshal(vector)
	if err != nil {
		c.logger.Warn("cache put marshal failed", zap.Error(err))
		return
	}
	if err := c.client.Set(ctx, c.key(ns, textHash), data, c.cfg.TTL).Err(); err != nil {
		c.logger.Warn("cache put failed", zap.Error(err))
	}
}

// Close releases the Redis connection.
func (c *RedisEmbeddingCache) Close() error {
	return c.client.Close()
}
