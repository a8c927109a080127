package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// CheckpointStore persists the latest TurnState per thread. The engine reads
// once at turn entry and writes once at turn exit; there are no partial
// writes mid-graph. Failures are never silently retried.
type CheckpointStore interface {
	// Load returns the latest snapshot for the thread, ok=false when the
	// thread has no history.
	Load(ctx context.Context, threadID string) (TurnState, bool, error)

	// Save replaces the thread's snapshot.
	Save(ctx context.Context, threadID string, state TurnState) error
}

// MemoryCheckpointStore keeps snapshots in process memory. Suitable for
// tests and single-instance deployments without durability needs.
type MemoryCheckpointStore struct {
	mu    sync.RWMutex
	state map[string]TurnState
}

// NewMemoryCheckpointStore creates an empty in-memory store.
func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{state: make(map[string]TurnState)}
}

func (s *MemoryCheckpointStore) Load(_ context.Context, threadID string) (TurnState, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.state[threadID]
	if !ok {
		return TurnState{}, false, nil
	}
	return st.Clone(), true, nil
}

func (s *MemoryCheckpointStore) Save(_ context.Context, threadID string, state TurnState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state[threadID] = state.Clone()
	return nil
}

// RedisCheckpointConfig configures the Redis-backed store.
type RedisCheckpointConfig struct {
	Addr      string        `yaml:"addr" json:"addr"`
	Password  string        `yaml:"password" json:"password"`
	DB        int           `yaml:"db" json:"db"`
	KeyPrefix string        `yaml:"key_prefix" json:"key_prefix"`
	TTL       time.Duration `yaml:"ttl" json:"ttl"` // 0 means no expiry
}

// RedisCheckpointStore persists snapshots in Redis as JSON, one key per
// thread.
type RedisCheckpointStore struct {
	client *redis.Client
	cfg    RedisCheckpointConfig
	logger *zap.Logger
}

// NewRedisCheckpointStore connects to Redis and verifies the connection.
func NewRedisCheckpointStore(cfg RedisCheckpointConfig, logger *zap.Logger) (*RedisCheckpointStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "evidenceflow:checkpoint"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisCheckpointStore{
		client: client,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "checkpoint_store")),
	}, nil
}

func (s *RedisCheckpointStore) key(threadID string) string {
	return s.cfg.KeyPrefix + ":" + threadID
}

func (s *RedisCheckpointStore) Load(ctx context.Context, threadID string) (TurnState, bool, error) {
	val, err := s.client.Get(ctx, s.key(threadID)).Result()
	if err == redis.Nil {
		return TurnState{}, false, nil
	}
	if err != nil {
		return TurnState{}, false, fmt.Errorf("load checkpoint: %w", err)
	}

	var state TurnState
	if err := json.Unmarshal([]byte(val), &state); err != nil {
		return TurnState{}, false, fmt.Errorf("decode checkpoint: %w", err)
	}
	return state, true, nil
}

func (s *RedisCheckpointStore) Save(ctx context.Context, threadID string, state TurnState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if err := s.client.Set(ctx, s.key(threadID), data, s.cfg.TTL).Err(); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// Close releases the Redis connection.
func (s *RedisCheckpointStore) Close() error {
	return s.client.Close()
}
