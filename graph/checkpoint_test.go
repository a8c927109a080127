package graph

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleState() TurnState {
	return TurnState{
		UserID:              "u1",
		ThreadID:            "t1",
		UserQuery:           "latest question",
		ConversationSummary: "summary so far",
		RecentMessages: []Message{
			{Role: "user", Text: "q1"},
			{Role: "assistant", Text: "a1"},
		},
		Response: "a1",
	}
}

func TestMemoryCheckpointRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryCheckpointStore()

	_, ok, err := store.Load(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Save(ctx, "t1", sampleState()))

	got, ok, err := store.Load(ctx, "t1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "summary so far", got.ConversationSummary)
	assert.Len(t, got.RecentMessages, 2)
}

func TestMemoryCheckpointSnapshotsDoNotAlias(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryCheckpointStore()

	state := sampleState()
	require.NoError(t, store.Save(ctx, "t1", state))

	// Mutating the caller's copy must not change the stored snapshot.
	state.RecentMessages[0].Text = "mutated"

	got, _, err := store.Load(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "q1", got.RecentMessages[0].Text)
}

func TestRedisCheckpointRoundTrip(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	store, err := NewRedisCheckpointStore(RedisCheckpointConfig{Addr: mr.Addr()}, nil)
	require.NoError(t, err)
	defer store.Close()

	_, ok, err := store.Load(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Save(ctx, "t1", sampleState()))

	got, ok, err := store.Load(ctx, "t1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "latest question", got.UserQuery)
	assert.Equal(t, "a1", got.Response)
}

func TestRedisCheckpointBackendFailureSurfaces(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	store, err := NewRedisCheckpointStore(RedisCheckpointConfig{Addr: mr.Addr()}, nil)
	require.NoError(t, err)
	defer store.Close()

	mr.Close()

	// Checkpoint failures are never swallowed.
	_, _, err = store.Load(ctx, "t1")
	assert.Error(t, err)
	assert.Error(t, store.Save(ctx, "t1", sampleState()))
}

func TestRedisCheckpointKeysAreThreadScoped(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	store, err := NewRedisCheckpointStore(RedisCheckpointConfig{Addr: mr.Addr()}, nil)
	require.NoError(t, err)
	defer store.Close()

	a := sampleState()
	a.Response = "answer A"
	b := sampleState()
	b.Response = "answer B"

	require.NoError(t, store.Save(ctx, "thread-a", a))
	require.NoError(t, store.Save(ctx, "thread-b", b))

	got, _, err := store.Load(ctx, "thread-a")
	require.NoError(t, err)
	assert.Equal(t, "answer A", got.Response)
}
