package graph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecomposeParsesJSONArray(t *testing.T) {
	fast := &fakeGenerator{output: `["what is X", "how does X relate to Y"]`}
	d := NewDecomposer(fast, 5, nil)

	tasks := d.Decompose(context.Background(), TurnState{UserQuery: "what is X and how does it relate to Y"})
	require.Len(t, tasks, 2)
	assert.Equal(t, "what is X", tasks[0].Query)
	assert.Equal(t, "how does X relate to Y", tasks[1].Query)
}

func TestDecomposeHandlesFencedOutput(t *testing.T) {
	fast := &fakeGenerator{output: "```json\n[\"only question\"]\n```"}
	d := NewDecomposer(fast, 5, nil)

	tasks := d.Decompose(context.Background(), TurnState{UserQuery: "only question"})
	require.Len(t, tasks, 1)
	assert.Equal(t, "only question", tasks[0].Query)
}

func TestDecomposeFallsBackOnProviderFailure(t *testing.T) {
	fast := &fakeGenerator{fail: true}
	d := NewDecomposer(fast, 5, nil)

	tasks := d.Decompose(context.Background(), TurnState{UserQuery: "the original question"})
	require.Len(t, tasks, 1)
	assert.Equal(t, "the original question", tasks[0].Query)
	assert.Equal(t, StrategyVector, tasks[0].Strategy)
}

func TestDecomposeFallsBackOnGarbageOutput(t *testing.T) {
	fast := &fakeGenerator{output: "I think the question is fine as is."}
	d := NewDecomposer(fast, 5, nil)

	tasks := d.Decompose(context.Background(), TurnState{UserQuery: "q"})
	require.Len(t, tasks, 1)
	assert.Equal(t, "q", tasks[0].Query)
}

func TestDecomposeBoundsTaskCount(t *testing.T) {
	fast := &fakeGenerator{output: `["a","b","c","d","e","f","g"]`}
	d := NewDecomposer(fast, 3, nil)

	tasks := d.Decompose(context.Background(), TurnState{UserQuery: "many parts"})
	assert.Len(t, tasks, 3)
}

func TestDecomposeIncludesHistoryInPrompt(t *testing.T) {
	fast := &fakeGenerator{output: `["resolved question"]`}
	d := NewDecomposer(fast, 5, nil)

	state := TurnState{
		UserQuery: "what about it?",
		RecentMessages: []Message{
			{Role: "user", Text: "tell me about the Eiffel Tower"},
			{Role: "assistant", Text: "It is a tower in Paris."},
		},
	}
	d.Decompose(context.Background(), state)

	// The first call is the decomposition; its prompt must carry history
	// so pronouns can resolve.
	require.NotEmpty(t, fast.requests)
	assert.Contains(t, fast.requests[0].Prompt, "Eiffel Tower")
	assert.Contains(t, fast.requests[0].Prompt, "what about it?")
}

func TestParseStringArrayDropsBlanks(t *testing.T) {
	out, err := parseStringArray(`["a", "  ", "b"]`)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, out)
}
