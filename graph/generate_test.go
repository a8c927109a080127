package graph

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectSystemPrompt(t *testing.T) {
	assert.Equal(t, promptBare, selectSystemPrompt(false, false))
	assert.Equal(t, promptSummaryOnly, selectSystemPrompt(true, false))
	assert.Equal(t, promptContextOnly, selectSystemPrompt(false, true))
	assert.Equal(t, promptSummaryAndContext, selectSystemPrompt(true, true))
}

func TestGenerateUsesEvidenceTemplate(t *testing.T) {
	fake := &fakeGenerator{output: "answer"}
	g := NewGenerator(DefaultGeneratorConfig(), fake, nil)

	state := TurnState{
		UserQuery:    "q",
		FinalContext: "EVIDENCE FROM DOCUMENTS:\nsome chunk",
		HasEvidence:  true,
	}
	out, err := g.Generate(context.Background(), state)
	require.NoError(t, err)
	assert.Equal(t, "answer", out)

	req := fake.lastRequest()
	assert.Equal(t, promptContextOnly, req.System)
	assert.Contains(t, req.Prompt, "some chunk")
	assert.Contains(t, req.Prompt, "Question: q")
}

func TestGenerateBareTemplateWithoutEvidence(t *testing.T) {
	fake := &fakeGenerator{output: "answer"}
	g := NewGenerator(DefaultGeneratorConfig(), fake, nil)

	// Conversation-only context is not evidence, even when a past message
	// happens to echo an evidence section header.
	state := TurnState{
		UserQuery:    "q",
		FinalContext: "RECENT CONVERSATION:\nuser: what does EVIDENCE FROM DOCUMENTS: mean in the logs?",
	}
	_, err := g.Generate(context.Background(), state)
	require.NoError(t, err)
	assert.Equal(t, promptBare, fake.lastRequest().System)
}

func TestGenerateWrapsFailure(t *testing.T) {
	g := NewGenerator(DefaultGeneratorConfig(), &fakeGenerator{fail: true}, nil)

	_, err := g.Generate(context.Background(), TurnState{UserQuery: "q"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrGenerationFailure))
}

func TestGenerateStreamReassembles(t *testing.T) {
	fake := &fakeGenerator{output: "streamed answer"}
	g := NewGenerator(DefaultGeneratorConfig(), fake, nil)

	fragments, errs := g.GenerateStream(context.Background(), TurnState{UserQuery: "q"})
	var full string
	for f := range fragments {
		full += f
	}
	require.NoError(t, <-errs)
	assert.Equal(t, "streamed answer", full)
}

func TestGenerateStreamWrapsFailure(t *testing.T) {
	g := NewGenerator(DefaultGeneratorConfig(), &fakeGenerator{fail: true}, nil)

	fragments, errs := g.GenerateStream(context.Background(), TurnState{UserQuery: "q"})
	for range fragments {
	}
	err := <-errs
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrGenerationFailure))
}
