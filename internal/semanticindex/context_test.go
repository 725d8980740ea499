package semanticindex

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lumen/internal/token"
)

type fakeProvider struct {
	texts map[token.Tuple]string
}

func (f *fakeProvider) ChunkText(_ context.Context, tuple token.Tuple) (string, int, bool, error) {
	text, ok := f.texts[tuple]
	if !ok {
		return "", 0, false, nil
	}
	return text, len(text), true, nil
}

func TestBuildEmbeddingContext_SystemChunkEmbedsAlone(t *testing.T) {
	sys := token.Tuple{TurnID: 0, SentenceID: 0, Role: token.RoleSystem}
	p := &fakeProvider{texts: map[token.Tuple]string{
		sys: "system prompt text",
		{TurnID: 1, SentenceID: 0, Role: token.RoleUser}: "should never be pulled in",
	}}
	out, err := BuildEmbeddingContext(context.Background(), p, sys)
	require.NoError(t, err)
	assert.Equal(t, "system prompt text", out)
}

func TestBuildEmbeddingContext_UserAnchorForwardReferencesAssistantAnchorIfPresent(t *testing.T) {
	userAnchor := token.Tuple{TurnID: 1, SentenceID: 0, Role: token.RoleUser}
	assistantAnchor := token.Tuple{TurnID: 2, SentenceID: 0, Role: token.RoleAssistant}
	p := &fakeProvider{texts: map[token.Tuple]string{
		userAnchor:      "user question",
		assistantAnchor: "assistant reply",
	}}
	out, err := BuildEmbeddingContext(context.Background(), p, userAnchor)
	require.NoError(t, err)
	assert.Equal(t, "user questionassistant reply", out)
}

func TestBuildEmbeddingContext_UserAnchorAloneWhenNoAssistantAnchorYet(t *testing.T) {
	userAnchor := token.Tuple{TurnID: 1, SentenceID: 0, Role: token.RoleUser}
	p := &fakeProvider{texts: map[token.Tuple]string{
		userAnchor: "user question",
	}}
	out, err := BuildEmbeddingContext(context.Background(), p, userAnchor)
	require.NoError(t, err)
	assert.Equal(t, "user question", out)
}

func TestBuildEmbeddingContext_AssistantAnchorPairsWithCrossTurnUserAnchor(t *testing.T) {
	userAnchor := token.Tuple{TurnID: 1, SentenceID: 0, Role: token.RoleUser}
	assistantAnchor := token.Tuple{TurnID: 2, SentenceID: 0, Role: token.RoleAssistant}
	p := &fakeProvider{texts: map[token.Tuple]string{
		userAnchor:      "user question",
		assistantAnchor: "assistant reply",
	}}
	out, err := BuildEmbeddingContext(context.Background(), p, assistantAnchor)
	require.NoError(t, err)
	assert.Equal(t, "user questionassistant reply", out)
}

func TestBuildEmbeddingContext_GeneralCaseIncludesBothAnchorsAndTarget(t *testing.T) {
	u0 := token.Tuple{TurnID: 1, SentenceID: 0, Role: token.RoleUser}
	s0 := token.Tuple{TurnID: 2, SentenceID: 0, Role: token.RoleAssistant}
	target := token.Tuple{TurnID: 2, SentenceID: 3, Role: token.RoleAssistant}
	p := &fakeProvider{texts: map[token.Tuple]string{
		u0:     "user question",
		s0:     "assistant anchor",
		target: "assistant mid-turn chunk",
	}}
	out, err := BuildEmbeddingContext(context.Background(), p, target)
	require.NoError(t, err)
	assert.Equal(t, "user questionassistant anchorassistant mid-turn chunk", out)
}

func TestBuildEmbeddingContext_UnknownTupleIsInvalidInput(t *testing.T) {
	p := &fakeProvider{texts: map[token.Tuple]string{}}
	_, err := BuildEmbeddingContext(context.Background(), p, token.Tuple{TurnID: 9, SentenceID: 3, Role: token.RoleAssistant})
	require.Error(t, err)
}
