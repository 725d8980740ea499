package resurrector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lumen/internal/semanticindex"
	"lumen/internal/token"
	"lumen/internal/tokenstore"
)

func deadTok(pos, turn, sentence int64, role token.Role, atDeletion int64, n int) []token.Token {
	out := make([]token.Token, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, token.Token{
			Position: pos + int64(i), TurnID: turn, SentenceID: sentence, Role: role,
			Deleted: true, BrightnessAtDeletion: &atDeletion,
		})
	}
	return out
}

func setupScenarioD(t *testing.T) (tokenstore.Store, semanticindex.Index, token.Tuple) {
	ctx := context.Background()
	store := tokenstore.NewMemoryStore()
	idx := semanticindex.NewMemoryIndex()

	m := token.Tuple{TurnID: 5, SentenceID: 3, Role: token.RoleAssistant}
	u0 := token.Tuple{TurnID: 4, SentenceID: 0, Role: token.RoleUser}
	s0 := token.Tuple{TurnID: 5, SentenceID: 0, Role: token.RoleAssistant}

	snap := tokenstore.Snapshot{
		Dead: append(append(
			deadTok(100, m.TurnID, m.SentenceID, m.Role, 500, 60),
			deadTok(200, u0.TurnID, u0.SentenceID, u0.Role, 500, 40)...),
			deadTok(300, s0.TurnID, s0.SentenceID, s0.Role, 500, 30)...),
		Metadata: tokenstore.Metadata{NextPosition: 1000},
	}
	require.NoError(t, store.Import(ctx, snap))
	require.NoError(t, idx.Upsert(ctx, semanticindex.Entry{Tuple: m, Text: "match", Embedding: []float32{1, 0}}))
	return store, idx, m
}

func TestRun_ScenarioD_BudgetTooSmallSkipsMatch(t *testing.T) {
	store, idx, _ := setupScenarioD(t)
	r := New(store, idx)
	resurrected, err := r.Run(context.Background(), []float32{1, 0}, 100)
	require.NoError(t, err)
	assert.Empty(t, resurrected)
}

func TestRun_ScenarioD_BudgetExactlyCoversCost(t *testing.T) {
	store, idx, m := setupScenarioD(t)
	r := New(store, idx)
	resurrected, err := r.Run(context.Background(), []float32{1, 0}, 130)
	require.NoError(t, err)
	assert.Len(t, resurrected, 3)

	live, err := store.IsChunkLive(context.Background(), m)
	require.NoError(t, err)
	assert.True(t, live)
}

func TestRun_ScenarioD_AlreadyLiveAnchorReducesCost(t *testing.T) {
	ctx := context.Background()
	store, idx, m := setupScenarioD(t)
	u0 := token.Tuple{TurnID: 4, SentenceID: 0, Role: token.RoleUser}

	require.NoError(t, store.ResurrectChunk(ctx, u0, tokenstore.SemanticBrightness, false))

	r := New(store, idx)
	resurrected, err := r.Run(ctx, []float32{1, 0}, 60)
	require.NoError(t, err) // cost = 60(M) + 30(S0) = 90 > 60 -> skip
	assert.Empty(t, resurrected)

	_ = m
}

func TestRun_ZeroBudgetResurrectsNothing(t *testing.T) {
	store, idx, _ := setupScenarioD(t)
	r := New(store, idx)
	resurrected, err := r.Run(context.Background(), []float32{1, 0}, 0)
	require.NoError(t, err)
	assert.Empty(t, resurrected)
}

func TestRun_ScenarioE_SemanticResurrectionRestoresBrightnessAtDeletion(t *testing.T) {
	ctx := context.Background()
	store := tokenstore.NewMemoryStore()
	idx := semanticindex.NewMemoryIndex()

	tuple := token.Tuple{TurnID: 1, SentenceID: 0, Role: token.RoleUser}
	atDeletion := int64(7321)
	require.NoError(t, store.Import(ctx, tokenstore.Snapshot{
		Dead:     []token.Token{{Position: 1, TurnID: 1, SentenceID: 0, Role: token.RoleUser, Deleted: true, BrightnessAtDeletion: &atDeletion}},
		Metadata: tokenstore.Metadata{NextPosition: 10},
	}))
	require.NoError(t, idx.Upsert(ctx, semanticindex.Entry{Tuple: tuple, Embedding: []float32{1}}))

	r := New(store, idx)
	resurrected, err := r.Run(ctx, []float32{1}, 100)
	require.NoError(t, err)
	require.Len(t, resurrected, 1)

	live, err := store.GetAllLive(ctx)
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, int64(7321), live[0].Brightness)
	assert.False(t, live[0].Pinned)
}
