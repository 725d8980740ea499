package pruner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"lumen/internal/token"
	"lumen/internal/tokenstore"
)

func appendChunk(t *testing.T, ctx context.Context, s tokenstore.Store, turn, sentence int64, role token.Role, brightness int64, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		pos := turn*1000 + sentence*100 + int64(i)
		require.NoError(t, s.AppendLive(ctx, token.Token{
			Position: pos, TurnID: turn, SentenceID: sentence, Role: role, Brightness: brightness, Text: "x",
		}))
	}
}

// TestRun_AnchorAtomicPrune verifies that once pruning drives both turns
// down to just their anchors, the anchors are pruned together only because
// each is the sole remaining chunk of its turn-role and they are paired.
func TestRun_AnchorAtomicPrune(t *testing.T) {
	ctx := context.Background()
	s := tokenstore.NewMemoryStore()

	appendChunk(t, ctx, s, 3, 0, token.RoleUser, 9000, 2)      // (3,0,u) anchor, bright
	appendChunk(t, ctx, s, 4, 0, token.RoleAssistant, 9000, 2) // (4,0,a) anchor, bright
	appendChunk(t, ctx, s, 3, 1, token.RoleUser, 10, 2)
	appendChunk(t, ctx, s, 3, 2, token.RoleUser, 20, 2)
	appendChunk(t, ctx, s, 4, 1, token.RoleAssistant, 15, 2)
	appendChunk(t, ctx, s, 4, 2, token.RoleAssistant, 25, 2)
	appendChunk(t, ctx, s, 4, 3, token.RoleAssistant, 30, 2)
	appendChunk(t, ctx, s, 4, 4, token.RoleAssistant, 5, 2)

	require.NoError(t, Run(ctx, s, 99, 0))

	live, err := s.GetAllLive(ctx)
	require.NoError(t, err)
	require.Empty(t, live, "both turns should be entirely pruned once only the paired anchors remain")
}

func TestRun_SinglePrunableChunkNotPruned(t *testing.T) {
	ctx := context.Background()
	s := tokenstore.NewMemoryStore()
	appendChunk(t, ctx, s, 1, 1, token.RoleUser, 1, 5)

	require.NoError(t, Run(ctx, s, 99, 0))

	live, err := s.GetAllLive(ctx)
	require.NoError(t, err)
	require.Len(t, live, 5, "pruner must not reduce |P| below 1 by pruning the only candidate")
}

func TestRun_SystemAndPinnedAndCurrentTurnAreImmune(t *testing.T) {
	ctx := context.Background()
	s := tokenstore.NewMemoryStore()
	require.NoError(t, s.AppendLive(ctx, token.Token{Position: 1, TurnID: 0, SentenceID: 0, Role: token.RoleSystem, Brightness: -100}))
	appendChunk(t, ctx, s, 5, 1, token.RoleUser, -50, 2)
	for i := range 2 {
		pos := int64(900 + i)
		require.NoError(t, s.AppendLive(ctx, token.Token{Position: pos, TurnID: 5, SentenceID: 2, Role: token.RoleUser, Brightness: -999, Pinned: true}))
	}
	appendChunk(t, ctx, s, 7, 0, token.RoleUser, 100, 2) // current turn

	require.NoError(t, Run(ctx, s, 7, 4))

	// Only one chunk is prunable ((5,1,user)); a single prunable chunk is
	// never pruned, so nothing moves even though the live count (7)
	// exceeds the budget (4).
	live, err := s.GetAllLive(ctx)
	require.NoError(t, err)
	var positions []int64
	for _, tok := range live {
		positions = append(positions, tok.Position)
	}
	require.Contains(t, positions, int64(1), "system chunk must survive")
	require.Contains(t, positions, int64(900), "pinned chunk must survive")
	require.Len(t, live, 7, "the sole prunable chunk is protected by |P| > 1 termination")
}

func TestRun_StopsWhenBudgetMet(t *testing.T) {
	ctx := context.Background()
	s := tokenstore.NewMemoryStore()
	appendChunk(t, ctx, s, 1, 1, token.RoleUser, 10, 2)
	appendChunk(t, ctx, s, 1, 2, token.RoleUser, 20, 2)

	require.NoError(t, Run(ctx, s, 99, 3))

	live, err := s.GetAllLive(ctx)
	require.NoError(t, err)
	require.Len(t, live, 2, "pruning one chunk of 2 tokens brings count (4->2) under budget 3")
}
