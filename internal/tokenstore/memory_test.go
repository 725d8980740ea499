package tokenstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"lumen/internal/token"
)

func liveTok(pos, turn, sentence int64, role token.Role, brightness int64) token.Token {
	return token.Token{Position: pos, TurnID: turn, SentenceID: sentence, Role: role, Brightness: brightness, Text: "x"}
}

func TestMemoryStore_PruneThenResurrectRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	tuple := token.Tuple{TurnID: 1, SentenceID: 0, Role: token.RoleUser}
	require.NoError(t, s.AppendLive(ctx, liveTok(10, 1, 0, token.RoleUser, 500)))
	require.NoError(t, s.AppendLive(ctx, liveTok(11, 1, 0, token.RoleUser, 500)))

	require.NoError(t, s.PruneChunk(ctx, tuple))

	live, err := s.IsChunkLive(ctx, tuple)
	require.NoError(t, err)
	require.False(t, live)

	dead, err := s.GetDeadTokensByChunk(ctx, tuple)
	require.NoError(t, err)
	require.Len(t, dead, 2)
	for _, tok := range dead {
		require.True(t, tok.Deleted)
		require.NotNil(t, tok.BrightnessAtDeletion)
		require.Equal(t, int64(500), *tok.BrightnessAtDeletion)
	}

	require.NoError(t, s.ResurrectChunk(ctx, tuple, SemanticBrightness, false))

	live, err = s.IsChunkLive(ctx, tuple)
	require.NoError(t, err)
	require.True(t, live)

	all, err := s.GetAllLive(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	for _, tok := range all {
		require.Equal(t, int64(500), tok.Brightness)
		require.False(t, tok.Pinned)
	}
}

func TestMemoryStore_ManualResurrectionPinsAndCapsBrightness(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	tuple := token.Tuple{TurnID: 2, SentenceID: 1, Role: token.RoleAssistant}
	require.NoError(t, s.AppendLive(ctx, liveTok(20, 2, 1, token.RoleAssistant, 9000)))
	require.NoError(t, s.PruneChunk(ctx, tuple))
	require.NoError(t, s.ResurrectChunk(ctx, tuple, ManualBrightness, true))

	all, err := s.GetAllLive(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, int64(token.BCap), all[0].Brightness)
	require.True(t, all[0].Pinned)
}

func TestMemoryStore_GetAllLiveOrderedByPosition(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.AppendLive(ctx, liveTok(30, 1, 0, token.RoleUser, 1)))
	require.NoError(t, s.AppendLive(ctx, liveTok(10, 1, 0, token.RoleUser, 1)))
	require.NoError(t, s.AppendLive(ctx, liveTok(20, 1, 0, token.RoleUser, 1)))

	all, err := s.GetAllLive(ctx)
	require.NoError(t, err)
	require.Equal(t, []int64{10, 20, 30}, []int64{all[0].Position, all[1].Position, all[2].Position})
}

func TestMemoryStore_ExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.AppendLive(ctx, liveTok(1, 0, 0, token.RoleSystem, 10000)))
	require.NoError(t, s.AppendLive(ctx, liveTok(2, 1, 0, token.RoleUser, 9000)))
	require.NoError(t, s.PruneChunk(ctx, token.Tuple{TurnID: 1, SentenceID: 0, Role: token.RoleUser}))
	require.NoError(t, s.SaveMetadata(ctx, Metadata{NextPosition: 3, NextTurn: 2}))

	snap, err := s.Export(ctx)
	require.NoError(t, err)

	restored := NewMemoryStore()
	require.NoError(t, restored.Import(ctx, snap))

	origStats, err := s.Stats(ctx)
	require.NoError(t, err)
	restoredStats, err := restored.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, origStats, restoredStats)

	md, err := restored.GetMetadata(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(3), md.NextPosition)
}

func TestMemoryStore_MergeChunksReassignsTuple(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	from := token.Tuple{TurnID: 1, SentenceID: 1, Role: token.RoleUser}
	to := token.Tuple{TurnID: 1, SentenceID: 2, Role: token.RoleUser}
	require.NoError(t, s.AppendLive(ctx, liveTok(1, 1, 1, token.RoleUser, 1)))
	require.NoError(t, s.MergeChunks(ctx, from, to))

	fromLive, _ := s.IsChunkLive(ctx, from)
	toLive, _ := s.IsChunkLive(ctx, to)
	require.False(t, fromLive)
	require.True(t, toLive)
}
