package semanticindex

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lumen/internal/token"
)

func TestMemoryIndex_UpsertGetRoundTrip(t *testing.T) {
	idx := NewMemoryIndex()
	ctx := context.Background()
	tuple := token.Tuple{TurnID: 1, SentenceID: 0, Role: token.RoleUser}

	require.NoError(t, idx.Upsert(ctx, Entry{Tuple: tuple, Text: "hello", TokenCount: 1, Embedding: []float32{1, 0, 0}}))

	got, ok, err := idx.Get(ctx, tuple)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "hello", got.Text)
	assert.Equal(t, 0, got.ReferenceCount)
}

func TestMemoryIndex_UpsertPreservesReferenceCountAcrossReembed(t *testing.T) {
	idx := NewMemoryIndex()
	ctx := context.Background()
	tuple := token.Tuple{TurnID: 1, SentenceID: 0, Role: token.RoleUser}

	require.NoError(t, idx.Upsert(ctx, Entry{Tuple: tuple, Text: "v1", Embedding: []float32{1, 0}}))
	require.NoError(t, idx.IncrementReferenceCount(ctx, tuple))
	require.NoError(t, idx.IncrementReferenceCount(ctx, tuple))

	require.NoError(t, idx.Upsert(ctx, Entry{Tuple: tuple, Text: "v2", Embedding: []float32{0, 1}}))

	got, ok, err := idx.Get(ctx, tuple)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v2", got.Text)
	assert.Equal(t, 2, got.ReferenceCount)
}

func TestMemoryIndex_QuerySkipsUnembeddedAndSortsDescending(t *testing.T) {
	idx := NewMemoryIndex()
	ctx := context.Background()

	closeMatch := token.Tuple{TurnID: 1, SentenceID: 0, Role: token.RoleUser}
	farMatch := token.Tuple{TurnID: 2, SentenceID: 0, Role: token.RoleUser}
	deferred := token.Tuple{TurnID: 3, SentenceID: 0, Role: token.RoleUser}

	require.NoError(t, idx.Upsert(ctx, Entry{Tuple: closeMatch, Embedding: []float32{1, 0}}))
	require.NoError(t, idx.Upsert(ctx, Entry{Tuple: farMatch, Embedding: []float32{0, 1}}))
	require.NoError(t, idx.Upsert(ctx, Entry{Tuple: deferred, Embedding: nil}))

	results, err := idx.Query(ctx, []float32{1, 0}, 10)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, closeMatch, results[0].Entry.Tuple)
	assert.Equal(t, farMatch, results[1].Entry.Tuple)
	assert.Greater(t, results[0].Score, results[1].Score)
}

func TestMemoryIndex_QueryRespectsTopK(t *testing.T) {
	idx := NewMemoryIndex()
	ctx := context.Background()
	for i := int64(0); i < 5; i++ {
		tuple := token.Tuple{TurnID: i, SentenceID: 0, Role: token.RoleUser}
		require.NoError(t, idx.Upsert(ctx, Entry{Tuple: tuple, Embedding: []float32{1, 0}}))
	}
	results, err := idx.Query(ctx, []float32{1, 0}, 2)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestMemoryIndex_StatsCountsUnembedded(t *testing.T) {
	idx := NewMemoryIndex()
	ctx := context.Background()
	require.NoError(t, idx.Upsert(ctx, Entry{Tuple: token.Tuple{TurnID: 1, Role: token.RoleUser}, Embedding: []float32{1}}))
	require.NoError(t, idx.Upsert(ctx, Entry{Tuple: token.Tuple{TurnID: 2, Role: token.RoleUser}, Embedding: nil}))

	stats, err := idx.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.EntryCount)
	assert.Equal(t, 1, stats.UnembeddedCount)
}

func TestMemoryIndex_ExportImportRoundTrip(t *testing.T) {
	idx := NewMemoryIndex()
	ctx := context.Background()
	entries := []Entry{
		{Tuple: token.Tuple{TurnID: 1, Role: token.RoleUser}, Text: "a", Embedding: []float32{1, 0}},
		{Tuple: token.Tuple{TurnID: 2, Role: token.RoleAssistant}, Text: "b", Embedding: nil},
	}
	for _, e := range entries {
		require.NoError(t, idx.Upsert(ctx, e))
	}

	exported, err := idx.Export(ctx)
	require.NoError(t, err)
	assert.Len(t, exported, 2)

	fresh := NewMemoryIndex()
	require.NoError(t, fresh.Import(ctx, exported))
	stats, err := fresh.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.EntryCount)
}

func TestMemoryIndex_GetMissingTupleReturnsNotFound(t *testing.T) {
	idx := NewMemoryIndex()
	_, ok, err := idx.Get(context.Background(), token.Tuple{TurnID: 99, Role: token.RoleUser})
	require.NoError(t, err)
	assert.False(t, ok)
}
