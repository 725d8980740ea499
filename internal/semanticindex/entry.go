// Package semanticindex implements the append-only vector store mapping
// chunk tuples to turn-pair-aware embeddings, and the deterministic
// embedding-context construction the pruner's resurrection policy depends
// on matching exactly.
package semanticindex

import (
	"context"

	"lumen/internal/token"
)

// Entry is one SemanticEntry: a single chunk tuple's indexed embedding.
// Append-only — a re-embed of an existing tuple upserts in place but
// preserves identity and ReferenceCount.
type Entry struct {
	Tuple          token.Tuple
	Text           string
	TokenCount     int
	Embedding      []float32 // nil if embedding is deferred (EmbeddingUnavailable)
	ReferenceCount int
}

// Scored pairs an Entry with its similarity to a query.
type Scored struct {
	Entry Entry
	Score float64
}

// Stats summarizes index occupancy for the stats() control-surface
// operation.
type Stats struct {
	EntryCount     int
	UnembeddedCount int
}

// Index is the persistence and retrieval contract every backend implements.
type Index interface {
	// Upsert inserts or replaces the entry for entry.Tuple. ReferenceCount
	// is preserved across re-embeds of an existing tuple.
	Upsert(ctx context.Context, entry Entry) error

	// Get returns the entry for tuple, if any.
	Get(ctx context.Context, tuple token.Tuple) (Entry, bool, error)

	// IncrementReferenceCount bumps reference_count on resurrection.
	IncrementReferenceCount(ctx context.Context, tuple token.Tuple) error

	// Query scores entries with non-nil embeddings against queryEmbedding
	// and returns at most topK of them sorted by similarity descending.
	Query(ctx context.Context, queryEmbedding []float32, topK int) ([]Scored, error)

	Stats(ctx context.Context) (Stats, error)

	Export(ctx context.Context) ([]Entry, error)
	Import(ctx context.Context, entries []Entry) error

	Close(ctx context.Context) error
}
