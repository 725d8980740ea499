// Package tokenstore implements the persistent, partitioned live/dead token
// store: the store of record for every token the session has ever created,
// split so that the hot per-frame read (the active context) never scans the
// far larger dead partition.
package tokenstore

import (
	"context"
	"time"

	"lumen/internal/token"
)

// Metadata is the store's singleton bookkeeping record.
type Metadata struct {
	NextPosition    int64
	NextTurn        int64
	CurrentSentence int64
	CurrentRole     token.Role
	LastModified    time.Time
}

// Stats summarizes store occupancy and live-brightness distribution for the
// stats() control-surface operation.
type Stats struct {
	LiveCount           int
	DeadCount           int
	BrightnessMin       int64
	BrightnessMax       int64
	BrightnessMean      float64
}

// Snapshot is the full state needed by export()/import().
type Snapshot struct {
	Live     []token.Token
	Dead     []token.Token
	Metadata Metadata
}

// BrightnessPolicy computes a resurrected token's new brightness from its
// brightness_at_deletion (nil if the token was never scored while dead,
// which cannot happen in practice but is modeled for completeness).
type BrightnessPolicy func(atDeletion *int64) int64

// SemanticBrightness is the semantic-resurrection policy: restore the
// brightness the chunk had at the moment of deletion, or B0 if that was
// never recorded. The chunk must re-prove itself; this never inflates.
func SemanticBrightness(atDeletion *int64) int64 {
	if atDeletion != nil {
		return *atDeletion
	}
	return token.B0
}

// ManualBrightness is the manual-resurrection policy: restore at the
// brightness cap, bypassing the re-proof requirement.
func ManualBrightness(*int64) int64 { return token.BCap }

// Store is the persistence contract every backend implements. Every
// blocking method takes a context, per the project-wide convention of
// threading context.Context through I/O-bound calls.
type Store interface {
	// AppendLive writes a newly created token to the live partition.
	AppendLive(ctx context.Context, tok token.Token) error

	// GetAllLive returns every live token ordered by position ascending.
	// This order is the model's input sequence; callers must not resort.
	GetAllLive(ctx context.Context) ([]token.Token, error)

	// GetDeadTokensByChunk returns every dead token sharing tuple.
	GetDeadTokensByChunk(ctx context.Context, tuple token.Tuple) ([]token.Token, error)

	// IsChunkLive reports whether any live token carries tuple.
	IsChunkLive(ctx context.Context, tuple token.Tuple) (bool, error)

	// PruneChunk atomically moves every live token of tuple to dead,
	// recording brightness_at_deletion from each token's brightness at the
	// moment of the move.
	PruneChunk(ctx context.Context, tuple token.Tuple) error

	// ResurrectChunk atomically moves every dead token of tuple to live,
	// assigning brightness via policy and, if forcePin is true, marking the
	// chunk pinned.
	ResurrectChunk(ctx context.Context, tuple token.Tuple, policy BrightnessPolicy, forcePin bool) error

	// UpdateBrightnessBatch bulk-applies brightness values to live tokens
	// keyed by position. Positions not currently live are ignored.
	UpdateBrightnessBatch(ctx context.Context, values map[int64]int64) error

	// SetPinned sets the pinned flag on every token (live or dead) carrying
	// tuple, for the pin()/unpin() control-surface operation.
	SetPinned(ctx context.Context, tuple token.Tuple, pinned bool) error

	// MergeChunks reassigns every token (live or dead) carrying tuple
	// `from` to tuple `to`, an administrative operation outside the
	// automatic pipeline.
	MergeChunks(ctx context.Context, from, to token.Tuple) error

	// GetMetadata returns the current singleton metadata record.
	GetMetadata(ctx context.Context) (Metadata, error)

	// SaveMetadata persists the singleton metadata record.
	SaveMetadata(ctx context.Context, md Metadata) error

	// Stats returns live/dead occupancy and live-brightness distribution.
	Stats(ctx context.Context) (Stats, error)

	// Export returns a full snapshot of live, dead, and metadata state.
	Export(ctx context.Context) (Snapshot, error)

	// Import replaces all state with snap, for restore from backup.
	Import(ctx context.Context, snap Snapshot) error

	// Close releases backend resources, if any.
	Close(ctx context.Context) error
}
