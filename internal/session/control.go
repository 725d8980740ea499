package session

import (
	"context"
	"fmt"

	"lumen/internal/lumenerr"
	"lumen/internal/semanticindex"
	"lumen/internal/token"
	"lumen/internal/tokenstore"
)

// Pin sets pinned=true on every token of tuple, removing it from automatic
// pruning consideration until explicitly unpinned.
func (c *Controller) Pin(ctx context.Context, tuple token.Tuple) error {
	return c.store.SetPinned(ctx, tuple, true)
}

// Unpin clears pinned on every token of tuple.
func (c *Controller) Unpin(ctx context.Context, tuple token.Tuple) error {
	return c.store.SetPinned(ctx, tuple, false)
}

// ResurrectManual restores tuple at brightness B_cap and pins it, per the
// manual-resurrection policy distinct from the automatic semantic path.
func (c *Controller) ResurrectManual(ctx context.Context, tuple token.Tuple) error {
	if err := c.store.ResurrectChunk(ctx, tuple, tokenstore.ManualBrightness, true); err != nil {
		return fmt.Errorf("session: %w: %v", lumenerr.ErrResurrectionError, err)
	}
	return c.index.IncrementReferenceCount(ctx, tuple)
}

// MergeChunks reassigns every token of from to to, an administrative
// operation outside the automatic pipeline.
func (c *Controller) MergeChunks(ctx context.Context, from, to token.Tuple) error {
	return c.store.MergeChunks(ctx, from, to)
}

// Stats returns live/dead/entry occupancy and live-brightness distribution.
type Stats struct {
	tokenstore.Stats
	SemanticEntryCount     int
	SemanticUnembeddedCount int
}

func (c *Controller) Stats(ctx context.Context) (Stats, error) {
	st, err := c.store.Stats(ctx)
	if err != nil {
		return Stats{}, err
	}
	semStats, err := c.index.Stats(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{Stats: st, SemanticEntryCount: semStats.EntryCount, SemanticUnembeddedCount: semStats.UnembeddedCount}, nil
}

// State is the full serializable backup payload for export()/import().
type State struct {
	Tokens   tokenstore.Snapshot
	Semantic []semanticindex.Entry
}

// Export returns a full snapshot of token-store and semantic-index state.
func (c *Controller) Export(ctx context.Context) (State, error) {
	tokSnap, err := c.store.Export(ctx)
	if err != nil {
		return State{}, err
	}
	entries, err := c.index.Export(ctx)
	if err != nil {
		return State{}, err
	}
	return State{Tokens: tokSnap, Semantic: entries}, nil
}

// Import replaces all token-store and semantic-index state with snap. The
// caller must ensure the controller is Idle; Import does not itself check
// this since restore is an out-of-band administrative operation.
func (c *Controller) Import(ctx context.Context, snap State) error {
	if err := c.store.Import(ctx, snap.Tokens); err != nil {
		return err
	}
	return c.index.Import(ctx, snap.Semantic)
}
