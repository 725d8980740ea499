// Package resurrector implements semantic resurrection: given a user
// query, find semantically relevant dead chunks and move them back to the
// live partition within a token budget, paired with the turn-pair anchors
// that embedding context requires.
package resurrector

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"lumen/internal/lumenerr"
	"lumen/internal/semanticindex"
	"lumen/internal/token"
	"lumen/internal/tokenstore"
)

// maxConcurrentResurrections bounds the errgroup fan-out issuing
// TokenStore.ResurrectChunk calls, mirroring this codebase's bounded
// worker-pool convention for per-item I/O fan-out.
const maxConcurrentResurrections = 4

// Resurrector moves pruned chunks relevant to a new query back to live.
type Resurrector struct {
	store tokenstore.Store
	index semanticindex.Index
}

func New(store tokenstore.Store, index semanticindex.Index) *Resurrector {
	return &Resurrector{store: store, index: index}
}

// Run embeds query (via queryEmbedding, computed by the caller so this
// package stays independent of the embedding transport) and resurrects as
// many top matches' turn-pairs as fit within budget R. It returns the set
// of tuples actually resurrected.
func (r *Resurrector) Run(ctx context.Context, queryEmbedding []float32, budgetR int) ([]token.Tuple, error) {
	if budgetR <= 0 {
		return nil, nil
	}
	matches, err := r.index.Query(ctx, queryEmbedding, 10)
	if err != nil {
		return nil, fmt.Errorf("resurrector: %w: query semantic index: %v", lumenerr.ErrResurrectionError, err)
	}

	scheduled := map[token.Tuple]struct{}{}
	remaining := budgetR

	for _, match := range matches {
		m := match.Entry.Tuple
		u0 := crossTurnAnchor(m)
		s0 := sameTurnAnchor(m)

		candidates := dedupeTuples(m, u0, s0)
		cost := 0
		costed := map[token.Tuple]int{}
		for _, x := range candidates {
			if _, already := scheduled[x]; already {
				continue // already scheduled by an earlier, higher-similarity match
			}
			live, err := r.store.IsChunkLive(ctx, x)
			if err != nil {
				return nil, fmt.Errorf("resurrector: %w: %v", lumenerr.ErrResurrectionError, err)
			}
			if live {
				continue
			}
			dead, err := r.store.GetDeadTokensByChunk(ctx, x)
			if err != nil {
				return nil, fmt.Errorf("resurrector: %w: %v", lumenerr.ErrResurrectionError, err)
			}
			if len(dead) == 0 {
				continue // tuple has no recorded tokens at all; nothing to restore
			}
			costed[x] = len(dead)
			cost += len(dead)
		}
		if cost == 0 {
			continue
		}
		if cost > remaining {
			continue
		}
		remaining -= cost
		for x := range costed {
			scheduled[x] = struct{}{}
		}
	}

	if len(scheduled) == 0 {
		return nil, nil
	}

	tuples := make([]token.Tuple, 0, len(scheduled))
	for t := range scheduled {
		tuples = append(tuples, t)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentResurrections)
	for _, t := range tuples {
		t := t
		g.Go(func() error {
			if err := r.store.ResurrectChunk(gctx, t, tokenstore.SemanticBrightness, false); err != nil {
				return err
			}
			return r.index.IncrementReferenceCount(gctx, t)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("resurrector: %w: %v", lumenerr.ErrResurrectionError, err)
	}
	return tuples, nil
}

func dedupeTuples(ts ...token.Tuple) []token.Tuple {
	seen := map[token.Tuple]struct{}{}
	out := make([]token.Tuple, 0, len(ts))
	for _, t := range ts {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// crossTurnAnchor mirrors semanticindex's U0 rule: for role=assistant,
// t' = t-1; for role=user, t' = t.
func crossTurnAnchor(t token.Tuple) token.Tuple {
	switch t.Role {
	case token.RoleAssistant:
		return token.Tuple{TurnID: t.TurnID - 1, SentenceID: 0, Role: token.RoleUser}
	default:
		return token.Tuple{TurnID: t.TurnID, SentenceID: 0, Role: token.RoleUser}
	}
}

// sameTurnAnchor mirrors semanticindex's S0 rule: the opening chunk of the
// match's own (turn, role).
func sameTurnAnchor(t token.Tuple) token.Tuple {
	return token.Tuple{TurnID: t.TurnID, SentenceID: 0, Role: t.Role}
}
