// Package pruner enforces the active-context token budget by deleting the
// lowest-ranked live chunks, protecting conversational anchors unless both
// halves of a turn pair have decayed to their last remaining chunk.
package pruner

import (
	"context"
	"sort"

	"github.com/rs/zerolog/log"

	"lumen/internal/token"
	"lumen/internal/tokenstore"
)

type chunkInfo struct {
	tuple          token.Tuple
	tokenCount     int
	peakBrightness int64
	pinned         bool
}

// Run enforces maxActiveTokens against the current live set, called once
// after every generation turn completes. currentTurnID excludes the
// just-completed turn's own chunks from pruning. Never fails; if anchor
// protection prevents further pruning the context may remain over budget.
func Run(ctx context.Context, store tokenstore.Store, currentTurnID int64, maxActiveTokens int) error {
	for {
		live, err := store.GetAllLive(ctx)
		if err != nil {
			return err
		}
		if len(live) <= maxActiveTokens {
			return nil
		}

		chunks := groupChunks(live)
		candidates := prunable(chunks, currentTurnID)
		if len(candidates) <= 1 {
			return nil
		}

		eligible := make([]chunkInfo, 0, len(candidates))
		byTuple := make(map[token.Tuple]chunkInfo, len(chunks))
		for _, c := range chunks {
			byTuple[c.tuple] = c
		}
		for _, c := range candidates {
			if !c.tuple.IsAnchor() {
				eligible = append(eligible, c)
				continue
			}
			if anchorPairReady(c.tuple, byTuple) {
				if paired, ok := c.tuple.PairedAnchor(); ok && (byTuple[paired].pinned || paired.TurnID == currentTurnID) {
					continue
				}
				eligible = append(eligible, c)
			}
		}
		if len(eligible) == 0 {
			return nil
		}

		sort.Slice(eligible, func(i, j int) bool { return lessByRank(eligible[i], eligible[j]) })
		pick := eligible[0]

		if pick.tuple.IsAnchor() {
			paired, _ := pick.tuple.PairedAnchor()
			log.Debug().Int64("turn_id", pick.tuple.TurnID).Str("role", string(pick.tuple.Role)).
				Int64("paired_turn_id", paired.TurnID).Msg("pruner: atomic anchor-pair prune")
			if err := store.PruneChunk(ctx, pick.tuple); err != nil {
				return err
			}
			if err := store.PruneChunk(ctx, paired); err != nil {
				return err
			}
		} else {
			if err := store.PruneChunk(ctx, pick.tuple); err != nil {
				return err
			}
		}
	}
}

func groupChunks(live []token.Token) []chunkInfo {
	byTuple := map[token.Tuple][]token.Token{}
	for _, t := range live {
		byTuple[t.Tuple()] = append(byTuple[t.Tuple()], t)
	}
	out := make([]chunkInfo, 0, len(byTuple))
	for tuple, toks := range byTuple {
		c := token.BuildChunk(toks)
		out = append(out, chunkInfo{tuple: tuple, tokenCount: c.TokenCount, peakBrightness: c.PeakBrightness, pinned: c.Pinned})
	}
	return out
}

// prunable is P: live chunks not in the current turn, not system, not pinned.
func prunable(chunks []chunkInfo, currentTurnID int64) []chunkInfo {
	out := make([]chunkInfo, 0, len(chunks))
	for _, c := range chunks {
		if c.tuple.TurnID == currentTurnID {
			continue
		}
		if c.tuple.IsSystem() {
			continue
		}
		if c.pinned {
			continue
		}
		out = append(out, c)
	}
	return out
}

// anchorPairReady implements the anchor protection rule: tuple (an anchor)
// may be selected only if it is the sole remaining live chunk of its
// (turn, role) AND its paired anchor is also the sole remaining live chunk
// of its own (turn, role).
func anchorPairReady(tuple token.Tuple, byTuple map[token.Tuple]chunkInfo) bool {
	if !soleRemaining(tuple, byTuple) {
		return false
	}
	paired, ok := tuple.PairedAnchor()
	if !ok {
		return false
	}
	if _, exists := byTuple[paired]; !exists {
		return false
	}
	return soleRemaining(paired, byTuple)
}

// soleRemaining reports whether tuple is the only live chunk sharing its
// (turn_id, role).
func soleRemaining(tuple token.Tuple, byTuple map[token.Tuple]chunkInfo) bool {
	for other := range byTuple {
		if other == tuple {
			continue
		}
		if other.TurnID == tuple.TurnID && other.Role == tuple.Role {
			return false
		}
	}
	return true
}

// lessByRank orders candidates for argmin selection: ascending
// peak_brightness, ties broken by lowest turn_id, then lowest sentence_id,
// then role ordering system < user < assistant.
func lessByRank(a, b chunkInfo) bool {
	if a.peakBrightness != b.peakBrightness {
		return a.peakBrightness < b.peakBrightness
	}
	if a.tuple.TurnID != b.tuple.TurnID {
		return a.tuple.TurnID < b.tuple.TurnID
	}
	if a.tuple.SentenceID != b.tuple.SentenceID {
		return a.tuple.SentenceID < b.tuple.SentenceID
	}
	return a.tuple.Role.Order() < b.tuple.Role.Order()
}
