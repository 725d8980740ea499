package semanticindex

import (
	"context"
	"fmt"

	"lumen/internal/lumenerr"
	"lumen/internal/token"
)

// ChunkTextProvider reconstructs a chunk's surface text and token count
// on demand, regardless of which partition (live or dead) it currently
// occupies. The SessionController supplies this from the TokenStore.
type ChunkTextProvider interface {
	ChunkText(ctx context.Context, tuple token.Tuple) (text string, tokenCount int, ok bool, err error)
}

// embeddingContextCharBudget approximates a 256-token clamp. The tokenizer
// is an external contract; this package has no tokenization of its own, so
// it budgets on an average 4 characters per token, which is conservative
// for English prose and code alike.
const embeddingContextCharBudget = 256 * 4

// crossTurnAnchor returns U0 for target tuple t: the user-turn anchor
// paired with t's role. For role=assistant, t' = t-1; for role=user,
// t' = t (a user anchor is its own U0).
func crossTurnAnchor(t token.Tuple) token.Tuple {
	switch t.Role {
	case token.RoleAssistant:
		return token.Tuple{TurnID: t.TurnID - 1, SentenceID: 0, Role: token.RoleUser}
	default:
		return token.Tuple{TurnID: t.TurnID, SentenceID: 0, Role: token.RoleUser}
	}
}

// sameTurnAnchor returns S0 for target tuple t: the opening chunk of t's
// own (turn, role).
func sameTurnAnchor(t token.Tuple) token.Tuple {
	return token.Tuple{TurnID: t.TurnID, SentenceID: 0, Role: t.Role}
}

// BuildEmbeddingContext constructs the text to embed for target, following
// deterministic turn-pair anchoring rules so a chunk's embedding always
// carries its conversational context.
func BuildEmbeddingContext(ctx context.Context, provider ChunkTextProvider, target token.Tuple) (string, error) {
	if target.Role == token.RoleSystem {
		text, _, ok, err := provider.ChunkText(ctx, target)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", fmt.Errorf("semanticindex: %w: unknown chunk tuple %+v", lumenerr.ErrInvalidInput, target)
		}
		return text, nil
	}

	u0 := crossTurnAnchor(target)
	s0 := sameTurnAnchor(target)

	targetText, _, ok, err := provider.ChunkText(ctx, target)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("semanticindex: %w: unknown chunk tuple %+v", lumenerr.ErrInvalidInput, target)
	}

	// Target is the cross-turn anchor itself (a user anchor, U0 == S0 for
	// role=user): forward-reference the paired assistant anchor if it
	// already exists, never the other direction (user anchors are never
	// re-embedded once the paired assistant anchor later arrives).
	if target.Role == token.RoleUser && target.SentenceID == 0 {
		assistantAnchor := token.Tuple{TurnID: target.TurnID + 1, SentenceID: 0, Role: token.RoleAssistant}
		aText, _, ok, err := provider.ChunkText(ctx, assistantAnchor)
		if err != nil {
			return "", err
		}
		if !ok {
			return targetText, nil
		}
		return clamp(targetText + aText), nil
	}

	// Target is the same-turn anchor (an assistant anchor, since the user
	// case was handled above): pair with the cross-turn (user) anchor.
	if target.SentenceID == 0 {
		u0Text, _, ok, err := provider.ChunkText(ctx, u0)
		if err != nil {
			return "", err
		}
		if !ok {
			return clamp(targetText), nil
		}
		return clamp(u0Text + targetText), nil
	}

	// General case: cross-turn anchor, same-turn anchor, then target, in
	// that concatenation order; truncated in priority order target >
	// cross-turn anchor > same-turn anchor when the budget is tight.
	u0Text, _, okU0, err := provider.ChunkText(ctx, u0)
	if err != nil {
		return "", err
	}
	s0Text, _, okS0, err := provider.ChunkText(ctx, s0)
	if err != nil {
		return "", err
	}

	budget := embeddingContextCharBudget
	tPiece := truncateTo(targetText, budget)
	budget -= len(tPiece)
	var uPiece, sPiece string
	if okU0 && budget > 0 {
		uPiece = truncateTo(u0Text, budget)
		budget -= len(uPiece)
	}
	if okS0 && budget > 0 {
		sPiece = truncateTo(s0Text, budget)
	}
	return uPiece + sPiece + tPiece, nil
}

func clamp(s string) string { return truncateTo(s, embeddingContextCharBudget) }

func truncateTo(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	return s[:n]
}
