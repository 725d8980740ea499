// Package token defines the core data model shared by every subsystem of
// the context engine: the Token, its derived Chunk grouping, and the chunk
// tuple identity used for pruning, indexing, and resurrection.
package token

import "math"

// Role identifies who produced a token.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// roleOrder gives the tie-break ordering system < user < assistant used by
// the pruner when multiple chunks are equally prunable.
var roleOrder = map[Role]int{
	RoleSystem:    0,
	RoleUser:      1,
	RoleAssistant: 2,
}

// Order returns this role's position in the system<user<assistant
// tie-break ordering.
func (r Role) Order() int { return roleOrder[r] }

// B0 is the fail-bright constant: new tokens start here and can only decay
// from it.
const B0 = 10000

// BCap is the brightness cap. Brightness has no lower bound.
const BCap = 10000

// Tuple is the chunk tuple (turn_id, sentence_id, role): the unique key for
// a chunk across pruning, indexing, and resurrection.
type Tuple struct {
	TurnID     int64
	SentenceID int64
	Role       Role
}

// IsAnchor reports whether this tuple names the opening chunk of its turn.
func (t Tuple) IsAnchor() bool { return t.SentenceID == 0 }

// IsSystem reports whether this tuple is the immutable system chunk
// (turn_id == 0, role == system), which is never pruned automatically.
func (t Tuple) IsSystem() bool { return t.TurnID == 0 && t.Role == RoleSystem }

// PairedAnchor returns the anchor that forms an anchor pair with this one,
// if this tuple is itself an anchor. The anchor of a user turn N pairs with
// the anchor of assistant turn N+1, and vice versa. ok is false if t is not
// an anchor.
func (t Tuple) PairedAnchor() (paired Tuple, ok bool) {
	if !t.IsAnchor() {
		return Tuple{}, false
	}
	switch t.Role {
	case RoleUser:
		return Tuple{TurnID: t.TurnID + 1, SentenceID: 0, Role: RoleAssistant}, true
	case RoleAssistant:
		return Tuple{TurnID: t.TurnID - 1, SentenceID: 0, Role: RoleUser}, true
	default:
		return Tuple{}, false
	}
}

// Token is the atomic unit of the context store.
type Token struct {
	Position              int64
	TokenID               int
	Text                  string
	TurnID                int64
	SentenceID            int64
	Role                  Role
	Brightness            int64
	Deleted               bool
	BrightnessAtDeletion  *int64
	Pinned                bool
}

// Tuple returns the chunk tuple this token belongs to.
func (t Token) Tuple() Tuple {
	return Tuple{TurnID: t.TurnID, SentenceID: t.SentenceID, Role: t.Role}
}

// Chunk is the derived grouping of tokens sharing a chunk tuple. It carries
// no independent lifetime; it is always computed from a token slice.
type Chunk struct {
	Tuple                 Tuple
	TokenCount            int
	PeakBrightness        int64 // max brightness over live tokens; math.MinInt64 if fully dead
	HasPeakBrightness     bool  // false iff fully dead (PeakBrightness undefined)
	PeakBrightnessAtDel   int64 // max brightness_at_deletion over dead tokens
	HasPeakBrightnessAtDel bool // false iff never dead
	Pinned                bool
	FullyDeleted          bool
}

// NegInfBrightness is the sentinel used when a chunk has no live tokens to
// derive a peak brightness from.
const NegInfBrightness = math.MinInt64

// BuildChunk derives a Chunk from every token sharing one tuple. Callers
// must pass only tokens of that tuple; the tuple itself is taken from the
// first token.
func BuildChunk(tokens []Token) Chunk {
	if len(tokens) == 0 {
		return Chunk{}
	}
	c := Chunk{
		Tuple:      tokens[0].Tuple(),
		TokenCount: len(tokens),
	}
	peak := int64(NegInfBrightness)
	peakDel := int64(NegInfBrightness)
	anyLive := false
	anyDead := false
	for _, tok := range tokens {
		if tok.Pinned {
			c.Pinned = true
		}
		if tok.Deleted {
			anyDead = true
			if tok.BrightnessAtDeletion != nil && *tok.BrightnessAtDeletion > peakDel {
				peakDel = *tok.BrightnessAtDeletion
				c.HasPeakBrightnessAtDel = true
			}
		} else {
			anyLive = true
			if tok.Brightness > peak {
				peak = tok.Brightness
			}
		}
	}
	c.FullyDeleted = anyDead && !anyLive
	if anyLive {
		c.HasPeakBrightness = true
		c.PeakBrightness = peak
	} else {
		c.PeakBrightness = NegInfBrightness
	}
	if !c.HasPeakBrightnessAtDel {
		c.PeakBrightnessAtDel = NegInfBrightness
	} else {
		c.PeakBrightnessAtDel = peakDel
	}
	return c
}
