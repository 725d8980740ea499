// Package brightness implements the magnitude-voting brightness update
// (v3): each streamed token nudges the brightness of every live token it
// attended to strongly, and decays the rest, with the current turn and the
// attention sink (BOS-equivalent) excluded.
package brightness

import (
	"math"

	"lumen/internal/token"
)

// Scored is the minimal view of a live token the scorer needs to mutate.
// Callers pass the live slice in the same order as the attention vector;
// Scorer writes Brightness back in place.
type Scored struct {
	TurnID     int64
	Brightness int64
}

// Update applies one magnitude-voting pass over live, given the aggregated
// attention vector a (same order and length as live) and the turn the
// currently-streaming token belongs to. live[0] is treated as the BOS
// attention sink: excluded from the threshold denominator and never scored.
//
// No-ops when: C < 2, or a derived threshold that is <= 0 or non-finite
// (e.g. bos == 1.0 exactly).
func Update(a []float64, live []Scored, currentTurnID int64) {
	c := len(a)
	if c < 2 || len(live) != c {
		return
	}

	bos := a[0]
	theta := (1 - bos) / float64(c-1)
	if theta <= 0 || math.IsNaN(theta) || math.IsInf(theta, 0) {
		return
	}

	for i := 1; i < c; i++ {
		if live[i].TurnID == currentTurnID {
			continue
		}
		if a[i] > theta {
			delta := int64(math.Floor(a[i] / theta))
			next := live[i].Brightness + delta
			if next > token.BCap {
				next = token.BCap
			}
			live[i].Brightness = next
		} else {
			live[i].Brightness--
		}
	}
}
