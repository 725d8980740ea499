// Package attention reduces a per-step attention tensor to a per-live-token
// vector. It is kept independent of token identities so the reduction can be
// swapped without touching the brightness scorer.
package attention

import (
	"fmt"

	"gonum.org/v1/gonum/floats"

	"lumen/internal/lumenerr"
)

// Tensor is a per-step attention tensor shaped [L, H, C] (layers, heads,
// active-context-length), stored row-major: Data[(l*H+h)*C+i].
type Tensor struct {
	Layers int
	Heads  int
	C      int
	Data   []float32
}

// Aggregate reduces raw to a length-C vector a where a[i] is the mean, over
// every (layer, head), of the attention mass placed on the i-th currently
// live token. If preAggregated is non-nil it is returned unchanged (already
// reduced upstream), matching the production path's pass-through contract.
func Aggregate(raw *Tensor, preAggregated []float32) ([]float64, error) {
	if preAggregated != nil {
		if len(preAggregated) == 0 {
			return nil, fmt.Errorf("attention: %w: empty pre-aggregated vector", lumenerr.ErrInvalidInput)
		}
		out := make([]float64, len(preAggregated))
		for i, v := range preAggregated {
			out[i] = float64(v)
		}
		return out, nil
	}

	if raw == nil {
		return nil, fmt.Errorf("attention: %w: no tensor or vector supplied", lumenerr.ErrInvalidInput)
	}
	if raw.C == 0 {
		return nil, fmt.Errorf("attention: %w: empty context", lumenerr.ErrInvalidInput)
	}
	if raw.Layers*raw.Heads*raw.C != len(raw.Data) {
		return nil, fmt.Errorf("attention: %w: shape [%d,%d,%d] does not match buffer length %d",
			lumenerr.ErrInvalidInput, raw.Layers, raw.Heads, raw.C, len(raw.Data))
	}

	a := make([]float64, raw.C)
	lh := raw.Layers * raw.Heads
	if lh == 0 {
		return a, nil
	}
	col := make([]float64, lh)
	for i := 0; i < raw.C; i++ {
		for lhIdx := 0; lhIdx < lh; lhIdx++ {
			col[lhIdx] = float64(raw.Data[lhIdx*raw.C+i])
		}
		a[i] = floats.Sum(col) / float64(lh)
	}
	return a, nil
}
