package core

import (
	"math/rand/v2"

	"github.com/signalsfoundry/bondchange/model"
)

// Random supplies uniform draws in [0, 1).
type Random interface {
	Float64() float64
}

// NewRandom returns the per-rank generator used when none is supplied: a
// PCG stream seeded with seed + rank so ranks draw independent sequences.
func NewRandom(seed int64, rank int) Random {
	s := uint64(seed + int64(rank))
	return rand.New(rand.NewPCG(s, s^0x9e3779b97f4a7c15))
}

// Gate decides whether a mutually agreed pair mutates.
type Gate struct {
	Prob float64
}

// Certain reports whether every pair is accepted without a draw.
func (g Gate) Certain() bool { return g.Prob >= 1 }

// Accept applies the acceptance threshold using only the draw of the
// lower-tagged atom.
func (g Gate) Accept(tagI model.Tag, drawI float64, tagJ model.Tag, drawJ float64) bool {
	if g.Certain() {
		return true
	}
	if tagI < tagJ {
		return drawI < g.Prob
	}
	return drawJ < g.Prob
}
