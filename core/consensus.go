package core

import (
	"context"

	"github.com/signalsfoundry/bondchange/model"
)

// resolve makes every copy of an atom agree on its partner. Candidates
// found on ghosts are merged at their owners, owners draw for the gate, and
// the winning partner and draw are broadcast back to the ghosts.
func (e *Engine) resolve(ctx context.Context) error {
	p, c := e.part, &e.cand

	if p.NewtonBond() {
		if err := e.phase(ctx, "reverse_merge", func(ctx context.Context) error {
			return e.sync.ReverseAccumulate(ctx, reverseCodec{c: c})
		}); err != nil {
			return err
		}
	}

	if !e.gate.Certain() {
		for i := 0; i < p.NLocal(); i++ {
			if c.partner[i] != model.NoTag {
				c.draw[i] = e.rng.Float64()
			}
		}
	}

	return e.phase(ctx, "broadcast_partners", func(ctx context.Context) error {
		return e.sync.ForwardExchange(ctx, candidateCodec{part: p, c: c})
	})
}

// mutual returns the local index of i's partner when the partner chose i
// back, or -1.
func (e *Engine) mutual(i int) int {
	p, c := e.part, &e.cand
	if c.partner[i] == model.NoTag {
		return -1
	}
	j := p.Index(c.partner[i])
	if j < 0 || c.partner[j] != p.Atom(i).Tag {
		return -1
	}
	return j
}
