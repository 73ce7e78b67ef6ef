package core

import (
	"context"
	"math"

	"github.com/signalsfoundry/bondchange/internal/logging"
	"github.com/signalsfoundry/bondchange/model"
)

// decision is an accepted pair as seen from owned atom i. first reports
// whether i takes position 1 of the rule.
type decision struct {
	i     int
	j     int
	first bool
}

// mutationCounts are the local results of one apply pass.
type mutationCounts struct {
	bondsBroken  int64
	bondsRetyped int64
	atomsRetyped int64
}

// decide collects every owned atom whose partner chose it back and whose
// pair passes the gate. Roles are fixed here, before anything is written,
// so both owners of a pair assign them identically.
func (e *Engine) decide() (decisions []decision, mutual int) {
	p, c, pr := e.part, &e.cand, e.rule.Pair
	decisions = e.decisions[:0]
	for i := 0; i < p.NLocal(); i++ {
		j := e.mutual(i)
		if j < 0 {
			continue
		}
		ai, aj := p.Atom(i), p.Atom(j)
		mutual++
		if !e.gate.Accept(ai.Tag, c.draw[i], aj.Tag, c.draw[j]) {
			continue
		}
		first, _, ok := pr.roles(ai, aj, p.HasCharge())
		if !ok {
			continue
		}
		decisions = append(decisions, decision{i: i, j: j, first: first == ai})
	}
	e.decisions = decisions
	return decisions, mutual
}

// apply writes each decision to the owned atom only. The partner's owner
// applies the same decision to the partner.
func (e *Engine) apply(ctx context.Context, step int64, decisions []decision) mutationCounts {
	p, c, pr := e.part, &e.cand, e.rule.Pair
	var n mutationCounts
	for _, d := range decisions {
		a, b := p.Atom(d.i), p.Atom(d.j)

		newType, newCharge := pr.NewType2, pr.NewCharge2
		if d.first {
			newType, newCharge = pr.NewType1, pr.NewCharge1
		}
		if newType != nil {
			if e.retype(ctx, step, a, *newType) {
				n.atomsRetyped++
			}
		}
		if newCharge != nil {
			a.Charge = *newCharge
		}

		switch {
		case pr.Break:
			removeBondRecord(a, b.Tag)
			dropOneTwo(a, b.Tag)
			c.final[d.i] = b.Tag
			c.final[d.j] = a.Tag
			if a.Tag < b.Tag {
				n.bondsBroken++
				e.record(step, EventBondBroken, a.Tag, b.Tag, 0, 0)
				e.log.Debug(ctx, "bond broken",
					logging.Int64("step", step),
					logging.Tag("atom1", a.Tag),
					logging.Tag("atom2", b.Tag),
				)
			}
		case pr.NewBondType != nil:
			// Under newton-bond only one endpoint may store the record;
			// the type seen at selection is known to both.
			if k := a.BondTo(b.Tag); k >= 0 {
				a.Bonds[k].Type = *pr.NewBondType
			}
			if a.Tag < b.Tag {
				n.bondsRetyped++
				e.record(step, EventBondRetyped, a.Tag, b.Tag, c.btype[d.i], *pr.NewBondType)
			}
		}
	}
	return n
}

// applyAtoms runs the individual-atom rule over owned atoms.
func (e *Engine) applyAtoms(ctx context.Context, step int64) int64 {
	p, ar := e.part, e.rule.Atom
	var n int64
	for i := 0; i < p.NLocal(); i++ {
		a := p.Atom(i)
		if !a.InGroup(e.rule.Group) || !ar.Matches(a, p.HasCharge()) {
			continue
		}
		if !e.gate.Certain() && e.rng.Float64() >= e.gate.Prob {
			continue
		}
		if ar.NewType != nil && e.retype(ctx, step, a, *ar.NewType) {
			n++
		}
		if ar.NewCharge != nil {
			a.Charge = *ar.NewCharge
		}
	}
	return n
}

// retype writes a new type, rescaling the velocity first when kinetic
// energy is conserved. It reports whether the type changed.
func (e *Engine) retype(ctx context.Context, step int64, a *model.Atom, newType int) bool {
	old := a.Type
	if e.rule.ConserveKE {
		mOld, _ := e.part.Mass(old)
		mNew, _ := e.part.Mass(newType)
		a.Velocity = a.Velocity.Scale(math.Sqrt(mOld / mNew))
	}
	a.Type = newType
	if old == newType {
		return false
	}
	e.record(step, EventAtomRetyped, a.Tag, model.NoTag, old, newType)
	e.log.Debug(ctx, "atom type changed",
		logging.Int64("step", step),
		logging.Tag("atom", a.Tag),
		logging.Int("old_type", old),
		logging.Int("new_type", newType),
	)
	return true
}

func (e *Engine) record(step int64, kind EventKind, a1, a2 model.Tag, oldType, newType int) {
	if e.events == nil {
		return
	}
	e.pending = append(e.pending, BondEvent{
		Step:    step,
		Rank:    e.part.Rank(),
		Kind:    kind,
		Atom1:   a1,
		Atom2:   a2,
		OldType: oldType,
		NewType: newType,
	})
}
