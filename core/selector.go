package core

import (
	"math"

	"github.com/signalsfoundry/bondchange/kb"
	"github.com/signalsfoundry/bondchange/model"
)

// candidates is the per-invocation scratch state over owned and ghost atoms.
type candidates struct {
	policy Policy

	partner []model.Tag
	final   []model.Tag
	score   []float64
	draw    []float64
	btype   []int
}

func (c *candidates) sentinel() float64 {
	if c.policy == PrioritizeLong {
		return 0
	}
	return math.Inf(1)
}

// reset sizes the buffers to n atoms and clears them, reusing capacity.
func (c *candidates) reset(n int) {
	c.partner = resize(c.partner, n)
	c.final = resize(c.final, n)
	c.score = resize(c.score, n)
	c.draw = resize(c.draw, n)
	c.btype = resize(c.btype, n)
	s := c.sentinel()
	for i := 0; i < n; i++ {
		c.partner[i] = model.NoTag
		c.final[i] = model.NoTag
		c.score[i] = s
		c.draw[i] = 0
		c.btype[i] = 0
	}
}

func resize[T any](s []T, n int) []T {
	if cap(s) < n {
		return make([]T, n)
	}
	return s[:n]
}

// offer records partner, joined by a bond of type btype, for atom i when
// rsq beats its current score.
func (c *candidates) offer(i int, partner model.Tag, btype int, rsq float64) {
	if c.policy == PrioritizeLong {
		if rsq > c.score[i] {
			c.partner[i], c.btype[i], c.score[i] = partner, btype, rsq
		}
		return
	}
	if rsq <= c.score[i] {
		c.partner[i], c.btype[i], c.score[i] = partner, btype, rsq
	}
}

// merge adopts an incoming candidate only when it is strictly better.
func (c *candidates) merge(i int, partner model.Tag, btype int, rsq float64) {
	if (c.policy == PrioritizeLong && rsq > c.score[i]) ||
		(c.policy == PrioritizeShort && rsq < c.score[i]) {
		c.partner[i], c.btype[i], c.score[i] = partner, btype, rsq
	}
}

// selectPartners scans the partition's bond list once and records, for
// every atom touched by an eligible bond, its best partner under the
// rule's policy. It returns the number of eligible bonds.
func selectPartners(p *kb.Partition, rule *Rule, c *candidates) int {
	pr := rule.Pair
	var minSq, maxSq float64 = -1, -1
	if pr.MinDist != nil {
		minSq = *pr.MinDist * *pr.MinDist
	}
	if pr.MaxDist != nil {
		maxSq = *pr.MaxDist * *pr.MaxDist
	}

	eligible := 0
	for _, b := range p.BondList() {
		a1, a2 := p.Atom(b.I1), p.Atom(b.I2)
		if !a1.InGroup(rule.Group) || !a2.InGroup(rule.Group) {
			continue
		}
		if !pr.BondType.Contains(b.Type) {
			continue
		}
		if !pr.Satisfies(a1, a2, p.HasCharge()) && !pr.Satisfies(a2, a1, p.HasCharge()) {
			continue
		}
		rsq := model.DistSq(a1.Position, a2.Position)
		if minSq >= 0 && rsq <= minSq {
			continue
		}
		if maxSq >= 0 && rsq >= maxSq {
			continue
		}
		c.offer(b.I1, a2.Tag, b.Type, rsq)
		c.offer(b.I2, a1.Tag, b.Type, rsq)
		eligible++
	}
	return eligible
}
