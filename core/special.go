package core

import (
	"fmt"

	"github.com/signalsfoundry/bondchange/kb"
	"github.com/signalsfoundry/bondchange/model"
)

// specialBuilder recomputes special lists in a working buffer that is
// allocated once. Before deduplication the 1-3 and 1-4 expansion can hold
// up to maxSpecial² + maxSpecial entries. Rebuilt lists are staged and only
// written back by commit.
type specialBuilder struct {
	buf        []model.Tag
	maxSpecial int

	pool   []model.Tag
	staged []stagedSpecial
}

// stagedSpecial is a rebuilt list for local atom m held in pool[start:].
type stagedSpecial struct {
	m             int
	start         int
	n12, n13, n14 int
}

func newSpecialBuilder(maxSpecial int) *specialBuilder {
	return &specialBuilder{
		buf:        make([]model.Tag, 0, maxSpecial*maxSpecial+maxSpecial),
		maxSpecial: maxSpecial,
	}
}

// bytes is the size of the working and staging buffers.
func (b *specialBuilder) bytes() int64 { return int64(cap(b.buf)+cap(b.pool)) * 8 }

// reset discards staged lists.
func (b *specialBuilder) reset() {
	b.pool = b.pool[:0]
	b.staged = b.staged[:0]
}

// rebuild stages the special list of local atom m recomputed from the
// current 1-2 lists of m, its neighbours and their neighbours. Every atom
// reached must be resident. Nothing is written to the partition.
func (b *specialBuilder) rebuild(p *kb.Partition, m int) error {
	self := p.Atom(m)
	buf := append(b.buf[:0], self.Special.OneTwo()...)
	n1 := len(buf)

	var err error
	if buf, err = b.expand(p, self.Tag, buf, 0, n1); err != nil {
		return err
	}
	n2 := dedup(buf, n1, len(buf))
	buf = buf[:n2]

	if buf, err = b.expand(p, self.Tag, buf, n1, n2); err != nil {
		return err
	}
	n3 := dedup(buf, n2, len(buf))
	buf = buf[:n3]
	b.buf = buf[:0]

	if b.maxSpecial > 0 && n3 > b.maxSpecial {
		return fmt.Errorf("%w: atom %d has %d > %d", kb.ErrSpecialOverflow, self.Tag, n3, b.maxSpecial)
	}
	b.staged = append(b.staged, stagedSpecial{m: m, start: len(b.pool), n12: n1, n13: n2, n14: n3})
	b.pool = append(b.pool, buf...)
	return nil
}

// commit writes every staged list to its atom and clears the stage.
func (b *specialBuilder) commit(p *kb.Partition) {
	for _, st := range b.staged {
		a := p.Atom(st.m)
		ids := append(a.Special.IDs[:0], b.pool[st.start:st.start+st.n14]...)
		a.Special = model.SpecialList{IDs: ids, N12: st.n12, N13: st.n13, N14: st.n14}
	}
	b.reset()
}

// expand appends the 1-2 lists of buf[from:to], skipping self.
func (b *specialBuilder) expand(p *kb.Partition, self model.Tag, buf []model.Tag, from, to int) ([]model.Tag, error) {
	for _, id := range buf[from:to] {
		n := p.Index(id)
		if n < 0 {
			return nil, fmt.Errorf("%w: atom %d needs %d on rank %d", ErrInsufficientGhostRange, self, id, p.Rank())
		}
		for _, nb := range p.Atom(n).Special.OneTwo() {
			if nb != self {
				buf = append(buf, nb)
			}
		}
	}
	return buf, nil
}

// dedup removes from buf[start:stop] every entry already present earlier in
// buf. A duplicate is overwritten by the last entry of the range, which
// then shrinks by one. It returns the new stop.
func dedup(buf []model.Tag, start, stop int) int {
	m := start
	for m < stop {
		dup := false
		for i := 0; i < m; i++ {
			if buf[i] == buf[m] {
				buf[m] = buf[stop-1]
				stop--
				dup = true
				break
			}
		}
		if !dup {
			m++
		}
	}
	return stop
}
