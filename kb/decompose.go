package kb

import (
	"errors"
	"fmt"
	"sort"

	"github.com/signalsfoundry/bondchange/model"
)

// ErrSpecialOverflow indicates an atom has more special neighbours than the
// system's MaxSpecial allows.
var ErrSpecialOverflow = errors.New("special list exceeds max special")

// BuildSpecial computes every atom's 1-2, 1-3 and 1-4 lists from the bond
// records. A tag appears in at most one range, the nearest one.
func BuildSpecial(sys *model.System) error {
	adj := sys.Neighbors()
	for i := range sys.Atoms {
		a := &sys.Atoms[i]
		seen := map[model.Tag]bool{a.Tag: true}
		ids := make([]model.Tag, 0, 8)

		frontier := make([]model.Tag, 0, len(adj[a.Tag]))
		for _, n := range adj[a.Tag] {
			if !seen[n] {
				seen[n] = true
				ids = append(ids, n)
				frontier = append(frontier, n)
			}
		}
		n12 := len(ids)

		var next []model.Tag
		for _, f := range frontier {
			for _, n := range adj[f] {
				if !seen[n] {
					seen[n] = true
					ids = append(ids, n)
					next = append(next, n)
				}
			}
		}
		n13 := len(ids)

		for _, f := range next {
			for _, n := range adj[f] {
				if !seen[n] {
					seen[n] = true
					ids = append(ids, n)
				}
			}
		}

		if sys.MaxSpecial > 0 && len(ids) > sys.MaxSpecial {
			return fmt.Errorf("%w: atom %d has %d > %d", ErrSpecialOverflow, a.Tag, len(ids), sys.MaxSpecial)
		}
		a.Special = model.SpecialList{IDs: ids, N12: n12, N13: n13, N14: len(ids)}
	}
	return nil
}

// Decompose splits sys into nranks partitions. assign chooses the owning
// rank of each atom; every atom within ghostHops bond hops of an owned atom
// is mirrored as a ghost. Exchange plans and bond lists are built as well.
func Decompose(sys *model.System, nranks int, assign func(*model.Atom) int, ghostHops int) ([]*Partition, error) {
	if nranks <= 0 {
		return nil, fmt.Errorf("nranks must be positive, got %d", nranks)
	}
	if assign == nil {
		return nil, errors.New("assign is nil")
	}
	sys.SortByTag()
	adj := sys.Neighbors()

	owner := make(map[model.Tag]int, len(sys.Atoms))
	ownedTags := make([][]model.Tag, nranks)
	for i := range sys.Atoms {
		a := &sys.Atoms[i]
		r := assign(a)
		if r < 0 || r >= nranks {
			return nil, fmt.Errorf("atom %d assigned to rank %d outside [0,%d)", a.Tag, r, nranks)
		}
		owner[a.Tag] = r
		ownedTags[r] = append(ownedTags[r], a.Tag)
	}

	ghostTags := make([][]model.Tag, nranks)
	for r := 0; r < nranks; r++ {
		dist := make(map[model.Tag]int, len(ownedTags[r]))
		frontier := append([]model.Tag(nil), ownedTags[r]...)
		for _, t := range frontier {
			dist[t] = 0
		}
		for hop := 1; hop <= ghostHops && len(frontier) > 0; hop++ {
			var next []model.Tag
			for _, t := range frontier {
				for _, n := range adj[t] {
					if _, ok := dist[n]; !ok {
						dist[n] = hop
						next = append(next, n)
					}
				}
			}
			frontier = next
		}
		for t, d := range dist {
			if d > 0 {
				ghostTags[r] = append(ghostTags[r], t)
			}
		}
		sort.Slice(ghostTags[r], func(i, j int) bool { return ghostTags[r][i] < ghostTags[r][j] })
	}

	sendPlans := make([]map[int][]model.Tag, nranks)
	recvPlans := make([]map[int][]model.Tag, nranks)
	for r := range sendPlans {
		sendPlans[r] = make(map[int][]model.Tag)
		recvPlans[r] = make(map[int][]model.Tag)
	}

	parts := make([]*Partition, nranks)
	for r := 0; r < nranks; r++ {
		owned := make([]model.Atom, 0, len(ownedTags[r]))
		for _, t := range ownedTags[r] {
			owned = append(owned, *sys.Atom(t))
		}
		ghosts := make([]model.Atom, 0, len(ghostTags[r]))
		ghostOwner := make([]int, 0, len(ghostTags[r]))
		for _, t := range ghostTags[r] {
			o := owner[t]
			ghosts = append(ghosts, *sys.Atom(t))
			ghostOwner = append(ghostOwner, o)
			recvPlans[r][o] = append(recvPlans[r][o], t)
			sendPlans[o][r] = append(sendPlans[o][r], t)
		}
		p, err := NewPartition(r, sys, owned, ghosts, ghostOwner)
		if err != nil {
			return nil, err
		}
		parts[r] = p
	}

	for r, p := range parts {
		p.SetPlans(flattenPlans(sendPlans[r]), flattenPlans(recvPlans[r]))
		p.SetBondList(BuildBondList(p))
	}
	return parts, nil
}

func flattenPlans(m map[int][]model.Tag) []GhostPlan {
	out := make([]GhostPlan, 0, len(m))
	for peer, tags := range m {
		out = append(out, GhostPlan{Peer: peer, Tags: tags})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Peer < out[j].Peer })
	return out
}

// BuildBondList derives a partition's local bond list from the bond records
// of its owned atoms. Bonds whose partner is not resident are skipped.
//
// With newton-bond each stored bond is listed once by the rank owning the
// storing atom. Without it both endpoints store the bond, so an owned pair
// is listed once (lower tag first) and an owned-ghost pair by each owner.
func BuildBondList(p *Partition) []model.BondRef {
	var list []model.BondRef
	for i := 0; i < p.NLocal(); i++ {
		a := p.Atom(i)
		for _, b := range a.Bonds {
			j := p.Index(b.Partner)
			if j < 0 {
				continue
			}
			if !p.NewtonBond() && !p.IsGhost(j) && a.Tag > b.Partner {
				continue
			}
			list = append(list, model.BondRef{I1: i, I2: j, Type: b.Type})
		}
	}
	return list
}

// RefreshGhosts re-mirrors every ghost from its owner's current record,
// rebuilds bond lists and stamps the rebuild step. It stands in for the
// ghost re-creation that accompanies a neighbor-list rebuild.
func RefreshGhosts(parts []*Partition, step int64) error {
	type loc struct {
		part *Partition
		idx  int
	}
	owners := make(map[model.Tag]loc)
	for _, p := range parts {
		for i := 0; i < p.NLocal(); i++ {
			owners[p.Atom(i).Tag] = loc{part: p, idx: i}
		}
	}
	for _, p := range parts {
		for i := p.NLocal(); i < p.NAll(); i++ {
			tag := p.Atom(i).Tag
			src, ok := owners[tag]
			if !ok {
				return fmt.Errorf("rank %d: ghost %d has no owner", p.Rank(), tag)
			}
			p.replaceGhost(i, src.part.Atom(src.idx))
		}
	}
	for _, p := range parts {
		p.SetBondList(BuildBondList(p))
		p.markRebuilt(step)
	}
	return nil
}

// Gather merges the owned atoms of every partition into a global system.
func Gather(parts []*Partition) *model.System {
	if len(parts) == 0 {
		return model.NewSystem(0, 0, true)
	}
	first := parts[0]
	sys := model.NewSystem(first.NTypes(), first.NBondTypes(), first.NewtonBond())
	sys.HasCharge = first.HasCharge()
	sys.MaxSpecial = first.MaxSpecial()
	sys.Counts = first.Counts()
	for t, m := range first.masses {
		sys.Masses[t] = m
	}
	for _, p := range parts {
		sys.Atoms = append(sys.Atoms, p.Owned()...)
	}
	sys.SortByTag()
	return sys
}
