package kb

import (
	"fmt"
	"sync"

	"github.com/signalsfoundry/bondchange/model"
)

// EventType indicates what kind of change happened in a partition.
type EventType int

const (
	// EventReneighborRequested asks the surrounding framework to rebuild
	// neighbor and bond lists before the next force evaluation.
	EventReneighborRequested EventType = iota
	// EventTopologyChanged reports that bonded terms were removed or retyped.
	EventTopologyChanged
)

// Event is emitted to subscribers when something interesting happens.
type Event struct {
	Type EventType
	Rank int
	Step int64
}

// GhostPlan lists, for one peer rank, the atoms exchanged with it. Both
// sides of an exchange hold the same tags in the same order.
type GhostPlan struct {
	Peer int
	Tags []model.Tag
}

// Partition is one rank's share of the particle system: the atoms it owns
// followed by read-mostly ghost mirrors of atoms owned elsewhere.
//
// Atom records are mutated only by the engine of the owning rank; a
// Partition is not safe for concurrent mutation. Counts, events and
// subscriptions are guarded by an internal lock.
type Partition struct {
	mu sync.RWMutex

	rank   int
	atoms  []model.Atom
	nlocal int
	index  map[model.Tag]int

	// ghostOwner[i-nlocal] is the rank owning ghost i.
	ghostOwner []int

	send []GhostPlan
	recv []GhostPlan

	bondList []model.BondRef

	masses     map[int]float64
	hasCharge  bool
	newtonBond bool
	maxSpecial int
	ntypes     int
	nbondtypes int

	lastRebuild int64
	counts      model.Counts

	subs []func(Event)
}

// NewPartition builds a partition from owned atoms and ghost mirrors. The
// records are copied.
func NewPartition(rank int, sys *model.System, owned, ghosts []model.Atom, ghostOwner []int) (*Partition, error) {
	if len(ghosts) != len(ghostOwner) {
		return nil, fmt.Errorf("rank %d: %d ghosts but %d owner entries", rank, len(ghosts), len(ghostOwner))
	}
	p := &Partition{
		rank:       rank,
		nlocal:     len(owned),
		index:      make(map[model.Tag]int, len(owned)+len(ghosts)),
		ghostOwner: append([]int(nil), ghostOwner...),
		masses:     make(map[int]float64, len(sys.Masses)),
		hasCharge:  sys.HasCharge,
		newtonBond: sys.NewtonBond,
		maxSpecial: sys.MaxSpecial,
		ntypes:     sys.NTypes,
		nbondtypes: sys.NBondTypes,
		counts:     sys.Counts,
	}
	for t, m := range sys.Masses {
		p.masses[t] = m
	}
	p.atoms = make([]model.Atom, 0, len(owned)+len(ghosts))
	for i := range owned {
		p.atoms = append(p.atoms, owned[i].Clone())
	}
	for i := range ghosts {
		p.atoms = append(p.atoms, ghosts[i].Clone())
	}
	for i := range p.atoms {
		tag := p.atoms[i].Tag
		if _, dup := p.index[tag]; dup {
			return nil, fmt.Errorf("rank %d: atom %d present twice", rank, tag)
		}
		p.index[tag] = i
	}
	return p, nil
}

// Rank returns the owning rank.
func (p *Partition) Rank() int { return p.rank }

// NLocal returns the number of owned atoms.
func (p *Partition) NLocal() int { return p.nlocal }

// NAll returns owned plus ghost atoms.
func (p *Partition) NAll() int { return len(p.atoms) }

// Atom returns the record at local index i.
func (p *Partition) Atom(i int) *model.Atom { return &p.atoms[i] }

// Index maps a tag to its local index, or -1 when the atom is not resident
// even as a ghost.
func (p *Partition) Index(tag model.Tag) int {
	i, ok := p.index[tag]
	if !ok {
		return -1
	}
	return i
}

// IsGhost reports whether local index i is a ghost mirror.
func (p *Partition) IsGhost(i int) bool { return i >= p.nlocal }

// GhostOwner returns the rank owning ghost i.
func (p *Partition) GhostOwner(i int) int { return p.ghostOwner[i-p.nlocal] }

// SendPlans lists owned atoms mirrored by each peer.
func (p *Partition) SendPlans() []GhostPlan { return p.send }

// RecvPlans lists ghost atoms grouped by their owner.
func (p *Partition) RecvPlans() []GhostPlan { return p.recv }

// SetPlans installs the exchange plans.
func (p *Partition) SetPlans(send, recv []GhostPlan) {
	p.send = send
	p.recv = recv
}

// BondList returns the local bond list.
func (p *Partition) BondList() []model.BondRef { return p.bondList }

// SetBondList replaces the local bond list.
func (p *Partition) SetBondList(list []model.BondRef) { p.bondList = list }

// Mass returns the per-type mass.
func (p *Partition) Mass(atype int) (float64, bool) {
	m, ok := p.masses[atype]
	return m, ok
}

// HasCharge reports whether charges are tracked.
func (p *Partition) HasCharge() bool { return p.hasCharge }

// NewtonBond reports the bonded-term storage convention.
func (p *Partition) NewtonBond() bool { return p.newtonBond }

// MaxSpecial is the cap on special-list length.
func (p *Partition) MaxSpecial() int { return p.maxSpecial }

// NTypes is the number of atom types.
func (p *Partition) NTypes() int { return p.ntypes }

// NBondTypes is the number of bond types.
func (p *Partition) NBondTypes() int { return p.nbondtypes }

// LastRebuild is the step of the last neighbor-list rebuild. Ghost mirrors
// are recreated at every rebuild.
func (p *Partition) LastRebuild() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastRebuild
}

// Counts returns the global topology counts as known to this rank.
func (p *Partition) Counts() model.Counts {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.counts
}

// AdjustCounts subtracts globally reduced removals from the counts.
func (p *Partition) AdjustCounts(delta model.Counts) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counts.Bonds -= delta.Bonds
	p.counts.Angles -= delta.Angles
	p.counts.Dihedrals -= delta.Dihedrals
	p.counts.Impropers -= delta.Impropers
}

// RequestReneighbor notifies subscribers that topology changed at step.
func (p *Partition) RequestReneighbor(step int64) {
	p.publish(Event{Type: EventReneighborRequested, Rank: p.rank, Step: step})
}

// NotifyTopologyChanged notifies subscribers that bonded terms changed.
func (p *Partition) NotifyTopologyChanged(step int64) {
	p.publish(Event{Type: EventTopologyChanged, Rank: p.rank, Step: step})
}

func (p *Partition) publish(ev Event) {
	p.mu.RLock()
	subs := append([]func(Event){}, p.subs...)
	p.mu.RUnlock()

	// Notify subscribers outside the lock to avoid deadlocks.
	for _, sub := range subs {
		if sub != nil {
			sub(ev)
		}
	}
}

// Subscribe registers a callback for partition events. It returns an
// unsubscribe function.
func (p *Partition) Subscribe(fn func(Event)) (unsubscribe func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subs = append(p.subs, fn)
	idx := len(p.subs) - 1

	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if idx < 0 || idx >= len(p.subs) {
			return
		}
		// Leave a hole so indices held by other unsubscribe funcs stay valid.
		p.subs[idx] = nil
		idx = -1
	}
}

// Owned returns deep copies of the owned atoms.
func (p *Partition) Owned() []model.Atom {
	out := make([]model.Atom, p.nlocal)
	for i := 0; i < p.nlocal; i++ {
		out[i] = p.atoms[i].Clone()
	}
	return out
}

// replaceGhost overwrites ghost i with a fresh mirror of its owner's record.
func (p *Partition) replaceGhost(i int, src *model.Atom) {
	p.atoms[i] = src.Clone()
}

func (p *Partition) markRebuilt(step int64) {
	p.mu.Lock()
	p.lastRebuild = step
	p.mu.Unlock()
}
