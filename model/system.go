package model

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrAtomNotFound indicates a referenced tag is not part of the system.
	ErrAtomNotFound = errors.New("atom not found")
	// ErrAtomExists indicates a duplicate tag.
	ErrAtomExists = errors.New("atom already exists")
)

// Counts are the global numbers of topology terms.
type Counts struct {
	Bonds     int64
	Angles    int64
	Dihedrals int64
	Impropers int64
}

// System is the global, undecomposed description of a particle system.
type System struct {
	Atoms []Atom

	// Masses maps atom type to per-type mass.
	Masses map[int]float64

	NTypes     int
	NBondTypes int

	// HasCharge reports whether per-atom charges are tracked.
	HasCharge bool

	// NewtonBond stores each bonded term once, on a single owning atom.
	// When false every participating atom stores its own copy.
	NewtonBond bool

	// MaxSpecial caps the length of any atom's special list.
	MaxSpecial int

	Counts Counts

	index map[Tag]int
}

// NewSystem returns an empty system.
func NewSystem(ntypes, nbondtypes int, newtonBond bool) *System {
	return &System{
		Masses:     make(map[int]float64),
		NTypes:     ntypes,
		NBondTypes: nbondtypes,
		NewtonBond: newtonBond,
		MaxSpecial: 24,
		index:      make(map[Tag]int),
	}
}

// AddAtom inserts an atom. Its topology slices are ignored; use the Add*
// helpers so storage follows the newton-bond convention.
func (s *System) AddAtom(a Atom) error {
	if a.Tag <= NoTag {
		return fmt.Errorf("invalid atom tag %d", a.Tag)
	}
	if s.index == nil {
		s.reindex()
	}
	if _, ok := s.index[a.Tag]; ok {
		return fmt.Errorf("%w: %d", ErrAtomExists, a.Tag)
	}
	if a.Groups == 0 {
		a.Groups = GroupAll
	}
	a.Bonds, a.Angles, a.Dihedrals, a.Impropers = nil, nil, nil, nil
	a.Special = SpecialList{}
	s.index[a.Tag] = len(s.Atoms)
	s.Atoms = append(s.Atoms, a)
	return nil
}

// Atom returns the atom with the given tag, or nil.
func (s *System) Atom(tag Tag) *Atom {
	if s.index == nil || len(s.index) != len(s.Atoms) {
		s.reindex()
	}
	i, ok := s.index[tag]
	if !ok {
		return nil
	}
	return &s.Atoms[i]
}

func (s *System) reindex() {
	s.index = make(map[Tag]int, len(s.Atoms))
	for i := range s.Atoms {
		s.index[s.Atoms[i].Tag] = i
	}
}

func (s *System) atoms(tags ...Tag) ([]*Atom, error) {
	out := make([]*Atom, len(tags))
	for i, t := range tags {
		a := s.Atom(t)
		if a == nil {
			return nil, fmt.Errorf("%w: %d", ErrAtomNotFound, t)
		}
		out[i] = a
	}
	return out, nil
}

// AddBond records a bond of the given type between a and b.
func (s *System) AddBond(btype int, a, b Tag) error {
	if a == b {
		return fmt.Errorf("bond %d-%d joins an atom to itself", a, b)
	}
	at, err := s.atoms(a, b)
	if err != nil {
		return err
	}
	at[0].Bonds = append(at[0].Bonds, Bond{Partner: b, Type: btype})
	if !s.NewtonBond {
		at[1].Bonds = append(at[1].Bonds, Bond{Partner: a, Type: btype})
	}
	s.Counts.Bonds++
	return nil
}

// AddAngle records angle i-j-k, owned by the centre atom j under newton-bond.
func (s *System) AddAngle(atype int, i, j, k Tag) error {
	at, err := s.atoms(i, j, k)
	if err != nil {
		return err
	}
	term := Angle{Type: atype, Atoms: [3]Tag{i, j, k}}
	if s.NewtonBond {
		at[1].Angles = append(at[1].Angles, term)
	} else {
		for _, a := range at {
			a.Angles = append(a.Angles, term)
		}
	}
	s.Counts.Angles++
	return nil
}

// AddDihedral records dihedral i-j-k-l, owned by atom j under newton-bond.
func (s *System) AddDihedral(dtype int, i, j, k, l Tag) error {
	at, err := s.atoms(i, j, k, l)
	if err != nil {
		return err
	}
	term := Dihedral{Type: dtype, Atoms: [4]Tag{i, j, k, l}}
	if s.NewtonBond {
		at[1].Dihedrals = append(at[1].Dihedrals, term)
	} else {
		for _, a := range at {
			a.Dihedrals = append(a.Dihedrals, term)
		}
	}
	s.Counts.Dihedrals++
	return nil
}

// AddImproper records improper i-j-k-l (i bonded to j, k and l), owned by
// atom j under newton-bond.
func (s *System) AddImproper(itype int, i, j, k, l Tag) error {
	at, err := s.atoms(i, j, k, l)
	if err != nil {
		return err
	}
	term := Improper{Type: itype, Atoms: [4]Tag{i, j, k, l}}
	if s.NewtonBond {
		at[1].Impropers = append(at[1].Impropers, term)
	} else {
		for _, a := range at {
			a.Impropers = append(a.Impropers, term)
		}
	}
	s.Counts.Impropers++
	return nil
}

// SortByTag orders atoms by tag.
func (s *System) SortByTag() {
	sort.Slice(s.Atoms, func(i, j int) bool { return s.Atoms[i].Tag < s.Atoms[j].Tag })
	s.reindex()
}

// Neighbors returns the distinct tags bonded to each atom, derived from the
// stored bond records regardless of which endpoint stores them.
func (s *System) Neighbors() map[Tag][]Tag {
	adj := make(map[Tag][]Tag, len(s.Atoms))
	add := func(a, b Tag) {
		for _, t := range adj[a] {
			if t == b {
				return
			}
		}
		adj[a] = append(adj[a], b)
	}
	for i := range s.Atoms {
		a := &s.Atoms[i]
		if _, ok := adj[a.Tag]; !ok {
			adj[a.Tag] = nil
		}
		for _, b := range a.Bonds {
			add(a.Tag, b.Partner)
			add(b.Partner, a.Tag)
		}
	}
	return adj
}
