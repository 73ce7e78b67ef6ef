package core

import (
	"slices"

	"github.com/signalsfoundry/bondchange/model"
)

// linked reports whether a-b is the severed bond id1-id2 in either direction.
func linked(a, b, id1, id2 model.Tag) bool {
	return (a == id1 && b == id2) || (a == id2 && b == id1)
}

// breakAngles drops the angles stored on atom whose links i-j or j-k are
// the severed bond. It returns the number removed.
func breakAngles(atom *model.Atom, id1, id2 model.Tag) int {
	n := len(atom.Angles)
	atom.Angles = slices.DeleteFunc(atom.Angles, func(t model.Angle) bool {
		return linked(t.Atoms[0], t.Atoms[1], id1, id2) ||
			linked(t.Atoms[1], t.Atoms[2], id1, id2)
	})
	return n - len(atom.Angles)
}

// breakDihedrals drops dihedrals with the severed bond as any of their three
// chain links.
func breakDihedrals(atom *model.Atom, id1, id2 model.Tag) int {
	n := len(atom.Dihedrals)
	atom.Dihedrals = slices.DeleteFunc(atom.Dihedrals, func(t model.Dihedral) bool {
		return linked(t.Atoms[0], t.Atoms[1], id1, id2) ||
			linked(t.Atoms[1], t.Atoms[2], id1, id2) ||
			linked(t.Atoms[2], t.Atoms[3], id1, id2)
	})
	return n - len(atom.Dihedrals)
}

// breakImpropers drops impropers whose centre-to-spoke links include the
// severed bond.
func breakImpropers(atom *model.Atom, id1, id2 model.Tag) int {
	n := len(atom.Impropers)
	atom.Impropers = slices.DeleteFunc(atom.Impropers, func(t model.Improper) bool {
		return linked(t.Atoms[0], t.Atoms[1], id1, id2) ||
			linked(t.Atoms[0], t.Atoms[2], id1, id2) ||
			linked(t.Atoms[0], t.Atoms[3], id1, id2)
	})
	return n - len(atom.Impropers)
}

// influenced reports whether the severed bond id1-id2 touches atom's
// bonded neighbourhood: it is an endpoint, or both ids are in its special
// list.
func influenced(atom *model.Atom, id1, id2 model.Tag) bool {
	if atom.Tag == id1 || atom.Tag == id2 {
		return true
	}
	found := 0
	for _, id := range atom.Special.IDs[:atom.Special.N14] {
		if id == id1 || id == id2 {
			found++
		}
	}
	return found == 2
}

// removeBondRecord deletes the adjacency record of atom pointing at partner.
// It reports whether one was stored.
func removeBondRecord(atom *model.Atom, partner model.Tag) bool {
	k := atom.BondTo(partner)
	if k < 0 {
		return false
	}
	atom.Bonds = slices.Delete(atom.Bonds, k, k+1)
	return true
}

// dropOneTwo removes partner from the 1-2 prefix of atom's special list,
// shifting the later ranges down by one.
func dropOneTwo(atom *model.Atom, partner model.Tag) bool {
	s := &atom.Special
	k := slices.Index(s.IDs[:s.N12], partner)
	if k < 0 {
		return false
	}
	s.IDs = slices.Delete(s.IDs, k, k+1)
	s.N12--
	s.N13--
	s.N14--
	return true
}
