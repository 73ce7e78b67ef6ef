package model

import "fmt"

// SpecialList holds an atom's graph neighbours within three bond hops.
//
// IDs[:N12] are the 1-2 (directly bonded) neighbours, IDs[N12:N13] the 1-3
// neighbours and IDs[N13:N14] the 1-4 neighbours. N14 always equals len(IDs).
type SpecialList struct {
	IDs []Tag
	N12 int
	N13 int
	N14 int
}

// OneTwo returns the directly bonded neighbours.
func (s *SpecialList) OneTwo() []Tag { return s.IDs[:s.N12] }

// OneThree returns the 1-3 range.
func (s *SpecialList) OneThree() []Tag { return s.IDs[s.N12:s.N13] }

// OneFour returns the 1-4 range.
func (s *SpecialList) OneFour() []Tag { return s.IDs[s.N13:s.N14] }

// Contains reports whether id appears anywhere in the list.
func (s *SpecialList) Contains(id Tag) bool {
	for _, v := range s.IDs[:s.N14] {
		if v == id {
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (s SpecialList) Clone() SpecialList {
	s.IDs = append([]Tag(nil), s.IDs...)
	return s
}

// Validate checks the structural invariants of the list for the atom self.
func (s *SpecialList) Validate(self Tag) error {
	if s.N12 < 0 || s.N12 > s.N13 || s.N13 > s.N14 || s.N14 != len(s.IDs) {
		return fmt.Errorf("special list of %d: bad bounds %d/%d/%d over %d ids", self, s.N12, s.N13, s.N14, len(s.IDs))
	}
	seen := make(map[Tag]struct{}, len(s.IDs))
	for _, id := range s.IDs {
		if id == self {
			return fmt.Errorf("special list of %d contains itself", self)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("special list of %d has duplicate %d", self, id)
		}
		seen[id] = struct{}{}
	}
	return nil
}
