package core

import "github.com/signalsfoundry/bondchange/model"

// Satisfies reports whether the ordered pair (a1, a2) matches the rule's
// old-state selection: a1 against the first type and charge ranges, a2
// against the second, and the tag ordering when required. Charges are
// ignored when they are not tracked. It never swaps its arguments.
func (r *PairRule) Satisfies(a1, a2 *model.Atom, hasCharge bool) bool {
	if !r.Type1.Contains(a1.Type) || !r.Type2.Contains(a2.Type) {
		return false
	}
	if hasCharge && (!r.Charge1.Contains(a1.Charge) || !r.Charge2.Contains(a2.Charge)) {
		return false
	}
	return !r.Ordered || a1.Tag < a2.Tag
}

// Matches reports whether a single atom falls in the individual-atom rule's
// old-state ranges.
func (r *AtomRule) Matches(a *model.Atom, hasCharge bool) bool {
	if !r.Type.Contains(a.Type) {
		return false
	}
	return !hasCharge || r.Charge.Contains(a.Charge)
}

// roles orders a pair into (atom 1, atom 2) positions of the rule. When both
// orderings satisfy the rule the lower tag takes position 1. ok is false
// when neither ordering matches.
func (r *PairRule) roles(a, b *model.Atom, hasCharge bool) (first, second *model.Atom, ok bool) {
	switch {
	case r.Satisfies(a, b, hasCharge):
		if b.Tag < a.Tag && r.Satisfies(b, a, hasCharge) {
			return b, a, true
		}
		return a, b, true
	case r.Satisfies(b, a, hasCharge):
		return b, a, true
	default:
		return nil, nil, false
	}
}
