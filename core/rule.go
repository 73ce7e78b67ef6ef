package core

import (
	"fmt"
	"strings"
)

// RuleKind is the variant of a transition rule, fixed when it is parsed.
type RuleKind int

const (
	// BondedPairRule matches bonded atom pairs and may break or retype the
	// bond and relabel both endpoints.
	BondedPairRule RuleKind = iota + 1
	// IndividualAtomRule relabels single atoms without regard to bonds.
	IndividualAtomRule
)

func (k RuleKind) String() string {
	switch k {
	case BondedPairRule:
		return "bonded-pair"
	case IndividualAtomRule:
		return "individual-atom"
	default:
		return fmt.Sprintf("RuleKind(%d)", int(k))
	}
}

// Policy decides which eligible partner an atom keeps on contention.
type Policy int

const (
	// PrioritizeShort keeps the shortest eligible bond. Equal lengths keep
	// the one found last.
	PrioritizeShort Policy = iota
	// PrioritizeLong keeps the longest eligible bond. Equal lengths keep the
	// one found first.
	PrioritizeLong
)

func (p Policy) String() string {
	if p == PrioritizeLong {
		return "prioritize-long"
	}
	return "prioritize-short"
}

// IntRange is an inclusive integer range. A range with Lo > Hi is disabled
// and matches every value.
type IntRange struct {
	Lo int
	Hi int
}

// AnyInt returns a disabled range.
func AnyInt() IntRange { return IntRange{Lo: 0, Hi: -1} }

// Disabled reports whether the range matches everything.
func (r IntRange) Disabled() bool { return r.Lo > r.Hi }

// Contains reports whether v lies in the range or the range is disabled.
func (r IntRange) Contains(v int) bool {
	return r.Disabled() || (v >= r.Lo && v <= r.Hi)
}

func (r IntRange) String() string {
	if r.Disabled() {
		return "*"
	}
	return fmt.Sprintf("%d*%d", r.Lo, r.Hi)
}

// FloatRange is an inclusive float range. Lo > Hi disables it.
type FloatRange struct {
	Lo float64
	Hi float64
}

// AnyFloat returns a disabled range.
func AnyFloat() FloatRange { return FloatRange{Lo: 0, Hi: -1} }

// Disabled reports whether the range matches everything.
func (r FloatRange) Disabled() bool { return r.Lo > r.Hi }

// Contains reports whether v lies in the range or the range is disabled.
func (r FloatRange) Contains(v float64) bool {
	return r.Disabled() || (v >= r.Lo && v <= r.Hi)
}

// PairRule is the bonded-pair form of a transition rule.
type PairRule struct {
	// Selection on the old state.
	BondType IntRange
	Type1    IntRange
	Type2    IntRange
	Charge1  FloatRange
	Charge2  FloatRange
	// Ordered requires tag(atom 1) < tag(atom 2) for a match.
	Ordered bool

	// Distance gate. At most one of the two is set.
	MinDist *float64
	MaxDist *float64

	// New state. A nil field leaves the value unchanged.
	NewType1    *int
	NewType2    *int
	NewCharge1  *float64
	NewCharge2  *float64
	NewBondType *int
	Break       bool
}

// Policy returns the contention policy implied by the distance gate.
func (r *PairRule) Policy() Policy {
	if r.MinDist != nil {
		return PrioritizeLong
	}
	return PrioritizeShort
}

// Mutates reports whether the rule changes anything on a match.
func (r *PairRule) Mutates() bool {
	return r.Break || r.NewBondType != nil || r.NewType1 != nil || r.NewType2 != nil ||
		r.NewCharge1 != nil || r.NewCharge2 != nil
}

// AtomRule is the individual-atom form of a transition rule.
type AtomRule struct {
	Type      IntRange
	Charge    FloatRange
	NewType   *int
	NewCharge *float64
}

// Rule is a fully parsed transition rule. It is immutable after setup.
type Rule struct {
	Kind RuleKind

	// Every is the invocation cadence in steps; Delay shifts its phase.
	Every int64
	Delay int64

	// Group is the bit mask both atoms must carry.
	Group uint32

	Prob       float64
	Seed       int64
	ConserveKE bool

	Pair *PairRule
	Atom *AtomRule
}

// Due reports whether the rule runs at step.
func (r *Rule) Due(step int64) bool {
	return (step-r.Delay)%r.Every == 0
}

// String renders the rule in keyword form for logs.
func (r *Rule) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d", r.Every)
	if r.Delay != 0 {
		fmt.Fprintf(&b, " ndelay %d", r.Delay)
	}
	switch r.Kind {
	case BondedPairRule:
		p := r.Pair
		fmt.Fprintf(&b, " if bond %s atoms %s %s", p.BondType, p.Type1, p.Type2)
		if p.MinDist != nil {
			fmt.Fprintf(&b, " distance >= %g", *p.MinDist)
		}
		if p.MaxDist != nil {
			fmt.Fprintf(&b, " distance <= %g", *p.MaxDist)
		}
		b.WriteString(" then")
		if p.Break {
			b.WriteString(" bond break")
		} else if p.NewBondType != nil {
			fmt.Fprintf(&b, " bond %d", *p.NewBondType)
		}
		if p.NewType1 != nil || p.NewType2 != nil {
			fmt.Fprintf(&b, " atoms %s %s", optInt(p.NewType1), optInt(p.NewType2))
		}
	case IndividualAtomRule:
		a := r.Atom
		fmt.Fprintf(&b, " if atom %s then", a.Type)
		if a.NewType != nil {
			fmt.Fprintf(&b, " atom %d", *a.NewType)
		}
		if a.NewCharge != nil {
			fmt.Fprintf(&b, " charge %g", *a.NewCharge)
		}
	}
	fmt.Fprintf(&b, " prob %g seed %d", r.Prob, r.Seed)
	return b.String()
}

func optInt(v *int) string {
	if v == nil {
		return "same"
	}
	return fmt.Sprintf("%d", *v)
}
