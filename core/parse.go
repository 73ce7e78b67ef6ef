package core

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/signalsfoundry/bondchange/model"
)

// ErrInvalidRule indicates a malformed or contradictory rule. It is a
// setup-time error; no simulation step may run with such a rule.
var ErrInvalidRule = errors.New("invalid bond/change rule")

// Limits bound the type values a rule may name.
type Limits struct {
	NTypes     int
	NBondTypes int
}

// ParseRule parses the keyword form of a rule:
//
//	N [ndelay D] [if] <select...> then|-> <apply...> [prob P] [seed S]
//	  [ordered yes|no] [ke yes|no]
//
// Select clauses are bond, atoms, charges and distance for bonded pairs, or
// atom and charge for individual atoms. The same keywords after then or ->
// give the new state. "and" may join clauses and is otherwise ignored.
func ParseRule(args []string, limits Limits) (*Rule, error) {
	p := &ruleParser{args: args, limits: limits}
	return p.parse()
}

type ruleParser struct {
	args   []string
	pos    int
	limits Limits

	rule  *Rule
	pair  PairRule
	atom  AtomRule
	apply bool

	sawPair bool
	sawAtom bool
}

func (p *ruleParser) fail(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRule, fmt.Sprintf(format, args...))
}

// need returns the next n arguments after the keyword at p.pos.
func (p *ruleParser) need(n int) ([]string, error) {
	kw := p.args[p.pos]
	if p.pos+n >= len(p.args) {
		return nil, p.fail("%q needs %d value(s)", kw, n)
	}
	vals := p.args[p.pos+1 : p.pos+1+n]
	p.pos += n + 1
	return vals, nil
}

func (p *ruleParser) parse() (*Rule, error) {
	if len(p.args) < 1 {
		return nil, p.fail("missing cadence")
	}
	every, err := strconv.ParseInt(p.args[0], 10, 64)
	if err != nil || every <= 0 {
		return nil, p.fail("cadence %q must be a positive integer", p.args[0])
	}
	p.rule = &Rule{
		Every:      every,
		Group:      model.GroupAll,
		Prob:       1,
		Seed:       1,
		ConserveKE: true,
	}
	p.pair = PairRule{BondType: AnyInt(), Type1: AnyInt(), Type2: AnyInt(), Charge1: AnyFloat(), Charge2: AnyFloat()}
	p.atom = AtomRule{Type: AnyInt(), Charge: AnyFloat()}

	p.pos = 1
	for p.pos < len(p.args) {
		if err := p.keyword(strings.TrimSpace(p.args[p.pos])); err != nil {
			return nil, err
		}
	}
	return p.finish()
}

func (p *ruleParser) keyword(kw string) error {
	switch kw {
	case "->", "then":
		p.apply = true
		p.pos++
	case "if":
		p.apply = false
		p.pos++
	case "and":
		p.pos++
	case "ndelay":
		v, err := p.need(1)
		if err != nil {
			return err
		}
		d, err := strconv.ParseInt(v[0], 10, 64)
		if err != nil {
			return p.fail("ndelay %q: %v", v[0], err)
		}
		p.rule.Delay = d
	case "prob":
		v, err := p.need(1)
		if err != nil {
			return err
		}
		f, err := strconv.ParseFloat(v[0], 64)
		if err != nil || f < 0 || f > 1 {
			return p.fail("prob %q must lie in [0,1]", v[0])
		}
		p.rule.Prob = f
	case "seed":
		v, err := p.need(1)
		if err != nil {
			return err
		}
		s, err := strconv.ParseInt(v[0], 10, 64)
		if err != nil || s <= 0 {
			return p.fail("seed %q must be a positive integer", v[0])
		}
		p.rule.Seed = s
	case "distance":
		p.sawPair = true
		v, err := p.need(2)
		if err != nil {
			return err
		}
		r, err := strconv.ParseFloat(v[1], 64)
		if err != nil || r < 0 {
			return p.fail("distance %q must be a non-negative number", v[1])
		}
		switch v[0] {
		case ">=":
			p.pair.MinDist = &r
		case "<=":
			p.pair.MaxDist = &r
		default:
			return p.fail(`"distance" should be followed by >= or <=, got %q`, v[0])
		}
	case "bond":
		p.sawPair = true
		v, err := p.need(1)
		if err != nil {
			return err
		}
		if p.apply {
			if v[0] == "break" || v[0] == "BREAK" {
				p.pair.Break = true
				return nil
			}
			t, err := p.typeValue(v[0], p.limits.NBondTypes, "bond")
			if err != nil {
				return err
			}
			p.pair.NewBondType = &t
			return nil
		}
		r, err := p.bounds(v[0], p.limits.NBondTypes)
		if err != nil {
			return err
		}
		p.pair.BondType = r
	case "atoms":
		p.sawPair = true
		v, err := p.need(2)
		if err != nil {
			return err
		}
		if p.apply {
			if p.pair.NewType1, err = p.newType(v[0]); err != nil {
				return err
			}
			if p.pair.NewType2, err = p.newType(v[1]); err != nil {
				return err
			}
			return nil
		}
		if p.pair.Type1, err = p.bounds(v[0], p.limits.NTypes); err != nil {
			return err
		}
		if p.pair.Type2, err = p.bounds(v[1], p.limits.NTypes); err != nil {
			return err
		}
	case "charges":
		p.sawPair = true
		if p.apply {
			v, err := p.need(2)
			if err != nil {
				return err
			}
			q, err := p.floats(v)
			if err != nil {
				return err
			}
			p.pair.NewCharge1, p.pair.NewCharge2 = &q[0], &q[1]
			return nil
		}
		v, err := p.need(4)
		if err != nil {
			return err
		}
		q, err := p.floats(v)
		if err != nil {
			return err
		}
		p.pair.Charge1 = FloatRange{Lo: q[0], Hi: q[1]}
		p.pair.Charge2 = FloatRange{Lo: q[2], Hi: q[3]}
	case "ordered":
		p.sawPair = true
		v, err := p.need(1)
		if err != nil {
			return err
		}
		b, err := p.yesNo(kw, v[0])
		if err != nil {
			return err
		}
		p.pair.Ordered = b
	case "ke":
		v, err := p.need(1)
		if err != nil {
			return err
		}
		b, err := p.yesNo(kw, v[0])
		if err != nil {
			return err
		}
		p.rule.ConserveKE = b
	case "atom":
		p.sawAtom = true
		v, err := p.need(1)
		if err != nil {
			return err
		}
		if p.apply {
			t, err := p.typeValue(v[0], p.limits.NTypes, "atom")
			if err != nil {
				return err
			}
			p.atom.NewType = &t
			return nil
		}
		r, err := p.bounds(v[0], p.limits.NTypes)
		if err != nil {
			return err
		}
		p.atom.Type = r
	case "charge":
		p.sawAtom = true
		if p.apply {
			v, err := p.need(1)
			if err != nil {
				return err
			}
			q, err := p.floats(v)
			if err != nil {
				return err
			}
			p.atom.NewCharge = &q[0]
			return nil
		}
		v, err := p.need(2)
		if err != nil {
			return err
		}
		q, err := p.floats(v)
		if err != nil {
			return err
		}
		p.atom.Charge = FloatRange{Lo: q[0], Hi: q[1]}
	default:
		return p.fail("unrecognized keyword %q", kw)
	}
	return nil
}

func (p *ruleParser) finish() (*Rule, error) {
	if p.sawPair && p.sawAtom {
		return nil, p.fail(`rule changes either individual atoms or bonded atom pairs, not both ` +
			`("atom"/"charge" were probably meant as "atoms"/"charges")`)
	}
	if p.sawAtom {
		if p.atom.NewType == nil && p.atom.NewCharge == nil {
			return nil, p.fail("individual-atom rule sets neither a new type nor a new charge")
		}
		atom := p.atom
		p.rule.Kind = IndividualAtomRule
		p.rule.Atom = &atom
		return p.rule, nil
	}
	if p.pair.MinDist != nil && p.pair.MaxDist != nil {
		return nil, p.fail("distance >= and distance <= are mutually exclusive")
	}
	if p.pair.Break && p.pair.NewBondType != nil {
		return nil, p.fail("bond cannot be both broken and retyped")
	}
	if !p.pair.Mutates() {
		return nil, p.fail("rule changes nothing")
	}
	pair := p.pair
	p.rule.Kind = BondedPairRule
	p.rule.Pair = &pair
	return p.rule, nil
}

// bounds parses n, *, n*, *n or m*n against [1, max].
func (p *ruleParser) bounds(s string, max int) (IntRange, error) {
	lo, hi := 1, max
	var err error
	switch star := strings.IndexByte(s, '*'); {
	case star < 0:
		if lo, err = strconv.Atoi(s); err != nil {
			return IntRange{}, p.fail("bounds %q: %v", s, err)
		}
		hi = lo
	case s == "*":
	case star == 0:
		if hi, err = strconv.Atoi(s[1:]); err != nil {
			return IntRange{}, p.fail("bounds %q: %v", s, err)
		}
	case star == len(s)-1:
		if lo, err = strconv.Atoi(s[:star]); err != nil {
			return IntRange{}, p.fail("bounds %q: %v", s, err)
		}
	default:
		if lo, err = strconv.Atoi(s[:star]); err != nil {
			return IntRange{}, p.fail("bounds %q: %v", s, err)
		}
		if hi, err = strconv.Atoi(s[star+1:]); err != nil {
			return IntRange{}, p.fail("bounds %q: %v", s, err)
		}
	}
	if lo < 1 || hi > max || lo > hi {
		return IntRange{}, p.fail("bounds %q outside 1..%d", s, max)
	}
	return IntRange{Lo: lo, Hi: hi}, nil
}

func (p *ruleParser) newType(s string) (*int, error) {
	switch s {
	case "same", "SAME", "NULL", "*":
		return nil, nil
	}
	t, err := p.typeValue(s, p.limits.NTypes, "atom")
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (p *ruleParser) typeValue(s string, max int, what string) (int, error) {
	t, err := strconv.Atoi(s)
	if err != nil {
		return 0, p.fail("%s type %q: %v", what, s, err)
	}
	if t < 1 || (max > 0 && t > max) {
		return 0, p.fail("%s type %d outside 1..%d", what, t, max)
	}
	return t, nil
}

func (p *ruleParser) floats(vals []string) ([]float64, error) {
	out := make([]float64, len(vals))
	for i, s := range vals {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, p.fail("number %q: %v", s, err)
		}
		out[i] = f
	}
	return out, nil
}

func (p *ruleParser) yesNo(kw, s string) (bool, error) {
	switch s {
	case "yes":
		return true, nil
	case "no":
		return false, nil
	}
	return false, p.fail("%s expects yes or no, got %q", kw, s)
}
