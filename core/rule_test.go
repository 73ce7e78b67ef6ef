package core

import (
	"testing"

	"github.com/signalsfoundry/bondchange/model"
)

func TestIntRange_Disabled(t *testing.T) {
	r := IntRange{Lo: 5, Hi: 3}
	if !r.Disabled() {
		t.Fatal("lo > hi should disable the range")
	}
	for _, v := range []int{-7, 0, 3, 4, 5, 1 << 20} {
		if !r.Contains(v) {
			t.Fatalf("disabled range should match %d", v)
		}
	}
	r = IntRange{Lo: 2, Hi: 3}
	if r.Contains(1) || !r.Contains(2) || !r.Contains(3) || r.Contains(4) {
		t.Fatalf("inclusive bounds not honoured by %v", r)
	}
}

func TestFloatRange_Inclusive(t *testing.T) {
	r := FloatRange{Lo: -0.5, Hi: 0.5}
	if !r.Contains(-0.5) || !r.Contains(0.5) || r.Contains(0.51) {
		t.Fatalf("unexpected membership for %v", r)
	}
	if !AnyFloat().Contains(1e9) {
		t.Fatal("AnyFloat should match everything")
	}
}

func TestRule_Due(t *testing.T) {
	r := &Rule{Every: 4, Delay: 1}
	var got []int64
	for step := int64(0); step <= 10; step++ {
		if r.Due(step) {
			got = append(got, step)
		}
	}
	if len(got) != 3 || got[0] != 1 || got[1] != 5 || got[2] != 9 {
		t.Fatalf("unexpected schedule %v", got)
	}
}

func TestPairRule_SatisfiesNeverSwaps(t *testing.T) {
	r := &PairRule{BondType: AnyInt(), Type1: IntRange{Lo: 1, Hi: 1}, Type2: IntRange{Lo: 2, Hi: 2}, Charge1: AnyFloat(), Charge2: AnyFloat()}
	a := &model.Atom{Tag: 1, Type: 2}
	b := &model.Atom{Tag: 2, Type: 1}
	if r.Satisfies(a, b, false) {
		t.Fatal("Satisfies must test the given order only")
	}
	if !r.Satisfies(b, a, false) {
		t.Fatal("reversed order should match")
	}
	first, second, ok := r.roles(a, b, false)
	if !ok || first != b || second != a {
		t.Fatalf("roles picked %v/%v ok=%v", first, second, ok)
	}
}

func TestPairRule_ChargesIgnoredWhenUntracked(t *testing.T) {
	r := &PairRule{Type1: AnyInt(), Type2: AnyInt(), Charge1: FloatRange{Lo: 1, Hi: 2}, Charge2: AnyFloat()}
	a := &model.Atom{Tag: 1}
	b := &model.Atom{Tag: 2}
	if !r.Satisfies(a, b, false) {
		t.Fatal("charge ranges apply only when charges are tracked")
	}
	if r.Satisfies(a, b, true) {
		t.Fatal("charge 0 lies outside [1,2]")
	}
}

func TestGate_Accept(t *testing.T) {
	g := Gate{Prob: 0.3}
	if !g.Accept(2, 0.1, 7, 0.9) {
		t.Fatal("lower tag's draw 0.1 < 0.3 should accept")
	}
	if g.Accept(7, 0.1, 2, 0.9) {
		t.Fatal("lower tag is 2, whose draw 0.9 rejects")
	}
	if !(Gate{Prob: 1}).Accept(1, 0.99, 2, 0.99) {
		t.Fatal("prob 1 always accepts")
	}
	if (Gate{Prob: 0}).Accept(1, 0, 2, 0) {
		t.Fatal("prob 0 never accepts")
	}
}

func TestNewRandom_DistinctPerRank(t *testing.T) {
	a, b := NewRandom(7, 0), NewRandom(7, 1)
	same := true
	for i := 0; i < 8; i++ {
		if a.Float64() != b.Float64() {
			same = false
		}
	}
	if same {
		t.Fatal("ranks should draw different sequences")
	}
	c, d := NewRandom(7, 2), NewRandom(7, 2)
	for i := 0; i < 8; i++ {
		if c.Float64() != d.Float64() {
			t.Fatal("same seed and rank should reproduce the sequence")
		}
	}
}
