package kb

import (
	"errors"
	"slices"
	"testing"

	"github.com/signalsfoundry/bondchange/model"
)

// linear builds atoms 1..n bonded in a chain.
func linear(t *testing.T, n int, newton bool) *model.System {
	t.Helper()
	sys := model.NewSystem(2, 1, newton)
	sys.Masses[1], sys.Masses[2] = 1, 2
	for i := 1; i <= n; i++ {
		if err := sys.AddAtom(model.Atom{Tag: model.Tag(i), Type: 1, Position: model.Vec3{X: float64(i)}}); err != nil {
			t.Fatalf("AddAtom(%d): %v", i, err)
		}
	}
	for i := 1; i < n; i++ {
		if err := sys.AddBond(1, model.Tag(i), model.Tag(i+1)); err != nil {
			t.Fatalf("AddBond(%d): %v", i, err)
		}
	}
	return sys
}

func sorted(ids []model.Tag) []model.Tag {
	out := slices.Clone(ids)
	slices.Sort(out)
	return out
}

func splitAt(tag model.Tag) func(*model.Atom) int {
	return func(a *model.Atom) int {
		if a.Tag <= tag {
			return 0
		}
		return 1
	}
}

func TestBuildSpecial_Chain(t *testing.T) {
	sys := linear(t, 5, true)
	if err := BuildSpecial(sys); err != nil {
		t.Fatalf("BuildSpecial: %v", err)
	}
	end := sys.Atom(1).Special
	if !slices.Equal(end.OneTwo(), []model.Tag{2}) || !slices.Equal(end.OneThree(), []model.Tag{3}) || !slices.Equal(end.OneFour(), []model.Tag{4}) {
		t.Fatalf("special of atom 1 = %+v", end)
	}
	mid := sys.Atom(3).Special
	if got := sorted(mid.OneTwo()); !slices.Equal(got, []model.Tag{2, 4}) {
		t.Fatalf("1-2 of atom 3 = %v, want [2 4]", got)
	}
	if got := sorted(mid.OneThree()); !slices.Equal(got, []model.Tag{1, 5}) {
		t.Fatalf("1-3 of atom 3 = %v, want [1 5]", got)
	}
	if len(mid.OneFour()) != 0 {
		t.Fatalf("1-4 of atom 3 = %v, want none", mid.OneFour())
	}
	for i := range sys.Atoms {
		if err := sys.Atoms[i].Special.Validate(sys.Atoms[i].Tag); err != nil {
			t.Fatalf("Validate: %v", err)
		}
	}
}

func TestBuildSpecial_RingKeepsNearestRange(t *testing.T) {
	sys := linear(t, 4, false)
	if err := sys.AddBond(1, 4, 1); err != nil {
		t.Fatalf("AddBond: %v", err)
	}
	if err := BuildSpecial(sys); err != nil {
		t.Fatalf("BuildSpecial: %v", err)
	}
	s := sys.Atom(1).Special
	if got := sorted(s.OneTwo()); !slices.Equal(got, []model.Tag{2, 4}) {
		t.Fatalf("1-2 = %v, want [2 4]", got)
	}
	if !slices.Equal(s.OneThree(), []model.Tag{3}) || len(s.OneFour()) != 0 {
		t.Fatalf("atom 3 must appear once, in 1-3: %+v", s)
	}
}

func TestBuildSpecial_Overflow(t *testing.T) {
	sys := linear(t, 4, true)
	sys.MaxSpecial = 2
	if err := BuildSpecial(sys); !errors.Is(err, ErrSpecialOverflow) {
		t.Fatalf("BuildSpecial err = %v, want ErrSpecialOverflow", err)
	}
}

func TestDecompose_GhostsAndPlans(t *testing.T) {
	sys := linear(t, 5, true)
	if err := BuildSpecial(sys); err != nil {
		t.Fatalf("BuildSpecial: %v", err)
	}
	parts, err := Decompose(sys, 2, splitAt(3), 2)
	if err != nil {
		t.Fatalf("Decompose: %v", err)
	}
	p0, p1 := parts[0], parts[1]
	if p0.NLocal() != 3 || p0.NAll() != 5 {
		t.Fatalf("rank 0 holds %d/%d atoms, want 3/5", p0.NLocal(), p0.NAll())
	}
	if p1.NLocal() != 2 || p1.NAll() != 4 {
		t.Fatalf("rank 1 holds %d/%d atoms, want 2/4", p1.NLocal(), p1.NAll())
	}
	if i := p1.Index(2); i < 0 || !p1.IsGhost(i) || p1.GhostOwner(i) != 0 {
		t.Fatalf("atom 2 should be a ghost of rank 0 on rank 1, index %d", i)
	}
	if p1.Index(1) >= 0 {
		t.Fatalf("atom 1 is three hops from rank 1 and must not be resident")
	}

	send := p0.SendPlans()
	if len(send) != 1 || send[0].Peer != 1 || !slices.Equal(send[0].Tags, []model.Tag{2, 3}) {
		t.Fatalf("rank 0 send plans = %+v", send)
	}
	recv := p1.RecvPlans()
	if len(recv) != 1 || recv[0].Peer != 0 || !slices.Equal(recv[0].Tags, send[0].Tags) {
		t.Fatalf("rank 1 recv plans = %+v, want the mirror of %+v", recv, send)
	}
}

func TestDecompose_Rejects(t *testing.T) {
	sys := linear(t, 3, true)
	if _, err := Decompose(sys, 0, splitAt(1), 1); err == nil {
		t.Fatal("expected error for zero ranks")
	}
	if _, err := Decompose(sys, 2, nil, 1); err == nil {
		t.Fatal("expected error for nil assign")
	}
	if _, err := Decompose(sys, 2, func(*model.Atom) int { return 2 }, 1); err == nil {
		t.Fatal("expected error for out-of-range rank")
	}
}

func TestBuildBondList(t *testing.T) {
	cases := []struct {
		name   string
		newton bool
		want   [2]int
	}{
		// rank 0 owns 1,2: bonds 1-2 and 2-3 (ghost). rank 1 owns 3: 3-2 only without newton.
		{"newton", true, [2]int{2, 0}},
		{"no newton", false, [2]int{2, 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			parts, err := Decompose(linear(t, 3, tc.newton), 2, splitAt(2), 1)
			if err != nil {
				t.Fatalf("Decompose: %v", err)
			}
			for r, p := range parts {
				if got := len(p.BondList()); got != tc.want[r] {
					t.Fatalf("rank %d lists %d bonds, want %d", r, got, tc.want[r])
				}
				for _, b := range p.BondList() {
					if p.IsGhost(b.I1) {
						t.Fatalf("rank %d lists a bond from ghost index %d", r, b.I1)
					}
				}
			}
		})
	}
}

func TestRefreshGhostsAndGather(t *testing.T) {
	sys := linear(t, 4, true)
	parts, err := Decompose(sys, 2, splitAt(2), 2)
	if err != nil {
		t.Fatalf("Decompose: %v", err)
	}
	owner := parts[1].Atom(parts[1].Index(3))
	owner.Type = 2
	owner.Position = model.Vec3{X: 9}

	ghost := parts[0].Atom(parts[0].Index(3))
	if ghost.Type != 1 {
		t.Fatalf("ghost changed before refresh")
	}
	if err := RefreshGhosts(parts, 7); err != nil {
		t.Fatalf("RefreshGhosts: %v", err)
	}
	ghost = parts[0].Atom(parts[0].Index(3))
	if ghost.Type != 2 || ghost.Position.X != 9 {
		t.Fatalf("ghost = %+v after refresh", ghost)
	}
	for r, p := range parts {
		if p.LastRebuild() != 7 {
			t.Fatalf("rank %d LastRebuild = %d, want 7", r, p.LastRebuild())
		}
	}

	got := Gather(parts)
	if len(got.Atoms) != 4 || got.Atom(3).Type != 2 || got.Counts != sys.Counts {
		t.Fatalf("Gather = %d atoms, counts %+v", len(got.Atoms), got.Counts)
	}
	for i := 1; i < len(got.Atoms); i++ {
		if got.Atoms[i-1].Tag >= got.Atoms[i].Tag {
			t.Fatalf("gathered atoms not sorted by tag")
		}
	}
}

func TestPartition_EventsAndCounts(t *testing.T) {
	parts, err := Decompose(linear(t, 3, true), 1, func(*model.Atom) int { return 0 }, 2)
	if err != nil {
		t.Fatalf("Decompose: %v", err)
	}
	p := parts[0]
	var got []Event
	unsubscribe := p.Subscribe(func(ev Event) { got = append(got, ev) })
	p.RequestReneighbor(4)
	p.NotifyTopologyChanged(4)
	unsubscribe()
	p.RequestReneighbor(5)

	want := []Event{
		{Type: EventReneighborRequested, Rank: 0, Step: 4},
		{Type: EventTopologyChanged, Rank: 0, Step: 4},
	}
	if !slices.Equal(got, want) {
		t.Fatalf("events = %+v, want %+v", got, want)
	}

	p.AdjustCounts(model.Counts{Bonds: 1})
	if c := p.Counts(); c.Bonds != 1 {
		t.Fatalf("Bonds = %d, want 1", c.Bonds)
	}
	if m, ok := p.Mass(2); !ok || m != 2 {
		t.Fatalf("Mass(2) = %v, %v", m, ok)
	}
}
