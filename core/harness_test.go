package core

import (
	"context"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/signalsfoundry/bondchange/internal/comm"
	"github.com/signalsfoundry/bondchange/kb"
	"github.com/signalsfoundry/bondchange/model"
)

// fixedRandom always returns the same draw.
type fixedRandom float64

func (f fixedRandom) Float64() float64 { return float64(f) }

func mustRule(t *testing.T, line string) *Rule {
	t.Helper()
	r, err := ParseRule(strings.Fields(line), Limits{NTypes: 4, NBondTypes: 3})
	require.NoError(t, err, line)
	return r
}

func newTestSystem(newton bool) *model.System {
	sys := model.NewSystem(4, 3, newton)
	sys.HasCharge = true
	for typ := 1; typ <= 4; typ++ {
		sys.Masses[typ] = float64(typ)
	}
	return sys
}

// chainSystem places atoms 1..len(xs) on the x axis and bonds neighbours
// with bond type 1.
func chainSystem(t *testing.T, newton bool, xs ...float64) *model.System {
	t.Helper()
	sys := newTestSystem(newton)
	for i, x := range xs {
		require.NoError(t, sys.AddAtom(model.Atom{Tag: model.Tag(i + 1), Type: 1, Position: model.Vec3{X: x}}))
	}
	for i := 1; i < len(xs); i++ {
		require.NoError(t, sys.AddBond(1, model.Tag(i), model.Tag(i+1)))
	}
	return sys
}

// combSystem is a backbone of n atoms with one side atom per backbone atom.
// Backbone bonds are type 1 with alternating lengths, side bonds type 2.
// Angles and dihedrals run along the backbone and every inner backbone atom
// carries an improper.
func combSystem(t *testing.T, newton bool, n int) *model.System {
	t.Helper()
	sys := newTestSystem(newton)
	x := 0.0
	for i := 1; i <= n; i++ {
		require.NoError(t, sys.AddAtom(model.Atom{Tag: model.Tag(i), Type: 1, Position: model.Vec3{X: x}, Velocity: model.Vec3{Y: 1}}))
		require.NoError(t, sys.AddAtom(model.Atom{Tag: model.Tag(n + i), Type: 2, Charge: -0.5, Position: model.Vec3{X: x, Y: 1.1}}))
		if i%2 == 1 {
			x += 1.2
		} else {
			x += 0.9
		}
	}
	tag := func(i int) model.Tag { return model.Tag(i) }
	for i := 1; i < n; i++ {
		require.NoError(t, sys.AddBond(1, tag(i), tag(i+1)))
	}
	for i := 1; i <= n; i++ {
		require.NoError(t, sys.AddBond(2, tag(i), tag(n+i)))
	}
	for i := 2; i < n; i++ {
		require.NoError(t, sys.AddAngle(1, tag(i-1), tag(i), tag(i+1)))
		require.NoError(t, sys.AddAngle(2, tag(i-1), tag(i), tag(n+i)))
		require.NoError(t, sys.AddImproper(1, tag(i), tag(i-1), tag(i+1), tag(n+i)))
	}
	for i := 2; i+1 < n; i++ {
		require.NoError(t, sys.AddDihedral(1, tag(i-1), tag(i), tag(i+1), tag(i+2)))
	}
	return sys
}

type clusterConfig struct {
	ranks   int
	hops    int
	assign  func(*model.Atom) int
	options func(rank int) []Option
}

type cluster struct {
	t       *testing.T
	parts   []*kb.Partition
	engines []*Engine

	mu     sync.Mutex
	events []kb.Event
}

// blockAssign splits atoms in tag order into contiguous blocks.
func blockAssign(sys *model.System, ranks int) func(*model.Atom) int {
	tags := make([]model.Tag, 0, len(sys.Atoms))
	for i := range sys.Atoms {
		tags = append(tags, sys.Atoms[i].Tag)
	}
	slices.Sort(tags)
	pos := make(map[model.Tag]int, len(tags))
	for i, tag := range tags {
		pos[tag] = i
	}
	return func(a *model.Atom) int { return pos[a.Tag] * ranks / len(tags) }
}

func newCluster(t *testing.T, sys *model.System, rule *Rule, ranks int) *cluster {
	return newClusterWith(t, sys, rule, clusterConfig{ranks: ranks})
}

func newClusterWith(t *testing.T, sys *model.System, rule *Rule, cfg clusterConfig) *cluster {
	t.Helper()
	if cfg.ranks == 0 {
		cfg.ranks = 1
	}
	if cfg.hops == 0 {
		cfg.hops = 2
	}
	if cfg.assign == nil {
		cfg.assign = blockAssign(sys, cfg.ranks)
	}
	require.NoError(t, kb.BuildSpecial(sys))
	parts, err := kb.Decompose(sys, cfg.ranks, cfg.assign, cfg.hops)
	require.NoError(t, err)

	c := &cluster{t: t, parts: parts}
	net := comm.NewMemNetwork(cfg.ranks)
	for r, p := range parts {
		x, err := comm.NewExchanger(p, net.Endpoint(r))
		require.NoError(t, err)
		var opts []Option
		if cfg.options != nil {
			opts = cfg.options(r)
		}
		e, err := NewEngine(rule, p, x, opts...)
		require.NoError(t, err)
		c.engines = append(c.engines, e)
		p.Subscribe(func(ev kb.Event) {
			c.mu.Lock()
			c.events = append(c.events, ev)
			c.mu.Unlock()
		})
	}
	return c
}

// step runs one invocation on every rank concurrently, then re-mirrors
// ghosts the way a reneighbor would. It returns each rank's error.
func (c *cluster) step(step int64) []error {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	errs := make([]error, len(c.engines))
	var g errgroup.Group
	for r, e := range c.engines {
		g.Go(func() error {
			errs[r] = e.PostIntegrate(ctx, step)
			return nil
		})
	}
	_ = g.Wait()
	require.NoError(c.t, kb.RefreshGhosts(c.parts, step))
	return errs
}

func (c *cluster) mustStep(step int64) {
	c.t.Helper()
	for r, err := range c.step(step) {
		require.NoError(c.t, err, "rank %d", r)
	}
}

// newLoopback is a single-rank ghost sync for engines built by hand.
func newLoopback(t *testing.T, p *kb.Partition) *comm.Exchanger {
	t.Helper()
	x, err := comm.NewExchanger(p, comm.NewMemNetwork(1).Endpoint(0))
	require.NoError(t, err)
	return x
}

func (c *cluster) gather() *model.System { return kb.Gather(c.parts) }

func (c *cluster) eventCount(typ kb.EventType) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, ev := range c.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

// bonded reports whether any stored record joins a and b.
func bonded(sys *model.System, a, b model.Tag) bool {
	return sys.Atom(a).BondTo(b) >= 0 || sys.Atom(b).BondTo(a) >= 0
}

// specialView is a special list with each range sorted.
type specialView struct {
	OneTwo, OneThree, OneFour []model.Tag
}

func viewOf(s model.SpecialList) specialView {
	sorted := func(ids []model.Tag) []model.Tag {
		out := append([]model.Tag{}, ids...)
		slices.Sort(out)
		return out
	}
	return specialView{
		OneTwo:   sorted(s.OneTwo()),
		OneThree: sorted(s.OneThree()),
		OneFour:  sorted(s.OneFour()),
	}
}

// requireSpecialFromScratch checks every atom's special list against one
// recomputed from the bond records alone.
func requireSpecialFromScratch(t *testing.T, sys *model.System) {
	t.Helper()
	ref := model.NewSystem(sys.NTypes, sys.NBondTypes, sys.NewtonBond)
	ref.MaxSpecial = sys.MaxSpecial
	for i := range sys.Atoms {
		ref.Atoms = append(ref.Atoms, sys.Atoms[i].Clone())
	}
	require.NoError(t, kb.BuildSpecial(ref))
	for i := range sys.Atoms {
		a := &sys.Atoms[i]
		require.NoError(t, a.Special.Validate(a.Tag))
		require.Equal(t, viewOf(ref.Atom(a.Tag).Special), viewOf(a.Special), "special list of atom %d", a.Tag)
	}
}

// topologyView flattens everything a mutation can change, for comparing
// runs over different rank counts.
type atomView struct {
	Type      int
	Charge    float64
	Velocity  model.Vec3
	Bonds     []model.Bond
	Angles    []model.Angle
	Dihedrals []model.Dihedral
	Impropers []model.Improper
	Special   specialView
}

func topologyView(sys *model.System) map[model.Tag]atomView {
	out := make(map[model.Tag]atomView, len(sys.Atoms))
	for i := range sys.Atoms {
		a := &sys.Atoms[i]
		out[a.Tag] = atomView{
			Type:      a.Type,
			Charge:    a.Charge,
			Velocity:  a.Velocity,
			Bonds:     append([]model.Bond{}, a.Bonds...),
			Angles:    append([]model.Angle{}, a.Angles...),
			Dihedrals: append([]model.Dihedral{}, a.Dihedrals...),
			Impropers: append([]model.Improper{}, a.Impropers...),
			Special:   viewOf(a.Special),
		}
	}
	return out
}

type recordingSink struct {
	mu     sync.Mutex
	events []BondEvent
}

func (s *recordingSink) RecordEvents(_ context.Context, events []BondEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
	return nil
}

func (s *recordingSink) count(kind EventKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

type countingMetrics struct {
	mu        sync.Mutex
	outcomes  map[string]int
	broken    int64
	retyped   int64
	atoms     int64
	terms     map[string]int64
	lastMutal int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{outcomes: map[string]int{}, terms: map[string]int64{}}
}

func (m *countingMetrics) ObserveInvocation(_ int, outcome string, _ float64) {
	m.mu.Lock()
	m.outcomes[outcome]++
	m.mu.Unlock()
}

func (m *countingMetrics) AddMutations(_ int, broken, retyped, atoms int64) {
	m.mu.Lock()
	m.broken += broken
	m.retyped += retyped
	m.atoms += atoms
	m.mu.Unlock()
}

func (m *countingMetrics) AddTermsRemoved(kind string, n int64) {
	m.mu.Lock()
	m.terms[kind] += n
	m.mu.Unlock()
}

func (m *countingMetrics) SetMutualPairs(_ int, n int) {
	m.mu.Lock()
	m.lastMutal = n
	m.mu.Unlock()
}
