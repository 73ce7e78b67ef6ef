package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/bondchange/internal/comm"
	"github.com/signalsfoundry/bondchange/internal/logging"
	"github.com/signalsfoundry/bondchange/kb"
	"github.com/signalsfoundry/bondchange/model"
)

// ErrInsufficientGhostRange indicates an atom's bonded neighbourhood
// reaches past the ghost atoms resident on its rank. It aborts the run.
var ErrInsufficientGhostRange = errors.New("bond/change needs ghost atoms from further away")

const tracerName = "github.com/signalsfoundry/bondchange/core"

// Engine runs one rule over one rank's partition. Every rank of a run
// holds its own Engine and calls PostIntegrate at the same steps.
type Engine struct {
	rule *Rule
	part *kb.Partition
	sync comm.GhostSync
	gate Gate
	rng  Random

	log     logging.Logger
	metrics MetricsRecorder
	events  EventSink
	tracer  trace.Tracer

	cand      candidates
	special   *specialBuilder
	decisions []decision
	broken    [][2]model.Tag
	touched   []int
	pending   []BondEvent

	angles    bool
	dihedrals bool
	impropers bool

	lastCheck  int64
	breakCount int64
	breakTotal int64
}

// Option customises an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l logging.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithMetricsRecorder attaches a recorder for invocation statistics.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithEventSink attaches a sink for applied mutations.
func WithEventSink(s EventSink) Option {
	return func(e *Engine) { e.events = s }
}

// WithRandom replaces the per-rank generator.
func WithRandom(r Random) Option {
	return func(e *Engine) {
		if r != nil {
			e.rng = r
		}
	}
}

// WithTracer replaces the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}

// NewEngine validates rule against the partition and prepares scratch
// buffers. Angle, dihedral and improper pruning is enabled for term kinds
// present in the system.
func NewEngine(rule *Rule, part *kb.Partition, sync comm.GhostSync, opts ...Option) (*Engine, error) {
	if rule == nil || part == nil || sync == nil {
		return nil, fmt.Errorf("%w: engine needs a rule, a partition and a ghost sync", ErrInvalidRule)
	}
	if sync.Rank() != part.Rank() {
		return nil, fmt.Errorf("ghost sync rank %d does not match partition rank %d", sync.Rank(), part.Rank())
	}
	if err := validateRule(rule, part); err != nil {
		return nil, err
	}

	counts := part.Counts()
	e := &Engine{
		rule:      rule,
		part:      part,
		sync:      sync,
		gate:      Gate{Prob: rule.Prob},
		rng:       NewRandom(rule.Seed, part.Rank()),
		log:       logging.Noop(),
		tracer:    otel.Tracer(tracerName),
		special:   newSpecialBuilder(part.MaxSpecial()),
		angles:    counts.Angles > 0,
		dihedrals: counts.Dihedrals > 0,
		impropers: counts.Impropers > 0,
		lastCheck: -1,
	}
	if rule.Kind == BondedPairRule {
		e.cand.policy = rule.Pair.Policy()
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func validateRule(rule *Rule, part *kb.Partition) error {
	if rule.Every <= 0 {
		return fmt.Errorf("%w: cadence %d", ErrInvalidRule, rule.Every)
	}
	var newTypes []*int
	switch rule.Kind {
	case BondedPairRule:
		if rule.Pair == nil {
			return fmt.Errorf("%w: bonded-pair rule without pair clauses", ErrInvalidRule)
		}
		if rule.Pair.MinDist != nil && rule.Pair.MaxDist != nil {
			return fmt.Errorf("%w: both distance gates set", ErrInvalidRule)
		}
		newTypes = []*int{rule.Pair.NewType1, rule.Pair.NewType2}
	case IndividualAtomRule:
		if rule.Atom == nil {
			return fmt.Errorf("%w: individual-atom rule without atom clauses", ErrInvalidRule)
		}
		newTypes = []*int{rule.Atom.NewType}
	default:
		return fmt.Errorf("%w: unknown rule kind %d", ErrInvalidRule, int(rule.Kind))
	}
	if !rule.ConserveKE {
		return nil
	}
	for _, t := range newTypes {
		if t == nil {
			continue
		}
		for atype := 1; atype <= part.NTypes(); atype++ {
			if m, ok := part.Mass(atype); !ok || m <= 0 {
				return fmt.Errorf("%w: kinetic energy rescale needs a positive mass for type %d", ErrInvalidRule, atype)
			}
		}
		break
	}
	return nil
}

// Rule returns the engine's rule.
func (e *Engine) Rule() *Rule { return e.rule }

// Vector returns the statistics vector: index 0 is the number of bonds
// broken by the last invocation, index 1 the cumulative number.
func (e *Engine) Vector(i int) float64 {
	if i == 0 {
		return float64(e.breakCount)
	}
	return float64(e.breakTotal)
}

// MemoryUsage is the size in bytes of the per-atom scratch buffers.
func (e *Engine) MemoryUsage() int64 {
	n := int64(cap(e.cand.partner) + cap(e.cand.final) + cap(e.cand.btype))
	bytes := n * 8
	bytes += int64(cap(e.cand.score)+cap(e.cand.draw)) * 8
	bytes += int64(cap(e.broken)) * 16
	bytes += int64(cap(e.touched)) * 8
	bytes += e.special.bytes()
	return bytes
}

// PostIntegrate runs one invocation at step. Skipped steps do nothing.
// Every rank must call it with the same steps; the returned errors are
// fatal for the whole run.
func (e *Engine) PostIntegrate(ctx context.Context, step int64) (err error) {
	if !e.rule.Due(step) {
		return nil
	}
	start := time.Now()
	rank := e.part.Rank()
	ctx, span := e.tracer.Start(ctx, "bondchange.PostIntegrate", trace.WithAttributes(
		attribute.Int64("bondchange.step", step),
		attribute.Int("bondchange.rank", rank),
	))
	outcome := "idle"
	defer func() {
		if err != nil {
			outcome = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			e.log.Error(ctx, "bond/change invocation failed", logging.Int64("step", step), logging.Err(err))
		}
		e.flushEvents(ctx)
		if e.metrics != nil {
			e.metrics.ObserveInvocation(rank, outcome, time.Since(start).Seconds())
		}
		span.SetAttributes(attribute.String("bondchange.outcome", outcome))
		span.End()
	}()

	if e.lastCheck < e.part.LastRebuild() {
		if err := e.phase(ctx, "check_ghosts", func(ctx context.Context) error {
			return e.checkGhosts(ctx, step)
		}); err != nil {
			return err
		}
	}

	if err := e.phase(ctx, "refresh", func(ctx context.Context) error {
		return e.sync.ForwardExchange(ctx, stateCodec{part: e.part})
	}); err != nil {
		return err
	}

	e.breakCount = 0
	if e.rule.Kind == IndividualAtomRule {
		n := e.applyAtoms(ctx, step)
		if n > 0 {
			outcome = "mutated"
		}
		if e.metrics != nil {
			e.metrics.AddMutations(rank, 0, 0, n)
		}
		return nil
	}

	counts, err := e.mutatePairs(ctx, step)
	if err != nil {
		return err
	}
	if counts.bondsBroken+counts.bondsRetyped+counts.atomsRetyped > 0 {
		outcome = "mutated"
	}
	if e.metrics != nil {
		e.metrics.AddMutations(rank, counts.bondsBroken, counts.bondsRetyped, counts.atomsRetyped)
	}

	var retyped int64
	if e.rule.Pair.NewBondType != nil {
		if err := e.phase(ctx, "reduce_retypes", func(ctx context.Context) error {
			var err error
			retyped, err = e.sync.AllReduceSum(ctx, counts.bondsRetyped)
			return err
		}); err != nil {
			return err
		}
	}

	if err := e.phase(ctx, "reduce_breaks", func(ctx context.Context) error {
		total, err := e.sync.AllReduceSum(ctx, counts.bondsBroken)
		e.breakCount = total
		return err
	}); err != nil {
		return err
	}
	e.breakTotal += e.breakCount

	if e.breakCount == 0 {
		if retyped > 0 {
			e.part.RequestReneighbor(step)
		}
		return nil
	}
	e.part.AdjustCounts(model.Counts{Bonds: e.breakCount})

	if err := e.phase(ctx, "broadcast_topology", func(ctx context.Context) error {
		return e.sync.ForwardExchange(ctx, topologyCodec{part: e.part, c: &e.cand, maxSpecial: e.part.MaxSpecial()})
	}); err != nil {
		return err
	}

	if err := e.phase(ctx, "update_topology", e.updateTopology); err != nil {
		return err
	}

	e.log.Info(ctx, "bonds broken",
		logging.Int64("step", step),
		logging.Int64("count", e.breakCount),
		logging.Int64("total", e.breakTotal),
	)
	e.part.NotifyTopologyChanged(step)
	e.part.RequestReneighbor(step)
	return nil
}

// mutatePairs selects partners, resolves them across ranks and applies the
// accepted mutations to owned atoms.
func (e *Engine) mutatePairs(ctx context.Context, step int64) (mutationCounts, error) {
	p, c := e.part, &e.cand
	c.reset(p.NAll())

	var eligible int
	_ = e.phase(ctx, "select", func(context.Context) error {
		eligible = selectPartners(p, e.rule, c)
		return nil
	})

	if err := e.resolve(ctx); err != nil {
		return mutationCounts{}, err
	}

	decisions, mutual := e.decide()
	if e.metrics != nil {
		e.metrics.SetMutualPairs(p.Rank(), mutual)
	}
	e.log.Debug(ctx, "candidates resolved",
		logging.Int64("step", step),
		logging.Int("eligible_bonds", eligible),
		logging.Int("mutual", mutual),
		logging.Int("accepted", len(decisions)),
	)
	return e.apply(ctx, step, decisions), nil
}

// checkGhosts verifies that every owned atom's 1-2 and 1-3 neighbours are
// resident. The outcome is agreed by all ranks.
func (e *Engine) checkGhosts(ctx context.Context, step int64) error {
	p := e.part
	missing := false
	for i := 0; i < p.NLocal() && !missing; i++ {
		a := p.Atom(i)
		for _, id := range a.Special.IDs[:a.Special.N13] {
			if p.Index(id) < 0 {
				e.log.Error(ctx, "neighbour not resident",
					logging.Tag("atom", a.Tag),
					logging.Tag("neighbour", id),
				)
				missing = true
				break
			}
		}
	}
	missing, err := e.sync.AllReduceOr(ctx, missing)
	if err != nil {
		return err
	}
	if missing {
		return ErrInsufficientGhostRange
	}
	e.lastCheck = step
	return nil
}

// Rebuild failure codes. A max reduction keeps the most severe.
const (
	rebuildOK int64 = iota
	rebuildOverflow
	rebuildGhostRange
)

func rebuildCode(err error) int64 {
	switch {
	case err == nil:
		return rebuildOK
	case errors.Is(err, ErrInsufficientGhostRange):
		return rebuildGhostRange
	default:
		return rebuildOverflow
	}
}

// updateTopology rebuilds the special lists of owned atoms influenced by any
// bond broken this invocation and prunes their higher-order terms, then
// reduces the removal counts. Lists are staged until every rank reports a
// clean rebuild; on failure no rank writes any of them.
func (e *Engine) updateTopology(ctx context.Context) error {
	p, c := e.part, &e.cand

	e.broken = e.broken[:0]
	for i := 0; i < p.NAll(); i++ {
		if c.final[i] == model.NoTag {
			continue
		}
		tag := p.Atom(i).Tag
		j := p.Index(c.final[i])
		if j < 0 || tag < p.Atom(j).Tag {
			e.broken = append(e.broken, [2]model.Tag{tag, c.final[i]})
		}
	}

	e.touched = e.touched[:0]
	e.special.reset()
	var failure error
	for i := 0; i < p.NLocal(); i++ {
		a := p.Atom(i)
		touched := false
		for _, br := range e.broken {
			if influenced(a, br[0], br[1]) {
				touched = true
				break
			}
		}
		if !touched {
			continue
		}
		e.touched = append(e.touched, i)
		if err := e.special.rebuild(p, i); err != nil && failure == nil {
			failure = err
		}
	}

	code, err := e.sync.AllReduceMax(ctx, rebuildCode(failure))
	if err != nil || code != rebuildOK {
		e.special.reset()
		switch {
		case err != nil:
			return err
		case failure != nil:
			return failure
		case code == rebuildGhostRange:
			return fmt.Errorf("%w: topology rebuild failed on another rank", ErrInsufficientGhostRange)
		default:
			return fmt.Errorf("%w: topology rebuild failed on another rank", kb.ErrSpecialOverflow)
		}
	}

	var removed [3]int64
	for _, i := range e.touched {
		a := p.Atom(i)
		for _, br := range e.broken {
			if !influenced(a, br[0], br[1]) {
				continue
			}
			if e.angles {
				removed[0] += int64(breakAngles(a, br[0], br[1]))
			}
			if e.dihedrals {
				removed[1] += int64(breakDihedrals(a, br[0], br[1]))
			}
			if e.impropers {
				removed[2] += int64(breakImpropers(a, br[0], br[1]))
			}
		}
	}
	e.special.commit(p)

	var delta model.Counts
	for k, on := range []bool{e.angles, e.dihedrals, e.impropers} {
		if !on {
			continue
		}
		all, err := e.sync.AllReduceSum(ctx, removed[k])
		if err != nil {
			return err
		}
		if !p.NewtonBond() {
			all /= int64(3 + min(k, 1))
		}
		switch k {
		case 0:
			delta.Angles = all
		case 1:
			delta.Dihedrals = all
		case 2:
			delta.Impropers = all
		}
		if e.metrics != nil && all > 0 && p.Rank() == 0 {
			e.metrics.AddTermsRemoved(termKinds[k], all)
		}
	}
	p.AdjustCounts(delta)
	return nil
}

var termKinds = [3]string{"angle", "dihedral", "improper"}

// phase runs fn inside a child span.
func (e *Engine) phase(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := e.tracer.Start(ctx, "bondchange."+name)
	defer span.End()
	if err := fn(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (e *Engine) flushEvents(ctx context.Context) {
	if e.events == nil || len(e.pending) == 0 {
		return
	}
	if err := e.events.RecordEvents(ctx, e.pending); err != nil {
		e.log.Warn(ctx, "recording bond events failed", logging.Err(err))
	}
	e.pending = e.pending[:0]
}
