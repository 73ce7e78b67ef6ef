// Package sim drives a decomposed particle system through timesteps: every
// rank integrates, runs its bond-change engine, and the world re-mirrors
// ghosts whenever a reneighbor is due.
package sim

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/signalsfoundry/bondchange/core"
	"github.com/signalsfoundry/bondchange/internal/comm"
	"github.com/signalsfoundry/bondchange/internal/logging"
	"github.com/signalsfoundry/bondchange/kb"
	"github.com/signalsfoundry/bondchange/model"
)

// Integrator advances the owned atoms of one partition by a step.
type Integrator interface {
	Integrate(p *kb.Partition, step int64)
}

// DriftIntegrator moves owned atoms along their velocity with no forces.
type DriftIntegrator struct {
	Dt float64
}

// Integrate implements Integrator.
func (d DriftIntegrator) Integrate(p *kb.Partition, _ int64) {
	if d.Dt == 0 {
		return
	}
	for i := 0; i < p.NLocal(); i++ {
		a := p.Atom(i)
		a.Position = a.Position.Add(a.Velocity.Scale(d.Dt))
	}
}

// Stats summarises the run so far.
type Stats struct {
	Step         int64
	LastBroken   int64
	TotalBroken  int64
	Counts       model.Counts
	Reneighbors  int64
	BytesSent    int64
	EngineMemory int64
}

// Option configures a World.
type Option func(*options)

type options struct {
	integrator      Integrator
	logger          logging.Logger
	reneighborEvery int64
	engineOpts      func(rank int) []core.Option
	exchangerOpts   []comm.ExchangerOption
}

// WithIntegrator sets the per-step integrator. The default leaves atoms in place.
func WithIntegrator(i Integrator) Option {
	return func(o *options) { o.integrator = i }
}

// WithLogger sets the world logger.
func WithLogger(l logging.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithReneighborEvery forces a ghost refresh every n steps in addition to
// the ones engines request. Zero disables the cadence.
func WithReneighborEvery(n int64) Option {
	return func(o *options) { o.reneighborEvery = n }
}

// WithEngineOptions supplies per-rank engine options.
func WithEngineOptions(fn func(rank int) []core.Option) Option {
	return func(o *options) { o.engineOpts = fn }
}

// WithExchangerOptions applies opts to every rank's exchanger.
func WithExchangerOptions(opts ...comm.ExchangerOption) Option {
	return func(o *options) { o.exchangerOpts = append(o.exchangerOpts, opts...) }
}

// World is a complete multi-rank run living in one process. Ranks talk to
// each other only through their transports.
type World struct {
	parts      []*kb.Partition
	transports []comm.Transport
	exchangers []*comm.Exchanger
	engines    []*core.Engine

	integrator      Integrator
	log             logging.Logger
	reneighborEvery int64

	requested   atomic.Bool
	mu          sync.Mutex
	step        int64
	lastRebuild int64
	reneighbors int64

	unsubscribe []func()
}

// NewWorld decomposes sys over one rank per transport and builds an engine
// for rule on every rank. transports[r] must report rank r. assign maps an
// atom to its owning rank; nil spreads atoms in tag order.
func NewWorld(sys *model.System, rule *core.Rule, transports []comm.Transport, ghostHops int, assign func(*model.Atom) int, opts ...Option) (*World, error) {
	if len(transports) == 0 {
		return nil, errors.New("sim: at least one transport is required")
	}
	o := options{logger: logging.Noop()}
	for _, opt := range opts {
		opt(&o)
	}
	for r, tr := range transports {
		if tr.Rank() != r || tr.Size() != len(transports) {
			return nil, fmt.Errorf("sim: transport %d reports rank %d of %d", r, tr.Rank(), tr.Size())
		}
	}
	if assign == nil {
		assign = BlockAssign(sys, len(transports))
	}
	if err := kb.BuildSpecial(sys); err != nil {
		return nil, err
	}
	parts, err := kb.Decompose(sys, len(transports), assign, ghostHops)
	if err != nil {
		return nil, err
	}

	w := &World{
		parts:           parts,
		transports:      transports,
		integrator:      o.integrator,
		log:             o.logger,
		reneighborEvery: o.reneighborEvery,
	}
	for r, p := range parts {
		x, err := comm.NewExchanger(p, transports[r], o.exchangerOpts...)
		if err != nil {
			return nil, fmt.Errorf("rank %d: %w", r, err)
		}
		var engineOpts []core.Option
		if o.engineOpts != nil {
			engineOpts = o.engineOpts(r)
		}
		e, err := core.NewEngine(rule, p, x, engineOpts...)
		if err != nil {
			return nil, fmt.Errorf("rank %d: %w", r, err)
		}
		w.exchangers = append(w.exchangers, x)
		w.engines = append(w.engines, e)
		w.unsubscribe = append(w.unsubscribe, p.Subscribe(func(ev kb.Event) {
			if ev.Type == kb.EventReneighborRequested {
				w.requested.Store(true)
			}
		}))
	}
	return w, nil
}

// BlockAssign splits atoms in tag order into contiguous blocks of nearly
// equal size.
func BlockAssign(sys *model.System, ranks int) func(*model.Atom) int {
	sorted := make([]model.Tag, 0, len(sys.Atoms))
	for i := range sys.Atoms {
		sorted = append(sorted, sys.Atoms[i].Tag)
	}
	slices.Sort(sorted)
	pos := make(map[model.Tag]int, len(sorted))
	for i, tag := range sorted {
		pos[tag] = i
	}
	n := len(sorted)
	return func(a *model.Atom) int {
		if n == 0 {
			return 0
		}
		return pos[a.Tag] * ranks / n
	}
}

// Ranks returns the number of ranks.
func (w *World) Ranks() int { return len(w.parts) }

// Engine returns rank r's engine.
func (w *World) Engine(r int) *core.Engine { return w.engines[r] }

// Partition returns rank r's partition.
func (w *World) Partition(r int) *kb.Partition { return w.parts[r] }

// Step advances every rank by one timestep concurrently. The first rank
// error cancels the others and is returned; the world must not be stepped
// again after an error.
func (w *World) Step(ctx context.Context, step int64) error {
	g, gctx := errgroup.WithContext(ctx)
	for r := range w.parts {
		g.Go(func() error {
			if w.integrator != nil {
				w.integrator.Integrate(w.parts[r], step)
			}
			if err := w.engines[r].PostIntegrate(gctx, step); err != nil {
				return fmt.Errorf("rank %d: %w", r, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.step = step
	due := w.reneighborEvery > 0 && step-w.lastRebuild >= w.reneighborEvery
	if w.requested.Swap(false) || due {
		if err := kb.RefreshGhosts(w.parts, step); err != nil {
			return fmt.Errorf("reneighbor at step %d: %w", step, err)
		}
		w.lastRebuild = step
		w.reneighbors++
		w.log.Debug(ctx, "ghosts refreshed", logging.Int64("step", step), logging.Bool("scheduled", due))
	}
	return nil
}

// Snapshot gathers the owned atoms of every rank into a global system.
// Call it between steps.
func (w *World) Snapshot() *model.System { return kb.Gather(w.parts) }

// Stats returns the run statistics. The break counters are global, so
// rank 0's engine is representative.
func (w *World) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := Stats{
		Step:        w.step,
		LastBroken:  int64(w.engines[0].Vector(0)),
		TotalBroken: int64(w.engines[0].Vector(1)),
		Counts:      w.parts[0].Counts(),
		Reneighbors: w.reneighbors,
	}
	for r := range w.engines {
		s.BytesSent += w.exchangers[r].BytesSent()
		s.EngineMemory += w.engines[r].MemoryUsage()
	}
	return s
}

// Close releases every transport.
func (w *World) Close() error {
	for _, unsub := range w.unsubscribe {
		unsub()
	}
	var errs []error
	for r, tr := range w.transports {
		if err := tr.Close(); err != nil {
			errs = append(errs, fmt.Errorf("rank %d: %w", r, err))
		}
	}
	return errors.Join(errs...)
}
