package observability

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// EngineCollector bundles Prometheus metrics for bond/change invocations. It
// satisfies core.MetricsRecorder.
type EngineCollector struct {
	gatherer prometheus.Gatherer

	Invocations *prometheus.CounterVec
	Durations   *prometheus.HistogramVec

	BondsBroken  prometheus.Counter
	BondsRetyped prometheus.Counter
	AtomsRetyped prometheus.Counter
	TermsRemoved *prometheus.CounterVec
	MutualPairs  *prometheus.GaugeVec
}

// NewEngineCollector registers engine metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewEngineCollector(reg prometheus.Registerer) (*EngineCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	invocations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bondchange_invocations_total",
		Help: "Total number of bond/change invocations, labeled by rank and outcome (idle, mutated, error).",
	}, []string{"rank", "outcome"})
	invocations, err := registerCounterVec(reg, invocations, "bondchange_invocations_total")
	if err != nil {
		return nil, err
	}

	durations := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bondchange_invocation_duration_seconds",
		Help:    "Wall time of one bond/change invocation on a rank, including exchanges.",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"rank"})
	durations, err = registerHistogramVec(reg, durations, "bondchange_invocation_duration_seconds")
	if err != nil {
		return nil, err
	}

	broken, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bondchange_bonds_broken_total",
		Help: "Bonds broken, counted once per bond.",
	}), "bondchange_bonds_broken_total")
	if err != nil {
		return nil, err
	}
	retyped, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bondchange_bonds_retyped_total",
		Help: "Bonds whose type was rewritten, counted once per bond.",
	}), "bondchange_bonds_retyped_total")
	if err != nil {
		return nil, err
	}
	atoms, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bondchange_atoms_retyped_total",
		Help: "Atoms whose type changed.",
	}), "bondchange_atoms_retyped_total")
	if err != nil {
		return nil, err
	}

	terms := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bondchange_terms_removed_total",
		Help: "Angle, dihedral and improper terms removed with a broken bond.",
	}, []string{"kind"})
	terms, err = registerCounterVec(reg, terms, "bondchange_terms_removed_total")
	if err != nil {
		return nil, err
	}

	mutual := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bondchange_mutual_pairs",
		Help: "Owned atoms whose chosen partner chose them back in the last invocation.",
	}, []string{"rank"})
	mutual, err = registerGaugeVec(reg, mutual, "bondchange_mutual_pairs")
	if err != nil {
		return nil, err
	}

	return &EngineCollector{
		gatherer:     gatherer,
		Invocations:  invocations,
		Durations:    durations,
		BondsBroken:  broken,
		BondsRetyped: retyped,
		AtomsRetyped: atoms,
		TermsRemoved: terms,
		MutualPairs:  mutual,
	}, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *EngineCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// ObserveInvocation counts one invocation and records its duration.
func (c *EngineCollector) ObserveInvocation(rank int, outcome string, seconds float64) {
	if c == nil {
		return
	}
	r := strconv.Itoa(rank)
	if c.Invocations != nil {
		c.Invocations.WithLabelValues(r, outcome).Inc()
	}
	if c.Durations != nil {
		c.Durations.WithLabelValues(r).Observe(seconds)
	}
}

// AddMutations adds one rank's mutation counts.
func (c *EngineCollector) AddMutations(_ int, bondsBroken, bondsRetyped, atomsRetyped int64) {
	if c == nil {
		return
	}
	addCount(c.BondsBroken, bondsBroken)
	addCount(c.BondsRetyped, bondsRetyped)
	addCount(c.AtomsRetyped, atomsRetyped)
}

// AddTermsRemoved adds globally reduced term removals of one kind.
func (c *EngineCollector) AddTermsRemoved(kind string, n int64) {
	if c == nil || c.TermsRemoved == nil || n <= 0 {
		return
	}
	c.TermsRemoved.WithLabelValues(kind).Add(float64(n))
}

// SetMutualPairs records the number of mutual candidates on a rank.
func (c *EngineCollector) SetMutualPairs(rank int, n int) {
	if c == nil || c.MutualPairs == nil {
		return
	}
	c.MutualPairs.WithLabelValues(strconv.Itoa(rank)).Set(float64(n))
}

func addCount(counter prometheus.Counter, n int64) {
	if counter == nil || n <= 0 {
		return
	}
	counter.Add(float64(n))
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}
