package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/signalsfoundry/bondchange/core"
	"github.com/signalsfoundry/bondchange/internal/comm"
	"github.com/signalsfoundry/bondchange/internal/comm/grpcnet"
	"github.com/signalsfoundry/bondchange/internal/comm/nngnet"
	"github.com/signalsfoundry/bondchange/internal/config"
	"github.com/signalsfoundry/bondchange/internal/journal"
	"github.com/signalsfoundry/bondchange/internal/logging"
	"github.com/signalsfoundry/bondchange/internal/observability"
	"github.com/signalsfoundry/bondchange/internal/sim"
	"github.com/signalsfoundry/bondchange/model"
	"github.com/signalsfoundry/bondchange/timectrl"
)

type runOptions struct {
	configPath  string
	steps       int64
	ranks       int
	transport   string
	metricsAddr string
	journalPath string

	stepsSet     bool
	ranksSet     bool
	transportSet bool

	// registry overrides the metrics registry, for tests.
	registry *prometheus.Registry
}

func run(ctx context.Context, opts runOptions, log logging.Logger, out io.Writer) error {
	ctx, runID := logging.EnsureRunID(ctx)
	log = log.With(logging.String("run_id", runID))

	s, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if opts.stepsSet {
		s.Run.Steps = opts.steps
	}
	if opts.ranksSet {
		s.Run.Ranks = opts.ranks
	}
	if opts.transportSet {
		s.Run.Transport = opts.transport
	}
	if err := s.Validate(); err != nil {
		return err
	}
	sys, rule, err := s.Build()
	if err != nil {
		return err
	}

	shutdownTracing, err := observability.StartTracing(ctx, s.Tracing, log)
	if err != nil {
		return fmt.Errorf("start tracing: %w", err)
	}
	defer observability.StopTracing(shutdownTracing, log)

	reg := opts.registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	engineMetrics, err := observability.NewEngineCollector(reg)
	if err != nil {
		return fmt.Errorf("engine metrics: %w", err)
	}
	transportMetrics, err := observability.NewTransportCollector(reg)
	if err != nil {
		return fmt.Errorf("transport metrics: %w", err)
	}
	if opts.metricsAddr != "" {
		srv := serveMetrics(ctx, opts.metricsAddr, engineMetrics, log)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	var sink core.EventSink
	if opts.journalPath != "" {
		j, err := journal.Open(opts.journalPath, runID)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer func() {
			if err := j.Close(); err != nil {
				log.Warn(ctx, "closing journal", logging.Err(err))
			}
		}()
		sink = j
	}

	transports, err := newTransports(s.Run.Transport, s.Run.Ranks, runID, transportMetrics)
	if err != nil {
		return err
	}
	w, err := sim.NewWorld(sys, rule, transports, s.Run.GhostHops, nil,
		sim.WithLogger(log),
		sim.WithIntegrator(sim.DriftIntegrator{Dt: s.Run.Dt}),
		sim.WithReneighborEvery(s.Run.ReneighborEvery),
		sim.WithExchangerOptions(comm.WithCompression(s.Run.Compress), comm.WithObserver(transportMetrics)),
		sim.WithEngineOptions(func(rank int) []core.Option {
			_, rankLog := logging.ForRank(ctx, log, rank)
			engineOpts := []core.Option{core.WithLogger(rankLog), core.WithMetricsRecorder(engineMetrics)}
			if sink != nil {
				engineOpts = append(engineOpts, core.WithEventSink(sink))
			}
			return engineOpts
		}),
	)
	if err != nil {
		closeAll(transports)
		return err
	}
	defer func() {
		if err := w.Close(); err != nil {
			log.Warn(ctx, "closing transports", logging.Err(err))
		}
	}()

	mode, err := timectrl.ParseMode(s.Run.Mode)
	if err != nil {
		return err
	}
	tick, err := s.Run.TickDuration()
	if err != nil {
		return err
	}
	ctl := timectrl.NewStepController(0, tick, mode)
	ctl.AddListener(w.Step)

	log.Info(ctx, "starting run",
		logging.String("rule", rule.String()),
		logging.Int("ranks", s.Run.Ranks),
		logging.String("transport", s.Run.Transport),
		logging.Int64("steps", s.Run.Steps),
		logging.String("mode", mode.String()),
	)
	start := time.Now()
	if err := ctl.Run(ctx, s.Run.Steps); err != nil {
		return err
	}

	st := w.Stats()
	log.Info(ctx, "run complete",
		logging.Int64("steps", st.Step),
		logging.Int64("bonds_broken", st.TotalBroken),
		logging.Int64("reneighbors", st.Reneighbors),
		logging.Float64("seconds", time.Since(start).Seconds()),
	)
	_, err = fmt.Fprintf(out, "steps=%d broken=%d bonds=%d angles=%d dihedrals=%d impropers=%d bytes=%d\n",
		st.Step, st.TotalBroken, st.Counts.Bonds, st.Counts.Angles, st.Counts.Dihedrals, st.Counts.Impropers, st.BytesSent)
	return err
}

// newTransports connects ranks ranks over the named transport. gRPC ranks
// listen on loopback ports; NNG ranks use in-process sockets.
func newTransports(kind string, ranks int, runID string, metrics *observability.TransportCollector) ([]comm.Transport, error) {
	switch kind {
	case "", "mem":
		return comm.NewMemNetwork(ranks).Endpoints(), nil
	case "grpc":
		listeners := make([]net.Listener, ranks)
		addrs := make([]string, ranks)
		for r := range listeners {
			lis, err := net.Listen("tcp", "127.0.0.1:0")
			if err != nil {
				for _, l := range listeners[:r] {
					_ = l.Close()
				}
				return nil, fmt.Errorf("listen for rank %d: %w", r, err)
			}
			listeners[r] = lis
			addrs[r] = lis.Addr().String()
		}
		out := make([]comm.Transport, 0, ranks)
		for r := range listeners {
			tr, err := grpcnet.New(r, listeners[r], addrs, grpcnet.WithUnaryInterceptor(metrics.UnaryServerInterceptor()))
			if err != nil {
				closeAll(out)
				for _, l := range listeners[r:] {
					_ = l.Close()
				}
				return nil, fmt.Errorf("rank %d: %w", r, err)
			}
			out = append(out, tr)
		}
		return out, nil
	case "nng":
		addrs := make([]string, ranks)
		for r := range addrs {
			addrs[r] = fmt.Sprintf("inproc://bondchange-%s-%d", runID, r)
		}
		out := make([]comm.Transport, 0, ranks)
		for r := range addrs {
			tr, err := nngnet.New(r, addrs)
			if err != nil {
				closeAll(out)
				return nil, fmt.Errorf("rank %d: %w", r, err)
			}
			out = append(out, tr)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: unknown transport %q", config.ErrInvalidScenario, kind)
}

func closeAll(transports []comm.Transport) {
	for _, tr := range transports {
		_ = tr.Close()
	}
}

func newMemWorld(sys *model.System, rule *core.Rule, hops int) (*sim.World, error) {
	return sim.NewWorld(sys, rule, comm.NewMemNetwork(1).Endpoints(), hops, nil)
}

func serveMetrics(ctx context.Context, addr string, collector *observability.EngineCollector, log logging.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn(ctx, "metrics server exited", logging.Err(err))
		}
	}()
	log.Info(ctx, "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}
