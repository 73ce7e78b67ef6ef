package sim

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/bondchange/core"
	"github.com/signalsfoundry/bondchange/internal/comm"
	"github.com/signalsfoundry/bondchange/model"
	"github.com/signalsfoundry/bondchange/timectrl"
)

func chain(t *testing.T, xs ...float64) *model.System {
	t.Helper()
	sys := model.NewSystem(2, 2, true)
	sys.Masses[1], sys.Masses[2] = 1, 2
	for i, x := range xs {
		require.NoError(t, sys.AddAtom(model.Atom{Tag: model.Tag(i + 1), Type: 1, Position: model.Vec3{X: x}}))
	}
	for i := 1; i < len(xs); i++ {
		require.NoError(t, sys.AddBond(1, model.Tag(i), model.Tag(i+1)))
	}
	return sys
}

func rule(t *testing.T, line string) *core.Rule {
	t.Helper()
	r, err := core.ParseRule(strings.Fields(line), core.Limits{NTypes: 2, NBondTypes: 2})
	require.NoError(t, err)
	return r
}

func newWorld(t *testing.T, sys *model.System, r *core.Rule, ranks, hops int, opts ...Option) *World {
	t.Helper()
	w, err := NewWorld(sys, r, comm.NewMemNetwork(ranks).Endpoints(), hops, nil, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func testCtx(t *testing.T) context.Context {
	c, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return c
}

func TestWorld_StepBreaksAndRefreshesGhosts(t *testing.T) {
	w := newWorld(t, chain(t, 0, 1, 3), rule(t, "1 bond 1 -> bond break"), 2, 2)
	require.NoError(t, w.Step(testCtx(t), 1))

	snap := w.Snapshot()
	require.Negative(t, snap.Atom(1).BondTo(2))
	require.Equal(t, int64(1), snap.Counts.Bonds)

	st := w.Stats()
	require.Equal(t, int64(1), st.Step)
	require.Equal(t, int64(1), st.LastBroken)
	require.Equal(t, int64(1), st.TotalBroken)
	require.Equal(t, int64(1), st.Reneighbors)
	require.Positive(t, st.BytesSent)
	require.Positive(t, st.EngineMemory)

	for r := 0; r < w.Ranks(); r++ {
		require.Equal(t, int64(1), w.Partition(r).LastRebuild(), "rank %d", r)
	}
}

func TestWorld_DriftStretchesBondUntilBreak(t *testing.T) {
	sys := chain(t, 0, 1)
	sys.Atom(2).Velocity = model.Vec3{X: 1}
	w := newWorld(t, sys, rule(t, "1 bond 1 distance >= 2.2 -> bond break"), 2, 2,
		WithIntegrator(DriftIntegrator{Dt: 0.5}))

	for step := int64(1); step <= 2; step++ {
		require.NoError(t, w.Step(testCtx(t), step))
		require.Zero(t, w.Stats().TotalBroken, "step %d", step)
	}
	require.NoError(t, w.Step(testCtx(t), 3))

	snap := w.Snapshot()
	require.InDelta(t, 2.5, snap.Atom(2).Position.X, 1e-12)
	require.Equal(t, int64(0), snap.Counts.Bonds)
	require.Equal(t, int64(1), w.Stats().TotalBroken)
}

func TestWorld_ReneighborCadence(t *testing.T) {
	w := newWorld(t, chain(t, 0, 1, 2), rule(t, "1 bond 2 -> bond break"), 3, 2, WithReneighborEvery(2))
	for step := int64(1); step <= 5; step++ {
		require.NoError(t, w.Step(testCtx(t), step))
	}
	require.Equal(t, int64(2), w.Stats().Reneighbors)
	require.Equal(t, int64(4), w.Partition(1).LastRebuild())
}

func TestWorld_FatalErrorStopsStep(t *testing.T) {
	w := newWorld(t, chain(t, 0, 1, 2, 3, 4, 5), rule(t, "1 bond 1 -> bond break"), 2, 1)
	err := w.Step(testCtx(t), 1)
	require.ErrorIs(t, err, core.ErrInsufficientGhostRange)
	require.Contains(t, err.Error(), "rank ")
}

func TestWorld_RejectsMisorderedTransports(t *testing.T) {
	eps := comm.NewMemNetwork(2).Endpoints()
	eps[0], eps[1] = eps[1], eps[0]
	_, err := NewWorld(chain(t, 0, 1), rule(t, "1 -> bond break"), eps, 2, nil)
	require.Error(t, err)

	_, err = NewWorld(chain(t, 0, 1), rule(t, "1 -> bond break"), nil, 2, nil)
	require.Error(t, err)
}

func TestWorld_DrivenByStepController(t *testing.T) {
	w := newWorld(t, chain(t, 0, 1, 3, 3.5), rule(t, "2 bond 1 -> bond break"), 2, 2)
	ctl := timectrl.NewStepController(0, 0, timectrl.Accelerated)
	ctl.AddListener(w.Step)
	require.NoError(t, ctl.Run(testCtx(t), 4))

	require.Equal(t, int64(4), ctl.Step())
	st := w.Stats()
	require.Equal(t, int64(4), st.Step)
	require.Equal(t, int64(1), st.LastBroken, "2-3 is the only bond left at step 4")
	require.Equal(t, int64(3), st.TotalBroken, "1-2 and 3-4 break at step 2")
	require.Zero(t, w.Snapshot().Counts.Bonds)
}

func TestBlockAssign_ContiguousBlocks(t *testing.T) {
	sys := chain(t, 0, 1, 2, 3, 4, 5)
	assign := BlockAssign(sys, 3)
	got := make([]int, 0, 6)
	for tag := model.Tag(1); tag <= 6; tag++ {
		got = append(got, assign(sys.Atom(tag)))
	}
	require.Equal(t, []int{0, 0, 1, 1, 2, 2}, got)
}
