package core

import (
	"context"

	"github.com/signalsfoundry/bondchange/model"
)

// EventKind names a recorded mutation.
type EventKind string

const (
	EventBondBroken  EventKind = "bond_broken"
	EventBondRetyped EventKind = "bond_retyped"
	EventAtomRetyped EventKind = "atom_retyped"
)

// BondEvent is one mutation applied by a rank. Pair events are recorded
// once, by the owner of the lower tag; Atom2 is NoTag for atom events.
type BondEvent struct {
	Step    int64
	Rank    int
	Kind    EventKind
	Atom1   model.Tag
	Atom2   model.Tag
	OldType int
	NewType int
}

// EventSink receives the events of one invocation.
type EventSink interface {
	RecordEvents(ctx context.Context, events []BondEvent) error
}

// MetricsRecorder receives per-invocation statistics.
type MetricsRecorder interface {
	ObserveInvocation(rank int, outcome string, seconds float64)
	AddMutations(rank int, bondsBroken, bondsRetyped, atomsRetyped int64)
	AddTermsRemoved(kind string, n int64)
	SetMutualPairs(rank int, n int)
}
