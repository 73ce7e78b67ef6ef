// Package commtest exercises comm.Transport implementations with a common
// conformance suite.
package commtest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/signalsfoundry/bondchange/internal/comm"
	"github.com/signalsfoundry/bondchange/kb"
	"github.com/signalsfoundry/bondchange/model"
)

// framesPerPair is the number of frames each rank sends to each peer.
const framesPerPair = 8

// RunConformance checks per-pair ordering and a full exchange round over
// the given endpoints, one per rank.
func RunConformance(t *testing.T, eps []comm.Transport) {
	t.Helper()
	n := len(eps)
	for r, ep := range eps {
		require.Equal(t, r, ep.Rank())
		require.Equal(t, n, ep.Size())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	t.Run("ordered", func(t *testing.T) {
		g, gctx := errgroup.WithContext(ctx)
		for r := range eps {
			g.Go(func() error {
				ep := eps[r]
				for seq := uint64(1); seq <= framesPerPair; seq++ {
					for peer := 0; peer < n; peer++ {
						if peer == r {
							continue
						}
						frame := comm.EncodeEnvelope(comm.Envelope{From: r, Op: comm.OpForward, Seq: seq, Payload: []byte{byte(r)}}, false)
						if err := ep.Send(gctx, peer, frame); err != nil {
							return err
						}
					}
				}
				for peer := 0; peer < n; peer++ {
					if peer == r {
						continue
					}
					for seq := uint64(1); seq <= framesPerPair; seq++ {
						frame, err := ep.Recv(gctx, peer)
						if err != nil {
							return err
						}
						env, err := comm.DecodeEnvelope(frame)
						if err != nil {
							return err
						}
						if env.From != peer || env.Seq != seq {
							return fmt.Errorf("rank %d: got %d#%d, want %d#%d", r, env.From, env.Seq, peer, seq)
						}
					}
				}
				return nil
			})
		}
		require.NoError(t, g.Wait())
	})

	t.Run("exchange", func(t *testing.T) {
		parts := ring(t, 3*n, n)
		g, gctx := errgroup.WithContext(ctx)
		sums := make([]int64, n)
		for r := range eps {
			g.Go(func() error {
				x, err := comm.NewExchanger(parts[r], eps[r], comm.WithCompression(true))
				if err != nil {
					return err
				}
				types := typeMirror{part: parts[r]}
				if err := x.ForwardExchange(gctx, types); err != nil {
					return err
				}
				for i := parts[r].NLocal(); i < parts[r].NAll(); i++ {
					if got := parts[r].Atom(i).Type; got != int(parts[r].Atom(i).Tag) {
						return fmt.Errorf("rank %d ghost %d has type %d", r, parts[r].Atom(i).Tag, got)
					}
				}
				s, err := x.AllReduceSum(gctx, int64(parts[r].NLocal()))
				sums[r] = s
				return err
			})
		}
		require.NoError(t, g.Wait())
		for r := range sums {
			require.Equal(t, int64(3*n), sums[r])
		}
	})
}

// typeMirror forwards each owned atom's tag as its type.
type typeMirror struct {
	part *kb.Partition
}

func (m typeMirror) PackForward(enc *comm.Encoder, i int) {
	enc.Int(int64(m.part.Atom(i).Tag))
}

func (m typeMirror) UnpackForward(dec *comm.Decoder, i int) error {
	m.part.Atom(i).Type = int(dec.Int())
	return dec.Err()
}

func ring(t *testing.T, natoms, nranks int) []*kb.Partition {
	t.Helper()
	sys := model.NewSystem(natoms, 1, true)
	for tag := 1; tag <= natoms; tag++ {
		sys.Masses[tag] = 1
		require.NoError(t, sys.AddAtom(model.Atom{Tag: model.Tag(tag), Type: 1}))
	}
	for tag := 1; tag <= natoms; tag++ {
		next := tag%natoms + 1
		require.NoError(t, sys.AddBond(1, model.Tag(tag), model.Tag(next)))
	}
	parts, err := kb.Decompose(sys, nranks, func(a *model.Atom) int {
		return int(a.Tag-1) * nranks / natoms
	}, 1)
	require.NoError(t, err)
	return parts
}
