package comm

import (
	"context"
	"fmt"
	"time"

	"github.com/signalsfoundry/bondchange/kb"
)

// Forwarder packs per-atom state on the owner and unpacks it into the
// ghost mirrors of other ranks. Unpacking overwrites.
type Forwarder interface {
	PackForward(enc *Encoder, i int)
	UnpackForward(dec *Decoder, i int) error
}

// Reverser packs per-atom state held on ghosts and merges it into the
// owner's copy.
type Reverser interface {
	PackReverse(enc *Encoder, i int)
	UnpackReverse(dec *Decoder, i int) error
}

// GhostSync is the collective interface the engine needs from the
// decomposition: neighbour exchanges over ghost atoms and global reductions.
// Every rank must call the same operations in the same order.
type GhostSync interface {
	Rank() int
	Size() int
	ForwardExchange(ctx context.Context, f Forwarder) error
	ReverseAccumulate(ctx context.Context, r Reverser) error
	AllReduceSum(ctx context.Context, v int64) (int64, error)
	AllReduceMax(ctx context.Context, v int64) (int64, error)
	AllReduceOr(ctx context.Context, v bool) (bool, error)
}

// ExchangeObserver is told about every completed collective.
type ExchangeObserver interface {
	ObserveExchange(rank int, op string, bytes int64, seconds float64)
}

// Exchanger implements GhostSync over a Transport using a partition's
// exchange plans.
type Exchanger struct {
	part     *kb.Partition
	tr       Transport
	seq      uint64
	compress bool
	observer ExchangeObserver

	bytesSent int64
}

// ExchangerOption customises an Exchanger.
type ExchangerOption func(*Exchanger)

// WithCompression snappy-compresses large payloads.
func WithCompression(on bool) ExchangerOption {
	return func(x *Exchanger) { x.compress = on }
}

// WithObserver reports collective sizes and durations to o.
func WithObserver(o ExchangeObserver) ExchangerOption {
	return func(x *Exchanger) { x.observer = o }
}

// NewExchanger binds a partition to a transport of the same rank.
func NewExchanger(part *kb.Partition, tr Transport, opts ...ExchangerOption) (*Exchanger, error) {
	if part == nil || tr == nil {
		return nil, fmt.Errorf("exchanger needs a partition and a transport")
	}
	if part.Rank() != tr.Rank() {
		return nil, fmt.Errorf("partition rank %d does not match transport rank %d", part.Rank(), tr.Rank())
	}
	x := &Exchanger{part: part, tr: tr}
	for _, opt := range opts {
		opt(x)
	}
	return x, nil
}

func (x *Exchanger) Rank() int { return x.tr.Rank() }
func (x *Exchanger) Size() int { return x.tr.Size() }

// BytesSent returns the total encoded payload bytes sent so far.
func (x *Exchanger) BytesSent() int64 { return x.bytesSent }

// ForwardExchange sends owned state along the send plans and unpacks what
// the owners of local ghosts sent.
func (x *Exchanger) ForwardExchange(ctx context.Context, f Forwarder) (err error) {
	x.seq++
	defer x.observe(OpForward, time.Now(), x.bytesSent, &err)
	for _, plan := range x.part.SendPlans() {
		enc := NewEncoder(len(plan.Tags) * 32)
		for _, tag := range plan.Tags {
			f.PackForward(enc, x.part.Index(tag))
		}
		if err := x.send(ctx, plan.Peer, OpForward, enc.Bytes()); err != nil {
			return err
		}
	}
	for _, plan := range x.part.RecvPlans() {
		dec, err := x.recv(ctx, plan.Peer, OpForward)
		if err != nil {
			return err
		}
		for _, tag := range plan.Tags {
			if err := f.UnpackForward(dec, x.part.Index(tag)); err != nil {
				return fmt.Errorf("forward from rank %d, atom %d: %w", plan.Peer, tag, err)
			}
		}
		if err := finish(dec, plan.Peer); err != nil {
			return err
		}
	}
	return nil
}

// ReverseAccumulate sends ghost state to the owning ranks, which merge it
// into their atoms.
func (x *Exchanger) ReverseAccumulate(ctx context.Context, r Reverser) (err error) {
	x.seq++
	defer x.observe(OpReverse, time.Now(), x.bytesSent, &err)
	for _, plan := range x.part.RecvPlans() {
		enc := NewEncoder(len(plan.Tags) * 16)
		for _, tag := range plan.Tags {
			r.PackReverse(enc, x.part.Index(tag))
		}
		if err := x.send(ctx, plan.Peer, OpReverse, enc.Bytes()); err != nil {
			return err
		}
	}
	for _, plan := range x.part.SendPlans() {
		dec, err := x.recv(ctx, plan.Peer, OpReverse)
		if err != nil {
			return err
		}
		for _, tag := range plan.Tags {
			if err := r.UnpackReverse(dec, x.part.Index(tag)); err != nil {
				return fmt.Errorf("reverse from rank %d, atom %d: %w", plan.Peer, tag, err)
			}
		}
		if err := finish(dec, plan.Peer); err != nil {
			return err
		}
	}
	return nil
}

// AllReduceSum returns the sum of v over all ranks.
func (x *Exchanger) AllReduceSum(ctx context.Context, v int64) (int64, error) {
	return x.allReduce(ctx, v, func(a, b int64) int64 { return a + b })
}

// AllReduceMax returns the largest v over all ranks.
func (x *Exchanger) AllReduceMax(ctx context.Context, v int64) (int64, error) {
	return x.allReduce(ctx, v, func(a, b int64) int64 { return max(a, b) })
}

func (x *Exchanger) allReduce(ctx context.Context, v int64, combine func(a, b int64) int64) (_ int64, err error) {
	x.seq++
	defer x.observe(OpReduce, time.Now(), x.bytesSent, &err)
	enc := NewEncoder(10)
	enc.Int(v)
	for peer := 0; peer < x.Size(); peer++ {
		if peer == x.Rank() {
			continue
		}
		if err := x.send(ctx, peer, OpReduce, enc.Bytes()); err != nil {
			return 0, err
		}
	}
	total := v
	for peer := 0; peer < x.Size(); peer++ {
		if peer == x.Rank() {
			continue
		}
		dec, err := x.recv(ctx, peer, OpReduce)
		if err != nil {
			return 0, err
		}
		total = combine(total, dec.Int())
		if err := finish(dec, peer); err != nil {
			return 0, err
		}
	}
	return total, nil
}

// AllReduceOr returns true when v is true on any rank.
func (x *Exchanger) AllReduceOr(ctx context.Context, v bool) (bool, error) {
	var n int64
	if v {
		n = 1
	}
	sum, err := x.AllReduceSum(ctx, n)
	if err != nil {
		return false, err
	}
	return sum > 0, nil
}

// observe reports a successful collective that started at start.
func (x *Exchanger) observe(op Op, start time.Time, sentBefore int64, err *error) {
	if x.observer == nil || *err != nil {
		return
	}
	x.observer.ObserveExchange(x.Rank(), op.String(), x.bytesSent-sentBefore, time.Since(start).Seconds())
}

func (x *Exchanger) send(ctx context.Context, to int, op Op, payload []byte) error {
	frame := EncodeEnvelope(Envelope{From: x.Rank(), Op: op, Seq: x.seq, Payload: payload}, x.compress)
	x.bytesSent += int64(len(payload))
	if err := x.tr.Send(ctx, to, frame); err != nil {
		return fmt.Errorf("rank %d: %s send to %d: %w", x.Rank(), op, to, err)
	}
	return nil
}

func (x *Exchanger) recv(ctx context.Context, from int, op Op) (*Decoder, error) {
	frame, err := x.tr.Recv(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("rank %d: %s recv from %d: %w", x.Rank(), op, from, err)
	}
	env, err := DecodeEnvelope(frame)
	if err != nil {
		return nil, err
	}
	if env.From != from || env.Op != op || env.Seq != x.seq {
		return nil, fmt.Errorf("%w: rank %d expected %s#%d from %d, got %s#%d from %d",
			ErrProtocol, x.Rank(), op, x.seq, from, env.Op, env.Seq, env.From)
	}
	return NewDecoder(env.Payload), nil
}

func finish(dec *Decoder, peer int) error {
	if err := dec.Err(); err != nil {
		return fmt.Errorf("buffer from rank %d: %w", peer, err)
	}
	if dec.Remaining() != 0 {
		return fmt.Errorf("%w: %d trailing bytes from rank %d", ErrProtocol, dec.Remaining(), peer)
	}
	return nil
}
