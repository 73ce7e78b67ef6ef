package comm

import (
	"context"
	"fmt"
	"sync"
)

// Transport moves opaque frames between ranks. Frames sent from one rank to
// another are received in the order they were sent.
type Transport interface {
	Rank() int
	Size() int
	Send(ctx context.Context, to int, frame []byte) error
	Recv(ctx context.Context, from int) ([]byte, error)
	Close() error
}

// DefaultMailboxDepth bounds the number of undelivered frames per sender.
const DefaultMailboxDepth = 64

// Mailbox queues incoming frames per sender rank. All transports in this
// package deliver into one.
type Mailbox struct {
	queues []chan []byte
	closed chan struct{}
	once   sync.Once
}

// NewMailbox returns a mailbox for a world of size ranks.
func NewMailbox(size, depth int) *Mailbox {
	if depth <= 0 {
		depth = DefaultMailboxDepth
	}
	m := &Mailbox{
		queues: make([]chan []byte, size),
		closed: make(chan struct{}),
	}
	for i := range m.queues {
		m.queues[i] = make(chan []byte, depth)
	}
	return m
}

// Deliver enqueues a frame from the given sender, blocking while the queue
// is full.
func (m *Mailbox) Deliver(ctx context.Context, from int, frame []byte) error {
	if from < 0 || from >= len(m.queues) {
		return fmt.Errorf("%w: sender %d outside world of %d", ErrProtocol, from, len(m.queues))
	}
	select {
	case <-m.closed:
		return ErrClosed
	default:
	}
	select {
	case m.queues[from] <- frame:
		return nil
	case <-m.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Take dequeues the next frame from the given sender.
func (m *Mailbox) Take(ctx context.Context, from int) ([]byte, error) {
	if from < 0 || from >= len(m.queues) {
		return nil, fmt.Errorf("%w: sender %d outside world of %d", ErrProtocol, from, len(m.queues))
	}
	select {
	case frame := <-m.queues[from]:
		return frame, nil
	case <-m.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close wakes all blocked callers. It is safe to call more than once.
func (m *Mailbox) Close() {
	m.once.Do(func() { close(m.closed) })
}
