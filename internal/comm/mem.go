package comm

import (
	"context"
	"fmt"
)

// MemNetwork connects ranks of a single process through in-memory mailboxes.
type MemNetwork struct {
	boxes []*Mailbox
}

// NewMemNetwork returns a network of size ranks.
func NewMemNetwork(size int) *MemNetwork {
	n := &MemNetwork{boxes: make([]*Mailbox, size)}
	for i := range n.boxes {
		n.boxes[i] = NewMailbox(size, DefaultMailboxDepth)
	}
	return n
}

// Endpoint returns the transport of one rank.
func (n *MemNetwork) Endpoint(rank int) *MemTransport {
	return &MemTransport{net: n, rank: rank}
}

// Endpoints returns one transport per rank.
func (n *MemNetwork) Endpoints() []Transport {
	out := make([]Transport, len(n.boxes))
	for r := range out {
		out[r] = n.Endpoint(r)
	}
	return out
}

// MemTransport is one rank's endpoint on a MemNetwork.
type MemTransport struct {
	net  *MemNetwork
	rank int
}

func (t *MemTransport) Rank() int { return t.rank }
func (t *MemTransport) Size() int { return len(t.net.boxes) }

func (t *MemTransport) Send(ctx context.Context, to int, frame []byte) error {
	if to < 0 || to >= len(t.net.boxes) {
		return fmt.Errorf("send to rank %d outside world of %d", to, len(t.net.boxes))
	}
	return t.net.boxes[to].Deliver(ctx, t.rank, frame)
}

func (t *MemTransport) Recv(ctx context.Context, from int) ([]byte, error) {
	return t.net.boxes[t.rank].Take(ctx, from)
}

// Close shuts this rank's mailbox.
func (t *MemTransport) Close() error {
	t.net.boxes[t.rank].Close()
	return nil
}
