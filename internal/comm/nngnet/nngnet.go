// Package nngnet carries exchange frames between ranks over NNG push/pull
// sockets. Every rank listens on one pull socket and holds one push socket
// per peer, so frames between a pair of ranks share a single ordered pipe.
package nngnet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/pull"
	"go.nanomsg.org/mangos/v3/protocol/push"

	// Register all transports
	_ "go.nanomsg.org/mangos/v3/transport/all"

	"github.com/signalsfoundry/bondchange/internal/comm"
)

// Transport is one rank's NNG endpoint.
type Transport struct {
	rank int
	size int
	box  *comm.Mailbox

	pull  mangos.Socket
	pushs []mangos.Socket

	closeOnce sync.Once
	done      chan struct{}
}

// New listens on addrs[rank] and dials every other address. Dials are
// asynchronous, so peers may start in any order.
func New(rank int, addrs []string) (*Transport, error) {
	if rank < 0 || rank >= len(addrs) {
		return nil, fmt.Errorf("rank %d outside world of %d", rank, len(addrs))
	}
	t := &Transport{
		rank:  rank,
		size:  len(addrs),
		box:   comm.NewMailbox(len(addrs), comm.DefaultMailboxDepth),
		pushs: make([]mangos.Socket, len(addrs)),
		done:  make(chan struct{}),
	}

	sock, err := pull.NewSocket()
	if err != nil {
		return nil, fmt.Errorf("pull socket: %w", err)
	}
	if err := sock.Listen(addrs[rank]); err != nil {
		_ = sock.Close()
		return nil, fmt.Errorf("listen %s: %w", addrs[rank], err)
	}
	t.pull = sock
	go t.receive()

	for peer, addr := range addrs {
		if peer == rank {
			continue
		}
		ps, err := push.NewSocket()
		if err != nil {
			_ = t.Close()
			return nil, fmt.Errorf("push socket: %w", err)
		}
		t.pushs[peer] = ps
		if err := ps.DialOptions(addr, map[string]interface{}{mangos.OptionDialAsynch: true}); err != nil {
			_ = t.Close()
			return nil, fmt.Errorf("dial rank %d at %s: %w", peer, addr, err)
		}
	}

	return t, nil
}

func (t *Transport) receive() {
	defer close(t.done)
	for {
		frame, err := t.pull.Recv()
		if err != nil {
			if errors.Is(err, mangos.ErrClosed) {
				return
			}
			continue
		}
		from, err := comm.SenderOf(frame)
		if err != nil {
			continue
		}
		if err := t.box.Deliver(context.Background(), from, frame); err != nil {
			return
		}
	}
}

func (t *Transport) Rank() int { return t.rank }
func (t *Transport) Size() int { return t.size }

func (t *Transport) Send(ctx context.Context, to int, frame []byte) error {
	if to < 0 || to >= t.size || to == t.rank {
		return fmt.Errorf("send to rank %d from rank %d in world of %d", to, t.rank, t.size)
	}
	sock := t.pushs[to]
	if sock == nil {
		return comm.ErrClosed
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := sock.SetOption(mangos.OptionSendDeadline, time.Until(deadline)); err != nil {
			return err
		}
	}
	if err := sock.Send(frame); err != nil {
		if errors.Is(err, mangos.ErrClosed) {
			return comm.ErrClosed
		}
		if errors.Is(err, mangos.ErrSendTimeout) && ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("send to rank %d: %w", to, err)
	}
	return nil
}

func (t *Transport) Recv(ctx context.Context, from int) ([]byte, error) {
	return t.box.Take(ctx, from)
}

// Close shuts all sockets and waits for the receive loop to exit.
func (t *Transport) Close() error {
	var errs []error
	t.closeOnce.Do(func() {
		t.box.Close()
		for _, s := range t.pushs {
			if s != nil {
				errs = append(errs, s.Close())
			}
		}
		if t.pull != nil {
			errs = append(errs, t.pull.Close())
			<-t.done
		}
	})
	return errors.Join(errs...)
}

var _ comm.Transport = (*Transport)(nil)
