// Package grpcnet carries exchange frames between ranks over gRPC. Each
// rank serves a single unary Deliver method; a frame is acknowledged once
// it sits in the receiver's mailbox, which keeps per-pair order.
package grpcnet

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/signalsfoundry/bondchange/internal/comm"
)

const (
	serviceName   = "bondchange.comm.Exchange"
	deliverMethod = "/" + serviceName + "/Deliver"
)

type exchangeServer interface {
	Deliver(context.Context, *wrapperspb.BytesValue) (*emptypb.Empty, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*exchangeServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Deliver", Handler: deliverHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "bondchange/comm/exchange.proto",
}

func deliverHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(exchangeServer).Deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: deliverMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(exchangeServer).Deliver(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

type server struct {
	box *comm.Mailbox
}

func (s *server) Deliver(ctx context.Context, in *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	from, err := comm.SenderOf(in.GetValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := s.box.Deliver(ctx, from, in.GetValue()); err != nil {
		if errors.Is(err, comm.ErrClosed) {
			return nil, status.Error(codes.Unavailable, err.Error())
		}
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return &emptypb.Empty{}, nil
}

// Transport is one rank's gRPC endpoint.
type Transport struct {
	rank int
	size int
	box  *comm.Mailbox
	srv  *grpc.Server

	mu    sync.Mutex
	conns []*grpc.ClientConn
}

// Option customises a Transport.
type Option func(*options)

type options struct {
	interceptors []grpc.UnaryServerInterceptor
}

// WithUnaryInterceptor adds a server interceptor around Deliver.
func WithUnaryInterceptor(i grpc.UnaryServerInterceptor) Option {
	return func(o *options) {
		if i != nil {
			o.interceptors = append(o.interceptors, i)
		}
	}
}

// New serves this rank on lis and connects to the peers listed in addrs,
// indexed by rank. The entry for this rank is ignored.
func New(rank int, lis net.Listener, addrs []string, opts ...Option) (*Transport, error) {
	if rank < 0 || rank >= len(addrs) {
		return nil, fmt.Errorf("rank %d outside world of %d", rank, len(addrs))
	}
	t := &Transport{
		rank:  rank,
		size:  len(addrs),
		box:   comm.NewMailbox(len(addrs), comm.DefaultMailboxDepth),
		conns: make([]*grpc.ClientConn, len(addrs)),
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	t.srv = grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(o.interceptors...),
	)
	t.srv.RegisterService(&serviceDesc, &server{box: t.box})
	go func() {
		// Serve returns once Stop is called.
		_ = t.srv.Serve(lis)
	}()

	for peer, addr := range addrs {
		if peer == rank {
			continue
		}
		conn, err := grpc.NewClient(addr,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		)
		if err != nil {
			_ = t.Close()
			return nil, fmt.Errorf("dial rank %d at %s: %w", peer, addr, err)
		}
		t.conns[peer] = conn
	}
	return t, nil
}

func (t *Transport) Rank() int { return t.rank }
func (t *Transport) Size() int { return t.size }

func (t *Transport) Send(ctx context.Context, to int, frame []byte) error {
	if to < 0 || to >= t.size || to == t.rank {
		return fmt.Errorf("send to rank %d from rank %d in world of %d", to, t.rank, t.size)
	}
	t.mu.Lock()
	conn := t.conns[to]
	t.mu.Unlock()
	if conn == nil {
		return comm.ErrClosed
	}
	out := new(emptypb.Empty)
	if err := conn.Invoke(ctx, deliverMethod, wrapperspb.Bytes(frame), out, grpc.WaitForReady(true)); err != nil {
		if status.Code(err) == codes.Unavailable {
			return fmt.Errorf("%w: %v", comm.ErrClosed, err)
		}
		return err
	}
	return nil
}

func (t *Transport) Recv(ctx context.Context, from int) ([]byte, error) {
	return t.box.Take(ctx, from)
}

// Close stops the server and drops peer connections.
func (t *Transport) Close() error {
	t.box.Close()
	t.srv.Stop()

	t.mu.Lock()
	defer t.mu.Unlock()
	var errs []error
	for i, conn := range t.conns {
		if conn == nil {
			continue
		}
		if err := conn.Close(); err != nil {
			errs = append(errs, err)
		}
		t.conns[i] = nil
	}
	return errors.Join(errs...)
}

var _ comm.Transport = (*Transport)(nil)
