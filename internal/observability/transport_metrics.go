package observability

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// TransportCollector exposes metrics for ghost exchanges and the gRPC
// frames that carry them. It satisfies comm.ExchangeObserver.
type TransportCollector struct {
	gatherer prometheus.Gatherer

	Exchanges        *prometheus.CounterVec
	ExchangeBytes    *prometheus.CounterVec
	ExchangeDuration *prometheus.HistogramVec
	RPCRequests      *prometheus.CounterVec
	RPCDurations     *prometheus.HistogramVec
}

// NewTransportCollector registers transport metrics against the provided registerer.
func NewTransportCollector(reg prometheus.Registerer) (*TransportCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	exchanges := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bondchange_exchanges_total",
		Help: "Completed collectives, labeled by rank and operation (forward, reverse, reduce).",
	}, []string{"rank", "op"})
	exchanges, err := registerCounterVec(reg, exchanges, "bondchange_exchanges_total")
	if err != nil {
		return nil, err
	}

	bytes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bondchange_exchange_bytes_total",
		Help: "Encoded payload bytes sent by collectives before compression.",
	}, []string{"rank", "op"})
	bytes, err = registerCounterVec(reg, bytes, "bondchange_exchange_bytes_total")
	if err != nil {
		return nil, err
	}

	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bondchange_exchange_duration_seconds",
		Help:    "Duration of one collective on one rank, including waiting for peers.",
		Buckets: []float64{0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"op"})
	duration, err = registerHistogramVec(reg, duration, "bondchange_exchange_duration_seconds")
	if err != nil {
		return nil, err
	}

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bondchange_rpc_requests_total",
		Help: "Total number of handled transport RPCs, labeled by service, method, and gRPC status code.",
	}, []string{"service", "method", "code"})
	requests, err = registerCounterVec(reg, requests, "bondchange_rpc_requests_total")
	if err != nil {
		return nil, err
	}

	rpcDurations := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bondchange_rpc_duration_seconds",
		Help:    "Transport RPC latency in seconds.",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"service", "method"})
	rpcDurations, err = registerHistogramVec(reg, rpcDurations, "bondchange_rpc_duration_seconds")
	if err != nil {
		return nil, err
	}

	return &TransportCollector{
		gatherer:         gatherer,
		Exchanges:        exchanges,
		ExchangeBytes:    bytes,
		ExchangeDuration: duration,
		RPCRequests:      requests,
		RPCDurations:     rpcDurations,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *TransportCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// ObserveExchange records one completed collective.
func (c *TransportCollector) ObserveExchange(rank int, op string, bytes int64, seconds float64) {
	if c == nil {
		return
	}
	r := strconv.Itoa(rank)
	if c.Exchanges != nil {
		c.Exchanges.WithLabelValues(r, op).Inc()
	}
	if c.ExchangeBytes != nil && bytes > 0 {
		c.ExchangeBytes.WithLabelValues(r, op).Add(float64(bytes))
	}
	if c.ExchangeDuration != nil {
		c.ExchangeDuration.WithLabelValues(op).Observe(seconds)
	}
}

// UnaryServerInterceptor records request counts and durations for unary RPCs.
func (c *TransportCollector) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		if c == nil {
			return resp, err
		}

		fullMethod := ""
		if info != nil {
			fullMethod = info.FullMethod
		}
		service, method := SplitMethod(fullMethod)
		code := status.Code(err).String()

		if c.RPCRequests != nil {
			c.RPCRequests.WithLabelValues(service, method, code).Inc()
		}
		if c.RPCDurations != nil {
			c.RPCDurations.WithLabelValues(service, method).Observe(time.Since(start).Seconds())
		}

		return resp, err
	}
}

// SplitMethod parses a fully-qualified gRPC method name into service and method
// components. It tolerates empty strings and partial paths, returning
// "unknown"/"unknown" when parsing fails.
func SplitMethod(fullMethod string) (string, string) {
	if fullMethod == "" {
		return "unknown", "unknown"
	}
	fullMethod = strings.TrimPrefix(fullMethod, "/")
	parts := strings.Split(fullMethod, "/")
	if len(parts) < 2 {
		return "unknown", "unknown"
	}
	service := parts[len(parts)-2]
	method := parts[len(parts)-1]
	if dot := strings.LastIndex(service, "."); dot >= 0 && dot+1 < len(service) {
		service = service[dot+1:]
	}
	if service == "" {
		service = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	return service, method
}
