// Package grpcserver is the operations listener: the standard gRPC health
// service fed by periodic storage pings.
package grpcserver

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the health-checked service.
const ServiceName = "cipherline.v1.Messaging"

// Pinger checks that storage is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Health reports ServiceName SERVING while storage answers pings.
type Health struct {
	hs       *health.Server
	pinger   Pinger
	interval time.Duration
	log      *zap.Logger
}

// NewHealth starts in NOT_SERVING until the first successful ping.
func NewHealth(p Pinger, interval time.Duration, log *zap.Logger) *Health {
	if log == nil {
		log = zap.NewNop()
	}
	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return &Health{hs: hs, pinger: p, interval: interval, log: log}
}

// Check pings storage once, updates the status and returns the ping error.
func (h *Health) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, h.interval)
	defer cancel()
	err := h.pinger.Ping(ctx)
	st := healthpb.HealthCheckResponse_SERVING
	if err != nil {
		st = healthpb.HealthCheckResponse_NOT_SERVING
		h.log.Warn("storage ping failed", zap.Error(err))
	}
	h.hs.SetServingStatus(ServiceName, st)
	h.hs.SetServingStatus("", st)
	return err
}

// Run checks every interval until ctx ends, then marks everything NOT_SERVING.
func (h *Health) Run(ctx context.Context) {
	t := time.NewTicker(h.interval)
	defer t.Stop()
	_ = h.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			h.hs.Shutdown()
			return
		case <-t.C:
			_ = h.Check(ctx)
		}
	}
}

// Options configure the ops gRPC server.
type Options struct {
	Creds credentials.TransportCredentials
	Dev   bool
}

// New builds the gRPC server with recover and logging interceptors and the health service.
func New(h *Health, opts Options, log *zap.Logger) *grpc.Server {
	so := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			RecoverUnary(log),
			LoggingUnary(log),
		),
	}
	if opts.Creds != nil {
		so = append(so, grpc.Creds(opts.Creds))
	}
	s := grpc.NewServer(so...)
	healthpb.RegisterHealthServer(s, h.hs)
	if opts.Dev {
		reflection.Register(s)
	}
	return s
}
