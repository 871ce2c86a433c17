package grpcserver

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

type fakePinger struct {
	mu  sync.Mutex
	err error
	n   int
}

func (f *fakePinger) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
	return f.err
}

func (f *fakePinger) set(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakePinger) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.n
}

const bufSize = 1 << 20

func startBufGRPC(t *testing.T, gs *grpc.Server) healthpb.HealthClient {
	t.Helper()
	lis := bufconn.Listen(bufSize)
	go func() { _ = gs.Serve(lis) }()
	dialer := func(context.Context, string) (net.Conn, error) { return lis.Dial() }
	cc, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(dialer), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = cc.Close(); gs.Stop(); _ = lis.Close() })
	return healthpb.NewHealthClient(cc)
}

func servingStatus(t *testing.T, c healthpb.HealthClient) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := c.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	return resp.GetStatus()
}

func TestHealth_FollowsStoragePing(t *testing.T) {
	t.Parallel()
	p := &fakePinger{}
	h := NewHealth(p, time.Second, zaptest.NewLogger(t))
	c := startBufGRPC(t, New(h, Options{}, zaptest.NewLogger(t)))

	if got := servingStatus(t, c); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("before first ping want NOT_SERVING, got %v", got)
	}
	if err := h.Check(context.Background()); err != nil {
		t.Fatalf("Check: %v", err)
	}
	if got := servingStatus(t, c); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("want SERVING, got %v", got)
	}

	p.set(errors.New("db down"))
	if err := h.Check(context.Background()); err == nil {
		t.Fatalf("want ping error")
	}
	if got := servingStatus(t, c); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("want NOT_SERVING, got %v", got)
	}
}

func TestHealth_RunTicksAndShutsDown(t *testing.T) {
	t.Parallel()
	p := &fakePinger{}
	h := NewHealth(p, 20*time.Millisecond, zaptest.NewLogger(t))
	c := startBufGRPC(t, New(h, Options{Dev: true}, zaptest.NewLogger(t)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { h.Run(ctx); close(done) }()

	deadline := time.Now().Add(2 * time.Second)
	for p.calls() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("health loop did not tick, calls=%d", p.calls())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := servingStatus(t, c); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("want SERVING, got %v", got)
	}

	cancel()
	<-done
	if got := servingStatus(t, c); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("after shutdown want NOT_SERVING, got %v", got)
	}
}
