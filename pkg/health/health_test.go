package health

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func TestStatus_Update(t *testing.T) {
	cfg := Config{Retries: 2}
	s := NewStatus()
	require.True(t, s.Healthy)

	assert.Equal(t, Unchanged, s.Update(Result{Healthy: false}, cfg), "one failure is below the retry threshold")
	assert.True(t, s.Healthy)
	assert.Equal(t, WentDown, s.Update(Result{Healthy: false}, cfg))
	assert.False(t, s.Healthy)
	assert.Equal(t, 2, s.Failures)

	assert.Equal(t, Recovered, s.Update(Result{Healthy: true}, cfg))
	assert.True(t, s.Healthy)
	assert.Equal(t, 0, s.Failures)
	assert.Equal(t, 1, s.Successes)
}

func TestStatus_StartPeriod(t *testing.T) {
	s := NewStatus()
	assert.False(t, s.InStartPeriod(Config{}))

	cfg := Config{Retries: 1, StartPeriod: time.Minute}
	assert.True(t, s.InStartPeriod(cfg))
	assert.Equal(t, Unchanged, s.Update(Result{Healthy: false}, cfg))
	assert.True(t, s.Healthy, "failures inside the start period do not count")
	assert.Equal(t, 1, s.Failures)
}

func TestTCPChecker(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()

	result := NewTCPChecker(addr).Check(context.Background())
	assert.True(t, result.Healthy, result.Message)

	require.NoError(t, ln.Close())
	result = NewTCPChecker(addr).WithTimeout(200 * time.Millisecond).Check(context.Background())
	assert.False(t, result.Healthy)
}

func TestGRPCChecker(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := grpc.NewServer()
	hs := grpchealth.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	go func() { _ = srv.Serve(ln) }()
	defer srv.Stop()

	checker := NewGRPCChecker(ln.Addr().String())

	hs.SetServingStatus(DispatchService, healthpb.HealthCheckResponse_NOT_SERVING)
	result := checker.Check(context.Background())
	assert.False(t, result.Healthy)

	hs.SetServingStatus(DispatchService, healthpb.HealthCheckResponse_SERVING)
	result = checker.Check(context.Background())
	assert.True(t, result.Healthy, result.Message)
	assert.Equal(t, CheckTypeGRPC, checker.Type())

	var dialed bool
	checker.WithDialer(func(ctx context.Context, addr string) (net.Conn, error) {
		dialed = true
		return (&net.Dialer{}).DialContext(ctx, "tcp", addr)
	})
	result = checker.Check(context.Background())
	assert.True(t, result.Healthy, result.Message)
	assert.True(t, dialed)
}
