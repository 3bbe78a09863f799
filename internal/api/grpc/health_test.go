package grpc

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	perrors "github.com/arkilian/partman/internal/errors"
	"github.com/arkilian/partman/internal/logging"
)

type fakePinger struct {
	down atomic.Bool
}

func (p *fakePinger) Ping(context.Context) error {
	if p.down.Load() {
		return errors.New("catalog unreachable")
	}
	return nil
}

func dialHealth(t *testing.T, hc *HealthChecker) healthpb.HealthClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.UnaryInterceptor(UnaryInterceptor(logging.Discard())))
	hc.Register(srv)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return healthpb.NewHealthClient(conn)
}

func TestHealthFollowsPing(t *testing.T) {
	p := &fakePinger{}
	hc := NewHealthChecker(p, HealthConfig{Logger: logging.Discard()})
	client := dialHealth(t, hc)
	ctx := context.Background()

	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status, "before the first probe")

	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, hc.Probe(ctx))
	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)

	p.down.Store(true)
	hc.Probe(ctx)
	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)

	_, err = client.Check(ctx, &healthpb.HealthCheckRequest{Service: "nosuch"})
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestRunStopsServing(t *testing.T) {
	hc := NewHealthChecker(&fakePinger{}, HealthConfig{Interval: 5 * time.Millisecond, Logger: logging.Discard()})
	client := dialHealth(t, hc)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hc.Run(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
		return err == nil && resp.Status == healthpb.HealthCheckResponse_SERVING
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	resp, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)
}

func TestInterceptorMapsErrors(t *testing.T) {
	ic := UnaryInterceptor(logging.Discard())
	info := &grpc.UnaryServerInfo{FullMethod: "/partman.Test/Call"}
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("x-request-id", "req-1"))

	tests := []struct {
		err  error
		want codes.Code
	}{
		{perrors.NewValidationError(perrors.CodeUnrecognizedShape, "bad predicate"), codes.InvalidArgument},
		{perrors.NewCatalogError(perrors.CodeNotFound, "table 7 not found", nil), codes.NotFound},
		{perrors.NewCatalogError(perrors.CodeDuplicate, "relation events", nil), codes.AlreadyExists},
		{perrors.NewCreationError(perrors.CodeNoResult, "no partition", nil), codes.Aborted},
		{status.Error(codes.PermissionDenied, "no"), codes.PermissionDenied},
		{errors.New("boom"), codes.Internal},
	}
	for _, tt := range tests {
		_, err := ic(ctx, nil, info, func(context.Context, interface{}) (interface{}, error) { return nil, tt.err })
		assert.Equal(t, tt.want, status.Code(err), tt.err.Error())
	}

	resp, err := ic(ctx, nil, info, func(context.Context, interface{}) (interface{}, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", resp)
	assert.Equal(t, "req-1", extractRequestID(ctx))
	assert.NotEmpty(t, extractRequestID(context.Background()))
}
