// Package grpc exposes the service's gRPC surface: the standard health
// service, driven by catalog reachability, and the interceptors shared by
// every gRPC handler.
package grpc

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/arkilian/partman/internal/logging"
)

// ServiceName is the health service name reported for the partitioning catalog.
const ServiceName = "partman.Catalog"

// Pinger checks that a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthConfig configures a HealthChecker.
type HealthConfig struct {
	// Interval between probes. Default: 5 seconds
	Interval time.Duration
	// Timeout of one probe. Default: 1 second
	Timeout time.Duration
	Logger  *slog.Logger
}

// HealthChecker publishes the serving status of the catalog through the
// gRPC health service.
type HealthChecker struct {
	srv    *health.Server
	pinger Pinger
	cfg    HealthConfig
	logger *slog.Logger
}

// NewHealthChecker creates a checker probing p. The status starts as
// NOT_SERVING until the first probe succeeds.
func NewHealthChecker(p Pinger, cfg HealthConfig) *HealthChecker {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Component("grpc-health")
	}
	srv := health.NewServer()
	srv.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	srv.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	return &HealthChecker{srv: srv, pinger: p, cfg: cfg, logger: cfg.Logger}
}

// Register adds the health service to s.
func (h *HealthChecker) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.srv)
}

// Probe pings once and publishes the result.
func (h *HealthChecker) Probe(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.Timeout)
	defer cancel()

	status := healthpb.HealthCheckResponse_SERVING
	if err := h.pinger.Ping(ctx); err != nil {
		h.logger.Warn("catalog health probe failed", "error", err)
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.srv.SetServingStatus(ServiceName, status)
	h.srv.SetServingStatus("", status)
	return status
}

// Run probes every interval until ctx is done, then marks every service
// NOT_SERVING for good.
func (h *HealthChecker) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()

	h.Probe(ctx)
	for {
		select {
		case <-ctx.Done():
			h.srv.Shutdown()
			return nil
		case <-ticker.C:
			h.Probe(ctx)
		}
	}
}
