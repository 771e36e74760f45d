// Package healthcheck exposes the presence server's readiness over the
// standard grpc.health.v1 protocol.
package healthcheck

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Service names reported alongside the overall "" status.
const (
	// AdmissionService is NOT_SERVING while the registry is full.
	AdmissionService = "diary3d.presence.Admission"
	// StorageService tracks the canvas database when one is configured.
	StorageService = "diary3d.canvas.Storage"
)

// Server wraps a gRPC server carrying only the health service.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	logger *zap.Logger
}

// New creates a Server whose overall and admission statuses start SERVING.
//
// Precondition: logger must be non-nil.
func New(logger *zap.Logger) *Server {
	hs := health.NewServer()
	hs.SetServingStatus(AdmissionService, healthpb.HealthCheckResponse_SERVING)

	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	return &Server{grpc: gs, health: hs, logger: logger}
}

// Occupancy updates the admission status; it matches presence.OccupancyFunc.
func (s *Server) Occupancy(count, capacity int) {
	status := healthpb.HealthCheckResponse_SERVING
	if count >= capacity {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus(AdmissionService, status)
	s.logger.Debug("admission status",
		zap.Int("count", count),
		zap.Int("capacity", capacity),
		zap.Stringer("status", status),
	)
}

// Monitor runs check every interval and reports the result as service's
// status until ctx is done. The first check runs immediately.
func (s *Server) Monitor(ctx context.Context, service string, interval time.Duration, check func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		status := healthpb.HealthCheckResponse_SERVING
		if err := check(ctx); err != nil {
			status = healthpb.HealthCheckResponse_NOT_SERVING
			s.logger.Warn("dependency health check failed",
				zap.String("service", service),
				zap.Error(err),
			)
		}
		s.health.SetServingStatus(service, status)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Serve accepts health RPCs on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("health server listening", zap.String("addr", lis.Addr().String()))
	return s.grpc.Serve(lis)
}

// Drain marks every service NOT_SERVING without closing the listener.
//
// Postcondition: later status updates are ignored.
func (s *Server) Drain() {
	s.health.Shutdown()
}

// Stop drains and then gracefully stops the gRPC server.
func (s *Server) Stop() {
	s.Drain()
	s.grpc.GracefulStop()
}
