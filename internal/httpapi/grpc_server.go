package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"warden.dev/internal/obs"
)

// HealthServer publishes readiness over the standard gRPC health protocol,
// both for the whole server ("") and for the warden service name.
type HealthServer struct {
	health   *health.Server
	probe    ReadyProbe
	interval time.Duration
	log      zerolog.Logger
}

func NewHealthServer(probe ReadyProbe, interval time.Duration) *HealthServer {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	h := &HealthServer{
		health:   health.NewServer(),
		probe:    probe,
		interval: interval,
		log:      obs.Component("health"),
	}
	h.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

func (h *HealthServer) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.health)
}

func (h *HealthServer) set(st healthpb.HealthCheckResponse_ServingStatus) {
	h.health.SetServingStatus("", st)
	h.health.SetServingStatus(serviceName, st)
}

// Refresh runs the probe once and updates the published status.
func (h *HealthServer) Refresh(ctx context.Context) error {
	if err := h.probe.Check(ctx); err != nil {
		h.set(healthpb.HealthCheckResponse_NOT_SERVING)
		return err
	}
	h.set(healthpb.HealthCheckResponse_SERVING)
	return nil
}

func (h *HealthServer) String() string { return "grpc-health" }

// Serve refreshes the status until ctx ends, then reports NOT_SERVING to
// watchers for the rest of shutdown.
func (h *HealthServer) Serve(ctx context.Context) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		if err := h.Refresh(ctx); err != nil && ctx.Err() == nil {
			h.log.Warn().Err(err).Msg("readiness probe failed")
		}
		select {
		case <-ctx.Done():
			h.health.Shutdown()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// GRPCService runs a grpc.Server as a supervised service.
type GRPCService struct {
	Addr   string
	Server *grpc.Server
}

func (s *GRPCService) String() string { return "grpc " + s.Addr }

func (s *GRPCService) Serve(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return err
	}
	errCh := make(chan error, 1)
	go func() { errCh <- s.Server.Serve(lis) }()
	select {
	case <-ctx.Done():
		s.Server.GracefulStop()
		<-errCh
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// HTTPService runs an http.Server as a supervised service with graceful shutdown.
type HTTPService struct {
	Server          *http.Server
	ShutdownTimeout time.Duration
}

func (s *HTTPService) String() string { return "http " + s.Server.Addr }

func (s *HTTPService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.Server.ListenAndServe() }()
	select {
	case <-ctx.Done():
		timeout := s.ShutdownTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := s.Server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
