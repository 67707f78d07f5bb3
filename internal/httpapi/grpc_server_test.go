package httpapi

import (
	"context"
	"errors"
	"testing"
	"time"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func TestHealthServerFollowsProbe(t *testing.T) {
	var failing bool
	probe := ReadyProbe{Checks: map[string]Pinger{
		"postgres": pingFunc(func(context.Context) error {
			if failing {
				return errors.New("down")
			}
			return nil
		}),
	}, Timeout: time.Second}
	h := NewHealthServer(probe, time.Minute)
	ctx := context.Background()

	status := func() healthpb.HealthCheckResponse_ServingStatus {
		t.Helper()
		resp, err := h.health.Check(ctx, &healthpb.HealthCheckRequest{Service: serviceName})
		if err != nil {
			t.Fatalf("Check: %v", err)
		}
		return resp.GetStatus()
	}

	if got := status(); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("expected NOT_SERVING before the first probe, got %v", got)
	}
	if err := h.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if got := status(); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("expected SERVING, got %v", got)
	}

	failing = true
	if err := h.Refresh(ctx); err == nil {
		t.Fatalf("expected probe failure")
	}
	if got := status(); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("expected NOT_SERVING, got %v", got)
	}
}

func TestHealthServerStopsOnCancel(t *testing.T) {
	h := NewHealthServer(ReadyProbe{}, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Serve(ctx) }()
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Serve did not return")
	}
}
