// ABOUTME: gRPC health and reflection services for orchestration health checks
// ABOUTME: Health follows the workflow store: SERVING while it answers pings

package gateway

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// HealthService is the service name reported alongside the server-wide status.
const HealthService = "pinn.gateway.Workflows"

func registerGRPCServices(server *grpc.Server) *health.Server {
	hs := health.NewServer()
	healthpb.RegisterHealthServer(server, hs)
	reflection.Register(server)
	hs.SetServingStatus(HealthService, healthpb.HealthCheckResponse_SERVING)
	return hs
}

// watchStore pings the store every interval and mirrors the result into the
// gRPC health status until ctx ends.
func (g *Gateway) watchStore(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	healthy := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		pctx, cancel := context.WithTimeout(ctx, interval/2)
		err := g.store.Ping(pctx)
		cancel()
		if ctx.Err() != nil {
			return
		}

		if ok := err == nil; ok != healthy {
			healthy = ok
			g.setServing(ok)
			if ok {
				g.logger.Info("store reachable again")
			} else {
				g.logger.Warn("store unreachable", "error", err)
			}
		}
	}
}

func (g *Gateway) setServing(ok bool) {
	status := healthpb.HealthCheckResponse_SERVING
	if !ok {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	g.health.SetServingStatus("", status)
	g.health.SetServingStatus(HealthService, status)
}
