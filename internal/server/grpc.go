// Package server assembles the gRPC server: interceptor chain, health
// service, and readiness checks over the subsystem's backends.
package server

import (
	"context"
	"log"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	auditpkg "agent-gateway/backend/internal/audit"
	"agent-gateway/backend/internal/pipeline"
	"agent-gateway/backend/internal/server/interceptors"
)

// Pinger is a readiness dependency that can be pinged (e.g. *sql.DB).
type Pinger interface {
	PingContext(ctx context.Context) error
}

// EngineChecker is a readiness dependency over the authorization engine
// (e.g. the embedded evaluator's HealthCheck).
type EngineChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps holds the server's wiring.
type Deps struct {
	Pipeline *pipeline.Pipeline
	Recorder auditpkg.Recorder
	// DB, when set, gates readiness on a database ping.
	DB Pinger
	// Engine, when set, gates readiness on the authorization engine.
	Engine EngineChecker
	// PublicMethods are admitted without credentials (health probes, login).
	PublicMethods map[string]bool
}

// HealthMethods are excluded from auth, audit, and request logging.
var HealthMethods = map[string]bool{
	"/grpc.health.v1.Health/Check": true,
	"/grpc.health.v1.Health/Watch": true,
}

// New builds the gRPC server with the full interceptor chain and a standard
// health service, and starts the readiness loop. Stop cancel to end the loop.
func New(ctx context.Context, deps Deps) *grpc.Server {
	public := make(map[string]bool, len(HealthMethods)+len(deps.PublicMethods))
	for m := range HealthMethods {
		public[m] = true
	}
	for m := range deps.PublicMethods {
		public[m] = true
	}

	s := grpc.NewServer(grpc.ChainUnaryInterceptor(
		interceptors.LoggingUnary(HealthMethods),
		interceptors.AuthUnary(deps.Pipeline, public),
		interceptors.AuditUnary(deps.Recorder, HealthMethods),
	))

	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	go readinessLoop(ctx, hs, deps)

	return s
}

// readinessLoop flips the health service between SERVING and NOT_SERVING
// based on backend reachability, so load balancers stop routing to a node
// that would only answer Unavailable.
func readinessLoop(ctx context.Context, hs *health.Server, deps Deps) {
	check := func() {
		status := healthpb.HealthCheckResponse_SERVING
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if deps.DB != nil {
			if err := deps.DB.PingContext(probeCtx); err != nil {
				log.Printf("health: database ping failed: %v", err)
				status = healthpb.HealthCheckResponse_NOT_SERVING
			}
		}
		if deps.Engine != nil {
			if err := deps.Engine.HealthCheck(probeCtx); err != nil {
				log.Printf("health: authorization engine check failed: %v", err)
				status = healthpb.HealthCheckResponse_NOT_SERVING
			}
		}
		hs.SetServingStatus("", status)
	}

	check()
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			hs.Shutdown()
			return
		case <-ticker.C:
			check()
		}
	}
}
