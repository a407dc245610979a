// Package gateway wires the pinn-gateway server components together.
//
// # Overview
//
// The Gateway owns the workflow store, the orchestrator that drives each
// workflow through the pipeline, the broadcaster that fans transitions out
// to WebSocket sessions, and the HTTP and gRPC servers in front of them.
//
// Every transition follows one path:
//
//	executor report -> orchestrator (per-workflow lock) -> store.Put -> broadcaster.Publish -> sessions
//
// # HTTP API
//
//	POST /api/workflows              submit {name, domain_type, complexity_level}
//	GET  /api/workflows              list, filtered by status and domain_type, paged by limit/offset
//	GET  /api/workflows/{id}         current record
//	POST /api/workflows/{id}/stop    fail a running workflow with an optional reason
//	GET  /api/status                 session and workflow counters
//	GET  /ws                         WebSocket progress stream (?format=msgpack for binary frames)
//	GET  /health, /health/ready      liveness and store readiness, never authenticated
//
// Submissions may carry an Idempotency-Key header. A retry with the same key
// from the same caller returns the workflow the first request created.
//
// Submit and stop require the operator role when auth is enabled.
//
// # gRPC
//
// The gRPC listener serves grpc.health.v1 and server reflection. Health is
// SERVING while the store answers pings.
//
// # Lifecycle
//
// Run blocks until its context ends. Shutdown stops the listeners, fails
// workflows still running so observers see a terminal message, disconnects
// every session and closes the store.
package gateway
