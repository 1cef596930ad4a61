// Package api implements the HTTP control API and WebSocket stream of the
// supervisor.
//
// This package provides:
//   - REST endpoints for daemon status, process IDs and run history
//   - Control endpoints to run, start, stop and kill the daemon and to run
//     shell commands
//   - A WebSocket hub streaming daemon output, state transitions and
//     finished runs
//   - Prometheus exposition on /metrics
//   - Middleware stack (request ID, logging, recovery, body limit)
//
// # Security
//
// When api.jwt_secret is set, every POST route requires an HS256 bearer
// token (see IssueToken). WebSocket connections then need a single-use
// ticket from POST /api/v1/auth/ws-ticket, so tokens never appear in URLs.
// Read-only routes stay open; bind the API to loopback when exposing it is
// not intended.
//
// The server is created with New and started with Start:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package api
