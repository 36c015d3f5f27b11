// Package api implements the HTTP REST API for gasflow-core.
//
// This package provides:
//   - REST endpoints for channel status, flow commands, and reading history
//   - Recipe execution endpoints (execute, cancel, status, past executions)
//   - Middleware stack (request ID, logging, recovery, CORS, body size limit)
//
// # Architecture
//
// The API server sits between operator tooling (deposition control UIs,
// scripts) and the flow controller. Flow commands pass through the safety
// gate before reaching hardware; a safety denial is reported as HTTP 409
// with the denial reason, distinct from hardware faults which map to 502.
//
// # Graceful Degradation
//
// The server operates while channels are in error or reconnecting: reads
// always return the last known state, only commands to disconnected
// channels fail.
package api
