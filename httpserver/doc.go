/*
Package httpserver runs the host-side HTTP server of an enclave deployment.

The server mounts the route registrars it is given (the enclave boundary
handler and optionally the attestation proxy) next to the operational
endpoints, and runs a separate Prometheus metrics server.

# Endpoints

  - POST /api/enclave/{endpoint} - enclave boundary calls (enclavehandler)
  - POST /api/attestation/verify, GET /api/attestation/spid - attestation proxy
  - GET /livez - liveness check
  - GET /readyz - readiness check, 503 while draining
  - GET /drain - mark the server not ready
  - GET /undrain - mark the server ready
  - /debug/pprof/* - when pprof is enabled

All API routes are wrapped in the go-utils slog access logging middleware.
Readiness is tracked in an atomic flag; Shutdown waits for in-flight
requests up to the configured graceful shutdown duration.
*/
package httpserver
