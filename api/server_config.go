package api

import (
	"log/slog"
	"time"
)

// HTTPServerConfig configures the host HTTP server in front of an enclave.
type HTTPServerConfig struct {
	// ListenAddr serves the enclave boundary and attestation proxy routes.
	ListenAddr string

	// MetricsAddr serves Prometheus metrics. Empty disables the metrics server.
	MetricsAddr string

	EnablePprof bool
	Log         *slog.Logger

	// DrainDuration is how long /drain blocks after the server reports not
	// ready, so load balancers stop routing new handshakes to it.
	DrainDuration time.Duration

	// GracefulShutdownDuration bounds how long in-flight enclave calls may
	// run during shutdown.
	GracefulShutdownDuration time.Duration

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}
