// Package metrics exposes Prometheus metrics for the secure channel.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handshake results.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

var (
	registry = prometheus.NewRegistry()

	handshakesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "securechannel",
		Name:      "handshakes_total",
		Help:      "Server-side channel handshakes by result.",
	}, []string{"result"})

	handshakeDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "securechannel",
		Name:      "handshake_duration_seconds",
		Help:      "Server-side handshake latency, including client attestation.",
		Buckets:   prometheus.DefBuckets,
	})

	activeSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "securechannel",
		Name:      "active_sessions",
		Help:      "Established sessions held by the enclave.",
	})

	securityErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "securechannel",
		Name:      "security_errors_total",
		Help:      "Requests rejected with a secure channel error.",
	})

	dispatchTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "securechannel",
		Name:      "dispatch_total",
		Help:      "Dispatched method calls by method and status.",
	}, []string{"method", "status"})
)

func init() {
	registry.MustRegister(
		handshakesTotal,
		handshakeDuration,
		activeSessions,
		securityErrorsTotal,
		dispatchTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

func RecordHandshake(result string, started time.Time) {
	handshakesTotal.WithLabelValues(result).Inc()
	handshakeDuration.Observe(time.Since(started).Seconds())
}

func SetActiveSessions(n int) {
	activeSessions.Set(float64(n))
}

func RecordSecurityError() {
	securityErrorsTotal.Inc()
}

func RecordDispatch(method, status string) {
	dispatchTotal.WithLabelValues(method, status).Inc()
}

// MetricsServer serves the metrics registry over HTTP.
type MetricsServer struct {
	srv *http.Server
}

// New creates a metrics server for the given namespace listening on addr.
// An empty addr disables the server; ListenAndServe then returns immediately.
func New(namespace string, addr string) (*MetricsServer, error) {
	if addr == "" {
		return &MetricsServer{}, nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.InstrumentMetricHandler(
		prometheus.WrapRegistererWithPrefix(namespace+"_scrape_", registry),
		promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	))

	return &MetricsServer{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}, nil
}

func (m *MetricsServer) ListenAndServe() error {
	if m.srv == nil {
		return nil
	}
	err := m.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (m *MetricsServer) Shutdown(ctx context.Context) error {
	if m.srv == nil {
		return nil
	}
	return m.srv.Shutdown(ctx)
}

// Handler serves the registry, for embedding into another router.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
