package service

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsService encapsulates Prometheus instrumentation for the HTTP
// surface and the token lifecycle.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	pairsIssued     prometheus.Counter
	rotations       prometheus.Counter
	reuseDetected   prometheus.Counter
	revocations     *prometheus.CounterVec
}

// NewMetricsService registers core Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	pairsIssued := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "token_pairs_issued_total",
		Help: "Token pairs issued at login or rotation",
	})

	rotations := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "token_rotations_total",
		Help: "Successful refresh-token rotations",
	})

	reuseDetected := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "token_reuse_detected_total",
		Help: "Refresh-token replays detected",
	})

	revocations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "token_revocations_total",
		Help: "Refresh-token records revoked",
	}, []string{"scope"})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, pairsIssued, rotations, reuseDetected, revocations, goroutines)

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	return &MetricsService{
		registry:        registry,
		handler:         handler,
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		pairsIssued:     pairsIssued,
		rotations:       rotations,
		reuseDetected:   reuseDetected,
		revocations:     revocations,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// ObserveHTTPRequest records request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labels := []string{method, path, fmt.Sprintf("%d", status)}
	m.requestDuration.WithLabelValues(labels...).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(labels...).Inc()
}

// PairIssued counts an issued token pair.
func (m *MetricsService) PairIssued() {
	if m != nil {
		m.pairsIssued.Inc()
	}
}

// RotationCompleted counts a successful refresh rotation.
func (m *MetricsService) RotationCompleted() {
	if m != nil {
		m.rotations.Inc()
	}
}

// ReuseDetected counts a detected replay.
func (m *MetricsService) ReuseDetected() {
	if m != nil {
		m.reuseDetected.Inc()
	}
}

// Revoked counts revoked records under a scope label (single, family, user).
func (m *MetricsService) Revoked(scope string, count int64) {
	if m != nil && count > 0 {
		m.revocations.WithLabelValues(scope).Add(float64(count))
	}
}
