package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/org/secretsync/internal/secret"
	"github.com/org/secretsync/internal/storage"
)

var (
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "secretsync_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "route", "status"})

	requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "secretsync_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	secretsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "secretsync_secrets_total",
		Help: "Number of stored secrets across all workspaces.",
	})

	activeTokensTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "secretsync_active_tokens_total",
		Help: "Number of active (non-revoked, non-expired) tokens.",
	})

	secretsPushedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "secretsync_secrets_pushed_total",
		Help: "Secrets received in successful pushes.",
	})

	secretsPulledTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "secretsync_secrets_pulled_total",
		Help: "Secrets returned by pulls.",
	})

	snapshotsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "secretsync_snapshots_total",
		Help: "Workspace snapshots taken.",
	})
)

func init() {
	prometheus.MustRegister(
		requestsTotal, requestDuration,
		secretsTotal, activeTokensTotal,
		secretsPushedTotal, secretsPulledTotal, snapshotsTotal,
	)
}

// metricsSink counts engine events.
type metricsSink struct{}

func (metricsSink) Emit(_ context.Context, e secret.Event) {
	switch e.Name {
	case secret.EventSecretsPushed:
		secretsPushedTotal.Add(float64(e.Count))
	case secret.EventSecretsPulled:
		secretsPulledTotal.Add(float64(e.Count))
	case secret.EventSnapshotTaken:
		snapshotsTotal.Inc()
	}
}

// MetricsHandler refreshes the storage gauges and serves Prometheus metrics.
func MetricsHandler(store storage.StorageBackend) http.Handler {
	prom := promhttp.Handler()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if n, err := store.CountSecrets(r.Context()); err == nil {
			secretsTotal.Set(float64(n))
		} else {
			log.Warn().Err(err).Msg("counting secrets")
		}
		if n, err := store.CountActiveTokens(r.Context()); err == nil {
			activeTokensTotal.Set(float64(n))
		} else {
			log.Warn().Err(err).Msg("counting active tokens")
		}
		prom.ServeHTTP(w, r)
	})
}

// metricsMiddleware records request metrics labelled by route pattern, so
// workspace and secret IDs do not become label values.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rr := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rr, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		dur := time.Since(start).Seconds()
		requestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rr.statusCode)).Inc()
		requestDuration.WithLabelValues(r.Method, route).Observe(dur)
	})
}
