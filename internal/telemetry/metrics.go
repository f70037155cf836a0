// Package telemetry provides observability primitives for the Warden gateway.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the gateway.
type Metrics struct {
	RequestsTotal     *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	ActiveRequests    prometheus.Gauge
	AdmissionRejects  prometheus.Counter
	UpstreamSelected  *prometheus.CounterVec // labels: provider, account
	UpstreamFailovers *prometheus.CounterVec // labels: provider, reason
	ProbeResults      *prometheus.CounterVec // labels: provider, result
	TokenRefreshes    *prometheus.CounterVec // labels: provider, result
	TokensRelayed     *prometheus.CounterVec // labels: provider
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "warden",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "warden",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		AdmissionRejects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "admission_rejects_total",
			Help:      "Requests rejected because the worker pool was full.",
		}),

		UpstreamSelected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "upstream_selected_total",
			Help:      "Upstream account selections.",
		}, []string{"provider", "account"}),

		UpstreamFailovers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "upstream_failovers_total",
			Help:      "Failovers to an alternative upstream account.",
		}, []string{"provider", "reason"}),

		ProbeResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "probe_results_total",
			Help:      "Health probe outcomes.",
		}, []string{"provider", "result"}),

		TokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "token_refreshes_total",
			Help:      "OAuth token refresh attempts.",
		}, []string{"provider", "result"}),

		TokensRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "tokens_relayed_total",
			Help:      "Tokens reported by providers on relayed responses.",
		}, []string{"provider"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.AdmissionRejects,
		m.UpstreamSelected,
		m.UpstreamFailovers,
		m.ProbeResults,
		m.TokenRefreshes,
		m.TokensRelayed,
	)
	return m
}
