package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the router. A nil *Metrics is a
// valid no-op recorder.
type Metrics struct {
	AttemptTotal      *prometheus.CounterVec
	AttemptDurationMs *prometheus.HistogramVec
	TokensTotal       *prometheus.CounterVec
	CostUSDTotal      *prometheus.CounterVec
	ClusterInFlight   *prometheus.GaugeVec
	AdmissionRejected *prometheus.CounterVec
	FallbackTotal     *prometheus.CounterVec
	AlertTotal        *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		AttemptTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "aegis_router_attempt_total",
			Help: "Provider call attempts by outcome.",
		}, []string{"provider", "family", "cluster", "cost_tier", "outcome"}),

		AttemptDurationMs: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aegis_router_attempt_duration_ms",
			Help:    "Provider call latency in milliseconds.",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000},
		}, []string{"provider"}),

		TokensTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "aegis_router_tokens_total",
			Help: "Tokens reported by providers.",
		}, []string{"provider", "direction"}),

		CostUSDTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "aegis_router_cost_usd_total",
			Help: "Estimated total cost in USD.",
		}, []string{"provider"}),

		ClusterInFlight: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "aegis_router_cluster_in_flight",
			Help: "Calls currently admitted per cluster.",
		}, []string{"cluster"}),

		AdmissionRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "aegis_router_admission_rejected_total",
			Help: "Cluster calls that found no free slot within the request timeout.",
		}, []string{"cluster"}),

		FallbackTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "aegis_router_fallback_total",
			Help: "Fallback calls by outcome (first_try, recovered, exhausted).",
		}, []string{"outcome"}),

		AlertTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "aegis_router_cost_alert_total",
			Help: "Cost alerts emitted.",
		}, []string{"provider", "kind"}),
	}
}

// AttemptLabels holds the values recorded for one provider attempt.
type AttemptLabels struct {
	Provider         string
	Family           string
	Cluster          string
	CostTier         string
	Success          bool
	DurationMs       float64
	PromptTokens     int
	CompletionTokens int
	CostUSD          float64
}

// RecordAttempt records metrics for one provider attempt.
func (m *Metrics) RecordAttempt(l AttemptLabels) {
	if m == nil {
		return
	}
	outcome := "failure"
	if l.Success {
		outcome = "success"
	}
	m.AttemptTotal.WithLabelValues(l.Provider, l.Family, l.Cluster, l.CostTier, outcome).Inc()
	m.AttemptDurationMs.WithLabelValues(l.Provider).Observe(l.DurationMs)

	if l.PromptTokens > 0 {
		m.TokensTotal.WithLabelValues(l.Provider, "prompt").Add(float64(l.PromptTokens))
	}
	if l.CompletionTokens > 0 {
		m.TokensTotal.WithLabelValues(l.Provider, "completion").Add(float64(l.CompletionTokens))
	}
	if l.CostUSD > 0 {
		m.CostUSDTotal.WithLabelValues(l.Provider).Add(l.CostUSD)
	}
}

func (m *Metrics) SetInFlight(cluster string, n int) {
	if m == nil {
		return
	}
	m.ClusterInFlight.WithLabelValues(cluster).Set(float64(n))
}

func (m *Metrics) RecordAdmissionRejected(cluster string) {
	if m == nil {
		return
	}
	m.AdmissionRejected.WithLabelValues(cluster).Inc()
}

func (m *Metrics) RecordFallback(outcome string) {
	if m == nil {
		return
	}
	m.FallbackTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordAlert(provider, kind string) {
	if m == nil {
		return
	}
	m.AlertTotal.WithLabelValues(provider, kind).Inc()
}
