package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the application. Every method is
// safe on a nil receiver so components can run without metrics in tests.
type Metrics struct {
	Links              *prometheus.CounterVec
	Verifications      *prometheus.CounterVec
	ReconcileCycles    *prometheus.CounterVec
	ReconcileMembers   *prometheus.CounterVec
	CycleDuration      prometheus.Histogram
	HTTPRequestLatency *prometheus.HistogramVec
}

// New creates and registers all metrics on reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Links: f.NewCounterVec(prometheus.CounterOpts{
			Name: "clublink_links_total",
			Help: "Link attempts by outcome",
		}, []string{"outcome"}),
		Verifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "clublink_verifications_total",
			Help: "Membership verification attempts by outcome",
		}, []string{"outcome"}),
		ReconcileCycles: f.NewCounterVec(prometheus.CounterOpts{
			Name: "clublink_reconcile_cycles_total",
			Help: "Reconciliation cycles by outcome",
		}, []string{"outcome"}),
		ReconcileMembers: f.NewCounterVec(prometheus.CounterOpts{
			Name: "clublink_reconcile_members_total",
			Help: "Expired members processed by outcome",
		}, []string{"outcome"}),
		CycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "clublink_reconcile_cycle_duration_seconds",
			Help:    "Wall time of one reconciliation cycle",
			Buckets: []float64{0.1, 1, 5, 15, 60, 300, 900},
		}),
		HTTPRequestLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "clublink_http_request_duration_seconds",
			Help:    "HTTP request latency by route and status",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "status"}),
	}
}

func (m *Metrics) IncLink(outcome string) {
	if m == nil {
		return
	}
	m.Links.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncVerification(outcome string) {
	if m == nil {
		return
	}
	m.Verifications.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncReconcileCycle(outcome string) {
	if m == nil {
		return
	}
	m.ReconcileCycles.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncReconcileMember(outcome string) {
	if m == nil {
		return
	}
	m.ReconcileMembers.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveCycle(d time.Duration) {
	if m == nil {
		return
	}
	m.CycleDuration.Observe(d.Seconds())
}

func (m *Metrics) ObserveHTTP(route, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestLatency.WithLabelValues(route, status).Observe(d.Seconds())
}
