// Package metrics exposes the sync engine's operational counters.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns its registry so several engines can live in one process.
// A nil *Metrics discards every observation.
type Metrics struct {
	Registry *prometheus.Registry

	submitted        *prometheus.CounterVec
	rejected         *prometheus.CounterVec
	applied          *prometheus.CounterVec
	stalls           *prometheus.CounterVec
	propagated       *prometheus.CounterVec
	deliveryFailures *prometheus.CounterVec
	subscribers      *prometheus.GaugeVec
	dispatchDuration prometheus.Histogram
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		submitted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sheetsync_commands_submitted_total",
			Help: "Commands accepted into a datasheet log",
		}, []string{"type"}),
		rejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sheetsync_commands_rejected_total",
			Help: "Commands rejected at submission",
		}, []string{"reason"}),
		applied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sheetsync_changelog_applied_total",
			Help: "Changelog entries applied by the dispatcher",
		}, []string{"datasheet"}),
		stalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sheetsync_dispatch_stalls_total",
			Help: "Datasheets stalled by an application error",
		}, []string{"datasheet"}),
		propagated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sheetsync_lookup_propagations_total",
			Help: "Synthetic lookup updates appended, by dependent datasheet",
		}, []string{"datasheet"}),
		deliveryFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sheetsync_delivery_failures_total",
			Help: "Changelog deliveries that failed for one subscriber",
		}, []string{"datasheet"}),
		subscribers: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sheetsync_subscribers",
			Help: "Live subscribers per datasheet",
		}, []string{"datasheet"}),
		dispatchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "sheetsync_dispatch_duration_seconds",
			Help:    "Duration of one dispatch pass over a datasheet",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.25},
		}),
	}
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Submitted(commandType string) {
	if m != nil {
		m.submitted.WithLabelValues(commandType).Inc()
	}
}

func (m *Metrics) Rejected(reason string) {
	if m != nil {
		m.rejected.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) Applied(datasheetID string) {
	if m != nil {
		m.applied.WithLabelValues(datasheetID).Inc()
	}
}

func (m *Metrics) Stalled(datasheetID string) {
	if m != nil {
		m.stalls.WithLabelValues(datasheetID).Inc()
	}
}

func (m *Metrics) Propagated(datasheetID string) {
	if m != nil {
		m.propagated.WithLabelValues(datasheetID).Inc()
	}
}

func (m *Metrics) DeliveryFailed(datasheetID string) {
	if m != nil {
		m.deliveryFailures.WithLabelValues(datasheetID).Inc()
	}
}

func (m *Metrics) SetSubscribers(datasheetID string, n int) {
	if m != nil {
		m.subscribers.WithLabelValues(datasheetID).Set(float64(n))
	}
}

func (m *Metrics) ObserveDispatch(d time.Duration) {
	if m != nil {
		m.dispatchDuration.Observe(d.Seconds())
	}
}
