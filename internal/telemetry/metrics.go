package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the service. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	RequestsTotal     *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	APIErrors         *prometheus.CounterVec
	Webhooks          *prometheus.CounterVec
	StatusTransitions *prometheus.CounterVec
	TrackingSyncs     *prometheus.CounterVec
	Notifications     *prometheus.CounterVec
}

// NewMetrics creates the metrics and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shipsync_requests_total",
				Help: "Total number of engine operations by operation and status",
			},
			[]string{"operation", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "shipsync_request_duration_seconds",
				Help:    "Engine operation duration in seconds by operation",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		APIErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shipsync_api_errors_total",
				Help: "Total shipping API errors by operation and error category",
			},
			[]string{"operation", "category"},
		),
		Webhooks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shipsync_webhooks_total",
				Help: "Inbound tracking webhooks by outcome",
			},
			[]string{"outcome"},
		),
		StatusTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shipsync_status_transitions_total",
				Help: "Accepted shipment status transitions",
			},
			[]string{"from", "to"},
		),
		TrackingSyncs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shipsync_tracking_syncs_total",
				Help: "Tracking synchronizations by result",
			},
			[]string{"result"},
		),
		Notifications: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shipsync_notifications_total",
				Help: "Customer notifications by status and result",
			},
			[]string{"status", "result"},
		),
	}
}

// RecordRequest records an operation metric.
func (m *Metrics) RecordRequest(operation, status string, duration float64) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(operation, status).Inc()
	m.RequestDuration.WithLabelValues(operation).Observe(duration)
}

// RecordAPIError records a shipping API error.
func (m *Metrics) RecordAPIError(operation, category string) {
	if m == nil {
		return
	}
	m.APIErrors.WithLabelValues(operation, category).Inc()
}

// RecordWebhook records a webhook outcome.
func (m *Metrics) RecordWebhook(outcome string) {
	if m == nil {
		return
	}
	m.Webhooks.WithLabelValues(outcome).Inc()
}

// RecordTransition records an accepted status change.
func (m *Metrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.StatusTransitions.WithLabelValues(from, to).Inc()
}

// RecordSync records a tracking sync result ("updated", "unchanged", "error").
func (m *Metrics) RecordSync(result string) {
	if m == nil {
		return
	}
	m.TrackingSyncs.WithLabelValues(result).Inc()
}

// RecordNotification records a notification attempt.
func (m *Metrics) RecordNotification(status, result string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(status, result).Inc()
}
