// Package metrics exposes operational counters for the automation engine.
package metrics

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "darilo"

// Metrics holds the engine's collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	schedulerRunsTotal    *prometheus.CounterVec
	schedulerLastRunUnix  prometheus.Gauge
	transitionsTotal      *prometheus.CounterVec
	reservationsTotal     *prometheus.CounterVec
	webhookDeliveries     *prometheus.CounterVec
	notificationsDropped  prometheus.Counter
	notificationsFailed   prometheus.Counter
	pendingReservations   prometheus.Gauge
	fulfillmentCallsTotal *prometheus.CounterVec
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		schedulerRunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "scheduler",
				Name:      "runs_total",
				Help:      "Total scheduler sweeps partitioned by result.",
			},
			[]string{"result"},
		),
		schedulerLastRunUnix: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "scheduler",
				Name:      "last_run_unix",
				Help:      "Unix time of the most recent scheduler sweep.",
			},
		),
		transitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "occasion",
				Name:      "transitions_total",
				Help:      "Total occasion status transitions by target status.",
			},
			[]string{"to"},
		),
		reservationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "wallet",
				Name:      "reservation_attempts_total",
				Help:      "Total reservation attempts by outcome.",
			},
			[]string{"outcome"},
		),
		webhookDeliveries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "webhook",
				Name:      "deliveries_total",
				Help:      "Total webhook deliveries by source and outcome.",
			},
			[]string{"source", "outcome"},
		),
		notificationsDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "notify",
				Name:      "dropped_total",
				Help:      "Notifications dropped because the queue was full.",
			},
		),
		notificationsFailed: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "notify",
				Name:      "failed_total",
				Help:      "Notifications the sender failed to deliver.",
			},
		),
		pendingReservations: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "wallet",
				Name:      "pending_reservations",
				Help:      "Current count of pending wallet holds across all users.",
			},
		),
		fulfillmentCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "fulfillment",
				Name:      "order_calls_total",
				Help:      "Total order creation calls by result.",
			},
			[]string{"result"},
		),
	}
}

func (m *Metrics) ObserveSchedulerRun(err error) {
	if m == nil {
		return
	}
	m.schedulerLastRunUnix.Set(float64(time.Now().UTC().Unix()))
	if err != nil {
		m.schedulerRunsTotal.WithLabelValues("error").Inc()
		return
	}
	m.schedulerRunsTotal.WithLabelValues("success").Inc()
}

func (m *Metrics) ObserveTransition(to string) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(to).Inc()
}

func (m *Metrics) ObserveReservation(outcome string) {
	if m == nil {
		return
	}
	m.reservationsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveWebhook(source, outcome string) {
	if m == nil {
		return
	}
	m.webhookDeliveries.WithLabelValues(source, outcome).Inc()
}

func (m *Metrics) ObserveNotificationDropped() {
	if m == nil {
		return
	}
	m.notificationsDropped.Inc()
}

func (m *Metrics) ObserveNotificationFailed() {
	if m == nil {
		return
	}
	m.notificationsFailed.Inc()
}

func (m *Metrics) ObserveFulfillmentCall(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.fulfillmentCallsTotal.WithLabelValues("error").Inc()
		return
	}
	m.fulfillmentCallsTotal.WithLabelValues("success").Inc()
}

// RefreshPendingReservations sets the pending hold gauge from the ledger.
func (m *Metrics) RefreshPendingReservations(ctx context.Context, db *sql.DB) {
	if m == nil || db == nil {
		return
	}
	var pending int64
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ledger_transactions WHERE kind = 'reservation' AND status = 'pending'`,
	).Scan(&pending)
	if err != nil {
		return
	}
	m.pendingReservations.Set(float64(pending))
}

// Handler serves the collectors registered with g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
