// Package metrics holds the Prometheus metrics shared by the exchange services.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is registered once per process and passed to every component.
type Metrics struct {
	// --- Bidding ---
	BidsTotal  *prometheus.CounterVec
	BidLatency prometheus.Histogram

	// --- Optimistic concurrency ---
	CASConflicts *prometheus.CounterVec
	CASExhausted *prometheus.CounterVec

	// --- Inventory ---
	InventoryOps *prometheus.CounterVec

	// --- Settlement ---
	Settlements        *prometheus.CounterVec
	DownstreamFailures *prometheus.CounterVec

	// --- Side effects ---
	SideEffectFailures *prometheus.CounterVec
	SideEffectsDropped prometheus.Counter
	EventsPublished    *prometheus.CounterVec

	// --- Services ---
	SchedulerActions *prometheus.CounterVec
	HTTPRequests     *prometheus.CounterVec
	ArchivedEvents   *prometheus.CounterVec
}

// New creates and registers all metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		BidsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "exchange_bids_total",
			Help: "Bids by outcome (accepted, buy_now, rejected, conflict, error).",
		}, []string{"outcome"}),
		BidLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "exchange_bid_duration_seconds",
			Help:    "Time to place a bid including CAS retries.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
		CASConflicts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "exchange_cas_conflicts_total",
			Help: "Writes rejected because the record version changed.",
		}, []string{"collection"}),
		CASExhausted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "exchange_cas_exhausted_total",
			Help: "Updates abandoned after the retry budget ran out.",
		}, []string{"collection"}),
		InventoryOps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "exchange_inventory_operations_total",
			Help: "Inventory reservation operations by op and result.",
		}, []string{"op", "result"}),
		Settlements: f.NewCounterVec(prometheus.CounterOpts{
			Name: "exchange_settlements_total",
			Help: "Settlement attempts by outcome.",
		}, []string{"outcome"}),
		DownstreamFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "exchange_downstream_failures_total",
			Help: "Order, ledger and inventory failures logged during settlement or release.",
		}, []string{"target"}),
		SideEffectFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "exchange_side_effect_failures_total",
			Help: "Background side-effect tasks that returned an error.",
		}, []string{"task"}),
		SideEffectsDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "exchange_side_effects_dropped_total",
			Help: "Background tasks dropped because the queue was full or closed.",
		}),
		EventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "exchange_events_published_total",
			Help: "Auction events published by sink and result.",
		}, []string{"sink", "result"}),
		SchedulerActions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "exchange_scheduler_actions_total",
			Help: "Scheduler activations and settlement triggers by action and result.",
		}, []string{"action", "result"}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "exchange_http_requests_total",
			Help: "HTTP requests by method and status code.",
		}, []string{"method", "code"}),
		ArchivedEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "exchange_archived_events_total",
			Help: "Events consumed by the archival worker by result.",
		}, []string{"result"}),
	}
}

// CASConflict matches docstore.RetryPolicy.OnConflict.
func (m *Metrics) CASConflict(collection string, _ int) {
	m.CASConflicts.WithLabelValues(collection).Inc()
}
