package obs

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "quoter"

// Metrics collects Prometheus counters and latency histograms.
// Every method is safe on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	quotesComputed   *prometheus.CounterVec
	quoteDecisions   *prometheus.CounterVec
	ordersSubmitted  *prometheus.CounterVec
	ordersCancelled  *prometheus.CounterVec
	ordersRejected   *prometheus.CounterVec
	staleResponses   *prometheus.CounterVec
	fillsApplied     *prometheus.CounterVec
	fillsDuplicate   *prometheus.CounterVec
	guardrailBreach  *prometheus.CounterVec
	venueLatency     *prometheus.HistogramVec
	venueErrors      *prometheus.CounterVec
	rateLimited      *prometheus.CounterVec
	taskRuns         *prometheus.CounterVec
	taskFailures     *prometheus.CounterVec
	flushDuration    prometheus.Histogram
	inventory        *prometheus.GaugeVec
	unrealizedPnL    *prometheus.GaugeVec
	eventQueueDrops  prometheus.Counter
	adminCommands    *prometheus.CounterVec
	quoteEvalLatency prometheus.Histogram
}

// NewMetrics registers every collector on a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		quotesComputed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "quotes_computed_total", Help: "Quotes computed by the pricing engine",
		}, []string{"venue", "instrument"}),
		quoteDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "quote_decisions_total", Help: "Pricing decisions by outcome",
		}, []string{"venue", "instrument", "outcome"}),
		ordersSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "orders_submitted_total", Help: "Orders submitted to venues",
		}, []string{"venue", "instrument", "side"}),
		ordersCancelled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "orders_cancelled_total", Help: "Orders cancelled on venues, or already gone when the cancel arrived",
		}, []string{"venue", "instrument", "side", "result"}),
		ordersRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "orders_rejected_total", Help: "Orders rejected by venues or pre-trade checks",
		}, []string{"venue", "instrument", "reason"}),
		staleResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "stale_responses_total", Help: "Venue responses discarded for a stale generation",
		}, []string{"venue", "instrument"}),
		fillsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "fills_applied_total", Help: "Fills applied to inventory",
		}, []string{"venue", "instrument", "side"}),
		fillsDuplicate: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "fills_duplicate_total", Help: "Fills ignored because the execution id was already applied",
		}, []string{"venue", "instrument"}),
		guardrailBreach: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "guardrail_breaches_total", Help: "Guardrail breaches by reason",
		}, []string{"venue", "instrument", "reason"}),
		venueLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "venue_call_seconds", Help: "Venue call latency",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"venue", "call"}),
		venueErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "venue_errors_total", Help: "Venue call errors by kind",
		}, []string{"venue", "call", "kind"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "venue_rate_limited_total", Help: "Venue calls failed by the local rate limiter",
		}, []string{"venue"}),
		taskRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "task_runs_total", Help: "Scheduler task runs",
		}, []string{"task"}),
		taskFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "task_failures_total", Help: "Scheduler task failures including panics",
		}, []string{"task"}),
		flushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "state_flush_seconds", Help: "State store flush duration",
			Buckets: prometheus.DefBuckets,
		}),
		inventory: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "inventory_qty", Help: "Signed inventory per market",
		}, []string{"venue", "instrument"}),
		unrealizedPnL: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "unrealized_pnl", Help: "Mark-to-market P&L per market",
		}, []string{"venue", "instrument"}),
		eventQueueDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "event_queue_drops_total", Help: "Events dropped because the feed queue was full",
		}),
		adminCommands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "admin_commands_total", Help: "Admin commands by action and result",
		}, []string{"action", "result"}),
		quoteEvalLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "quote_eval_seconds", Help: "Pricing engine evaluation latency",
			Buckets: prometheus.ExponentialBuckets(0.000001, 4, 10),
		}),
	}
	reg.MustRegister(
		m.quotesComputed, m.quoteDecisions, m.ordersSubmitted, m.ordersCancelled, m.ordersRejected,
		m.staleResponses, m.fillsApplied, m.fillsDuplicate, m.guardrailBreach, m.venueLatency,
		m.venueErrors, m.rateLimited, m.taskRuns, m.taskFailures, m.flushDuration, m.inventory,
		m.unrealizedPnL, m.eventQueueDrops, m.adminCommands, m.quoteEvalLatency,
	)
	return m
}

// Registry returns the registry for the HTTP handler.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveQuote(venue, instrument, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.quotesComputed.WithLabelValues(venue, instrument).Inc()
	m.quoteDecisions.WithLabelValues(venue, instrument, outcome).Inc()
	m.quoteEvalLatency.Observe(d.Seconds())
}

func (m *Metrics) IncOrderSubmitted(venue, instrument, side string) {
	if m == nil {
		return
	}
	m.ordersSubmitted.WithLabelValues(venue, instrument, side).Inc()
}

// IncOrderCancelled counts a cancel the venue acknowledged, or one for an
// order the venue no longer had.
func (m *Metrics) IncOrderCancelled(venue, instrument, side string, acked bool) {
	if m == nil {
		return
	}
	result := "gone"
	if acked {
		result = "acked"
	}
	m.ordersCancelled.WithLabelValues(venue, instrument, side, result).Inc()
}

func (m *Metrics) IncOrderRejected(venue, instrument, reason string) {
	if m == nil {
		return
	}
	m.ordersRejected.WithLabelValues(venue, instrument, reason).Inc()
}

func (m *Metrics) IncStaleResponse(venue, instrument string) {
	if m == nil {
		return
	}
	m.staleResponses.WithLabelValues(venue, instrument).Inc()
}

func (m *Metrics) IncFill(venue, instrument, side string, duplicate bool) {
	if m == nil {
		return
	}
	if duplicate {
		m.fillsDuplicate.WithLabelValues(venue, instrument).Inc()
		return
	}
	m.fillsApplied.WithLabelValues(venue, instrument, side).Inc()
}

func (m *Metrics) IncGuardrail(venue, instrument, reason string) {
	if m == nil {
		return
	}
	m.guardrailBreach.WithLabelValues(venue, instrument, reason).Inc()
}

// ObserveVenueCall records latency and, when kind is not empty, an error.
func (m *Metrics) ObserveVenueCall(venue, call, kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.venueLatency.WithLabelValues(venue, call).Observe(d.Seconds())
	if kind != "" {
		m.venueErrors.WithLabelValues(venue, call, kind).Inc()
	}
}

func (m *Metrics) IncRateLimited(venue string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(venue).Inc()
}

func (m *Metrics) ObserveTask(task string, failed bool) {
	if m == nil {
		return
	}
	m.taskRuns.WithLabelValues(task).Inc()
	if failed {
		m.taskFailures.WithLabelValues(task).Inc()
	}
}

func (m *Metrics) ObserveFlush(d time.Duration) {
	if m == nil {
		return
	}
	m.flushDuration.Observe(d.Seconds())
}

func (m *Metrics) SetInventory(venue, instrument string, qty, unrealized float64) {
	if m == nil {
		return
	}
	m.inventory.WithLabelValues(venue, instrument).Set(qty)
	m.unrealizedPnL.WithLabelValues(venue, instrument).Set(unrealized)
}

func (m *Metrics) IncQueueDrop() {
	if m == nil {
		return
	}
	m.eventQueueDrops.Inc()
}

func (m *Metrics) IncAdminCommand(action, result string) {
	if m == nil {
		return
	}
	m.adminCommands.WithLabelValues(action, result).Inc()
}
