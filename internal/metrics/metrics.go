package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Fulfillment outcomes.
const (
	OutcomeCreated    = "created"
	OutcomeDuplicate  = "duplicate"
	OutcomeReconciled = "reconciled"
	OutcomeEmptyCart  = "empty_cart"
	OutcomeError      = "error"
)

// Metrics records order and checkout outcomes. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	fulfillments          *prometheus.CounterVec
	fulfillmentDuration   *prometheus.HistogramVec
	ordersCreated         *prometheus.CounterVec
	ordersCancelled       prometheus.Counter
	insufficientInventory *prometheus.CounterVec
	webhookEvents         *prometheus.CounterVec
	txRetries             prometheus.Counter
}

// New registers the service metrics on reg. A nil registerer yields
// metrics that record nothing.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return &Metrics{}
	}
	m := &Metrics{
		fulfillments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fulfillment_total",
			Help: "Checkout fulfillment attempts by outcome and trigger.",
		}, []string{"outcome", "source"}),
		fulfillmentDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fulfillment_duration_seconds",
			Help:    "Duration of checkout fulfillment in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"source"}),
		ordersCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orders_created_total",
			Help: "Orders created by flow.",
		}, []string{"flow"}),
		ordersCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orders_cancelled_total",
			Help: "Orders cancelled with inventory restored.",
		}),
		insufficientInventory: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "insufficient_inventory_total",
			Help: "Order attempts rejected for insufficient inventory.",
		}, []string{"flow"}),
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_webhook_events_total",
			Help: "Gateway webhook deliveries by event kind and result.",
		}, []string{"kind", "result"}),
		txRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "db_transaction_retries_total",
			Help: "Transactions retried after a serialization failure, deadlock or lock timeout.",
		}),
	}
	reg.MustRegister(
		m.fulfillments,
		m.fulfillmentDuration,
		m.ordersCreated,
		m.ordersCancelled,
		m.insufficientInventory,
		m.webhookEvents,
		m.txRetries,
	)
	return m
}

func (m *Metrics) Fulfillment(outcome, source string, duration time.Duration) {
	if m == nil || m.fulfillments == nil {
		return
	}
	m.fulfillments.WithLabelValues(normalizeLabel(outcome), normalizeLabel(source)).Inc()
	m.fulfillmentDuration.WithLabelValues(normalizeLabel(source)).Observe(duration.Seconds())
}

func (m *Metrics) OrderCreated(flow string) {
	if m == nil || m.ordersCreated == nil {
		return
	}
	m.ordersCreated.WithLabelValues(normalizeLabel(flow)).Inc()
}

func (m *Metrics) OrderCancelled() {
	if m == nil || m.ordersCancelled == nil {
		return
	}
	m.ordersCancelled.Inc()
}

func (m *Metrics) InsufficientInventory(flow string) {
	if m == nil || m.insufficientInventory == nil {
		return
	}
	m.insufficientInventory.WithLabelValues(normalizeLabel(flow)).Inc()
}

func (m *Metrics) WebhookEvent(kind, result string) {
	if m == nil || m.webhookEvents == nil {
		return
	}
	m.webhookEvents.WithLabelValues(normalizeLabel(kind), normalizeLabel(result)).Inc()
}

// TxRetry matches the database.TxOptions OnRetry hook.
func (m *Metrics) TxRetry(int, error) {
	if m == nil || m.txRetries == nil {
		return
	}
	m.txRetries.Inc()
}

func normalizeLabel(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
