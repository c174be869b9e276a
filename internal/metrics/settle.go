package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	settleTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raffle_settle_requests_total",
			Help: "Settle requests by result kind",
		},
		[]string{"result"},
	)

	settleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "raffle_settle_duration_ms",
			Help:    "Settle duration in milliseconds",
			Buckets: prometheus.ExponentialBuckets(5, 2, 12),
		},
		[]string{"result"},
	)

	ticketsSold = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raffle_tickets_credited_total",
			Help: "Tickets credited by provenance",
		},
		[]string{"provenance"},
	)

	reserveRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "raffle_reserve_rejected_total",
			Help: "Reservations rejected by the capacity guard",
		},
	)

	txRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raffle_tx_retries_total",
			Help: "Transaction attempts retried after a transient store error",
		},
		[]string{"op"},
	)
)

// RecordSettle records one settle call. result is "success", "replay" or an
// error kind.
func RecordSettle(result string, started time.Time) {
	if result == "" {
		result = "unknown"
	}
	settleTotal.WithLabelValues(result).Inc()
	settleDuration.WithLabelValues(result).Observe(float64(time.Since(started).Milliseconds()))
}

// RecordTickets counts credited tickets.
func RecordTickets(provenance string, qty int64) {
	ticketsSold.WithLabelValues(provenance).Add(float64(qty))
}

// RecordReserveRejected counts a reservation refused for capacity.
func RecordReserveRejected() { reserveRejected.Inc() }

// RecordTxRetry counts a retried transaction of op.
func RecordTxRetry(op string) { txRetries.WithLabelValues(op).Inc() }
