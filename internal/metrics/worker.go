package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	outboxTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raffle_outbox_dispatch_total",
			Help: "Outbox deliveries by topic and result",
		},
		[]string{"topic", "result"},
	)

	reconcileTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raffle_reconcile_payments_total",
			Help: "Stale payments handled by the reconciler by action",
		},
		[]string{"action"},
	)

	inventoryMismatch = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "raffle_inventory_mismatch_competitions",
			Help: "Competitions whose sold counter disagrees with their ticket entries at the last audit",
		},
	)
)

// RecordOutbox result: "sent" | "retry" | "dead".
func RecordOutbox(topic, result string) { outboxTotal.WithLabelValues(topic, result).Inc() }

// RecordReconcile action: "failed" | "stuck" | "skipped" | "error".
func RecordReconcile(action string) { reconcileTotal.WithLabelValues(action).Inc() }

// SetInventoryMismatch reports how many competitions failed the last audit.
func SetInventoryMismatch(n int) { inventoryMismatch.Set(float64(n)) }
