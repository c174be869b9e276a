package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	drawTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raffle_draw_requests_total",
			Help: "Winner draws by result",
		},
		[]string{"result"},
	)

	drawDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "raffle_draw_duration_ms",
			Help:    "Winner draw duration in milliseconds",
			Buckets: prometheus.ExponentialBuckets(5, 2, 12),
		},
		[]string{"result"},
	)

	drawPool = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "raffle_draw_pool_size",
			Help:    "Ticket pool size per executed draw",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		},
	)
)

// RecordDraw records a draw call. result: "success" | "already_drawn" | error kind.
func RecordDraw(result string, poolSize int64, started time.Time) {
	if result == "" {
		result = "unknown"
	}
	drawTotal.WithLabelValues(result).Inc()
	drawDuration.WithLabelValues(result).Observe(float64(time.Since(started).Milliseconds()))
	if result == "success" {
		drawPool.Observe(float64(poolSize))
	}
}
