package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Pool session lifecycle, by account
	PoolSessions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailcore_pool_sessions_total",
			Help: "Pooled IMAP sessions by lifecycle event (created, reused, closed)",
		},
		[]string{"account", "event"},
	)

	// Acquisitions that had to wait, and those that gave up
	PoolWaits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailcore_pool_waits_total",
			Help: "Pool acquisitions that waited for a slot, by outcome (served, timeout)",
		},
		[]string{"account", "outcome"},
	)

	PoolInUse = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mailcore_pool_open_sessions",
			Help: "Open pooled sessions per account",
		},
		[]string{"account"},
	)

	SyncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailcore_sync_duration_seconds",
			Help:    "Sync attempt duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~7min
		},
		[]string{"account", "kind", "outcome"},
	)

	HealthScore = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mailcore_account_health_score",
			Help: "Per-account health score (0-100)",
		},
		[]string{"account"},
	)

	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailcore_cache_lookups_total",
			Help: "Read requests by data source decision (hit, stale, error, bypass)",
		},
		[]string{"operation", "result"},
	)
)

// RecordPoolEvent counts a session lifecycle event
func RecordPoolEvent(account, event string) {
	PoolSessions.WithLabelValues(account, event).Inc()
}

// RecordPoolWait counts a waited acquisition
func RecordPoolWait(account, outcome string) {
	PoolWaits.WithLabelValues(account, outcome).Inc()
}

// SetPoolOpen records the open session count of an account
func SetPoolOpen(account string, n int) {
	PoolInUse.WithLabelValues(account).Set(float64(n))
}

// RecordSync observes a finished sync attempt
func RecordSync(account, kind, outcome string, d time.Duration) {
	SyncDuration.WithLabelValues(account, kind, outcome).Observe(d.Seconds())
}

// SetHealthScore records an account's current score
func SetHealthScore(account string, score float64) {
	HealthScore.WithLabelValues(account).Set(score)
}

// RecordCacheLookup counts a hybrid read decision
func RecordCacheLookup(operation, result string) {
	CacheLookups.WithLabelValues(operation, result).Inc()
}
