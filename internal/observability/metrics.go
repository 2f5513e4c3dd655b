// Package observability registers the service's prometheus metrics.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	activeSessionsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "session_timeline",
		Subsystem: "engine",
		Name:      "active_sessions",
		Help:      "Number of sessions currently managed by this instance.",
	})
	ticksCollectedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "session_timeline",
		Subsystem: "engine",
		Name:      "ticks_collected_total",
		Help:      "Number of tick-collection passes across all sessions.",
	})
	dropoutCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "session_timeline",
		Subsystem: "engine",
		Name:      "dropouts_recorded_total",
		Help:      "Number of participant dropout events observed live.",
	})
	autosaveCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "session_timeline",
		Subsystem: "persistence",
		Name:      "autosaves_total",
		Help:      "Autosave attempts by outcome (saved, skipped, invalid, failed).",
	}, []string{"outcome"})
	persistedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "session_timeline",
		Subsystem: "persistence",
		Name:      "last_session_persisted_timestamp_seconds",
		Help:      "Unix timestamp of the most recent session record persisted.",
	})
	layoutDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "session_timeline",
		Subsystem: "layout",
		Name:      "pass_duration_seconds",
		Help:      "Time spent in one collision-resolution layout pass.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 10),
	})
)

func init() {
	prometheus.MustRegister(
		activeSessionsGauge,
		ticksCollectedCounter,
		dropoutCounter,
		autosaveCounter,
		persistedGauge,
		layoutDuration,
	)
}

// SetActiveSessions updates the live session gauge.
func SetActiveSessions(n int) {
	activeSessionsGauge.Set(float64(n))
}

// RecordTickCollected counts one completed tick-collection pass.
func RecordTickCollected() {
	ticksCollectedCounter.Inc()
}

// RecordDropout counts one live-observed dropout event.
func RecordDropout() {
	dropoutCounter.Inc()
}

// RecordAutosave counts an autosave attempt by outcome.
func RecordAutosave(outcome string) {
	autosaveCounter.WithLabelValues(outcome).Inc()
}

// RecordSessionPersisted updates the persistence watermark gauge.
func RecordSessionPersisted(ts time.Time) {
	if ts.IsZero() {
		return
	}
	persistedGauge.Set(float64(ts.Unix()))
}

// ObserveLayoutDuration records the wall time of one layout pass.
func ObserveLayoutDuration(d time.Duration) {
	layoutDuration.Observe(d.Seconds())
}
