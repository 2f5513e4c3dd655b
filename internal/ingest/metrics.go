package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/segmentio/kafka-go"
)

var (
	deliveredCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "session_timeline",
		Subsystem: "ingest",
		Name:      "readings_delivered_total",
		Help:      "Number of readings successfully delivered to a session.",
	}, []string{"topic"})

	skippedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "session_timeline",
		Subsystem: "ingest",
		Name:      "readings_skipped_total",
		Help:      "Number of readings skipped because their session is not live on this instance.",
	}, []string{"topic"})

	deliverErrorCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "session_timeline",
		Subsystem: "ingest",
		Name:      "deliver_errors_total",
		Help:      "Number of delivery failures per topic.",
	}, []string{"topic"})

	decodeErrorCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "session_timeline",
		Subsystem: "ingest",
		Name:      "decode_errors_total",
		Help:      "Number of decode failures per topic.",
	}, []string{"topic"})

	lastReadingGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "session_timeline",
		Subsystem: "ingest",
		Name:      "last_reading_timestamp_seconds",
		Help:      "Unix timestamp of the most recent delivered reading per topic.",
	}, []string{"topic"})
)

func init() {
	prometheus.MustRegister(deliveredCounter, skippedCounter, deliverErrorCounter, decodeErrorCounter, lastReadingGauge)
}

func recordDelivered(msg kafka.Message) {
	deliveredCounter.WithLabelValues(msg.Topic).Inc()
	if !msg.Time.IsZero() {
		lastReadingGauge.WithLabelValues(msg.Topic).Set(float64(msg.Time.Unix()))
	}
}

func recordSkipped(topic string) {
	skippedCounter.WithLabelValues(topic).Inc()
}

func recordDeliverError(topic string) {
	deliverErrorCounter.WithLabelValues(topic).Inc()
}

func recordDecodeError(topic string) {
	decodeErrorCounter.WithLabelValues(topic).Inc()
}
