// Package metrics holds the Prometheus collectors shared by the API
// and the worker. Everything registers on the default registry, which
// cmd/api exposes via promhttp.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CheckinsTotal counts completed check-in attempts by outcome:
	// present, late, rejected, duplicate, queued.
	CheckinsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sakato_checkins_total",
		Help: "Check-in attempts by outcome.",
	}, []string{"outcome"})

	// QueueDrainTotal counts per-entry drain results.
	QueueDrainTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sakato_queue_drain_entries_total",
		Help: "Submission queue drain results per entry.",
	}, []string{"result"})

	// QueueDepth is the number of entries awaiting delivery.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sakato_queue_depth",
		Help: "Entries currently held by the submission queue.",
	})

	// ProofDuration times the image pipeline end to end.
	ProofDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sakato_proof_processing_seconds",
		Help:    "Proof image pipeline duration.",
		Buckets: prometheus.DefBuckets,
	})
)
