// Package observability holds the Prometheus metrics exported by the
// recognition pipeline, gallery, sessions, and admin HTTP surface.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	InferenceDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "facegate",
		Name:      "inference_duration_seconds",
		Help:      "Duration of a single inference stage (detect, liveness, embed).",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"stage"})

	MatchOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "facegate",
		Name:      "match_outcomes_total",
		Help:      "Recognition outcomes by result.",
	}, []string{"outcome"}) // matched | unmatched | rejected_liveness | no_face

	GallerySize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "facegate",
		Name:      "gallery_size",
		Help:      "Number of embeddings currently held in the gallery.",
	})

	DeviceSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "facegate",
		Name:      "device_sessions",
		Help:      "Number of connected device sessions.",
	})

	OperatorSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "facegate",
		Name:      "operator_sessions",
		Help:      "Number of connected operator sessions.",
	})

	ReconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "facegate",
		Name:      "reconcile_duration_seconds",
		Help:      "Duration of a completed reconciliation cycle.",
		Buckets:   prometheus.DefBuckets,
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "facegate",
		Name:      "http_request_duration_seconds",
		Help:      "Duration of admin HTTP requests.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)
