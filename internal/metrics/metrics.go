// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CompressedPacketsTotal counts packets compressed, by profile.
	CompressedPacketsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rohc_comp_packets_total",
			Help: "Total number of packets compressed",
		},
		[]string{"profile"},
	)

	// CompressErrorsTotal counts compression attempts that failed.
	CompressErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rohc_comp_errors_total",
			Help: "Total number of failed compression attempts",
		},
	)

	// BytesTotal counts bytes through the compressor, by direction
	// (uncompressed input vs compressed output).
	BytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rohc_comp_bytes_total",
			Help: "Total bytes in and out of the compressor",
		},
		[]string{"direction"},
	)

	// ContextsUsed tracks the number of active compression contexts.
	ContextsUsed = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rohc_comp_contexts_used",
			Help: "Number of compression contexts currently in use",
		},
	)

	// SegmentsTotal counts emitted ROHC segments.
	SegmentsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rohc_comp_segments_total",
			Help: "Total number of ROHC segments emitted",
		},
	)

	// FeedbackBytesTotal counts piggybacked feedback bytes sent.
	FeedbackBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rohc_comp_feedback_bytes_total",
			Help: "Total feedback bytes piggybacked onto outgoing packets",
		},
	)
)
