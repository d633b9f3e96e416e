package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	notificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "visionwatch_notifications_total",
			Help: "Total number of storage notifications handled",
		},
		[]string{"event_type"},
	)

	objectsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "visionwatch_objects_processed_total",
			Help: "Total number of objects processed",
		},
		[]string{"status"}, // status: success, error, skipped
	)

	processingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "visionwatch_processing_duration_seconds",
			Help:    "End-to-end processing duration per object in seconds",
			Buckets: []float64{.25, .5, 1, 2.5, 5, 10, 25, 50, 100},
		},
	)

	polygonsDrawnTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "visionwatch_polygons_drawn_total",
			Help: "Total number of bounding polygons drawn",
		},
		[]string{"granularity"},
	)
)
