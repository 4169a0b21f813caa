package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	stageAffine     = "affine"
	stageDeformable = "deformable"

	resultSuccess   = "success"
	resultError     = "error"
	resultCancelled = "cancelled"
	resultLoaded    = "loaded"
	resultSkipped   = "skipped"
)

var (
	stageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deedsreg_stage_duration_seconds",
			Help:    "Wall time of the registration binaries",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"stage"}, // affine or deformable
	)

	stageTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deedsreg_stage_total",
			Help: "Stage outcomes",
		},
		[]string{"stage", "result"}, // success, error, cancelled, loaded, skipped
	)

	runTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deedsreg_run_total",
			Help: "Pipeline run outcomes",
		},
		[]string{"status"}, // succeeded, failed, cancelled
	)
)
