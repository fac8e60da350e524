package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	saveDurationHistogram = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "imagevault_save_duration_seconds",
		Help:    "Time to persist one record graph snapshot",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"status"})

	saveOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imagevault_save_operations_total",
		Help: "Total save operations by mode and status",
	}, []string{"mode", "status"})

	saveQueueDepthGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "imagevault_save_queue_depth",
		Help: "Snapshots waiting for the persistence worker",
	})

	workerRestartsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "imagevault_worker_restarts_total",
		Help: "Persistence worker restarts after unexpected exit",
	})

	compactionReclaimedGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "imagevault_compaction_reclaimed_bytes",
		Help: "Bytes reclaimed by the most recent sidecar compaction",
	})

	auditEntriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "imagevault_audit_entries_total",
		Help: "Audit entries flushed to the metadata store",
	})
)
