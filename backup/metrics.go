package backup

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricCommands = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backupd_append_commands_total",
			Help: "Commands appended to backups, by result.",
		},
		[]string{"result"},
	)
	metricChunks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backupd_chunks_total",
			Help: "Chunks ended, by result (ok, error, aborted).",
		},
		[]string{"result"},
	)
	metricValidate = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backupd_validations_total",
			Help: "End-to-end validations at session open, by result.",
		},
		[]string{"result"},
	)
	metricReindex = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backupd_reindexes_total",
			Help: "Reindex runs, by result.",
		},
		[]string{"result"},
	)
)
