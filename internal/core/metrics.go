package core

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	nodeTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pipewright",
		Subsystem: "scheduler",
		Name:      "node_transitions_total",
		Help:      "Node state transitions, labelled by resulting state.",
	}, []string{"to"})

	workersBusy = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "pipewright",
		Subsystem: "scheduler",
		Name:      "workers_busy",
		Help:      "Stage nodes currently holding a worker slot.",
	})

	runsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pipewright",
		Subsystem: "scheduler",
		Name:      "runs_finished_total",
		Help:      "Completed runs, labelled by final status.",
	}, []string{"status"})
)
