// Package metrics exposes the engine's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CommitsTotal counts instants driven to COMPLETED, by action.
	CommitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tidelake_commits_total",
		Help: "Instants transitioned to COMPLETED, labeled by action.",
	}, []string{"action"})

	// CommitConflicts counts commit attempts lost to a concurrent winner.
	CommitConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tidelake_commit_conflicts_total",
		Help: "Commit attempts that found the instant already completed.",
	})

	// RollbacksTotal counts completed rollback instants.
	RollbacksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tidelake_rollbacks_total",
		Help: "Rollback instants driven to COMPLETED.",
	})

	// RestoresTotal counts completed restore operations.
	RestoresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tidelake_restores_total",
		Help: "Restore operations driven to COMPLETED.",
	})

	// CorruptPlansReplaced counts persisted plans regenerated after failing
	// checksum or parse validation.
	CorruptPlansReplaced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tidelake_corrupt_plans_replaced_total",
		Help: "Corrupted persisted plans deleted and regenerated.",
	})

	// ViewFailovers counts priority-view failovers to the listing view.
	ViewFailovers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tidelake_view_failovers_total",
		Help: "Queries served by the fallback listing view after a primary failure.",
	})

	// ServiceExecutions counts table-service executions, by kind and outcome.
	ServiceExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tidelake_service_executions_total",
		Help: "Table service executions, labeled by action and outcome.",
	}, []string{"action", "outcome"})

	// LockWaitSeconds observes time spent acquiring the table lock.
	LockWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tidelake_lock_wait_seconds",
		Help:    "Time spent waiting for the table lock.",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
	})
)
