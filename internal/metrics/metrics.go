// Package metrics holds the process's Prometheus collectors. A single Set is
// created at startup and threaded into the jobs that report through it.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "howpoorru"

// Set bundles every collector the sync jobs report through.
type Set struct {
	// Principals counts per-principal outcomes of a sync cycle, labeled by
	// job (characters, corporations) and outcome (completed, skipped).
	Principals *prometheus.CounterVec

	// Entries counts journal rows persisted.
	Entries prometheus.Counter

	// DeferredRetries counts re-attempted context enrichments.
	DeferredRetries prometheus.Counter

	// Resolutions counts upstream entity lookups, labeled by kind.
	Resolutions *prometheus.CounterVec

	// JobDuration observes full job run times in seconds, labeled by job.
	JobDuration *prometheus.HistogramVec
}

func New(reg prometheus.Registerer) *Set {
	s := &Set{
		Principals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_principals_total",
			Help:      "Per-principal sync outcomes.",
		}, []string{"job", "outcome"}),
		Entries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "journal_entries_persisted_total",
			Help:      "Journal rows written to the store.",
		}),
		DeferredRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deferred_retries_total",
			Help:      "Context enrichment retries drained from deferred sets.",
		}),
		Resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entity_resolutions_total",
			Help:      "Upstream entity detail fetches by kind.",
		}, []string{"kind"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall time of one full job run.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 3, 10),
		}, []string{"job"}),
	}
	reg.MustRegister(s.Principals, s.Entries, s.DeferredRetries, s.Resolutions, s.JobDuration)
	return s
}
