// Package metrics registers the engine's Prometheus instrumentation: job
// and repo-task outcome counters derived from the events.Bus. This is
// ambient instrumentation only — serving /metrics is an external
// collaborator's job, so this package stops at a prometheus.Registerer.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pulp-manager/orchestrator/internal/events"
)

// Registry holds the engine's Prometheus collectors.
type Registry struct {
	jobsTotal      *prometheus.CounterVec
	repoTasksTotal *prometheus.CounterVec
	jobsActive     *prometheus.GaugeVec
	jobDuration    *prometheus.HistogramVec
	reconcileTotal *prometheus.CounterVec

	mu      sync.Mutex
	started map[string]time.Time
}

// New creates a Registry and registers its collectors against reg. Passing
// prometheus.NewRegistry() keeps the engine's metrics isolated from the
// global DefaultRegisterer.
func New(reg prometheus.Registerer) *Registry {
	m := &Registry{
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pulpmanager",
			Subsystem: "jobs",
			Name:      "total",
			Help:      "Count of jobs reaching a terminal state, by server and outcome.",
		}, []string{"server", "state"}),
		repoTasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pulpmanager",
			Subsystem: "repo_tasks",
			Name:      "total",
			Help:      "Count of per-repo task outcomes, by server and outcome.",
		}, []string{"server", "state"}),
		jobsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pulpmanager",
			Subsystem: "jobs",
			Name:      "active",
			Help:      "Jobs currently running, by server.",
		}, []string{"server"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pulpmanager",
			Subsystem: "jobs",
			Name:      "duration_seconds",
			Help:      "Wall-clock duration from job.started to a terminal job event, by server.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14), // 1s .. 8192s (~2.3h)
		}, []string{"server"}),
		reconcileTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pulpmanager",
			Subsystem: "reconcile",
			Name:      "total",
			Help:      "Count of per-descriptor reconcile outcomes, by server and outcome.",
		}, []string{"server", "outcome"}),
		started: make(map[string]time.Time),
	}
	reg.MustRegister(m.jobsTotal, m.repoTasksTotal, m.jobsActive, m.jobDuration, m.reconcileTotal)
	return m
}

// recordStart notes jobID's start time so the matching terminal event can
// observe an elapsed duration. The map is bounded by "one entry per
// currently-running job," the same population events.ZapHandler's own
// in-flight bookkeeping would have if it kept one.
func (m *Registry) recordStart(jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started[jobID] = time.Now()
}

// observeDuration records the elapsed time since recordStart(jobID), if
// any was recorded, and forgets it.
func (m *Registry) observeDuration(jobID, server string) {
	m.mu.Lock()
	start, ok := m.started[jobID]
	if ok {
		delete(m.started, jobID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	m.jobDuration.WithLabelValues(server).Observe(time.Since(start).Seconds())
}

// Handler returns an events.Handler that updates the Registry's collectors
// as job/repo-task/reconcile events arrive, the same shape as
// events.ZapHandler but feeding counters instead of log lines. Subscribe
// it alongside ZapHandler on the same Bus.
func (m *Registry) Handler() events.Handler {
	return func(e events.Event) {
		switch e.Type {
		case events.JobStarted:
			m.jobsActive.WithLabelValues(e.Server).Inc()
			m.recordStart(e.JobID)
		case events.JobSucceeded:
			m.jobsActive.WithLabelValues(e.Server).Dec()
			m.jobsTotal.WithLabelValues(e.Server, "succeeded").Inc()
			m.observeDuration(e.JobID, e.Server)
		case events.JobFailed:
			m.jobsActive.WithLabelValues(e.Server).Dec()
			m.jobsTotal.WithLabelValues(e.Server, "failed").Inc()
			m.observeDuration(e.JobID, e.Server)
		case events.JobCanceled:
			m.jobsActive.WithLabelValues(e.Server).Dec()
			m.jobsTotal.WithLabelValues(e.Server, "canceled").Inc()
			m.observeDuration(e.JobID, e.Server)
		case events.JobTimedOut:
			m.jobsActive.WithLabelValues(e.Server).Dec()
			m.jobsTotal.WithLabelValues(e.Server, "timed_out").Inc()
			m.observeDuration(e.JobID, e.Server)
		case events.JobSkippedDuplicate:
			m.jobsTotal.WithLabelValues(e.Server, "skipped_duplicate").Inc()

		case events.RepoTaskComplete:
			m.repoTasksTotal.WithLabelValues(e.Server, "completed").Inc()
		case events.RepoTaskFailed:
			m.repoTasksTotal.WithLabelValues(e.Server, "failed").Inc()
		case events.RepoTaskSkipped:
			m.repoTasksTotal.WithLabelValues(e.Server, "skipped").Inc()
		case events.RepoTaskTimedOut:
			m.repoTasksTotal.WithLabelValues(e.Server, "timed_out").Inc()

		case events.ReconcileCreated:
			m.reconcileTotal.WithLabelValues(e.Server, "created").Inc()
		case events.ReconcileUpdated:
			m.reconcileTotal.WithLabelValues(e.Server, "updated").Inc()
		case events.ReconcileRenamed:
			m.reconcileTotal.WithLabelValues(e.Server, "renamed").Inc()
		case events.ReconcileUnchanged:
			m.reconcileTotal.WithLabelValues(e.Server, "unchanged").Inc()
		case events.ReconcileOrphan:
			m.reconcileTotal.WithLabelValues(e.Server, "orphan").Inc()
		case events.ReconcileFailed:
			m.reconcileTotal.WithLabelValues(e.Server, "failed").Inc()
		}
	}
}
