// Package scheduler owns the clock: on startup and on every
// config reload it registers one timer per (server, repo-group) binding
// and per repo_config_registration binding, and enqueues the matching Job
// when a timer fires. It also exposes the ad-hoc enqueue path the API
// layer uses. It is the single clock-owning component, using independent
// cron-driven timers rather than a DAG/topological ordering, since
// servers and repo groups have no dependency relationship to each other.
package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/pulp-manager/orchestrator/internal/domain"
	"github.com/pulp-manager/orchestrator/internal/events"
	"github.com/pulp-manager/orchestrator/internal/fleetconfig"
	"github.com/pulp-manager/orchestrator/internal/jobstore"
)

// Enqueuer is the subset of *jobstore.Store the Scheduler needs to create
// a Job row before notifying the Worker pool.
type Enqueuer interface {
	CreateJob(ctx context.Context, parentID string, kind domain.JobKind, server string, params map[string]any) (string, error)
}

var _ Enqueuer = (*jobstore.Store)(nil)

// Notifier is the subset of *worker.Worker the Scheduler needs to wake a
// dispatcher once a Job row exists.
type Notifier interface {
	Notify(jobID string)
}

// Scheduler evaluates cron schedules from the active Catalog and enqueues
// jobs at their due times. One Scheduler is the process-wide singleton;
// LoadCatalog may be called repeatedly as config reloads arrive.
type Scheduler struct {
	store    Enqueuer
	notifier Notifier
	events   *events.Bus

	mu   sync.Mutex
	cron *cron.Cron
}

// New constructs a Scheduler with no timers registered; call LoadCatalog
// to register the initial timer set.
func New(store Enqueuer, notifier Notifier, bus *events.Bus) *Scheduler {
	return &Scheduler{store: store, notifier: notifier, events: bus}
}

// LoadCatalog stops any previously running timer set, builds a fresh
// cron.Cron from cat's bindings and registrations, and starts it: a
// reload produces a new Catalog and atomically swaps the Scheduler's
// timer set to match.
func (s *Scheduler) LoadCatalog(cat *fleetconfig.Catalog) error {
	next := cron.New()

	for _, b := range cat.Bindings {
		if !b.Active {
			continue
		}
		binding := b
		if _, err := next.AddFunc(binding.Schedule, func() { s.fireSync(binding) }); err != nil {
			return fmt.Errorf("scheduler: register binding %s/%s: %w", binding.Server, binding.Group, err)
		}
	}
	for _, r := range cat.Registrations {
		reg := r
		if _, err := next.AddFunc(reg.Schedule, func() { s.fireRegistration(reg) }); err != nil {
			return fmt.Errorf("scheduler: register repo_config_registration for %s: %w", reg.Server, err)
		}
	}

	s.mu.Lock()
	prev := s.cron
	s.cron = next
	s.cron.Start()
	s.mu.Unlock()

	if prev != nil {
		prev.Stop()
	}
	s.events.Emit(events.NewEvent(events.SchedulerReloadApplied, ""))
	return nil
}

// Stop halts the active timer set. Safe to call on a Scheduler that never
// had LoadCatalog called.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		s.cron.Stop()
	}
}

func (s *Scheduler) fireSync(b domain.ServerRepoGroup) {
	s.events.Emit(events.NewEvent(events.SchedulerTimerFired, "").WithServer(b.Server))
	jobID, err := s.store.CreateJob(context.Background(), "", domain.JobKindSync, b.Server, map[string]any{"group": b.Group})
	if err != nil {
		s.events.Emit(events.NewEvent(events.JobFailed, "").WithServer(b.Server).WithError(err))
		return
	}
	s.notifier.Notify(jobID)
}

func (s *Scheduler) fireRegistration(r fleetconfig.RegistrationBinding) {
	s.events.Emit(events.NewEvent(events.SchedulerTimerFired, "").WithServer(r.Server))
	jobID, err := s.store.CreateJob(context.Background(), "", domain.JobKindRepoConfigRegistration, r.Server, nil)
	if err != nil {
		s.events.Emit(events.NewEvent(events.JobFailed, "").WithServer(r.Server).WithError(err))
		return
	}
	s.notifier.Notify(jobID)
}

// Enqueue creates an ad-hoc Job and immediately notifies the Worker pool,
// returning the new job's id.
func (s *Scheduler) Enqueue(ctx context.Context, kind domain.JobKind, server string, params map[string]any) (string, error) {
	jobID, err := s.store.CreateJob(ctx, "", kind, server, params)
	if err != nil {
		return "", err
	}
	s.notifier.Notify(jobID)
	return jobID, nil
}
