// Package reposync implements the Repo Syncher: the
// concurrency core that drives bounded-parallel Pulp sync submissions to
// terminal state for one (server, repo-group) binding. It adapts a
// semaphore-plus-WaitGroup worker-pool shape from "run N units to
// completion" to "run C concurrent Pulp task polls to completion,
// honoring a time budget and an operator cancel signal".
package reposync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pulp-manager/orchestrator/internal/domain"
	"github.com/pulp-manager/orchestrator/internal/events"
	"github.com/pulp-manager/orchestrator/internal/jobstore"
	"github.com/pulp-manager/orchestrator/internal/matcher"
	"github.com/pulp-manager/orchestrator/internal/pulpclient"
)

// deadlineGrace extends a sync run's polling window past max_runtime so an
// already-submitted task gets a last chance to land before being recorded
// timed_out.
var deadlineGrace = 30 * time.Second

// Store is the subset of *jobstore.Store the Syncher needs. A narrow
// interface keeps tests from standing up a real database.
type Store interface {
	ActiveRepoNames(ctx context.Context, server string, kind domain.JobKind, excludeJobID string) (map[string]bool, error)
	RecordRepoResult(ctx context.Context, jobID, repo string, state domain.RepoTaskState, taskHref, errMsg string) error
	MarkTerminal(ctx context.Context, jobID string, state domain.JobState, errMsg string) error
}

var _ Store = (*jobstore.Store)(nil)

// PulpClient is the subset of *pulpclient.Client a sync run needs.
type PulpClient interface {
	SubmitSync(ctx context.Context, repoHref, remoteHref string) (string, error)
	PollTask(ctx context.Context, href string) (pulpclient.Task, error)
	CancelTask(ctx context.Context, href string) error
}

var _ PulpClient = (*pulpclient.Client)(nil)

// Request describes one sync run: the repos eligible on server, the group
// regex narrowing them, and the binding's concurrency/runtime/source-server
// parameters.
type Request struct {
	JobID       string
	Server      string
	Repos       []domain.PulpServerRepo
	Group       domain.RepoGroup
	Binding     domain.ServerRepoGroup
	SourceRepos []domain.PulpServerRepo // present only when Binding.SourceServer != ""
}

// Syncher drives one Repo Syncher run at a time; callers that need several
// concurrent runs (one per server) construct one Syncher per run or share
// a single Syncher across goroutines — it holds no run-scoped state.
type Syncher struct {
	store  Store
	client PulpClient
	events *events.Bus
}

// New constructs a Syncher over an already-resolved Pulp client for the
// target server and the shared job store and event bus.
func New(store Store, client PulpClient, bus *events.Bus) *Syncher {
	return &Syncher{store: store, client: client, events: bus}
}

// repoOutcome is the terminal disposition reposync recorded for one repo,
// used only to compute the aggregate Job state once every goroutine exits.
type repoOutcome struct {
	repo  string
	state domain.RepoTaskState
}

// Run executes req to completion and returns the aggregate Job state,
// matching, filtering, submitting, and polling every repo end to end.
// ctx carries the operator cancel signal; Run itself imposes the
// Binding.MaxRuntime deadline internally, so callers should not also wrap
// ctx in a timeout for this purpose.
func (s *Syncher) Run(ctx context.Context, req Request) (domain.JobState, error) {
	targets, err := matcher.Match(req.Repos, req.Group.RegexInclude, req.Group.RegexExclude)
	if err != nil {
		return domain.JobStateFailed, err
	}

	if req.Binding.SourceServer != "" {
		onSource := make(map[string]bool, len(req.SourceRepos))
		for _, r := range req.SourceRepos {
			onSource[r.Name] = true
		}
		var kept []domain.PulpServerRepo
		for _, t := range targets {
			if onSource[t.Name] {
				kept = append(kept, t)
				continue
			}
			s.recordSkip(req.JobID, t.Name, domain.RepoTaskSkippedMissingSrc)
		}
		targets = kept
	}

	active, err := s.store.ActiveRepoNames(ctx, req.Server, domain.JobKindSync, req.JobID)
	if err != nil {
		return domain.JobStateFailed, err
	}

	var runnable []domain.PulpServerRepo
	for _, t := range targets {
		if active[t.Name] {
			s.recordSkip(req.JobID, t.Name, domain.RepoTaskSkippedConflict)
			continue
		}
		runnable = append(runnable, t)
	}

	deadlineAt := time.Now().Add(req.Binding.MaxRuntime)
	submitCtx, cancelSubmit := context.WithDeadline(ctx, deadlineAt)
	defer cancelSubmit()
	pollCtx, cancelPoll := context.WithDeadline(ctx, deadlineAt.Add(deadlineGrace))
	defer cancelPoll()

	concurrency := req.Binding.MaxConcurrentSync
	if concurrency <= 0 {
		concurrency = 1
	}
	sem := make(chan struct{}, concurrency)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var outcomes []repoOutcome
	var abandoned bool

	for i, repo := range runnable {
		// Wait for a free slot, but stop waiting once the deadline or a
		// cancel fires: no new submission starts after that point.
		select {
		case sem <- struct{}{}:
		case <-submitCtx.Done():
		}
		if submitCtx.Err() != nil {
			// Deadline or cancel fired before this repo could be submitted:
			// record every remaining target as timed out rather than
			// letting it vanish from the result set.
			abandoned = true
			for _, r := range runnable[i:] {
				outcome := s.terminal(req.JobID, r.Name, domain.RepoTaskTimedOut, "", "deadline exceeded before submission")
				mu.Lock()
				outcomes = append(outcomes, outcome)
				mu.Unlock()
			}
			break
		}

		wg.Add(1)
		go func(repo domain.PulpServerRepo) {
			defer func() { <-sem; wg.Done() }()
			outcome := s.syncOne(pollCtx, req.JobID, repo)
			mu.Lock()
			outcomes = append(outcomes, outcome)
			mu.Unlock()
		}(repo)
	}
	wg.Wait()

	return s.finalize(req.JobID, ctx, outcomes, abandoned)
}

// syncOne submits and polls one repo's sync to terminal state, records its
// RepoTaskResult, and returns the outcome for aggregation.
func (s *Syncher) syncOne(pollCtx context.Context, jobID string, repo domain.PulpServerRepo) repoOutcome {
	s.events.Emit(events.NewEvent(events.RepoTaskStarted, jobID).WithRepo(repo.Name))

	href, err := s.client.SubmitSync(pollCtx, repo.Href, repo.RemoteHref)
	if err != nil {
		return s.terminal(jobID, repo.Name, domain.RepoTaskFailed, "", err.Error())
	}

	task, err := s.client.PollTask(pollCtx, href)
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return s.terminal(jobID, repo.Name, domain.RepoTaskTimedOut, href, "deadline exceeded while polling")
		case errors.Is(err, context.Canceled):
			// Best-effort: ask Pulp to stop the task too. A cancel-request
			// failure does not change the outcome.
			_ = s.client.CancelTask(context.Background(), href)
			return s.terminal(jobID, repo.Name, domain.RepoTaskCanceled, href, "")
		default:
			return s.terminal(jobID, repo.Name, domain.RepoTaskFailed, href, err.Error())
		}
	}

	if task.State == pulpclient.TaskStateCompleted {
		return s.terminal(jobID, repo.Name, domain.RepoTaskCompleted, href, "")
	}

	msg := ""
	if task.Error != nil {
		msg = task.Error.Description
	}
	if task.State == pulpclient.TaskStateCanceled {
		return s.terminal(jobID, repo.Name, domain.RepoTaskCanceled, href, msg)
	}
	return s.terminal(jobID, repo.Name, domain.RepoTaskFailed, href, msg)
}

func (s *Syncher) terminal(jobID, repo string, state domain.RepoTaskState, taskHref, errMsg string) repoOutcome {
	if err := s.store.RecordRepoResult(context.Background(), jobID, repo, state, taskHref, errMsg); err != nil {
		errMsg = err.Error()
	}

	evt := events.NewEvent(repoTaskEventType(state), jobID).WithRepo(repo)
	if errMsg != "" {
		evt = evt.WithError(errors.New(errMsg))
	}
	s.events.Emit(evt)
	return repoOutcome{repo: repo, state: state}
}

func (s *Syncher) recordSkip(jobID, repo string, state domain.RepoTaskState) {
	if err := s.store.RecordRepoResult(context.Background(), jobID, repo, state, "", ""); err != nil {
		s.events.Emit(events.NewEvent(events.RepoTaskFailed, jobID).WithRepo(repo).WithError(err))
		return
	}
	s.events.Emit(events.NewEvent(events.RepoTaskSkipped, jobID).WithRepo(repo))
}

func repoTaskEventType(state domain.RepoTaskState) events.EventType {
	switch state {
	case domain.RepoTaskCompleted:
		return events.RepoTaskComplete
	case domain.RepoTaskTimedOut:
		return events.RepoTaskTimedOut
	case domain.RepoTaskCanceled:
		return events.RepoTaskSkipped
	default:
		return events.RepoTaskFailed
	}
}

// finalize computes the aggregate Job state from every repo's outcome and
// persists it.
func (s *Syncher) finalize(jobID string, runCtx context.Context, outcomes []repoOutcome, abandoned bool) (domain.JobState, error) {
	if errors.Is(runCtx.Err(), context.Canceled) {
		if err := s.store.MarkTerminal(context.Background(), jobID, domain.JobStateCanceled, ""); err != nil {
			return domain.JobStateCanceled, err
		}
		return domain.JobStateCanceled, nil
	}

	var anyFailed, anyTimedOut bool
	for _, o := range outcomes {
		switch o.state {
		case domain.RepoTaskFailed:
			anyFailed = true
		case domain.RepoTaskTimedOut:
			anyTimedOut = true
		case domain.RepoTaskCanceled:
			anyTimedOut = true
		}
	}

	state := domain.JobStateSucceeded
	errMsg := ""
	switch {
	case anyTimedOut || abandoned:
		state = domain.JobStateTimedOut
		errMsg = "one or more repos did not complete within max_runtime"
	case anyFailed:
		state = domain.JobStateFailed
		errMsg = "one or more repos failed to sync"
	}

	if err := s.store.MarkTerminal(context.Background(), jobID, state, errMsg); err != nil {
		return state, err
	}
	return state, nil
}
