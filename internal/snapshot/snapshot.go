// Package snapshot implements the Snapshotter: it creates
// a dated, immutable published copy of each target repository, up to
// max_concurrent_snapshots concurrently per server. It reuses reposync's
// bounded-worker-pool shape rather than importing reposync directly,
// since the per-repo steps and abort-on-first-failure semantics differ
// enough to warrant their own sequencing.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pulp-manager/orchestrator/internal/domain"
	"github.com/pulp-manager/orchestrator/internal/events"
	"github.com/pulp-manager/orchestrator/internal/jobstore"
	"github.com/pulp-manager/orchestrator/internal/pulpclient"
)

// Store is the subset of *jobstore.Store the Snapshotter needs.
type Store interface {
	RecordRepoResult(ctx context.Context, jobID, repo string, state domain.RepoTaskState, taskHref, errMsg string) error
	MarkTerminal(ctx context.Context, jobID string, state domain.JobState, errMsg string) error
}

var _ Store = (*jobstore.Store)(nil)

// PulpClient is the subset of *pulpclient.Client the Snapshotter needs.
type PulpClient interface {
	SubmitPublish(ctx context.Context, kind domain.RepoKind, repoHref string) (string, error)
	PollTask(ctx context.Context, href string) (pulpclient.Task, error)
	PatchRepository(ctx context.Context, href string, fields map[string]any) (pulpclient.Repository, error)
	GetDistributionByBasePath(ctx context.Context, kind domain.RepoKind, basePath string) (pulpclient.Distribution, bool, error)
	CreateDistribution(ctx context.Context, kind domain.RepoKind, name, basePath, publicationHref string) (string, error)
	PatchDistribution(ctx context.Context, href, publicationHref string) (string, error)
}

var _ PulpClient = (*pulpclient.Client)(nil)

// Target is one repository to snapshot.
type Target struct {
	Repo domain.PulpServerRepo

	// CanonicalName is the repo's reconciled name, used as the dated
	// distribution's base_path prefix.
	CanonicalName string

	// SigningService, if non-empty, is attached to the repository before
	// publish (deb repositories only in practice, but the Snapshotter
	// itself does not enforce that — the caller only populates this field
	// for repos where it applies).
	SigningService string
}

// Request describes one Snapshot run.
type Request struct {
	JobID         string
	Server        string
	Targets       []Target
	MaxConcurrent int

	// Date stamps the distribution base_path as <canonical>/<Date>.
	// The caller supplies it (rather than this
	// package calling time.Now()) so every repo snapshotted in one run
	// shares the same date and so runs are deterministic to test.
	Date string
}

// Snapshotter drives each repo's publish/sign/distribute
// sequence, aborting only the failing repo, not the whole batch.
type Snapshotter struct {
	store  Store
	client PulpClient
	events *events.Bus
}

// New constructs a Snapshotter.
func New(store Store, client PulpClient, bus *events.Bus) *Snapshotter {
	return &Snapshotter{store: store, client: client, events: bus}
}

// Run snapshots every target up to req.MaxConcurrent concurrently and
// returns the aggregate Job state: succeeded iff every repo published
// cleanly, else failed.
func (s *Snapshotter) Run(ctx context.Context, req Request) (domain.JobState, error) {
	concurrency := req.MaxConcurrent
	if concurrency <= 0 {
		concurrency = 1
	}
	sem := make(chan struct{}, concurrency)

	var wg sync.WaitGroup
	var mu sync.Mutex
	anyFailed := false

	for _, target := range req.Targets {
		sem <- struct{}{}
		wg.Add(1)
		go func(t Target) {
			defer func() { <-sem; wg.Done() }()
			if err := s.snapshotOne(ctx, req.JobID, req.Date, t); err != nil {
				mu.Lock()
				anyFailed = true
				mu.Unlock()
			}
		}(target)
	}
	wg.Wait()

	state := domain.JobStateSucceeded
	errMsg := ""
	if anyFailed {
		state = domain.JobStateFailed
		errMsg = "one or more repos failed to snapshot"
	}
	if err := s.store.MarkTerminal(context.Background(), req.JobID, state, errMsg); err != nil {
		return state, err
	}
	return state, nil
}

// snapshotOne executes the publish/sign/distribute sequence for one repo,
// aborting on the first failure and recording the outcome either way.
func (s *Snapshotter) snapshotOne(ctx context.Context, jobID, date string, t Target) error {
	s.events.Emit(events.NewEvent(events.RepoTaskStarted, jobID).WithRepo(t.CanonicalName))

	if t.SigningService != "" {
		if _, err := s.client.PatchRepository(ctx, t.Repo.Href, map[string]any{"signing_service": t.SigningService}); err != nil {
			return s.fail(jobID, t.CanonicalName, "", fmt.Errorf("attach signing service: %w", err))
		}
	}

	publishTaskHref, err := s.client.SubmitPublish(ctx, t.Repo.Kind, t.Repo.Href)
	if err != nil {
		return s.fail(jobID, t.CanonicalName, "", fmt.Errorf("submit publish: %w", err))
	}

	task, err := s.client.PollTask(ctx, publishTaskHref)
	if err != nil {
		return s.fail(jobID, t.CanonicalName, publishTaskHref, err)
	}
	if task.State != pulpclient.TaskStateCompleted {
		msg := "publish task did not complete"
		if task.Error != nil {
			msg = task.Error.Description
		}
		return s.fail(jobID, t.CanonicalName, publishTaskHref, errors.New(msg))
	}

	publicationHref := firstCreatedResource(task.CreatedResources)
	if publicationHref == "" {
		return s.fail(jobID, t.CanonicalName, publishTaskHref, errors.New("publish task returned no publication"))
	}

	basePath := t.CanonicalName + "/" + date
	dist, exists, err := s.client.GetDistributionByBasePath(ctx, t.Repo.Kind, basePath)
	if err != nil {
		return s.fail(jobID, t.CanonicalName, publishTaskHref, fmt.Errorf("lookup distribution: %w", err))
	}
	if !exists {
		if _, err := s.client.CreateDistribution(ctx, t.Repo.Kind, basePath, basePath, publicationHref); err != nil {
			return s.fail(jobID, t.CanonicalName, publishTaskHref, fmt.Errorf("create distribution: %w", err))
		}
	} else if dist.Publication != publicationHref {
		if _, err := s.client.PatchDistribution(ctx, dist.Href, publicationHref); err != nil {
			return s.fail(jobID, t.CanonicalName, publishTaskHref, fmt.Errorf("patch distribution: %w", err))
		}
	}

	return s.ok(jobID, t.CanonicalName, publishTaskHref)
}

func (s *Snapshotter) ok(jobID, repo, taskHref string) error {
	if err := s.store.RecordRepoResult(context.Background(), jobID, repo, domain.RepoTaskCompleted, taskHref, ""); err != nil {
		return err
	}
	s.events.Emit(events.NewEvent(events.RepoTaskComplete, jobID).WithRepo(repo))
	return nil
}

func (s *Snapshotter) fail(jobID, repo, taskHref string, cause error) error {
	if err := s.store.RecordRepoResult(context.Background(), jobID, repo, domain.RepoTaskFailed, taskHref, cause.Error()); err != nil {
		cause = err
	}
	s.events.Emit(events.NewEvent(events.RepoTaskFailed, jobID).WithRepo(repo).WithError(cause))
	return cause
}

func firstCreatedResource(resources []string) string {
	if len(resources) == 0 {
		return ""
	}
	return resources[0]
}
