// Package worker implements the Worker: it dequeues Jobs,
// enforces the single-active-run invariant before claiming one, dispatches
// to the Reconciler/Repo Syncher/Snapshotter, and wraps execution with the
// running -> terminal lifecycle update. It tracks in-flight runs as a
// capacity-checked map, one goroutine per job, with cleanup-on-completion
// via defer.
package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/pulp-manager/orchestrator/internal/domain"
	"github.com/pulp-manager/orchestrator/internal/events"
	"github.com/pulp-manager/orchestrator/internal/fleetconfig"
	"github.com/pulp-manager/orchestrator/internal/gitcatalog"
	"github.com/pulp-manager/orchestrator/internal/jobstore"
	"github.com/pulp-manager/orchestrator/internal/pulpclient"
	"github.com/pulp-manager/orchestrator/internal/reconciler"
)

// SecretResolver is the subset of *secrets.Resolver the Worker needs to
// turn a CredentialsRef into a Pulp session's basic-auth credentials.
type SecretResolver interface {
	Resolve(ctx context.Context, ref domain.CredentialsRef) (username, password string, err error)
}

// PulpClientFactory builds a Pulp session client for one server, given the
// resolved credentials. Indirected so tests can point every server at an
// httptest server without a real Vault/Pulp deployment.
type PulpClientFactory func(server domain.PulpServer, username, password string) *pulpclient.Client

// DefaultPulpClientFactory builds the production factory from the
// appconfig remotes.sock_connect_timeout / sock_read_timeout knobs.
func DefaultPulpClientFactory(cfg pulpclient.Config) PulpClientFactory {
	return func(server domain.PulpServer, username, password string) *pulpclient.Client {
		c := cfg
		c.BaseURL = server.BaseURL
		c.Username = username
		c.Password = password
		return pulpclient.New(c)
	}
}

// Worker consumes Job notifications, claims them against the Job Store,
// and dispatches to the matching component. One Worker is one process's
// share of process-level parallelism; several Workers may run against
// the same Job Store.
type Worker struct {
	store          *jobstore.Store
	secrets        SecretResolver
	clientFactory  PulpClientFactory
	events         *events.Bus
	reconcilerCfg  reconciler.Config
	gitRunner      gitcatalog.Runner
	gitRepoURL     string
	gitCheckoutDir string
	maxJobs        int

	catalogMu sync.RWMutex
	catalog   *fleetconfig.Catalog

	jobs chan string

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// New constructs a Worker. maxJobs<=0 means unbounded concurrent dispatch.
func New(
	store *jobstore.Store,
	secrets SecretResolver,
	clientFactory PulpClientFactory,
	bus *events.Bus,
	reconcilerCfg reconciler.Config,
	gitRunner gitcatalog.Runner,
	gitRepoURL, gitCheckoutDir string,
	maxJobs int,
) *Worker {
	w := &Worker{
		store:          store,
		secrets:        secrets,
		clientFactory:  clientFactory,
		events:         bus,
		reconcilerCfg:  reconcilerCfg,
		gitRunner:      gitRunner,
		gitRepoURL:     gitRepoURL,
		gitCheckoutDir: gitCheckoutDir,
		maxJobs:        maxJobs,
		jobs:           make(chan string, 1024),
		active:         make(map[string]context.CancelFunc),
	}
	return w
}

// SetCatalog atomically swaps the Catalog a reload produced. Config is
// process-wide immutable-after-load; reload produces a new Catalog and
// atomically swaps the reference.
func (w *Worker) SetCatalog(cat *fleetconfig.Catalog) {
	w.catalogMu.Lock()
	defer w.catalogMu.Unlock()
	w.catalog = cat
}

// Catalog returns the currently active Catalog, or nil before the first load.
func (w *Worker) Catalog() *fleetconfig.Catalog {
	w.catalogMu.RLock()
	defer w.catalogMu.RUnlock()
	return w.catalog
}

// Notify enqueues a job id for dispatch. The Scheduler and the ad-hoc API
// entry point both call this immediately after jobstore.CreateJob.
func (w *Worker) Notify(jobID string) {
	w.jobs <- jobID
}

// Cancel requests cancellation of jobID if it is currently dispatched by
// this Worker, via that job's own cancel context. Reports whether a
// running job was found.
func (w *Worker) Cancel(jobID string) bool {
	w.mu.Lock()
	cancel, ok := w.active[jobID]
	w.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// ActiveCount returns the number of jobs this Worker currently has in flight.
func (w *Worker) ActiveCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.active)
}

// Run recovers crashed jobs left running by a previous process, then
// dequeues and dispatches jobs in FIFO order until ctx is canceled.
func (w *Worker) Run(ctx context.Context) error {
	// Recovery must complete even if ctx is already canceled by the time
	// Run is scheduled, so it runs against a fresh context rather than ctx.
	n, err := w.store.RecoverCrashedJobs(context.Background())
	if err != nil {
		return fmt.Errorf("worker: recover crashed jobs: %w", err)
	}
	if n > 0 {
		w.events.Emit(events.NewEvent(events.JobFailed, "").WithPayload(map[string]any{"recovered_crashed": n}))
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case jobID := <-w.jobs:
			w.start(ctx, jobID)
		}
	}
}

// start enforces the capacity limit and spins up the per-job goroutine.
// A job that can't start yet because the Worker is at capacity is
// requeued rather than dropped.
func (w *Worker) start(ctx context.Context, jobID string) {
	w.mu.Lock()
	if w.maxJobs > 0 && len(w.active) >= w.maxJobs {
		w.mu.Unlock()
		go func() { w.jobs <- jobID }()
		return
	}
	jobCtx, cancel := context.WithCancel(ctx)
	w.active[jobID] = cancel
	w.mu.Unlock()

	go func() {
		defer w.finish(jobID)
		w.dispatch(jobCtx, jobID)
	}()
}

func (w *Worker) finish(jobID string) {
	w.mu.Lock()
	delete(w.active, jobID)
	w.mu.Unlock()
}

// dispatch claims jobID (after the dedup pre-check), runs the matching
// component to terminal state, and persists the outcome.
func (w *Worker) dispatch(ctx context.Context, jobID string) {
	job, err := w.store.GetJob(ctx, jobID)
	if err != nil {
		return
	}
	if job.State != domain.JobStateQueued {
		// Already claimed/terminal from a prior Notify of the same id
		// (e.g. a requeue after a capacity backoff); nothing to do.
		return
	}

	dupe, err := w.isDuplicate(ctx, job)
	if err != nil {
		w.events.Emit(events.NewEvent(events.JobFailed, jobID).WithServer(job.Server).WithError(err))
		return
	}
	if dupe {
		_ = w.store.MarkTerminal(ctx, jobID, domain.JobStateCanceled, "skipped_duplicate")
		w.events.Emit(events.NewEvent(events.JobSkippedDuplicate, jobID).WithServer(job.Server))
		return
	}

	claimed, err := w.store.Claim(ctx, jobID)
	if err != nil || !claimed {
		return
	}
	w.events.Emit(events.NewEvent(events.JobStarted, jobID).WithServer(job.Server))

	state, runErr := w.execute(ctx, job)

	errMsg := ""
	if runErr != nil {
		errMsg = runErr.Error()
	}
	// MarkTerminal runs against a fresh context: a canceled/deadline-expired
	// ctx must never block persisting the outcome it caused.
	if err := w.store.MarkTerminal(context.Background(), jobID, state, errMsg); err != nil {
		w.events.Emit(events.NewEvent(events.JobFailed, jobID).WithServer(job.Server).WithError(err))
		return
	}
	w.events.Emit(events.NewEvent(terminalEventType(state), jobID).WithServer(job.Server).WithError(runErr))
}

// isDuplicate reports whether job is a second active job for the same
// (server, kind); it loses to whichever job was enqueued first.
func (w *Worker) isDuplicate(ctx context.Context, job domain.Job) (bool, error) {
	active, err := w.store.ListActive(ctx, job.Server, job.Kind)
	if err != nil {
		return false, err
	}
	for _, other := range active {
		if other.ID == job.ID {
			continue
		}
		if other.State == domain.JobStateRunning {
			return true, nil
		}
		if other.State == domain.JobStateQueued {
			if other.EnqueuedAt.Before(job.EnqueuedAt) {
				return true, nil
			}
			if other.EnqueuedAt.Equal(job.EnqueuedAt) && other.ID < job.ID {
				return true, nil
			}
		}
	}
	return false, nil
}

func terminalEventType(state domain.JobState) events.EventType {
	switch state {
	case domain.JobStateSucceeded:
		return events.JobSucceeded
	case domain.JobStateCanceled:
		return events.JobCanceled
	case domain.JobStateTimedOut:
		return events.JobTimedOut
	default:
		return events.JobFailed
	}
}

// execute dispatches a claimed job to its component. publish/distribute are
// sub-steps the Snapshotter sequences internally; they are not
// independently enqueued kinds, so reaching this default is a programmer
// error (a malformed Job row), not a runtime condition to recover from.
func (w *Worker) execute(ctx context.Context, job domain.Job) (domain.JobState, error) {
	switch job.Kind {
	case domain.JobKindSync:
		return w.runSync(ctx, job)
	case domain.JobKindSnapshot:
		return w.runSnapshot(ctx, job)
	case domain.JobKindReconcile, domain.JobKindRepoConfigRegistration:
		return w.runReconcile(ctx, job)
	default:
		return domain.JobStateFailed, fmt.Errorf("worker: job kind %q is not independently dispatchable", job.Kind)
	}
}

func findServer(cat *fleetconfig.Catalog, name string) (domain.PulpServer, bool) {
	for _, s := range cat.Servers {
		if s.Name == name {
			return s, true
		}
	}
	return domain.PulpServer{}, false
}

func findBinding(cat *fleetconfig.Catalog, server, group string) (domain.ServerRepoGroup, bool) {
	for _, b := range cat.Bindings {
		if b.Server == server && b.Group == group {
			return b, true
		}
	}
	return domain.ServerRepoGroup{}, false
}

// resolveClient resolves credentials for server and builds a session client.
func (w *Worker) resolveClient(ctx context.Context, cat *fleetconfig.Catalog, server domain.PulpServer) (*pulpclient.Client, error) {
	cred, ok := cat.Credentials[server.CredentialsRef]
	if !ok {
		return nil, fmt.Errorf("worker: server %q references unknown credentials %q", server.Name, server.CredentialsRef)
	}
	username, password, err := w.secrets.Resolve(ctx, cred)
	if err != nil {
		return nil, err
	}
	return w.clientFactory(server, username, password), nil
}
