package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/pulp-manager/orchestrator/internal/domain"
	"github.com/pulp-manager/orchestrator/internal/fleetconfig"
	"github.com/pulp-manager/orchestrator/internal/gitcatalog"
	"github.com/pulp-manager/orchestrator/internal/matcher"
	"github.com/pulp-manager/orchestrator/internal/pulpclient"
	"github.com/pulp-manager/orchestrator/internal/reconciler"
	"github.com/pulp-manager/orchestrator/internal/reposync"
	"github.com/pulp-manager/orchestrator/internal/snapshot"
)

// runSync executes a sync Job. Its Params take one of two shapes: a
// cron-scheduled run names a catalog group ("group"); an ad-hoc run
// supplies the group inline ("regex_include"/"regex_exclude"/
// "max_concurrent_syncs"/"max_runtime"/"source_pulp_server_name").
func (w *Worker) runSync(ctx context.Context, job domain.Job) (domain.JobState, error) {
	cat := w.Catalog()
	if cat == nil {
		return domain.JobStateFailed, fmt.Errorf("worker: no catalog loaded")
	}
	server, ok := findServer(cat, job.Server)
	if !ok {
		return domain.JobStateFailed, fmt.Errorf("worker: unknown server %q", job.Server)
	}

	binding, group, err := resolveSyncBinding(cat, job)
	if err != nil {
		return domain.JobStateFailed, err
	}

	client, err := w.resolveClient(ctx, cat, server)
	if err != nil {
		return domain.JobStateFailed, err
	}

	repos, err := client.DiscoverServerRepos(ctx, server.Name)
	if err != nil {
		return domain.JobStateFailed, err
	}

	var sourceRepos []domain.PulpServerRepo
	if binding.SourceServer != "" {
		srcServer, ok := findServer(cat, binding.SourceServer)
		if !ok {
			return domain.JobStateFailed, fmt.Errorf("worker: binding names unknown source server %q", binding.SourceServer)
		}
		srcClient, err := w.resolveClient(ctx, cat, srcServer)
		if err != nil {
			return domain.JobStateFailed, err
		}
		sourceRepos, err = srcClient.DiscoverServerRepos(ctx, srcServer.Name)
		if err != nil {
			return domain.JobStateFailed, err
		}
	}

	syncher := reposync.New(w.store, client, w.events)
	state, err := syncher.Run(ctx, reposync.Request{
		JobID:       job.ID,
		Server:      server.Name,
		Repos:       repos,
		Group:       group,
		Binding:     binding,
		SourceRepos: sourceRepos,
	})

	if state == domain.JobStateSucceeded {
		w.sweepSyncedRepos(context.Background(), client, repos, group)
	}

	return state, err
}

// sweepSyncedRepos runs the Reconciler's banned-package sweep over every
// repo this sync targeted, best-effort: a sweep failure never fails the
// sync job that already succeeded.
func (w *Worker) sweepSyncedRepos(ctx context.Context, client *pulpclient.Client, repos []domain.PulpServerRepo, group domain.RepoGroup) {
	targets, err := matcher.Match(repos, group.RegexInclude, group.RegexExclude)
	if err != nil {
		return
	}
	engine := reconciler.New(client, w.store, w.events, w.reconcilerCfg)
	for _, repo := range targets {
		_ = engine.SweepBannedPackages(ctx, repo.Kind, repo.Href)
	}
}

// resolveSyncBinding picks the cron-scheduled catalog binding named by
// Params["group"], or builds an ad-hoc ServerRepoGroup/RepoGroup pair from
// Params directly for an API-triggered run.
func resolveSyncBinding(cat *fleetconfig.Catalog, job domain.Job) (domain.ServerRepoGroup, domain.RepoGroup, error) {
	if groupName, ok := job.Params["group"].(string); ok && groupName != "" {
		binding, ok := findBinding(cat, job.Server, groupName)
		if !ok {
			return domain.ServerRepoGroup{}, domain.RepoGroup{}, fmt.Errorf("worker: server %q has no binding for group %q", job.Server, groupName)
		}
		group, ok := cat.Groups[groupName]
		if !ok {
			return domain.ServerRepoGroup{}, domain.RepoGroup{}, fmt.Errorf("worker: unknown repo_group %q", groupName)
		}
		return binding, group, nil
	}

	maxRuntime, err := fleetconfig.ParseDuration(paramString(job.Params, "max_runtime"))
	if err != nil {
		return domain.ServerRepoGroup{}, domain.RepoGroup{}, fmt.Errorf("worker: ad-hoc sync max_runtime: %w", err)
	}
	binding := domain.ServerRepoGroup{
		Server:            job.Server,
		Group:             "ad-hoc",
		MaxConcurrentSync: paramInt(job.Params, "max_concurrent_syncs", 1),
		MaxRuntime:        maxRuntime,
		SourceServer:      paramString(job.Params, "source_pulp_server_name"),
		Active:            true,
	}
	group := domain.RepoGroup{
		Name:         "ad-hoc",
		RegexInclude: paramString(job.Params, "regex_include"),
		RegexExclude: paramString(job.Params, "regex_exclude"),
	}
	return binding, group, nil
}

// runSnapshot executes a snapshot Job: every deb/rpm repository discovered
// on the server is a target (snapshot is not scoped by repo group).
func (w *Worker) runSnapshot(ctx context.Context, job domain.Job) (domain.JobState, error) {
	cat := w.Catalog()
	if cat == nil {
		return domain.JobStateFailed, fmt.Errorf("worker: no catalog loaded")
	}
	server, ok := findServer(cat, job.Server)
	if !ok {
		return domain.JobStateFailed, fmt.Errorf("worker: unknown server %q", job.Server)
	}
	if !server.SupportsSnapshots {
		return domain.JobStateFailed, fmt.Errorf("worker: server %q has no snapshot_support configured", job.Server)
	}

	client, err := w.resolveClient(ctx, cat, server)
	if err != nil {
		return domain.JobStateFailed, err
	}

	repos, err := client.DiscoverServerRepos(ctx, server.Name)
	if err != nil {
		return domain.JobStateFailed, err
	}

	var targets []snapshot.Target
	for _, repo := range repos {
		if repo.Kind != domain.RepoKindDeb && repo.Kind != domain.RepoKindRPM {
			continue
		}
		t := snapshot.Target{Repo: repo, CanonicalName: repo.Name}
		if repo.Kind == domain.RepoKindDeb {
			t.SigningService = w.reconcilerCfg.DebSigningService
		}
		targets = append(targets, t)
	}

	snapper := snapshot.New(w.store, client, w.events)
	return snapper.Run(ctx, snapshot.Request{
		JobID:         job.ID,
		Server:        server.Name,
		Targets:       targets,
		MaxConcurrent: server.MaxConcurrentSnapshots,
		Date:          snapshotDate(),
	})
}

// snapshotDate is overridden in tests; production uses the wall clock at
// the moment the Snapshotter run starts.
var snapshotDate = func() string { return time.Now().UTC().Format("2006-01-02") }

// runReconcile executes a reconcile or repo-config-registration Job: checks
// out the catalog, loads its descriptors, discovers the server's current
// repositories by kind, and hands both to the Reconciler engine.
func (w *Worker) runReconcile(ctx context.Context, job domain.Job) (domain.JobState, error) {
	cat := w.Catalog()
	if cat == nil {
		return domain.JobStateFailed, fmt.Errorf("worker: no catalog loaded")
	}
	server, ok := findServer(cat, job.Server)
	if !ok {
		return domain.JobStateFailed, fmt.Errorf("worker: unknown server %q", job.Server)
	}

	if err := gitcatalog.Checkout(ctx, w.gitRunner, w.gitRepoURL, w.gitCheckoutDir); err != nil {
		return domain.JobStateFailed, err
	}
	descriptors, err := gitcatalog.LoadDescriptors(w.gitCheckoutDir)
	if err != nil {
		return domain.JobStateFailed, err
	}

	client, err := w.resolveClient(ctx, cat, server)
	if err != nil {
		return domain.JobStateFailed, err
	}

	discovered, err := client.DiscoverRepositoriesByKind(ctx)
	if err != nil {
		return domain.JobStateFailed, err
	}

	engine := reconciler.New(client, w.store, w.events, w.reconcilerCfg)
	engine.ApplyAll(ctx, job.ID, descriptors, discovered)

	return domain.JobStateSucceeded, nil
}

func paramString(params map[string]any, key string) string {
	v, ok := params[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func paramInt(params map[string]any, key string, fallback int) int {
	v, ok := params[key]
	if !ok {
		return fallback
	}
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return fallback
	}
}
