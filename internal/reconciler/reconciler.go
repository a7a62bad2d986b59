// Package reconciler implements the Reconciler: it
// converges a Pulp primary server's repositories, remotes, and
// distributions to a declarative JSON catalog, applying each descriptor
// independently so one failure never aborts the batch.
package reconciler

import (
	"context"
	"fmt"
	"regexp"

	"github.com/pulp-manager/orchestrator/internal/domain"
	"github.com/pulp-manager/orchestrator/internal/events"
	"github.com/pulp-manager/orchestrator/internal/gitcatalog"
	"github.com/pulp-manager/orchestrator/internal/jobstore"
	"github.com/pulp-manager/orchestrator/internal/pulpclient"
)

// externalPrefix marks a canonical name as sourced from an external
// descriptor (one that carries a url).
const externalPrefix = "ext-"

// contentEndpoints lists the content collections the banned-package sweep
// knows how to search; container images have no
// comparable "banned package" concept so they are absent.
var contentEndpoints = map[domain.RepoKind]string{
	domain.RepoKindDeb:    "/pulp/api/v3/content/deb/packages/",
	domain.RepoKindRPM:    "/pulp/api/v3/content/rpm/packages/",
	domain.RepoKindPython: "/pulp/api/v3/content/python/packages/",
}

// Client is the subset of *pulpclient.Client the Reconciler drives.
type Client interface {
	GetRepositoryByName(ctx context.Context, kind domain.RepoKind, name string) (pulpclient.Repository, bool, error)
	CreateRepository(ctx context.Context, kind domain.RepoKind, name, description string) (pulpclient.Repository, error)
	PatchRepository(ctx context.Context, href string, fields map[string]any) (pulpclient.Repository, error)
	GetRemoteByName(ctx context.Context, kind domain.RepoKind, name string) (pulpclient.Remote, bool, error)
	CreateRemote(ctx context.Context, kind domain.RepoKind, name, sourceURL, proxyURL string, tlsValidation bool) (pulpclient.Remote, error)
	PatchRemote(ctx context.Context, href string, fields map[string]any) (pulpclient.Remote, error)
	AttachRemote(ctx context.Context, repoHref, remoteHref string) (pulpclient.Repository, error)
	GetDistributionByBasePath(ctx context.Context, kind domain.RepoKind, basePath string) (pulpclient.Distribution, bool, error)
	CreateDistributionForRepo(ctx context.Context, kind domain.RepoKind, name, basePath, repoHref string) (string, error)
	PatchDistributionForRepo(ctx context.Context, href, repoHref string) (string, error)
	ListContentMatching(ctx context.Context, contentEndpoint, repoHref, nameRegex string) ([]pulpclient.ContentUnit, error)
	ModifyRepository(ctx context.Context, repoHref string, removeContentHrefs []string) (string, error)
}

var _ Client = (*pulpclient.Client)(nil)

// Store is the subset of *jobstore.Store the Reconciler needs to persist
// per-descriptor outcomes.
type Store interface {
	RecordRepoResult(ctx context.Context, jobID, repo string, state domain.RepoTaskState, taskHref, errMsg string) error
}

var _ Store = (*jobstore.Store)(nil)

// Config carries the naming and banned-package rules the Reconciler
// applies, sourced from the engine's pulp configuration section.
type Config struct {
	InternalPrefix      string
	RenamePattern       *regexp.Regexp
	RenameReplacement   string
	BannedPackageRegex  string
	DebSigningService   string
}

// Engine is the Reconciler. It holds no run-scoped state, so one Engine
// can drive any number of sequential ApplyAll calls.
type Engine struct {
	client Client
	store  Store
	events *events.Bus
	cfg    Config
}

// New constructs a Reconciler Engine.
func New(client Client, store Store, bus *events.Bus, cfg Config) *Engine {
	return &Engine{client: client, store: store, events: bus, cfg: cfg}
}

// canonicalName applies the configured rewrite rule (if any) and the
// internal/external prefix.
func (e *Engine) canonicalName(d gitcatalog.Descriptor) string {
	name := d.Name
	if e.cfg.RenamePattern != nil {
		name = e.cfg.RenamePattern.ReplaceAllString(name, e.cfg.RenameReplacement)
	}
	if d.IsExternal() {
		return externalPrefix + name
	}
	return e.cfg.InternalPrefix + name
}

// catalogTag is the stable identifier stashed in a managed repository's
// description, letting a later run recognize it under a new canonical
// name and rename it instead of creating a duplicate.
func catalogTag(descriptorName string) string {
	return "pulp-manager:catalog:" + descriptorName
}

// run holds the state of one ApplyAll call: the server's discovered
// repositories per kind (for rename/orphan detection) and which
// canonical names the catalog claimed this pass.
type run struct {
	eng           *Engine
	jobID         string
	discovered    map[domain.RepoKind][]pulpclient.Repository
	seenCanonical map[domain.RepoKind]map[string]bool
}

// ApplyAll reconciles every descriptor against discovered (the full
// repository listing already fetched per content kind from the target
// server), recording one RepoTaskResult per descriptor and emitting the
// matching Reconciler event. A descriptor failing does not stop the
// remaining descriptors from being applied.
func (e *Engine) ApplyAll(ctx context.Context, jobID string, descriptors []gitcatalog.Descriptor, discovered map[domain.RepoKind][]pulpclient.Repository) {
	r := &run{eng: e, jobID: jobID, discovered: discovered, seenCanonical: make(map[domain.RepoKind]map[string]bool, len(discovered))}
	for _, d := range descriptors {
		r.apply(ctx, d)
	}
	r.reportOrphans()
}

func (r *run) apply(ctx context.Context, d gitcatalog.Descriptor) {
	canonical := r.eng.canonicalName(d)

	kind, err := d.Kind()
	if err == nil {
		if r.seenCanonical[kind] == nil {
			r.seenCanonical[kind] = make(map[string]bool)
		}
		r.seenCanonical[kind][canonical] = true
	}

	outcome, err := r.doApply(ctx, d, canonical)
	if err != nil {
		r.eng.events.Emit(events.NewEvent(events.ReconcileFailed, r.jobID).WithRepo(canonical).WithError(err))
		_ = r.eng.store.RecordRepoResult(ctx, r.jobID, canonical, domain.RepoTaskFailed, "", err.Error())
		return
	}

	r.eng.events.Emit(events.NewEvent(outcome, r.jobID).WithRepo(canonical))
	_ = r.eng.store.RecordRepoResult(ctx, r.jobID, canonical, domain.RepoTaskCompleted, "", "")
}

func (r *run) doApply(ctx context.Context, d gitcatalog.Descriptor, canonical string) (events.EventType, error) {
	kind, err := d.Kind()
	if err != nil {
		return events.ReconcileFailed, err
	}

	repo, exists, err := r.eng.client.GetRepositoryByName(ctx, kind, canonical)
	if err != nil {
		return events.ReconcileFailed, fmt.Errorf("lookup repository: %w", err)
	}

	outcome := events.ReconcileUnchanged
	tag := catalogTag(d.Name)

	if !exists {
		if prior, found := findByTag(r.discovered[kind], tag); found {
			repo, err = r.eng.client.PatchRepository(ctx, prior.Href, map[string]any{"name": canonical})
			if err != nil {
				return events.ReconcileFailed, fmt.Errorf("rename repository: %w", err)
			}
			r.seenCanonical[kind][prior.Name] = true
			outcome = events.ReconcileRenamed
		} else {
			repo, err = r.eng.client.CreateRepository(ctx, kind, canonical, tag)
			if err != nil {
				return events.ReconcileFailed, fmt.Errorf("create repository: %w", err)
			}
			outcome = events.ReconcileCreated
		}
	}

	changed := false
	var chg bool

	repo, chg, err = r.ensureRemote(ctx, kind, canonical, d, repo)
	if err != nil {
		return events.ReconcileFailed, err
	}
	changed = changed || chg

	repo, chg, err = r.ensureSigning(ctx, kind, repo)
	if err != nil {
		return events.ReconcileFailed, err
	}
	changed = changed || chg

	chg, err = r.ensureDistribution(ctx, kind, canonical, repo)
	if err != nil {
		return events.ReconcileFailed, err
	}
	changed = changed || chg

	if outcome == events.ReconcileUnchanged && changed {
		outcome = events.ReconcileUpdated
	}
	return outcome, nil
}

// ensureRemote converges the repository's remote: external descriptors get
// a remote matching url/proxy/tls, attached to the repository; internal
// descriptors must have no remote at all.
func (r *run) ensureRemote(ctx context.Context, kind domain.RepoKind, canonical string, d gitcatalog.Descriptor, repo pulpclient.Repository) (pulpclient.Repository, bool, error) {
	if !d.IsExternal() {
		if repo.Remote == "" {
			return repo, false, nil
		}
		updated, err := r.eng.client.PatchRepository(ctx, repo.Href, map[string]any{"remote": nil})
		if err != nil {
			return repo, false, fmt.Errorf("detach remote: %w", err)
		}
		return updated, true, nil
	}

	tls := true
	if d.TLSValidation != nil {
		tls = *d.TLSValidation
	}

	remote, exists, err := r.eng.client.GetRemoteByName(ctx, kind, canonical)
	if err != nil {
		return repo, false, fmt.Errorf("lookup remote: %w", err)
	}

	changed := false
	if !exists {
		remote, err = r.eng.client.CreateRemote(ctx, kind, canonical, d.URL, d.Proxy, tls)
		if err != nil {
			return repo, false, fmt.Errorf("create remote: %w", err)
		}
		changed = true
	} else if remote.URL != d.URL || remote.ProxyURL != d.Proxy || remote.TLSValidation != tls {
		remote, err = r.eng.client.PatchRemote(ctx, remote.Href, map[string]any{
			"url":            d.URL,
			"proxy_url":      d.Proxy,
			"tls_validation": tls,
		})
		if err != nil {
			return repo, false, fmt.Errorf("patch remote: %w", err)
		}
		changed = true
	}

	if repo.Remote == remote.Href {
		return repo, changed, nil
	}
	updated, err := r.eng.client.AttachRemote(ctx, repo.Href, remote.Href)
	if err != nil {
		return repo, false, fmt.Errorf("attach remote: %w", err)
	}
	return updated, true, nil
}

// ensureSigning attaches the configured signing service to deb
// repositories, if one is configured.
func (r *run) ensureSigning(ctx context.Context, kind domain.RepoKind, repo pulpclient.Repository) (pulpclient.Repository, bool, error) {
	if kind != domain.RepoKindDeb || r.eng.cfg.DebSigningService == "" {
		return repo, false, nil
	}
	if repo.SigningService == r.eng.cfg.DebSigningService {
		return repo, false, nil
	}
	updated, err := r.eng.client.PatchRepository(ctx, repo.Href, map[string]any{"signing_service": r.eng.cfg.DebSigningService})
	if err != nil {
		return repo, false, fmt.Errorf("patch signing service: %w", err)
	}
	return updated, true, nil
}

// ensureDistribution converges a distribution at base_path=canonical bound
// to the repository's latest version. The
// Reconciler binds distributions directly to the repository (not a
// publication) so Pulp auto-serves the latest content without requiring a
// publish step; the Snapshotter's distributions are the publication-pinned
// ones.
func (r *run) ensureDistribution(ctx context.Context, kind domain.RepoKind, canonical string, repo pulpclient.Repository) (bool, error) {
	dist, exists, err := r.eng.client.GetDistributionByBasePath(ctx, kind, canonical)
	if err != nil {
		return false, fmt.Errorf("lookup distribution: %w", err)
	}
	if !exists {
		if _, err := r.eng.client.CreateDistributionForRepo(ctx, kind, canonical, canonical, repo.Href); err != nil {
			return false, fmt.Errorf("create distribution: %w", err)
		}
		return true, nil
	}
	if dist.Repository == repo.Href {
		return false, nil
	}
	if _, err := r.eng.client.PatchDistributionForRepo(ctx, dist.Href, repo.Href); err != nil {
		return false, fmt.Errorf("patch distribution: %w", err)
	}
	return true, nil
}

// reportOrphans emits an orphan event for every discovered repository the
// catalog did not claim this pass: an existing repository with an
// unrecognized name is left untouched and reported as orphan.
func (r *run) reportOrphans() {
	for kind, repos := range r.discovered {
		claimed := r.seenCanonical[kind]
		for _, repo := range repos {
			if claimed[repo.Name] {
				continue
			}
			r.eng.events.Emit(events.NewEvent(events.ReconcileOrphan, r.jobID).WithRepo(repo.Name))
		}
	}
}

// SweepBannedPackages runs after a sync
// completes for repoHref, removing any content unit whose name matches the
// configured banned_package_regex. The Worker calls this once per targeted
// repo after a sync job that succeeded as a whole; repos of a sync job that
// ended in any other state are not swept. It is a no-op if no regex is configured or kind has
// no known content collection.
func (e *Engine) SweepBannedPackages(ctx context.Context, kind domain.RepoKind, repoHref string) error {
	if e.cfg.BannedPackageRegex == "" {
		return nil
	}
	endpoint, ok := contentEndpoints[kind]
	if !ok {
		return nil
	}

	units, err := e.client.ListContentMatching(ctx, endpoint, repoHref, e.cfg.BannedPackageRegex)
	if err != nil {
		return fmt.Errorf("reconciler: list banned content for %s: %w", repoHref, err)
	}
	if len(units) == 0 {
		return nil
	}

	hrefs := make([]string, len(units))
	for i, u := range units {
		hrefs[i] = u.Href
	}
	if _, err := e.client.ModifyRepository(ctx, repoHref, hrefs); err != nil {
		return fmt.Errorf("reconciler: remove banned content from %s: %w", repoHref, err)
	}
	return nil
}

func findByTag(repos []pulpclient.Repository, tag string) (pulpclient.Repository, bool) {
	for _, r := range repos {
		if r.Description == tag {
			return r, true
		}
	}
	return pulpclient.Repository{}, false
}
