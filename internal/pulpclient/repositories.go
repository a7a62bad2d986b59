package pulpclient

import (
	"context"
	"fmt"
	"net/url"

	"github.com/pulp-manager/orchestrator/internal/domain"
)

// repoEndpoints maps a RepoKind to its Pulp API collection path. Pulp
// exposes one REST namespace per content plugin; there is no single
// "repositories" endpoint.
var repoEndpoints = map[domain.RepoKind]string{
	domain.RepoKindDeb:       "/pulp/api/v3/repositories/deb/apt/",
	domain.RepoKindRPM:       "/pulp/api/v3/repositories/rpm/rpm/",
	domain.RepoKindFile:      "/pulp/api/v3/repositories/file/file/",
	domain.RepoKindPython:    "/pulp/api/v3/repositories/python/python/",
	domain.RepoKindContainer: "/pulp/api/v3/repositories/container/container/",
}

// Repository is the subset of a Pulp repository object the Reconciler and
// Snapshotter need.
type Repository struct {
	Href          string `json:"pulp_href"`
	Name          string `json:"name"`
	Description   string `json:"description"`
	Remote        string `json:"remote,omitempty"`
	SigningService string `json:"signing_service,omitempty"`
}

// GetRepositoryByName looks up a repository by its canonical name within
// kind's collection. ok is false when no repository with that name exists.
func (c *Client) GetRepositoryByName(ctx context.Context, kind domain.RepoKind, name string) (repo Repository, ok bool, err error) {
	endpoint, known := repoEndpoints[kind]
	if !known {
		return Repository{}, false, fmt.Errorf("pulpclient: unknown repo kind %q", kind)
	}

	path := endpoint + "?name=" + url.QueryEscape(name)
	repos, err := listAll[Repository](ctx, c, path)
	if err != nil {
		return Repository{}, false, err
	}
	if len(repos) == 0 {
		return Repository{}, false, nil
	}
	return repos[0], true, nil
}

// CreateRepository creates a repository of the given kind.
func (c *Client) CreateRepository(ctx context.Context, kind domain.RepoKind, name, description string) (Repository, error) {
	endpoint, known := repoEndpoints[kind]
	if !known {
		return Repository{}, fmt.Errorf("pulpclient: unknown repo kind %q", kind)
	}

	var repo Repository
	body := map[string]string{"name": name, "description": description}
	if err := c.postJSON(ctx, endpoint, body, &repo); err != nil {
		return Repository{}, err
	}
	return repo, nil
}

// PatchRepository applies a partial update (used for attaching a signing
// service, or renaming on reconcile).
func (c *Client) PatchRepository(ctx context.Context, href string, fields map[string]any) (Repository, error) {
	var repo Repository
	if err := c.patchJSON(ctx, href, fields, &repo); err != nil {
		return Repository{}, err
	}
	return repo, nil
}

// SubmitSync submits a sync operation for repoHref against remoteHref and
// returns the task href to poll.
func (c *Client) SubmitSync(ctx context.Context, repoHref, remoteHref string) (string, error) {
	var resp submitResponse
	body := map[string]string{"remote": remoteHref}
	if err := c.postJSON(ctx, repoHref+"sync/", body, &resp); err != nil {
		return "", err
	}
	return resp.Task, nil
}

// SubmitPublish submits a publish operation for repoHref and returns the
// task href.
func (c *Client) SubmitPublish(ctx context.Context, kind domain.RepoKind, repoHref string) (string, error) {
	var resp submitResponse
	if err := c.postJSON(ctx, repoHref+"publish/", map[string]string{}, &resp); err != nil {
		return "", err
	}
	return resp.Task, nil
}
