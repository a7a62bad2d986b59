package pulpclient

import (
	"context"
	"fmt"
	"net/url"

	"github.com/pulp-manager/orchestrator/internal/domain"
)

var distributionEndpoints = map[domain.RepoKind]string{
	domain.RepoKindDeb:       "/pulp/api/v3/distributions/deb/apt/",
	domain.RepoKindRPM:       "/pulp/api/v3/distributions/rpm/rpm/",
	domain.RepoKindFile:      "/pulp/api/v3/distributions/file/file/",
	domain.RepoKindPython:    "/pulp/api/v3/distributions/python/python/",
	domain.RepoKindContainer: "/pulp/api/v3/distributions/container/container/",
}

// Distribution is the subset of a Pulp distribution object the Reconciler
// and Snapshotter manage.
type Distribution struct {
	Href        string `json:"pulp_href"`
	Name        string `json:"name"`
	BasePath    string `json:"base_path"`
	Publication string `json:"publication,omitempty"`
	Repository  string `json:"repository,omitempty"`
}

// GetDistributionByBasePath looks up a distribution by its base_path
// within kind's collection.
func (c *Client) GetDistributionByBasePath(ctx context.Context, kind domain.RepoKind, basePath string) (dist Distribution, ok bool, err error) {
	endpoint, known := distributionEndpoints[kind]
	if !known {
		return Distribution{}, false, fmt.Errorf("pulpclient: unknown repo kind %q", kind)
	}

	path := endpoint + "?base_path=" + url.QueryEscape(basePath)
	dists, err := listAll[Distribution](ctx, c, path)
	if err != nil {
		return Distribution{}, false, err
	}
	if len(dists) == 0 {
		return Distribution{}, false, nil
	}
	return dists[0], true, nil
}

// CreateDistribution creates a distribution at basePath bound to
// publicationHref, returning the task href that provisions it (Pulp
// distribution creation is itself an async task in most plugins).
func (c *Client) CreateDistribution(ctx context.Context, kind domain.RepoKind, name, basePath, publicationHref string) (string, error) {
	endpoint, known := distributionEndpoints[kind]
	if !known {
		return "", fmt.Errorf("pulpclient: unknown repo kind %q", kind)
	}

	var resp submitResponse
	body := map[string]string{
		"name":        name,
		"base_path":   basePath,
		"publication": publicationHref,
	}
	if err := c.postJSON(ctx, endpoint, body, &resp); err != nil {
		return "", err
	}
	return resp.Task, nil
}

// PatchDistribution repoints an existing distribution at a new
// publication, returning the task href.
func (c *Client) PatchDistribution(ctx context.Context, href, publicationHref string) (string, error) {
	var resp submitResponse
	if err := c.patchJSON(ctx, href, map[string]string{"publication": publicationHref}, &resp); err != nil {
		return "", err
	}
	return resp.Task, nil
}

// CreateDistributionForRepo creates a distribution at basePath bound
// directly to repoHref, so Pulp always serves that repository's latest
// version without a separate publish step — the binding the Reconciler
// uses, as distinct from the Snapshotter's publication-pinned
// distributions.
func (c *Client) CreateDistributionForRepo(ctx context.Context, kind domain.RepoKind, name, basePath, repoHref string) (string, error) {
	endpoint, known := distributionEndpoints[kind]
	if !known {
		return "", fmt.Errorf("pulpclient: unknown repo kind %q", kind)
	}

	var resp submitResponse
	body := map[string]string{
		"name":       name,
		"base_path":  basePath,
		"repository": repoHref,
	}
	if err := c.postJSON(ctx, endpoint, body, &resp); err != nil {
		return "", err
	}
	return resp.Task, nil
}

// PatchDistributionForRepo repoints an existing distribution at a new
// repository, returning the task href.
func (c *Client) PatchDistributionForRepo(ctx context.Context, href, repoHref string) (string, error) {
	var resp submitResponse
	if err := c.patchJSON(ctx, href, map[string]string{"repository": repoHref}, &resp); err != nil {
		return "", err
	}
	return resp.Task, nil
}
