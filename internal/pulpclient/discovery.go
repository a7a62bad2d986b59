package pulpclient

import (
	"context"
	"fmt"
	"sort"

	"github.com/pulp-manager/orchestrator/internal/domain"
)

// ListRepositories returns every repository Pulp reports for kind's
// collection, unfiltered. It backs lazy discovery of PulpServerRepo: the
// engine never persists this list itself, it re-fetches it from Pulp
// each time a Repo Syncher or Reconciler run needs it.
func (c *Client) ListRepositories(ctx context.Context, kind domain.RepoKind) ([]Repository, error) {
	endpoint, known := repoEndpoints[kind]
	if !known {
		return nil, fmt.Errorf("pulpclient: unknown repo kind %q", kind)
	}
	return listAll[Repository](ctx, c, endpoint)
}

// DiscoverServerRepos walks every known RepoKind's collection and returns
// the full set of repositories on this server as domain.PulpServerRepo,
// in lexicographic order by name. Used by the Worker to build the
// Repo Syncher's and Snapshotter's target lists, and by the Reconciler's
// caller to build its per-kind discovered map.
func (c *Client) DiscoverServerRepos(ctx context.Context, server string) ([]domain.PulpServerRepo, error) {
	var out []domain.PulpServerRepo
	for kind := range repoEndpoints {
		repos, err := c.ListRepositories(ctx, kind)
		if err != nil {
			return nil, fmt.Errorf("pulpclient: discover %s repos on %s: %w", kind, server, err)
		}
		for _, r := range repos {
			out = append(out, domain.PulpServerRepo{
				Server:     server,
				Name:       r.Name,
				Kind:       kind,
				Href:       r.Href,
				RemoteHref: r.Remote,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// DiscoverRepositoriesByKind fetches every repository on this server,
// grouped by RepoKind, the shape reconciler.Engine.ApplyAll consumes for
// rename/orphan detection.
func (c *Client) DiscoverRepositoriesByKind(ctx context.Context) (map[domain.RepoKind][]Repository, error) {
	out := make(map[domain.RepoKind][]Repository, len(repoEndpoints))
	for kind := range repoEndpoints {
		repos, err := c.ListRepositories(ctx, kind)
		if err != nil {
			return nil, fmt.Errorf("pulpclient: discover %s repos: %w", kind, err)
		}
		out[kind] = repos
	}
	return out, nil
}
