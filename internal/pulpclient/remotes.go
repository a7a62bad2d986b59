package pulpclient

import (
	"context"
	"fmt"
	"net/url"

	"github.com/pulp-manager/orchestrator/internal/domain"
)

var remoteEndpoints = map[domain.RepoKind]string{
	domain.RepoKindDeb:       "/pulp/api/v3/remotes/deb/apt/",
	domain.RepoKindRPM:       "/pulp/api/v3/remotes/rpm/rpm/",
	domain.RepoKindFile:      "/pulp/api/v3/remotes/file/file/",
	domain.RepoKindPython:    "/pulp/api/v3/remotes/python/python/",
	domain.RepoKindContainer: "/pulp/api/v3/remotes/container/container/",
}

// Remote is the subset of a Pulp remote object the Reconciler compares
// against a descriptor's url/proxy/tls settings.
type Remote struct {
	Href          string `json:"pulp_href"`
	Name          string `json:"name"`
	URL           string `json:"url"`
	ProxyURL      string `json:"proxy_url,omitempty"`
	TLSValidation bool   `json:"tls_validation"`
}

// GetRemoteByName looks up a remote by name within kind's collection.
func (c *Client) GetRemoteByName(ctx context.Context, kind domain.RepoKind, name string) (remote Remote, ok bool, err error) {
	endpoint, known := remoteEndpoints[kind]
	if !known {
		return Remote{}, false, fmt.Errorf("pulpclient: unknown repo kind %q", kind)
	}

	path := endpoint + "?name=" + url.QueryEscape(name)
	remotes, err := listAll[Remote](ctx, c, path)
	if err != nil {
		return Remote{}, false, err
	}
	if len(remotes) == 0 {
		return Remote{}, false, nil
	}
	return remotes[0], true, nil
}

// CreateRemote creates a remote for an external descriptor.
func (c *Client) CreateRemote(ctx context.Context, kind domain.RepoKind, name, sourceURL, proxyURL string, tlsValidation bool) (Remote, error) {
	endpoint, known := remoteEndpoints[kind]
	if !known {
		return Remote{}, fmt.Errorf("pulpclient: unknown repo kind %q", kind)
	}

	body := map[string]any{
		"name":           name,
		"url":            sourceURL,
		"tls_validation": tlsValidation,
	}
	if proxyURL != "" {
		body["proxy_url"] = proxyURL
	}

	var remote Remote
	if err := c.postJSON(ctx, endpoint, body, &remote); err != nil {
		return Remote{}, err
	}
	return remote, nil
}

// PatchRemote applies a partial update when the descriptor's url/proxy/tls
// settings no longer match the existing remote.
func (c *Client) PatchRemote(ctx context.Context, href string, fields map[string]any) (Remote, error) {
	var remote Remote
	if err := c.patchJSON(ctx, href, fields, &remote); err != nil {
		return Remote{}, err
	}
	return remote, nil
}

// AttachRemote sets repoHref's default remote to remoteHref.
func (c *Client) AttachRemote(ctx context.Context, repoHref, remoteHref string) (Repository, error) {
	return c.PatchRepository(ctx, repoHref, map[string]any{"remote": remoteHref})
}
