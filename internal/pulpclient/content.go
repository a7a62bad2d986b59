package pulpclient

import (
	"context"
	"net/url"
)

// ContentUnit is the subset of a Pulp content object needed to find and
// remove banned packages.
type ContentUnit struct {
	Href string `json:"pulp_href"`
	Name string `json:"name"`
}

// ListContentMatching returns every content unit in repoHref's latest
// version whose name matches nameRegex, for the Reconciler's
// banned-package sweep.
func (c *Client) ListContentMatching(ctx context.Context, contentEndpoint, repoHref, nameRegex string) ([]ContentUnit, error) {
	path := contentEndpoint + "?repository_version=" + url.QueryEscape(repoHref+"versions/latest/") + "&name__regex=" + url.QueryEscape(nameRegex)
	return listAll[ContentUnit](ctx, c, path)
}

// ModifyRepository issues a repository modify operation removing the given
// content hrefs from repoHref's latest version, returning the task href.
func (c *Client) ModifyRepository(ctx context.Context, repoHref string, removeContentHrefs []string) (string, error) {
	var resp submitResponse
	body := map[string]any{"remove_content_units": removeContentHrefs}
	if err := c.postJSON(ctx, repoHref+"modify/", body, &resp); err != nil {
		return "", err
	}
	return resp.Task, nil
}
