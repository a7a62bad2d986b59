// Package pulpclient is a typed HTTP client for the subset of the Pulp 3
// REST API this engine drives: submitting sync/publish/distribute
// operations, polling task hrefs to terminal state, and the repository/
// remote/distribution/content CRUD the Reconciler and Snapshotter need.
//
// The transport (doRequest) retries with exponential backoff, honors the
// Retry-After header on 429, retries 5xx, and fails 4xx immediately with
// the response body captured verbatim.
package pulpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pulp-manager/orchestrator/internal/domain"
)

// Client talks to one Pulp server over HTTP basic auth.
type Client struct {
	httpClient *http.Client
	baseURL    string
	username   string
	password   string

	maxRetries      int
	initialBackoff  time.Duration
}

// Config configures a Client. ConnectTimeout/ReadTimeout come from
// appconfig's remotes.sock_connect_timeout / remotes.sock_read_timeout.
type Config struct {
	BaseURL        string
	Username       string
	Password       string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
}

// New builds a Client from cfg. ConnectTimeout bounds the TCP dial, kept
// separate from ReadTimeout (which bounds the whole request) so a Pulp
// server that never accepts the connection fails fast while a slow-but-
// connected server still gets the full read budget.
func New(cfg Config) *Client {
	readTimeout := cfg.ReadTimeout
	if readTimeout == 0 {
		readTimeout = 60 * time.Second
	}
	connectTimeout := cfg.ConnectTimeout
	if connectTimeout == 0 {
		connectTimeout = 10 * time.Second
	}

	dialer := &net.Dialer{Timeout: connectTimeout}
	transport := &http.Transport{DialContext: dialer.DialContext}

	return &Client{
		httpClient: &http.Client{
			Timeout:   readTimeout,
			Transport: transport,
		},
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		username:       cfg.Username,
		password:       cfg.Password,
		maxRetries:     5,
		initialBackoff: 1 * time.Second,
	}
}

// apiError captures a non-2xx, non-retried Pulp response body verbatim:
// the repo's outcome is failed with the server's error payload attached
// as-is.
type apiError struct {
	StatusCode int
	Body       string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("pulp: request failed with status %d: %s", e.StatusCode, e.Body)
}

// doRequest executes an HTTP request against path (relative to baseURL)
// with basic auth, retrying transient failures with exponential backoff.
func (c *Client) doRequest(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reqBody []byte
	if body != nil {
		var err error
		reqBody, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("pulp: marshal request body: %w", err)
		}
	}

	fullURL := c.baseURL + path
	backoff := c.initialBackoff

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		var reader io.Reader
		if reqBody != nil {
			reader = bytes.NewReader(reqBody)
		}

		req, err := http.NewRequestWithContext(ctx, method, fullURL, reader)
		if err != nil {
			return nil, fmt.Errorf("pulp: build request: %w", err)
		}
		req.SetBasicAuth(c.username, c.password)
		req.Header.Set("Accept", "application/json")
		if reqBody != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt == c.maxRetries {
				return nil, fmt.Errorf("%w: %v", domain.ErrPulpUnreachable, err)
			}
			select {
			case <-time.After(backoff):
				backoff *= 2
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		if resp.StatusCode == 429 || resp.StatusCode >= 500 {
			wait := backoff
			if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
				if secs, err := strconv.Atoi(retryAfter); err == nil {
					wait = time.Duration(secs) * time.Second
				}
			}
			resp.Body.Close()

			if attempt == c.maxRetries {
				return nil, fmt.Errorf("%w: status %d after %d retries", domain.ErrPulpUnreachable, resp.StatusCode, c.maxRetries)
			}

			select {
			case <-time.After(wait):
				backoff *= 2
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		defer resp.Body.Close()
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, &apiError{StatusCode: resp.StatusCode, Body: string(bodyBytes)}
	}

	return nil, fmt.Errorf("%w: exhausted retries", domain.ErrPulpUnreachable)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	resp, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	resp, err := c.doRequest(ctx, http.MethodPost, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) patchJSON(ctx context.Context, path string, body, out any) error {
	resp, err := c.doRequest(ctx, http.MethodPatch, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// page is the generic Pulp paginated-collection envelope.
type page[T any] struct {
	Count    int    `json:"count"`
	Next     string `json:"next"`
	Previous string `json:"previous"`
	Results  []T    `json:"results"`
}

// listAll walks every page of a paginated collection at path, following
// "next" until it is empty.
func listAll[T any](ctx context.Context, c *Client, path string) ([]T, error) {
	var all []T
	next := path
	for next != "" {
		var p page[T]
		if err := c.getJSON(ctx, next, &p); err != nil {
			return nil, err
		}
		all = append(all, p.Results...)
		if p.Next == "" {
			break
		}
		u, err := url.Parse(p.Next)
		if err != nil {
			return nil, fmt.Errorf("pulp: parse next page url: %w", err)
		}
		next = u.RequestURI()
	}
	return all, nil
}
