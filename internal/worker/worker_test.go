package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pulp-manager/orchestrator/internal/domain"
	"github.com/pulp-manager/orchestrator/internal/events"
	"github.com/pulp-manager/orchestrator/internal/fleetconfig"
	"github.com/pulp-manager/orchestrator/internal/jobstore"
	"github.com/pulp-manager/orchestrator/internal/pulpclient"
	"github.com/pulp-manager/orchestrator/internal/reconciler"
)

func openTestStore(t *testing.T) *jobstore.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "jobs.db")
	s, err := jobstore.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

type fakeSecrets struct{}

func (fakeSecrets) Resolve(ctx context.Context, ref domain.CredentialsRef) (string, string, error) {
	return "u", "p", nil
}

type noopGitRunner struct{}

func (noopGitRunner) Exec(ctx context.Context, dir string, args ...string) (string, error) {
	return "", nil
}

func newStubServer(t *testing.T, handler http.HandlerFunc) (*pulpclient.Client, PulpClientFactory) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	factory := func(server domain.PulpServer, username, password string) *pulpclient.Client {
		return pulpclient.New(pulpclient.Config{BaseURL: srv.URL, Username: username, Password: password})
	}
	return factory(domain.PulpServer{}, "u", "p"), factory
}

func newCatalog(server domain.PulpServer, bindings []domain.ServerRepoGroup, groups map[string]domain.RepoGroup) *fleetconfig.Catalog {
	return &fleetconfig.Catalog{
		Servers:     []domain.PulpServer{server},
		Credentials: map[string]domain.CredentialsRef{"default": {Name: "default"}},
		Groups:      groups,
		Bindings:    bindings,
	}
}

func TestWorker_Dispatch_SkipsDuplicateJob(t *testing.T) {
	store := openTestStore(t)
	bus := events.NewBus(0)

	var kinds []events.EventType
	bus.Subscribe(func(e events.Event) { kinds = append(kinds, e.Type) })

	w := New(store, fakeSecrets{}, nil, bus, reconciler.Config{}, noopGitRunner{}, "", "", 0)

	ctx := context.Background()
	_, err := store.CreateJob(ctx, "", domain.JobKindSync, "srv1", map[string]any{"group": "g"})
	require.NoError(t, err)
	second, err := store.CreateJob(ctx, "", domain.JobKindSync, "srv1", map[string]any{"group": "g"})
	require.NoError(t, err)

	w.dispatch(ctx, second)

	job, err := store.GetJob(ctx, second)
	require.NoError(t, err)
	require.Equal(t, domain.JobStateCanceled, job.State)
	require.Equal(t, "skipped_duplicate", job.Error)
	require.Contains(t, kinds, events.JobSkippedDuplicate)
}

func TestWorker_RunSync_Success(t *testing.T) {
	store := openTestStore(t)
	bus := events.NewBus(0)

	_, factory := newStubServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/pulp/api/v3/repositories/deb/apt/":
			json.NewEncoder(w).Encode(map[string]any{
				"count": 1,
				"results": []map[string]any{{
					"pulp_href": "/pulp/api/v3/repositories/deb/apt/abc/",
					"name":      "ext-nginx",
					"remote":    "/pulp/api/v3/remotes/deb/apt/xyz/",
				}},
			})
		case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/pulp/api/v3/repositories/"):
			json.NewEncoder(w).Encode(map[string]any{"count": 0, "results": []any{}})
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/sync/"):
			json.NewEncoder(w).Encode(map[string]any{"task": "/pulp/api/v3/tasks/t1/"})
		case r.Method == http.MethodGet && r.URL.Path == "/pulp/api/v3/tasks/t1/":
			json.NewEncoder(w).Encode(map[string]any{"state": "completed"})
		default:
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	})

	server := domain.PulpServer{Name: "srv1", CredentialsRef: "default", Active: true}
	binding := domain.ServerRepoGroup{Server: "srv1", Group: "g", MaxConcurrentSync: 1, MaxRuntime: time.Minute, Active: true}
	group := domain.RepoGroup{Name: "g"}
	cat := newCatalog(server, []domain.ServerRepoGroup{binding}, map[string]domain.RepoGroup{"g": group})

	var repoEvents []events.Event
	bus.Subscribe(func(e events.Event) {
		if e.Type == events.RepoTaskComplete {
			repoEvents = append(repoEvents, e)
		}
	})

	w := New(store, fakeSecrets{}, factory, bus, reconciler.Config{}, noopGitRunner{}, "", "", 0)
	w.SetCatalog(cat)

	ctx := context.Background()
	jobID, err := store.CreateJob(ctx, "", domain.JobKindSync, "srv1", map[string]any{"group": "g"})
	require.NoError(t, err)

	w.dispatch(ctx, jobID)

	job, err := store.GetJob(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, domain.JobStateSucceeded, job.State)
	require.Len(t, repoEvents, 1)
	require.Equal(t, "ext-nginx", repoEvents[0].Repo)
}

func TestWorker_RunSync_AdHocParams(t *testing.T) {
	store := openTestStore(t)
	bus := events.NewBus(0)

	_, factory := newStubServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/pulp/api/v3/repositories/"):
			json.NewEncoder(w).Encode(map[string]any{"count": 0, "results": []any{}})
		default:
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	})

	server := domain.PulpServer{Name: "srv1", CredentialsRef: "default", Active: true}
	cat := newCatalog(server, nil, map[string]domain.RepoGroup{})

	w := New(store, fakeSecrets{}, factory, bus, reconciler.Config{}, noopGitRunner{}, "", "", 0)
	w.SetCatalog(cat)

	ctx := context.Background()
	jobID, err := store.CreateJob(ctx, "", domain.JobKindSync, "srv1", map[string]any{
		"regex_include":        "^ext-",
		"max_runtime":          "30s",
		"max_concurrent_syncs": 2,
	})
	require.NoError(t, err)

	w.dispatch(ctx, jobID)

	job, err := store.GetJob(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, domain.JobStateSucceeded, job.State, job.Error)
}

func TestWorker_RunReconcile_CreatesRepository(t *testing.T) {
	store := openTestStore(t)
	bus := events.NewBus(0)

	var created bool
	_, factory := newStubServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/pulp/api/v3/repositories/"):
			json.NewEncoder(w).Encode(map[string]any{"count": 0, "results": []any{}})
		case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/pulp/api/v3/distributions/"):
			json.NewEncoder(w).Encode(map[string]any{"count": 0, "results": []any{}})
		case r.Method == http.MethodPost && r.URL.Path == "/pulp/api/v3/repositories/file/file/":
			created = true
			json.NewEncoder(w).Encode(map[string]any{
				"pulp_href": "/pulp/api/v3/repositories/file/file/abc/",
				"name":      "myrepo",
			})
		case r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/pulp/api/v3/distributions/"):
			json.NewEncoder(w).Encode(map[string]any{"task": "/pulp/api/v3/tasks/t2/"})
		default:
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	})

	server := domain.PulpServer{Name: "srv1", CredentialsRef: "default", Active: true}
	cat := newCatalog(server, nil, map[string]domain.RepoGroup{})

	catalogDir := t.TempDir()
	descriptor := `{"name":"myrepo","content_repo_type":"file","description":"d","owner":"o","base_url":"http://example/"}`
	require.NoError(t, os.WriteFile(filepath.Join(catalogDir, "myrepo.json"), []byte(descriptor), 0o644))

	w := New(store, fakeSecrets{}, factory, bus, reconciler.Config{}, noopGitRunner{}, "git@example:catalog.git", catalogDir, 0)
	w.SetCatalog(cat)

	ctx := context.Background()
	jobID, err := store.CreateJob(ctx, "", domain.JobKindReconcile, "srv1", nil)
	require.NoError(t, err)

	w.dispatch(ctx, jobID)

	job, err := store.GetJob(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, domain.JobStateSucceeded, job.State, job.Error)
	require.True(t, created)
}

func TestWorker_RunSnapshot_PublishesAndDistributes(t *testing.T) {
	store := openTestStore(t)
	bus := events.NewBus(0)

	_, factory := newStubServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/pulp/api/v3/repositories/deb/apt/":
			json.NewEncoder(w).Encode(map[string]any{
				"count": 1,
				"results": []map[string]any{{
					"pulp_href": "/pulp/api/v3/repositories/deb/apt/abc/",
					"name":      "ext-nginx",
				}},
			})
		case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/pulp/api/v3/repositories/"):
			json.NewEncoder(w).Encode(map[string]any{"count": 0, "results": []any{}})
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/publish/"):
			json.NewEncoder(w).Encode(map[string]any{"task": "/pulp/api/v3/tasks/t3/"})
		case r.Method == http.MethodGet && r.URL.Path == "/pulp/api/v3/tasks/t3/":
			json.NewEncoder(w).Encode(map[string]any{
				"state":             "completed",
				"created_resources": []string{"/pulp/api/v3/publications/deb/apt/p1/"},
			})
		case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/pulp/api/v3/distributions/"):
			json.NewEncoder(w).Encode(map[string]any{"count": 0, "results": []any{}})
		case r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/pulp/api/v3/distributions/"):
			json.NewEncoder(w).Encode(map[string]any{"task": "/pulp/api/v3/tasks/t4/"})
		default:
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	})

	server := domain.PulpServer{
		Name:                   "srv1",
		CredentialsRef:         "default",
		Active:                 true,
		SupportsSnapshots:      true,
		MaxConcurrentSnapshots: 1,
	}
	cat := newCatalog(server, nil, map[string]domain.RepoGroup{})

	w := New(store, fakeSecrets{}, factory, bus, reconciler.Config{}, noopGitRunner{}, "", "", 0)
	w.SetCatalog(cat)

	ctx := context.Background()
	jobID, err := store.CreateJob(ctx, "", domain.JobKindSnapshot, "srv1", nil)
	require.NoError(t, err)

	w.dispatch(ctx, jobID)

	job, err := store.GetJob(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, domain.JobStateSucceeded, job.State, job.Error)
}

func TestWorker_Run_RecoversCrashedJobsOnStartup(t *testing.T) {
	store := openTestStore(t)
	bus := events.NewBus(0)

	ctx := context.Background()
	jobID, err := store.CreateJob(ctx, "", domain.JobKindSync, "srv1", nil)
	require.NoError(t, err)
	ok, err := store.Claim(ctx, jobID)
	require.NoError(t, err)
	require.True(t, ok)

	w := New(store, fakeSecrets{}, nil, bus, reconciler.Config{}, noopGitRunner{}, "", "", 0)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- w.Run(runCtx) }()
	cancel()
	require.NoError(t, <-done)

	job, err := store.GetJob(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, domain.JobStateFailed, job.State)
	require.Equal(t, "worker_crashed", job.Error)
}

func TestWorker_Cancel_ReportsUnknownJob(t *testing.T) {
	store := openTestStore(t)
	bus := events.NewBus(0)
	w := New(store, fakeSecrets{}, nil, bus, reconciler.Config{}, noopGitRunner{}, "", "", 0)
	require.False(t, w.Cancel("nonexistent"))
}
