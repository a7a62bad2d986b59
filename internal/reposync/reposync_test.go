package reposync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pulp-manager/orchestrator/internal/domain"
	"github.com/pulp-manager/orchestrator/internal/events"
	"github.com/pulp-manager/orchestrator/internal/pulpclient"
)

type recordedResult struct {
	repo  string
	state domain.RepoTaskState
}

type fakeStore struct {
	mu      sync.Mutex
	active  map[string]bool
	results []recordedResult
	final   domain.JobState
	finalMsg string
}

func newFakeStore(active ...string) *fakeStore {
	m := make(map[string]bool, len(active))
	for _, a := range active {
		m[a] = true
	}
	return &fakeStore{active: m}
}

func (f *fakeStore) ActiveRepoNames(ctx context.Context, server string, kind domain.JobKind, excludeJobID string) (map[string]bool, error) {
	return f.active, nil
}

func (f *fakeStore) RecordRepoResult(ctx context.Context, jobID, repo string, state domain.RepoTaskState, taskHref, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, recordedResult{repo: repo, state: state})
	return nil
}

func (f *fakeStore) MarkTerminal(ctx context.Context, jobID string, state domain.JobState, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.final = state
	f.finalMsg = errMsg
	return nil
}

func (f *fakeStore) stateOf(repo string) (domain.RepoTaskState, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.results {
		if r.repo == repo {
			return r.state, true
		}
	}
	return "", false
}

type fakeClient struct {
	mu          sync.Mutex
	submitErr   map[string]error
	pollState   map[string]pulpclient.TaskState
	pollErr     map[string]error
	canceled    map[string]bool
	pollDelay   time.Duration
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		submitErr: map[string]error{},
		pollState: map[string]pulpclient.TaskState{},
		pollErr:   map[string]error{},
		canceled:  map[string]bool{},
	}
}

func (f *fakeClient) SubmitSync(ctx context.Context, repoHref, remoteHref string) (string, error) {
	if err, ok := f.submitErr[repoHref]; ok {
		return "", err
	}
	return repoHref + "task/", nil
}

func (f *fakeClient) PollTask(ctx context.Context, href string) (pulpclient.Task, error) {
	if f.pollDelay > 0 {
		select {
		case <-time.After(f.pollDelay):
		case <-ctx.Done():
			return pulpclient.Task{}, ctx.Err()
		}
	}
	if err, ok := f.pollErr[href]; ok {
		return pulpclient.Task{}, err
	}
	state, ok := f.pollState[href]
	if !ok {
		state = pulpclient.TaskStateCompleted
	}
	return pulpclient.Task{Href: href, State: state}, nil
}

func (f *fakeClient) CancelTask(ctx context.Context, href string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled[href] = true
	return nil
}

func repo(name string) domain.PulpServerRepo {
	return domain.PulpServerRepo{Server: "srv1", Name: name, Kind: domain.RepoKindDeb, Href: "/repos/" + name + "/", RemoteHref: "/remotes/" + name + "/"}
}

func baseBinding() domain.ServerRepoGroup {
	return domain.ServerRepoGroup{Server: "srv1", Group: "all", MaxConcurrentSync: 2, MaxRuntime: time.Minute}
}

func TestRun_AllSucceed(t *testing.T) {
	store := newFakeStore()
	client := newFakeClient()
	s := New(store, client, events.NewBus(0))

	req := Request{
		JobID:   "job1",
		Server:  "srv1",
		Repos:   []domain.PulpServerRepo{repo("alpha"), repo("beta")},
		Binding: baseBinding(),
	}

	state, err := s.Run(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, domain.JobStateSucceeded, state)

	a, ok := store.stateOf("alpha")
	require.True(t, ok)
	require.Equal(t, domain.RepoTaskCompleted, a)
}

func TestRun_ConflictingRepoSkipped(t *testing.T) {
	store := newFakeStore("beta")
	client := newFakeClient()
	s := New(store, client, events.NewBus(0))

	req := Request{
		JobID:   "job1",
		Server:  "srv1",
		Repos:   []domain.PulpServerRepo{repo("alpha"), repo("beta")},
		Binding: baseBinding(),
	}

	state, err := s.Run(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, domain.JobStateSucceeded, state)

	skipped, ok := store.stateOf("beta")
	require.True(t, ok)
	require.Equal(t, domain.RepoTaskSkippedConflict, skipped)
}

func TestRun_MissingOnSourceSkipped(t *testing.T) {
	store := newFakeStore()
	client := newFakeClient()
	s := New(store, client, events.NewBus(0))

	req := Request{
		JobID:       "job1",
		Server:      "srv1",
		Repos:       []domain.PulpServerRepo{repo("alpha"), repo("beta")},
		Binding:     domain.ServerRepoGroup{Server: "srv1", MaxConcurrentSync: 2, MaxRuntime: time.Minute, SourceServer: "primary"},
		SourceRepos: []domain.PulpServerRepo{repo("alpha")},
	}

	state, err := s.Run(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, domain.JobStateSucceeded, state)

	skipped, ok := store.stateOf("beta")
	require.True(t, ok)
	require.Equal(t, domain.RepoTaskSkippedMissingSrc, skipped)
}

func TestRun_SubmitFailureMarksRepoFailed(t *testing.T) {
	store := newFakeStore()
	client := newFakeClient()
	client.submitErr["/repos/alpha/"] = errors.New("400 bad remote")
	s := New(store, client, events.NewBus(0))

	req := Request{
		JobID:   "job1",
		Server:  "srv1",
		Repos:   []domain.PulpServerRepo{repo("alpha")},
		Binding: baseBinding(),
	}

	state, err := s.Run(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, domain.JobStateFailed, state)

	got, ok := store.stateOf("alpha")
	require.True(t, ok)
	require.Equal(t, domain.RepoTaskFailed, got)
}

func TestRun_PulpFailedTaskMarksRepoFailed(t *testing.T) {
	store := newFakeStore()
	client := newFakeClient()
	client.pollState["/repos/alpha/task/"] = pulpclient.TaskStateFailed
	s := New(store, client, events.NewBus(0))

	req := Request{
		JobID:   "job1",
		Server:  "srv1",
		Repos:   []domain.PulpServerRepo{repo("alpha")},
		Binding: baseBinding(),
	}

	state, err := s.Run(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, domain.JobStateFailed, state)
}

func TestRun_DeadlineExceededMarksTimedOut(t *testing.T) {
	store := newFakeStore()
	client := newFakeClient()
	client.pollDelay = 50 * time.Millisecond
	s := New(store, client, events.NewBus(0))

	// Shrink the post-deadline grace window so the 50ms task outlasts it.
	origGrace := deadlineGrace
	deadlineGrace = 10 * time.Millisecond
	defer func() { deadlineGrace = origGrace }()

	req := Request{
		JobID:   "job1",
		Server:  "srv1",
		Repos:   []domain.PulpServerRepo{repo("alpha")},
		Binding: domain.ServerRepoGroup{Server: "srv1", MaxConcurrentSync: 1, MaxRuntime: 5 * time.Millisecond},
	}

	state, err := s.Run(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, domain.JobStateTimedOut, state)

	got, ok := store.stateOf("alpha")
	require.True(t, ok)
	require.Equal(t, domain.RepoTaskTimedOut, got)
}

func TestRun_CancelRequestsPulpCancelAndMarksCanceled(t *testing.T) {
	store := newFakeStore()
	client := newFakeClient()
	client.pollDelay = 200 * time.Millisecond
	s := New(store, client, events.NewBus(0))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	req := Request{
		JobID:   "job1",
		Server:  "srv1",
		Repos:   []domain.PulpServerRepo{repo("alpha")},
		Binding: domain.ServerRepoGroup{Server: "srv1", MaxConcurrentSync: 1, MaxRuntime: time.Minute},
	}

	state, err := s.Run(ctx, req)
	require.NoError(t, err)
	require.Equal(t, domain.JobStateCanceled, state)

	got, ok := store.stateOf("alpha")
	require.True(t, ok)
	require.Equal(t, domain.RepoTaskCanceled, got)
	require.True(t, client.canceled["/repos/alpha/task/"])
}

func TestRun_ConcurrencyBounded(t *testing.T) {
	store := newFakeStore()
	client := newFakeClient()
	client.pollDelay = 20 * time.Millisecond

	var mu sync.Mutex
	active, peak := 0, 0
	tracking := &trackingClient{fakeClient: client, onStart: func() {
		mu.Lock()
		active++
		if active > peak {
			peak = active
		}
		mu.Unlock()
	}, onEnd: func() {
		mu.Lock()
		active--
		mu.Unlock()
	}}
	s := New(store, tracking, events.NewBus(0))

	req := Request{
		JobID:   "job1",
		Server:  "srv1",
		Repos:   []domain.PulpServerRepo{repo("a"), repo("b"), repo("c"), repo("d")},
		Binding: domain.ServerRepoGroup{Server: "srv1", MaxConcurrentSync: 2, MaxRuntime: time.Minute},
	}

	_, err := s.Run(context.Background(), req)
	require.NoError(t, err)
	require.LessOrEqual(t, peak, 2)
}

type trackingClient struct {
	*fakeClient
	onStart func()
	onEnd   func()
}

func (t *trackingClient) PollTask(ctx context.Context, href string) (pulpclient.Task, error) {
	t.onStart()
	defer t.onEnd()
	return t.fakeClient.PollTask(ctx, href)
}
