package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pulp-manager/orchestrator/internal/domain"
	"github.com/pulp-manager/orchestrator/internal/events"
	"github.com/pulp-manager/orchestrator/internal/fleetconfig"
)

type fakeStore struct {
	mu    sync.Mutex
	calls []domain.JobKind
}

func (f *fakeStore) CreateJob(ctx context.Context, parentID string, kind domain.JobKind, server string, params map[string]any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, kind)
	return "job-1", nil
}

func (f *fakeStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeNotifier struct {
	mu       sync.Mutex
	notified []string
}

func (f *fakeNotifier) Notify(jobID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notified = append(f.notified, jobID)
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.notified)
}

func TestScheduler_Enqueue_AdHoc(t *testing.T) {
	store := &fakeStore{}
	notifier := &fakeNotifier{}
	s := New(store, notifier, events.NewBus(0))

	jobID, err := s.Enqueue(context.Background(), domain.JobKindSync, "srv1", map[string]any{"regex_include": "^ext-"})
	require.NoError(t, err)
	require.Equal(t, "job-1", jobID)
	require.Equal(t, 1, notifier.count())
}

func TestScheduler_LoadCatalog_RegistersValidSchedule(t *testing.T) {
	store := &fakeStore{}
	notifier := &fakeNotifier{}
	s := New(store, notifier, events.NewBus(0))
	t.Cleanup(s.Stop)

	cat := &fleetconfig.Catalog{
		Bindings: []domain.ServerRepoGroup{
			{Server: "srv1", Group: "g", Schedule: "* * * * *", Active: true},
		},
		Registrations: []fleetconfig.RegistrationBinding{
			{Server: "srv1", Schedule: "0 3 * * *"},
		},
	}
	require.NoError(t, s.LoadCatalog(cat))
}

func TestScheduler_FireSync_CreatesJobAndNotifies(t *testing.T) {
	store := &fakeStore{}
	notifier := &fakeNotifier{}
	s := New(store, notifier, events.NewBus(0))

	s.fireSync(domain.ServerRepoGroup{Server: "srv1", Group: "g"})

	require.Equal(t, 1, store.count())
	require.Equal(t, 1, notifier.count())
}

func TestScheduler_FireRegistration_CreatesJobAndNotifies(t *testing.T) {
	store := &fakeStore{}
	notifier := &fakeNotifier{}
	s := New(store, notifier, events.NewBus(0))

	s.fireRegistration(fleetconfig.RegistrationBinding{Server: "srv1"})

	require.Equal(t, 1, store.count())
	require.Equal(t, 1, notifier.count())
}

func TestScheduler_LoadCatalog_SkipsInactiveBindings(t *testing.T) {
	store := &fakeStore{}
	notifier := &fakeNotifier{}
	s := New(store, notifier, events.NewBus(0))
	t.Cleanup(s.Stop)

	cat := &fleetconfig.Catalog{
		Bindings: []domain.ServerRepoGroup{
			{Server: "srv1", Group: "g", Schedule: "* * * * *", Active: false},
		},
	}
	require.NoError(t, s.LoadCatalog(cat))

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 0, store.count())
}

func TestScheduler_LoadCatalog_RejectsBadSchedule(t *testing.T) {
	store := &fakeStore{}
	notifier := &fakeNotifier{}
	s := New(store, notifier, events.NewBus(0))

	cat := &fleetconfig.Catalog{
		Bindings: []domain.ServerRepoGroup{
			{Server: "srv1", Group: "g", Schedule: "not a cron expr", Active: true},
		},
	}
	require.Error(t, s.LoadCatalog(cat))
}
