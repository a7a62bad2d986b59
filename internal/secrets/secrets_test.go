package secrets

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pulp-manager/orchestrator/internal/domain"
)

type fakeStore struct {
	calls int32
	err   error
}

func (f *fakeStore) ReadCredentials(ctx context.Context, mount string) (string, string, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.err != nil {
		return "", "", f.err
	}
	return "svc-" + mount, "s3cret", nil
}

func TestResolver_CachesResult(t *testing.T) {
	store := &fakeStore{}
	r := NewResolver(store, time.Minute)
	ref := domain.CredentialsRef{VaultServiceAccountMount: "pulp/primary"}

	u1, p1, err := r.Resolve(context.Background(), ref)
	require.NoError(t, err)
	u2, p2, err := r.Resolve(context.Background(), ref)
	require.NoError(t, err)

	require.Equal(t, u1, u2)
	require.Equal(t, p1, p2)
	require.EqualValues(t, 1, store.calls)
}

func TestResolver_ExpiresAfterTTL(t *testing.T) {
	store := &fakeStore{}
	r := NewResolver(store, time.Millisecond)

	ref := domain.CredentialsRef{VaultServiceAccountMount: "pulp/primary"}
	_, _, err := r.Resolve(context.Background(), ref)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	_, _, err = r.Resolve(context.Background(), ref)
	require.NoError(t, err)
	require.EqualValues(t, 2, store.calls)
}

func TestResolver_StoreErrorWrapsCredentialsUnavailable(t *testing.T) {
	store := &fakeStore{err: errors.New("connection refused")}
	r := NewResolver(store, time.Minute)

	_, _, err := r.Resolve(context.Background(), domain.CredentialsRef{VaultServiceAccountMount: "pulp/primary"})
	require.Error(t, err)
	require.ErrorIs(t, err, domain.ErrCredentialsUnavailable)
}

func TestResolver_DistinctMountsCachedSeparately(t *testing.T) {
	store := &fakeStore{}
	r := NewResolver(store, time.Minute)

	_, _, err := r.Resolve(context.Background(), domain.CredentialsRef{VaultServiceAccountMount: "pulp/a"})
	require.NoError(t, err)
	_, _, err = r.Resolve(context.Background(), domain.CredentialsRef{VaultServiceAccountMount: "pulp/b"})
	require.NoError(t, err)

	require.EqualValues(t, 2, store.calls)
}
