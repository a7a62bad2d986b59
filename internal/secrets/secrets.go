// Package secrets resolves a CredentialsRef to a username/password pair,
// backed by HashiCorp Vault and a short-TTL in-memory cache.
package secrets

import (
	"context"
	"fmt"
	"sync"
	"time"

	vault "github.com/hashicorp/vault/api"

	"github.com/pulp-manager/orchestrator/internal/domain"
)

// SecretStore is the out-of-scope secret-retrieval collaborator this
// package talks to. The concrete Vault-backed implementation below is the
// only adapter shipped; tests provide their own stub.
type SecretStore interface {
	// ReadCredentials returns the (username, password) pair stored at mount.
	ReadCredentials(ctx context.Context, mount string) (username, password string, err error)
}

type cacheEntry struct {
	username  string
	password  string
	expiresAt time.Time
}

// Resolver resolves CredentialsRef values, caching results with a bounded
// TTL. Safe for concurrent use; the cache is a single
// sync.RWMutex-guarded map with lazy expiry checks on read — not an
// eviction-policy cache library, since nothing here needs one.
type Resolver struct {
	store SecretStore
	ttl   time.Duration

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// DefaultTTL is the cache lifetime applied when NewResolver is given ttl<=0.
const DefaultTTL = 10 * time.Minute

// NewResolver constructs a Resolver over the given store.
func NewResolver(store SecretStore, ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Resolver{
		store: store,
		ttl:   ttl,
		cache: make(map[string]cacheEntry),
	}
}

// Resolve returns the username/password for ref, using the cache when the
// entry is present and unexpired. On a store error it wraps
// domain.ErrCredentialsUnavailable; callers must not retry this within the
// same job.
func (r *Resolver) Resolve(ctx context.Context, ref domain.CredentialsRef) (username, password string, err error) {
	if u, p, ok := r.lookup(ref.VaultServiceAccountMount); ok {
		return u, p, nil
	}

	u, p, err := r.store.ReadCredentials(ctx, ref.VaultServiceAccountMount)
	if err != nil {
		return "", "", fmt.Errorf("%w: mount %s: %v", domain.ErrCredentialsUnavailable, ref.VaultServiceAccountMount, err)
	}

	r.mu.Lock()
	r.cache[ref.VaultServiceAccountMount] = cacheEntry{
		username:  u,
		password:  p,
		expiresAt: time.Now().Add(r.ttl),
	}
	r.mu.Unlock()

	return u, p, nil
}

func (r *Resolver) lookup(mount string) (username, password string, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, found := r.cache[mount]
	if !found || time.Now().After(e.expiresAt) {
		return "", "", false
	}
	return e.username, e.password, true
}

// VaultStore is the concrete SecretStore backed by HashiCorp Vault's KV
// engine, reading username/password keys from the secret at mount.
type VaultStore struct {
	client    *vault.Client
	namespace string
}

// NewVaultStore builds a VaultStore from an address and repo secret
// namespace (appconfig's vault.vault_addr / vault.repo_secret_namespace).
func NewVaultStore(addr, namespace string) (*VaultStore, error) {
	cfg := vault.DefaultConfig()
	cfg.Address = addr
	client, err := vault.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: vault client: %v", domain.ErrCredentialsUnavailable, err)
	}
	return &VaultStore{client: client, namespace: namespace}, nil
}

// ReadCredentials implements SecretStore.
func (v *VaultStore) ReadCredentials(ctx context.Context, mount string) (string, string, error) {
	path := v.namespace + "/" + mount
	secret, err := v.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return "", "", fmt.Errorf("vault read %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return "", "", fmt.Errorf("vault: no secret at %s", path)
	}

	username, _ := secret.Data["username"].(string)
	password, _ := secret.Data["password"].(string)
	if username == "" || password == "" {
		return "", "", fmt.Errorf("vault: secret at %s missing username/password", path)
	}
	return username, password, nil
}
