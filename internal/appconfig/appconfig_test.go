package appconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTempINI(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "app.ini")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoad_EmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, DefaultLogLevel, cfg.Engine.LogLevel)
	require.Equal(t, DefaultAuthMethod, cfg.Auth.Method)
}

func TestLoad_ParsesSections(t *testing.T) {
	path := writeTempINI(t, `
[vault]
vault_addr = https://vault.internal:8200
repo_secret_namespace = pulp/repos

[pulp]
banned_package_regex = ^evil-.*
remote_tls_validation = false

[redis]
host = cache.internal
port = 6380

[engine]
log_level = debug
job_store_path = /var/lib/pulpmanager/jobs.db
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "https://vault.internal:8200", cfg.Vault.VaultAddr)
	require.Equal(t, "pulp/repos", cfg.Vault.RepoSecretNamespace)
	require.Equal(t, "^evil-.*", cfg.Pulp.BannedPackageRegex)
	require.False(t, cfg.Pulp.RemoteTLSValidation)
	require.Equal(t, "cache.internal", cfg.Redis.Host)
	require.Equal(t, 6380, cfg.Redis.Port)
	require.Equal(t, "debug", cfg.Engine.LogLevel)
	require.Equal(t, "/var/lib/pulpmanager/jobs.db", cfg.Engine.JobStorePath)
}

func TestLoad_VaultAddrWithoutNamespaceIsInvalid(t *testing.T) {
	path := writeTempINI(t, `
[vault]
vault_addr = https://vault.internal:8200
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_MissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.ini"))
	require.Error(t, err)
}

func TestLoad_EnvOverridesWinOverFile(t *testing.T) {
	path := writeTempINI(t, `
[engine]
log_level = info
`)
	t.Setenv("PULPMANAGER_LOG_LEVEL", "warn")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "warn", cfg.Engine.LogLevel)
}
