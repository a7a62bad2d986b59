// Package appconfig loads the application's INI configuration file: the
// process-wide settings that are not part of the fleet catalog (auth,
// vault, paging, redis-equivalent caching, and the engine's own runtime
// knobs). It is the sibling of internal/fleetconfig, which loads the
// YAML catalog of servers and repo groups.
package appconfig

import (
	"fmt"

	"gopkg.in/ini.v1"

	"github.com/pulp-manager/orchestrator/internal/domain"
)

// CAConfig holds the `[ca]` section.
type CAConfig struct {
	RootCAFilePath string
}

// AuthConfig holds the `[auth]` section.
type AuthConfig struct {
	Method              string
	UseSSL              bool
	LDAPServers         string
	BaseDN              string
	DefaultDomain       string
	JWTAlgorithm        string
	JWTTokenLifetimeMin int
	AdminGroup          string
	RequireJWTAuth      bool
}

// PulpConfig holds the `[pulp]` section.
type PulpConfig struct {
	DebSigningService              string
	BannedPackageRegex             string
	InternalDomains                string
	GitRepoConfig                  string
	GitRepoConfigDir               string
	Password                       string
	InternalPackagePrefix          string
	PackageNameReplacementPattern  string
	PackageNameReplacementRule     string
	RemoteTLSValidation            bool
	UseHTTPSForSync                bool
}

// RedisConfig holds the `[redis]` section (the cache backing de-dup and
// pagination bookkeeping in a production deployment; this engine only
// consumes the connection parameters, it does not implement a cache).
type RedisConfig struct {
	Host        string
	Port        int
	DB          int
	MaxPageSize int
}

// RemotesConfig holds the `[remotes]` section: per-HTTP-request timeouts
// used when constructing the Pulp client transport.
type RemotesConfig struct {
	SockConnectTimeoutSeconds int
	SockReadTimeoutSeconds    int
}

// PagingConfig holds the `[paging]` section.
type PagingConfig struct {
	DefaultPageSize int
	MaxPageSize     int
}

// VaultConfig holds the `[vault]` section consumed by internal/secrets.
type VaultConfig struct {
	VaultAddr           string
	RepoSecretNamespace string
}

// EngineConfig holds this engine's own runtime knobs. These are added
// alongside the carried-forward INI sections because a running process
// still needs to know where its own durable state and fleet catalog
// live, and at what level to log.
type EngineConfig struct {
	LogLevel         string
	JobStorePath     string
	FleetConfigPath  string
}

// Config is the fully-parsed application configuration.
type Config struct {
	CA      CAConfig
	Auth    AuthConfig
	Pulp    PulpConfig
	Redis   RedisConfig
	Remotes RemotesConfig
	Paging  PagingConfig
	Vault   VaultConfig
	Engine  EngineConfig
}

const (
	DefaultLogLevel              = "info"
	DefaultJobStorePath          = "pulpmanager.db"
	DefaultFleetConfigPath       = "fleet.yaml"
	DefaultAuthMethod            = "ldap"
	DefaultJWTAlgorithm          = "RS256"
	DefaultJWTTokenLifetimeMin   = 60
	DefaultRedisPort             = 6379
	DefaultRedisMaxPageSize      = 100
	DefaultSockConnectTimeoutSec = 10
	DefaultSockReadTimeoutSec    = 60
	DefaultPagingDefaultPageSize = 50
	DefaultPagingMaxPageSize     = 500
)

// Default returns a Config with every field set to its documented default.
func Default() *Config {
	return &Config{
		Auth: AuthConfig{
			Method:              DefaultAuthMethod,
			JWTAlgorithm:        DefaultJWTAlgorithm,
			JWTTokenLifetimeMin: DefaultJWTTokenLifetimeMin,
		},
		Redis: RedisConfig{
			Port:        DefaultRedisPort,
			MaxPageSize: DefaultRedisMaxPageSize,
		},
		Remotes: RemotesConfig{
			SockConnectTimeoutSeconds: DefaultSockConnectTimeoutSec,
			SockReadTimeoutSeconds:    DefaultSockReadTimeoutSec,
		},
		Paging: PagingConfig{
			DefaultPageSize: DefaultPagingDefaultPageSize,
			MaxPageSize:     DefaultPagingMaxPageSize,
		},
		Engine: EngineConfig{
			LogLevel:        DefaultLogLevel,
			JobStorePath:    DefaultJobStorePath,
			FleetConfigPath: DefaultFleetConfigPath,
		},
	}
}

// Load reads the INI file at path, overlaying it on Default(), then applies
// any environment overrides (see env.go). An empty path returns the
// defaults with only the environment overrides applied.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		applyEnvOverrides(cfg)
		return cfg, nil
	}

	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("%w: load %s: %v", domain.ErrConfigInvalid, path, err)
	}

	if s := f.Section("ca"); s != nil {
		cfg.CA.RootCAFilePath = s.Key("root_ca_file_path").String()
	}
	if s := f.Section("auth"); s != nil {
		cfg.Auth.Method = s.Key("method").MustString(cfg.Auth.Method)
		cfg.Auth.UseSSL = s.Key("use_ssl").MustBool(cfg.Auth.UseSSL)
		cfg.Auth.LDAPServers = s.Key("ldap_servers").String()
		cfg.Auth.BaseDN = s.Key("base_dn").String()
		cfg.Auth.DefaultDomain = s.Key("default_domain").String()
		cfg.Auth.JWTAlgorithm = s.Key("jwt_algorithm").MustString(cfg.Auth.JWTAlgorithm)
		cfg.Auth.JWTTokenLifetimeMin = s.Key("jwt_token_lifetime_mins").MustInt(cfg.Auth.JWTTokenLifetimeMin)
		cfg.Auth.AdminGroup = s.Key("admin_group").String()
		cfg.Auth.RequireJWTAuth = s.Key("require_jwt_auth").MustBool(cfg.Auth.RequireJWTAuth)
	}
	if s := f.Section("pulp"); s != nil {
		cfg.Pulp.DebSigningService = s.Key("deb_signing_service").String()
		cfg.Pulp.BannedPackageRegex = s.Key("banned_package_regex").String()
		cfg.Pulp.InternalDomains = s.Key("internal_domains").String()
		cfg.Pulp.GitRepoConfig = s.Key("git_repo_config").String()
		cfg.Pulp.GitRepoConfigDir = s.Key("git_repo_config_dir").String()
		cfg.Pulp.Password = s.Key("password").String()
		cfg.Pulp.InternalPackagePrefix = s.Key("internal_package_prefix").String()
		cfg.Pulp.PackageNameReplacementPattern = s.Key("package_name_replacement_pattern").String()
		cfg.Pulp.PackageNameReplacementRule = s.Key("package_name_replacement_rule").String()
		cfg.Pulp.RemoteTLSValidation = s.Key("remote_tls_validation").MustBool(true)
		cfg.Pulp.UseHTTPSForSync = s.Key("use_https_for_sync").MustBool(true)
	}
	if s := f.Section("redis"); s != nil {
		cfg.Redis.Host = s.Key("host").String()
		cfg.Redis.Port = s.Key("port").MustInt(cfg.Redis.Port)
		cfg.Redis.DB = s.Key("db").MustInt(0)
		cfg.Redis.MaxPageSize = s.Key("max_page_size").MustInt(cfg.Redis.MaxPageSize)
	}
	if s := f.Section("remotes"); s != nil {
		cfg.Remotes.SockConnectTimeoutSeconds = s.Key("sock_connect_timeout").MustInt(cfg.Remotes.SockConnectTimeoutSeconds)
		cfg.Remotes.SockReadTimeoutSeconds = s.Key("sock_read_timeout").MustInt(cfg.Remotes.SockReadTimeoutSeconds)
	}
	if s := f.Section("paging"); s != nil {
		cfg.Paging.DefaultPageSize = s.Key("default_page_size").MustInt(cfg.Paging.DefaultPageSize)
		cfg.Paging.MaxPageSize = s.Key("max_page_size").MustInt(cfg.Paging.MaxPageSize)
	}
	if s := f.Section("vault"); s != nil {
		cfg.Vault.VaultAddr = s.Key("vault_addr").String()
		cfg.Vault.RepoSecretNamespace = s.Key("repo_secret_namespace").String()
	}
	if s := f.Section("engine"); s != nil {
		cfg.Engine.LogLevel = s.Key("log_level").MustString(cfg.Engine.LogLevel)
		cfg.Engine.JobStorePath = s.Key("job_store_path").MustString(cfg.Engine.JobStorePath)
		cfg.Engine.FleetConfigPath = s.Key("fleet_config_path").MustString(cfg.Engine.FleetConfigPath)
	}

	applyEnvOverrides(cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Vault.VaultAddr != "" && cfg.Vault.RepoSecretNamespace == "" {
		return fmt.Errorf("%w: vault.vault_addr set without vault.repo_secret_namespace", domain.ErrConfigInvalid)
	}
	if cfg.Remotes.SockConnectTimeoutSeconds <= 0 || cfg.Remotes.SockReadTimeoutSeconds <= 0 {
		return fmt.Errorf("%w: remotes socket timeouts must be positive", domain.ErrConfigInvalid)
	}
	return nil
}
