package appconfig

import "os"

// envOverrides maps environment variables to config field setters.
var envOverrides = []struct {
	envVar string
	apply  func(*Config, string)
}{
	{
		envVar: "PULPMANAGER_LOG_LEVEL",
		apply:  func(c *Config, v string) { c.Engine.LogLevel = v },
	},
	{
		envVar: "PULPMANAGER_JOB_STORE_PATH",
		apply:  func(c *Config, v string) { c.Engine.JobStorePath = v },
	},
	{
		envVar: "PULPMANAGER_FLEET_CONFIG_PATH",
		apply:  func(c *Config, v string) { c.Engine.FleetConfigPath = v },
	},
	{
		envVar: "PULPMANAGER_VAULT_ADDR",
		apply:  func(c *Config, v string) { c.Vault.VaultAddr = v },
	},
	{
		envVar: "PULPMANAGER_VAULT_NAMESPACE",
		apply:  func(c *Config, v string) { c.Vault.RepoSecretNamespace = v },
	},
	{
		envVar: "PULPMANAGER_REDIS_HOST",
		apply:  func(c *Config, v string) { c.Redis.Host = v },
	},
}

// applyEnvOverrides modifies cfg in place with any set environment
// variables, applied after file values so the environment always wins.
func applyEnvOverrides(cfg *Config) {
	for _, override := range envOverrides {
		if val := os.Getenv(override.envVar); val != "" {
			override.apply(cfg, val)
		}
	}
}
