// Package fleetconfig loads the fleet catalog: the set of managed Pulp
// servers, the repo groups they sync, and the cron schedules that bind
// them. It generalizes a single repo's flat YAML config into a
// fleet-wide catalog of many servers.
package fleetconfig

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/pulp-manager/orchestrator/internal/domain"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// rawRepoGroupBinding is a (server, group) binding as it appears nested
// under a server entry in the YAML document.
type rawRepoGroupBinding struct {
	Schedule          string `yaml:"schedule"`
	MaxConcurrentSync int    `yaml:"max_concurrent_sync"`
	MaxRuntime        string `yaml:"max_runtime"`
	PulpMaster        string `yaml:"pulp_master"`
}

type rawRegistration struct {
	Schedule   string `yaml:"schedule"`
	MaxRuntime string `yaml:"max_runtime"`
}

type rawSnapshotSupport struct {
	MaxConcurrentSnapshots int `yaml:"max_concurrent_snapshots"`
}

type rawServer struct {
	Name                   string                         `yaml:"name"`
	BaseURL                string                         `yaml:"base_url"`
	Credentials            string                         `yaml:"credentials"`
	RepoConfigRegistration *rawRegistration                `yaml:"repo_config_registration"`
	RepoGroups             map[string]rawRepoGroupBinding `yaml:"repo_groups"`
	SnapshotSupport        *rawSnapshotSupport             `yaml:"snapshot_support"`
}

type rawCredentials struct {
	Username                 string `yaml:"username"`
	VaultServiceAccountMount string `yaml:"vault_service_account_mount"`
}

type rawRepoGroup struct {
	RegexInclude string `yaml:"regex_include"`
	RegexExclude string `yaml:"regex_exclude"`
}

type rawDocument struct {
	PulpServers []rawServer               `yaml:"pulp_servers"`
	Credentials map[string]rawCredentials `yaml:"credentials"`
	RepoGroups  map[string]rawRepoGroup   `yaml:"repo_groups"`
}

// RegistrationBinding binds a server's repo_config_registration schedule,
// used by the Scheduler to enqueue repo-config-registration jobs.
type RegistrationBinding struct {
	Server     string
	Schedule   string
	MaxRuntime time.Duration
}

// Catalog is the fully-resolved fleet configuration: every reference
// (credentials, group names, pulp_master) has been checked to exist and
// every duration/cron string has been parsed.
type Catalog struct {
	Servers      []domain.PulpServer
	Credentials  map[string]domain.CredentialsRef
	Groups       map[string]domain.RepoGroup
	Bindings     []domain.ServerRepoGroup
	Registrations []RegistrationBinding
}

// Load reads the fleet catalog YAML at path and resolves it into a
// Catalog, or fails with domain.ErrConfigInvalid describing the first
// problem found.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", domain.ErrConfigInvalid, path, err)
	}
	return Parse(data)
}

// Parse resolves a fleet catalog document already read into memory.
func Parse(data []byte) (*Catalog, error) {
	var doc rawDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: parse yaml: %v", domain.ErrConfigInvalid, err)
	}

	cat := &Catalog{
		Credentials: make(map[string]domain.CredentialsRef, len(doc.Credentials)),
		Groups:      make(map[string]domain.RepoGroup, len(doc.RepoGroups)),
	}

	for name, c := range doc.Credentials {
		cat.Credentials[name] = domain.CredentialsRef{
			Name:                     name,
			Username:                 c.Username,
			VaultServiceAccountMount: c.VaultServiceAccountMount,
		}
	}
	for name, g := range doc.RepoGroups {
		cat.Groups[name] = domain.RepoGroup{
			Name:         name,
			RegexInclude: g.RegexInclude,
			RegexExclude: g.RegexExclude,
		}
	}

	seenServers := make(map[string]bool, len(doc.PulpServers))
	for _, rs := range doc.PulpServers {
		if rs.Name == "" {
			return nil, fmt.Errorf("%w: pulp_servers entry missing name", domain.ErrConfigInvalid)
		}
		if seenServers[rs.Name] {
			return nil, fmt.Errorf("%w: duplicate server name %q", domain.ErrConfigInvalid, rs.Name)
		}
		seenServers[rs.Name] = true

		if _, ok := cat.Credentials[rs.Credentials]; !ok {
			return nil, fmt.Errorf("%w: server %q references unknown credentials %q", domain.ErrConfigInvalid, rs.Name, rs.Credentials)
		}

		server := domain.PulpServer{
			Name:           rs.Name,
			BaseURL:        rs.BaseURL,
			CredentialsRef: rs.Credentials,
			Active:         true,
		}
		if rs.SnapshotSupport != nil {
			server.SupportsSnapshots = true
			server.MaxConcurrentSnapshots = rs.SnapshotSupport.MaxConcurrentSnapshots
			if server.MaxConcurrentSnapshots <= 0 {
				return nil, fmt.Errorf("%w: server %q snapshot_support.max_concurrent_snapshots must be positive", domain.ErrConfigInvalid, rs.Name)
			}
		}
		cat.Servers = append(cat.Servers, server)

		if rs.RepoConfigRegistration != nil {
			d, err := parseDuration(rs.RepoConfigRegistration.MaxRuntime)
			if err != nil {
				return nil, fmt.Errorf("%w: server %q repo_config_registration.max_runtime: %v", domain.ErrConfigInvalid, rs.Name, err)
			}
			if err := validateCron(rs.RepoConfigRegistration.Schedule); err != nil {
				return nil, fmt.Errorf("%w: server %q repo_config_registration.schedule: %v", domain.ErrConfigInvalid, rs.Name, err)
			}
			cat.Registrations = append(cat.Registrations, RegistrationBinding{
				Server:     rs.Name,
				Schedule:   rs.RepoConfigRegistration.Schedule,
				MaxRuntime: d,
			})
		}

		groupNames := make([]string, 0, len(rs.RepoGroups))
		for g := range rs.RepoGroups {
			groupNames = append(groupNames, g)
		}
		sort.Strings(groupNames)
		for _, g := range groupNames {
			binding := rs.RepoGroups[g]
			if _, ok := cat.Groups[g]; !ok {
				return nil, fmt.Errorf("%w: server %q references unknown repo_group %q", domain.ErrConfigInvalid, rs.Name, g)
			}
			if err := validateCron(binding.Schedule); err != nil {
				return nil, fmt.Errorf("%w: server %q group %q schedule: %v", domain.ErrConfigInvalid, rs.Name, g, err)
			}
			d, err := parseDuration(binding.MaxRuntime)
			if err != nil {
				return nil, fmt.Errorf("%w: server %q group %q max_runtime: %v", domain.ErrConfigInvalid, rs.Name, g, err)
			}
			if binding.MaxConcurrentSync <= 0 {
				return nil, fmt.Errorf("%w: server %q group %q max_concurrent_sync must be positive", domain.ErrConfigInvalid, rs.Name, g)
			}
			cat.Bindings = append(cat.Bindings, domain.ServerRepoGroup{
				Server:            rs.Name,
				Group:             g,
				Schedule:          binding.Schedule,
				MaxConcurrentSync: binding.MaxConcurrentSync,
				MaxRuntime:        d,
				SourceServer:      binding.PulpMaster,
				Active:            true,
			})
		}
	}

	for _, b := range cat.Bindings {
		if b.SourceServer != "" && !seenServers[b.SourceServer] {
			return nil, fmt.Errorf("%w: server %q group %q pulp_master names unknown server %q", domain.ErrConfigInvalid, b.Server, b.Group, b.SourceServer)
		}
	}

	return cat, nil
}

func validateCron(expr string) error {
	if expr == "" {
		return fmt.Errorf("schedule is required")
	}
	_, err := cronParser.Parse(expr)
	return err
}
