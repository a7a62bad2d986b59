package gitcatalog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/pulp-manager/orchestrator/internal/domain"
)

// Descriptor is one repository entry in the declarative catalog
//. Presence of URL classifies it "external";
// absence classifies it "internal".
type Descriptor struct {
	Name             string   `json:"name"`
	ContentRepoType  string   `json:"content_repo_type"`
	Description      string   `json:"description"`
	Owner            string   `json:"owner"`
	BaseURL          string   `json:"base_url"`
	URL              string   `json:"url,omitempty"`
	Proxy            string   `json:"proxy,omitempty"`
	TLSValidation    *bool    `json:"tls_validation,omitempty"`
	Distributions    []string `json:"distributions,omitempty"`
	Components       []string `json:"components,omitempty"`
	Architectures    []string `json:"architectures,omitempty"`
	SyncSources      bool     `json:"sync_sources,omitempty"`
	SyncUdebs        bool     `json:"sync_udebs,omitempty"`
	SyncInstaller    bool     `json:"sync_installer,omitempty"`

	// SourcePath is the file this descriptor was loaded from, kept for
	// error reporting; it is not part of the JSON schema.
	SourcePath string `json:"-"`
}

// IsExternal reports whether the descriptor names an upstream it syncs
// from, versus describing an internal (uploaded-content-only) repository.
func (d Descriptor) IsExternal() bool {
	return d.URL != ""
}

// Kind maps the catalog's content_repo_type string to a domain.RepoKind.
func (d Descriptor) Kind() (domain.RepoKind, error) {
	switch d.ContentRepoType {
	case "deb":
		return domain.RepoKindDeb, nil
	case "rpm":
		return domain.RepoKindRPM, nil
	case "file":
		return domain.RepoKindFile, nil
	case "python":
		return domain.RepoKindPython, nil
	case "container":
		return domain.RepoKindContainer, nil
	default:
		return "", fmt.Errorf("gitcatalog: %s: unknown content_repo_type %q", d.SourcePath, d.ContentRepoType)
	}
}

// LoadDescriptors reads every *.json file directly under dir (no
// recursion — one descriptor per file) and returns them sorted by
// filename, so the Reconciler applies descriptors in a deterministic
// order.
func LoadDescriptors(dir string) ([]Descriptor, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("gitcatalog: read catalog dir %s: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	descriptors := make([]Descriptor, 0, len(names))
	for _, name := range names {
		path := filepath.Join(dir, name)
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("gitcatalog: read %s: %w", path, err)
		}

		var d Descriptor
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, fmt.Errorf("gitcatalog: parse %s: %w", path, err)
		}
		d.SourcePath = path
		if d.Name == "" {
			return nil, fmt.Errorf("gitcatalog: %s: missing required field name", path)
		}
		descriptors = append(descriptors, d)
	}
	return descriptors, nil
}
