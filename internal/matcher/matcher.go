// Package matcher implements the Repo Group Matcher: a pure function
// selecting the deterministic, ordered set of repos an include/exclude
// regex pair resolves to.
package matcher

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/pulp-manager/orchestrator/internal/domain"
)

// Match returns the repos in repos whose name matches include (or all of
// them, if include is empty) and does not match exclude, sorted
// lexicographically by name for deterministic, reproducible ordering.
func Match(repos []domain.PulpServerRepo, includeRegex, excludeRegex string) ([]domain.PulpServerRepo, error) {
	var include, exclude *regexp.Regexp
	var err error

	if includeRegex != "" {
		include, err = regexp.Compile(includeRegex)
		if err != nil {
			return nil, fmt.Errorf("matcher: invalid include regex %q: %w", includeRegex, err)
		}
	}
	if excludeRegex != "" {
		exclude, err = regexp.Compile(excludeRegex)
		if err != nil {
			return nil, fmt.Errorf("matcher: invalid exclude regex %q: %w", excludeRegex, err)
		}
	}

	var matched []domain.PulpServerRepo
	for _, r := range repos {
		if include != nil && !include.MatchString(r.Name) {
			continue
		}
		if exclude != nil && exclude.MatchString(r.Name) {
			continue
		}
		matched = append(matched, r)
	}

	sort.Slice(matched, func(i, j int) bool { return matched[i].Name < matched[j].Name })
	return matched, nil
}
