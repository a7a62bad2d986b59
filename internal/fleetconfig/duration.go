package fleetconfig

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseDuration exports parseDuration for callers outside this package that
// need to apply the same "<N>s/<N>m/<N>h/<N>d/bare-seconds" grammar to a
// value coming from somewhere other than the fleet YAML — the Worker
// applies it to an ad-hoc enqueue request's max_runtime field, which uses
// the identical string grammar.
func ParseDuration(raw string) (time.Duration, error) {
	return parseDuration(raw)
}

// parseDuration parses the duration grammar: "<N>s", "<N>m", "<N>h",
// "<N>d", or a bare integer meaning seconds. The result must be strictly
// positive.
func parseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("duration is required")
	}

	unit := raw[len(raw)-1]
	numPart := raw
	var multiplier time.Duration

	switch unit {
	case 's':
		multiplier = time.Second
		numPart = raw[:len(raw)-1]
	case 'm':
		multiplier = time.Minute
		numPart = raw[:len(raw)-1]
	case 'h':
		multiplier = time.Hour
		numPart = raw[:len(raw)-1]
	case 'd':
		multiplier = 24 * time.Hour
		numPart = raw[:len(raw)-1]
	default:
		multiplier = time.Second
	}

	n, err := strconv.Atoi(numPart)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("duration %q must be positive", raw)
	}

	return time.Duration(n) * multiplier, nil
}
