package domain

import "errors"

// Sentinel errors for the engine's error taxonomy. Callers compare with
// errors.Is/errors.As rather than switching on error strings.
var (
	// ErrConfigInvalid is fatal at startup: unknown credentials reference,
	// unparsable cron expression, non-positive max_runtime, duplicate
	// server name, or a pulp_master naming an absent server.
	ErrConfigInvalid = errors.New("pulpmanager: config invalid")

	// ErrCredentialsUnavailable is per-job fatal and is never retried
	// within a single job; the job fails fast.
	ErrCredentialsUnavailable = errors.New("pulpmanager: credentials unavailable")

	// ErrPulpUnreachable is transient and retried with backoff up to a
	// per-request ceiling; it surfaces at the job level only once that
	// ceiling is exhausted.
	ErrPulpUnreachable = errors.New("pulpmanager: pulp server unreachable")

	// ErrPulpTaskFailed is terminal per-repo; the Pulp error payload is
	// captured verbatim alongside it.
	ErrPulpTaskFailed = errors.New("pulpmanager: pulp task failed")

	// ErrConflict indicates another active job already covers the same
	// (server, repo, kind); the result is recorded as skipped_*.
	ErrConflict = errors.New("pulpmanager: conflicting job already active")

	// ErrDeadline indicates the job's wall-clock budget expired.
	ErrDeadline = errors.New("pulpmanager: deadline exceeded")

	// ErrCanceled indicates operator-initiated cancellation.
	ErrCanceled = errors.New("pulpmanager: canceled")
)
