// Package domain holds the entity types shared across the orchestration
// engine. It has no dependencies beyond the standard library's time
// package so that every other package (jobstore, reposync, reconciler, snapshot,
// scheduler, worker) can import it without cycles.
package domain

import "time"

// RepoKind enumerates the content types a PulpServerRepo may hold.
type RepoKind string

const (
	RepoKindDeb       RepoKind = "deb"
	RepoKindRPM       RepoKind = "rpm"
	RepoKindFile      RepoKind = "file"
	RepoKindPython    RepoKind = "python"
	RepoKindContainer RepoKind = "container"
)

// JobKind is the closed set of operations the engine executes.
type JobKind string

const (
	JobKindSync             JobKind = "sync"
	JobKindSnapshot         JobKind = "snapshot"
	JobKindPublish          JobKind = "publish"
	JobKindDistribute       JobKind = "distribute"
	JobKindReconcile        JobKind = "reconcile"
	JobKindRepoConfigRegistration JobKind = "repo-config-registration"
)

// JobState is a Job's lifecycle state. Transitions are monotonic:
// queued -> running -> {succeeded, failed, canceled, timed_out}.
type JobState string

const (
	JobStateQueued    JobState = "queued"
	JobStateRunning   JobState = "running"
	JobStateSucceeded JobState = "succeeded"
	JobStateFailed    JobState = "failed"
	JobStateCanceled  JobState = "canceled"
	JobStateTimedOut  JobState = "timed_out"
)

// IsTerminal reports whether a state admits no further transitions.
func (s JobState) IsTerminal() bool {
	switch s {
	case JobStateSucceeded, JobStateFailed, JobStateCanceled, JobStateTimedOut:
		return true
	default:
		return false
	}
}

// validJobTransitions enumerates the allowed next states: queued ->
// {running, canceled}; running -> {succeeded, failed, canceled, timed_out}.
var validJobTransitions = map[JobState][]JobState{
	JobStateQueued:    {JobStateRunning, JobStateCanceled},
	JobStateRunning:   {JobStateSucceeded, JobStateFailed, JobStateCanceled, JobStateTimedOut},
	JobStateSucceeded: {},
	JobStateFailed:    {},
	JobStateCanceled:  {},
	JobStateTimedOut:  {},
}

// CanTransition reports whether the queued->running->terminal state machine
// permits moving from `from` to `to`.
func CanTransition(from, to JobState) bool {
	for _, target := range validJobTransitions[from] {
		if target == to {
			return true
		}
	}
	return false
}

// RepoTaskState is the per-repo outcome recorded by the Repo Syncher,
// Snapshotter, and Reconciler.
type RepoTaskState string

const (
	RepoTaskRunning            RepoTaskState = "running"
	RepoTaskCompleted          RepoTaskState = "completed"
	RepoTaskFailed             RepoTaskState = "failed"
	RepoTaskTimedOut           RepoTaskState = "timed_out"
	RepoTaskCanceled           RepoTaskState = "canceled"
	RepoTaskSkippedConflict    RepoTaskState = "skipped_conflict"
	RepoTaskSkippedMissingSrc  RepoTaskState = "skipped_missing_on_source"
)

// PulpServer is a managed Pulp 3 instance.
type PulpServer struct {
	Name                  string
	BaseURL               string
	CredentialsRef        string
	SupportsSnapshots     bool
	MaxConcurrentSnapshots int
	Active                bool
}

// PulpServerRepo is a repository discovered or tracked on a PulpServer.
type PulpServerRepo struct {
	Server     string
	Name       string
	Kind       RepoKind
	Href       string
	RemoteHref string // empty for internal repos with no remote
}

// RepoGroup names a (include, exclude) regex rule over repository names.
type RepoGroup struct {
	Name          string
	RegexInclude  string
	RegexExclude  string
}

// ServerRepoGroup binds a RepoGroup to a PulpServer with a schedule and caps.
type ServerRepoGroup struct {
	Server            string
	Group             string
	Schedule          string // five-field cron
	MaxConcurrentSync int
	MaxRuntime        time.Duration
	SourceServer      string // optional, for cross-checking before sync
	Active            bool
}

// Job is a durable record of one scheduled or ad-hoc operation.
type Job struct {
	ID         string
	ParentID   string // empty if root
	Kind       JobKind
	Server     string
	State      JobState
	EnqueuedAt time.Time
	StartedAt  time.Time
	FinishedAt time.Time
	Error      string
	Params     map[string]any
}

// RepoTaskResult is a per-repo outcome recorded under a Job.
type RepoTaskResult struct {
	ID         string
	JobID      string
	Repo       string
	State      RepoTaskState
	TaskHref   string
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// CredentialsRef names a secret-store mount that resolves to a username/password.
type CredentialsRef struct {
	Name                   string
	Username               string
	VaultServiceAccountMount string
}
