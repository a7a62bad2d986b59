// Package jobstore is the durable Job Store: it persists
// the fleet catalog entities and the Job/RepoTaskResult tree, and is the
// only shared mutable state in the engine. It uses the same
// Open/WAL/foreign-keys/migrate shape as a conventional embedded-SQLite
// store, with a wider schema.
package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/pulp-manager/orchestrator/internal/domain"
)

// Store wraps a SQLite connection with the narrow set of operations the
// engine needs. It is deliberately not a generic repository/ORM layer
// (see DESIGN.md): every method here maps to one sentence of the
// contract.
type Store struct {
	conn *sql.DB
}

// Open creates or opens the database at path, enabling WAL mode and
// foreign keys, and runs migrations.
func Open(path string) (*Store, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("jobstore: open database: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("jobstore: enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("jobstore: enable foreign keys: %w", err)
	}

	s := &Store{conn: conn}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("jobstore: run migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

func (s *Store) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS pulp_servers (
    name                      TEXT PRIMARY KEY,
    base_url                  TEXT NOT NULL,
    credentials_ref           TEXT NOT NULL,
    supports_snapshots        INTEGER NOT NULL DEFAULT 0,
    max_concurrent_snapshots  INTEGER NOT NULL DEFAULT 0,
    active                    INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS repo_groups (
    name            TEXT PRIMARY KEY,
    regex_include   TEXT,
    regex_exclude   TEXT
);

CREATE TABLE IF NOT EXISTS server_repo_groups (
    server               TEXT NOT NULL REFERENCES pulp_servers(name),
    "group"              TEXT NOT NULL REFERENCES repo_groups(name),
    schedule             TEXT NOT NULL,
    max_concurrent_sync  INTEGER NOT NULL,
    max_runtime_seconds  INTEGER NOT NULL,
    source_server        TEXT,
    active               INTEGER NOT NULL DEFAULT 1,
    PRIMARY KEY (server, "group")
);

CREATE TABLE IF NOT EXISTS pulp_server_repos (
    server       TEXT NOT NULL REFERENCES pulp_servers(name),
    name         TEXT NOT NULL,
    kind         TEXT NOT NULL,
    href         TEXT NOT NULL,
    remote_href  TEXT,
    PRIMARY KEY (server, name)
);

CREATE TABLE IF NOT EXISTS credentials_refs (
    name                         TEXT PRIMARY KEY,
    username                     TEXT NOT NULL,
    vault_service_account_mount  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS jobs (
    id          TEXT PRIMARY KEY,
    parent_id   TEXT REFERENCES jobs(id),
    kind        TEXT NOT NULL,
    server      TEXT NOT NULL,
    state       TEXT NOT NULL,
    enqueued_at DATETIME NOT NULL,
    started_at  DATETIME,
    finished_at DATETIME,
    error       TEXT,
    params_json TEXT
);

CREATE TABLE IF NOT EXISTS repo_task_results (
    id          TEXT PRIMARY KEY,
    job_id      TEXT NOT NULL REFERENCES jobs(id),
    repo        TEXT NOT NULL,
    state       TEXT NOT NULL,
    task_href   TEXT,
    error       TEXT,
    started_at  DATETIME NOT NULL,
    finished_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_jobs_server_kind_state ON jobs(server, kind, state);
CREATE INDEX IF NOT EXISTS idx_repo_task_results_job_id ON repo_task_results(job_id);
`
	_, err := s.conn.Exec(schema)
	return err
}

// UpsertServer inserts or updates a PulpServer by its natural key (name),
// so a re-applied fleet catalog converges rather than duplicating rows.
func (s *Store) UpsertServer(ctx context.Context, server domain.PulpServer) error {
	_, err := s.conn.ExecContext(ctx, `
INSERT INTO pulp_servers (name, base_url, credentials_ref, supports_snapshots, max_concurrent_snapshots, active)
VALUES (?, ?, ?, ?, ?, 1)
ON CONFLICT(name) DO UPDATE SET
    base_url=excluded.base_url,
    credentials_ref=excluded.credentials_ref,
    supports_snapshots=excluded.supports_snapshots,
    max_concurrent_snapshots=excluded.max_concurrent_snapshots,
    active=1
`, server.Name, server.BaseURL, server.CredentialsRef, server.SupportsSnapshots, server.MaxConcurrentSnapshots)
	return err
}

// DeactivateServersNotIn marks every server whose name is absent from
// present as inactive, without deleting it, so historical Job rows remain
// attributable.
func (s *Store) DeactivateServersNotIn(ctx context.Context, present []string) error {
	rows, err := s.conn.QueryContext(ctx, `SELECT name FROM pulp_servers WHERE active=1`)
	if err != nil {
		return err
	}
	keep := make(map[string]bool, len(present))
	for _, n := range present {
		keep[n] = true
	}
	var stale []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return err
		}
		if !keep[name] {
			stale = append(stale, name)
		}
	}
	rows.Close()

	for _, name := range stale {
		if _, err := s.conn.ExecContext(ctx, `UPDATE pulp_servers SET active=0 WHERE name=?`, name); err != nil {
			return err
		}
	}
	return nil
}

// UpsertGroup inserts or updates a RepoGroup by name.
func (s *Store) UpsertGroup(ctx context.Context, g domain.RepoGroup) error {
	_, err := s.conn.ExecContext(ctx, `
INSERT INTO repo_groups (name, regex_include, regex_exclude)
VALUES (?, ?, ?)
ON CONFLICT(name) DO UPDATE SET regex_include=excluded.regex_include, regex_exclude=excluded.regex_exclude
`, g.Name, nullIfEmpty(g.RegexInclude), nullIfEmpty(g.RegexExclude))
	return err
}

// UpsertBinding inserts or updates a ServerRepoGroup by (server, group).
func (s *Store) UpsertBinding(ctx context.Context, b domain.ServerRepoGroup) error {
	_, err := s.conn.ExecContext(ctx, `
INSERT INTO server_repo_groups (server, "group", schedule, max_concurrent_sync, max_runtime_seconds, source_server, active)
VALUES (?, ?, ?, ?, ?, ?, 1)
ON CONFLICT(server, "group") DO UPDATE SET
    schedule=excluded.schedule,
    max_concurrent_sync=excluded.max_concurrent_sync,
    max_runtime_seconds=excluded.max_runtime_seconds,
    source_server=excluded.source_server,
    active=1
`, b.Server, b.Group, b.Schedule, b.MaxConcurrentSync, int64(b.MaxRuntime/time.Second), nullIfEmpty(b.SourceServer))
	return err
}

// CreateJob inserts a new job in state queued and returns its id.
func (s *Store) CreateJob(ctx context.Context, parentID string, kind domain.JobKind, server string, params map[string]any) (string, error) {
	id := ulid.Make().String()

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("jobstore: marshal params: %w", err)
	}

	_, err = s.conn.ExecContext(ctx, `
INSERT INTO jobs (id, parent_id, kind, server, state, enqueued_at, params_json)
VALUES (?, ?, ?, ?, ?, ?, ?)
`, id, nullIfEmpty(parentID), string(kind), server, string(domain.JobStateQueued), time.Now().UTC(), string(paramsJSON))
	if err != nil {
		return "", fmt.Errorf("jobstore: create job: %w", err)
	}
	return id, nil
}

// Claim transitions a job from queued to running, returning false without
// error if it was not in state queued (e.g. already claimed). The check
// and the write happen in one statement so this is an optimistic,
// race-free claim under concurrent callers.
func (s *Store) Claim(ctx context.Context, jobID string) (bool, error) {
	res, err := s.conn.ExecContext(ctx, `
UPDATE jobs SET state=?, started_at=? WHERE id=? AND state=?
`, string(domain.JobStateRunning), time.Now().UTC(), jobID, string(domain.JobStateQueued))
	if err != nil {
		return false, fmt.Errorf("jobstore: claim job %s: %w", jobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// MarkTerminal transitions a job from running to a terminal state. It is
// idempotent: calling it again with the same terminal state is a no-op
// that still reports success, so a crash between the Pulp side completing
// and the row being marked never leaves the job stuck.
func (s *Store) MarkTerminal(ctx context.Context, jobID string, state domain.JobState, errMsg string) error {
	if !state.IsTerminal() {
		return fmt.Errorf("jobstore: %s is not a terminal state", state)
	}

	var current string
	if err := s.conn.QueryRowContext(ctx, `SELECT state FROM jobs WHERE id=?`, jobID).Scan(&current); err != nil {
		return fmt.Errorf("jobstore: mark terminal %s: %w", jobID, err)
	}
	if domain.JobState(current) == state {
		return nil
	}
	if !domain.CanTransition(domain.JobState(current), state) {
		return fmt.Errorf("jobstore: invalid transition %s -> %s for job %s", current, state, jobID)
	}

	_, err := s.conn.ExecContext(ctx, `
UPDATE jobs SET state=?, finished_at=?, error=? WHERE id=?
`, string(state), time.Now().UTC(), nullIfEmpty(errMsg), jobID)
	if err != nil {
		return fmt.Errorf("jobstore: mark terminal %s: %w", jobID, err)
	}
	return nil
}

// RecordRepoResult appends a RepoTaskResult row for jobID. Calls are
// append-only; a repo may appear more than once under the same job only if
// the caller explicitly records an intermediate state before a terminal
// one.
func (s *Store) RecordRepoResult(ctx context.Context, jobID, repo string, state domain.RepoTaskState, taskHref, errMsg string) error {
	id := uuid.NewString()
	now := time.Now().UTC()
	finished := sql.NullTime{}
	if state != domain.RepoTaskRunning {
		finished = sql.NullTime{Time: now, Valid: true}
	}

	_, err := s.conn.ExecContext(ctx, `
INSERT INTO repo_task_results (id, job_id, repo, state, task_href, error, started_at, finished_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`, id, jobID, repo, string(state), nullIfEmpty(taskHref), nullIfEmpty(errMsg), now, finished)
	if err != nil {
		return fmt.Errorf("jobstore: record repo result %s/%s: %w", jobID, repo, err)
	}
	return nil
}

// ListActive returns jobs for (server, kind) in state queued or running,
// used by the Worker and Repo Syncher for de-duplication.
func (s *Store) ListActive(ctx context.Context, server string, kind domain.JobKind) ([]domain.Job, error) {
	rows, err := s.conn.QueryContext(ctx, `
SELECT id, COALESCE(parent_id, ''), kind, server, state, enqueued_at, started_at, finished_at, COALESCE(error, ''), params_json
FROM jobs
WHERE server=? AND kind=? AND state IN (?, ?)
`, server, string(kind), string(domain.JobStateQueued), string(domain.JobStateRunning))
	if err != nil {
		return nil, fmt.Errorf("jobstore: list active: %w", err)
	}
	defer rows.Close()

	return scanJobs(rows)
}

// ActiveRepoNames returns the set of repo names with an in-flight
// (state=running) RepoTaskResult under some other active job of kind on
// server, excluding excludeJobID. The Repo Syncher pre-scans this once,
// before submitting any repo's sync, so a second concurrent sync request for
// the same repo can be recorded skipped_conflict instead of racing Pulp.
func (s *Store) ActiveRepoNames(ctx context.Context, server string, kind domain.JobKind, excludeJobID string) (map[string]bool, error) {
	rows, err := s.conn.QueryContext(ctx, `
SELECT DISTINCT r.repo
FROM repo_task_results r
JOIN jobs j ON j.id = r.job_id
WHERE j.server=? AND j.kind=? AND j.state=? AND r.state=? AND j.id != ?
`, server, string(kind), string(domain.JobStateRunning), string(domain.RepoTaskRunning), excludeJobID)
	if err != nil {
		return nil, fmt.Errorf("jobstore: active repo names: %w", err)
	}
	defer rows.Close()

	active := make(map[string]bool)
	for rows.Next() {
		var repo string
		if err := rows.Scan(&repo); err != nil {
			return nil, fmt.Errorf("jobstore: active repo names: %w", err)
		}
		active[repo] = true
	}
	return active, rows.Err()
}

// GetJob returns a single job by id.
func (s *Store) GetJob(ctx context.Context, jobID string) (domain.Job, error) {
	row := s.conn.QueryRowContext(ctx, `
SELECT id, COALESCE(parent_id, ''), kind, server, state, enqueued_at, started_at, finished_at, COALESCE(error, ''), params_json
FROM jobs WHERE id=?
`, jobID)
	return scanJob(row)
}

// RecoverCrashedJobs transitions every job still in state running at
// process startup to failed with error "worker_crashed".
// Such jobs are not auto-resumed.
func (s *Store) RecoverCrashedJobs(ctx context.Context) (int, error) {
	res, err := s.conn.ExecContext(ctx, `
UPDATE jobs SET state=?, finished_at=?, error='worker_crashed' WHERE state=?
`, string(domain.JobStateFailed), time.Now().UTC(), string(domain.JobStateRunning))
	if err != nil {
		return 0, fmt.Errorf("jobstore: recover crashed jobs: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
