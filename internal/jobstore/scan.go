package jobstore

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/pulp-manager/orchestrator/internal/domain"
)

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (domain.Job, error) {
	var (
		j           domain.Job
		kind        string
		state       string
		started     sql.NullTime
		finished    sql.NullTime
		paramsJSON  string
	)

	if err := row.Scan(&j.ID, &j.ParentID, &kind, &j.Server, &state, &j.EnqueuedAt, &started, &finished, &j.Error, &paramsJSON); err != nil {
		return domain.Job{}, fmt.Errorf("jobstore: scan job: %w", err)
	}

	j.Kind = domain.JobKind(kind)
	j.State = domain.JobState(state)
	if started.Valid {
		j.StartedAt = started.Time
	}
	if finished.Valid {
		j.FinishedAt = finished.Time
	}
	if paramsJSON != "" {
		if err := json.Unmarshal([]byte(paramsJSON), &j.Params); err != nil {
			return domain.Job{}, fmt.Errorf("jobstore: unmarshal params for job %s: %w", j.ID, err)
		}
	}
	return j, nil
}

func scanJobs(rows *sql.Rows) ([]domain.Job, error) {
	var jobs []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}
