package pulpclient

import (
	"context"
	"time"
)

// TaskState is Pulp's own task lifecycle state, distinct from
// domain.RepoTaskState: this is what the wire contract returns.
type TaskState string

const (
	TaskStateWaiting   TaskState = "waiting"
	TaskStateRunning   TaskState = "running"
	TaskStateCompleted TaskState = "completed"
	TaskStateFailed    TaskState = "failed"
	TaskStateCanceled  TaskState = "canceled"
)

// IsTerminal reports whether a Pulp task state admits no further polling.
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskStateCompleted, TaskStateFailed, TaskStateCanceled:
		return true
	default:
		return false
	}
}

// TaskError is the error payload a failed Pulp task carries, captured
// verbatim.
type TaskError struct {
	Description string `json:"description"`
}

// Task is the body returned by polling a Pulp task href.
type Task struct {
	Href             string    `json:"pulp_href"`
	State            TaskState `json:"state"`
	Error            *TaskError `json:"error,omitempty"`
	CreatedResources []string  `json:"created_resources,omitempty"`
}

// submitResponse is the `{task: href}` envelope every mutating Pulp call
// this engine makes returns.
type submitResponse struct {
	Task string `json:"task"`
}

// GetTask fetches the current state of a task by href.
func (c *Client) GetTask(ctx context.Context, href string) (Task, error) {
	var t Task
	if err := c.getJSON(ctx, href, &t); err != nil {
		return Task{}, err
	}
	return t, nil
}

// pollBackoffFloor and pollBackoffCeiling bound the exponential backoff
// used while polling a task to terminal state, adapting a
// RetryWithBackoff helper from retry-until-success to poll-until-terminal.
var (
	pollBackoffFloor   = 2 * time.Second
	pollBackoffCeiling = 30 * time.Second
)

// PollTask polls href with exponential backoff (2s, doubling, capped at
// 30s) until the task reaches a terminal state or ctx is done. ctx may
// carry either a deadline (the batch's max_runtime) or a cancellation
// (an operator cancel) — PollTask returns ctx.Err() unmodified so the
// caller can distinguish context.DeadlineExceeded from context.Canceled
// and record the right RepoTaskResult state.
func (c *Client) PollTask(ctx context.Context, href string) (Task, error) {
	backoff := pollBackoffFloor

	for {
		task, err := c.GetTask(ctx, href)
		if err != nil {
			if ctx.Err() != nil {
				return Task{}, ctx.Err()
			}
			// Transient polling errors (network, 5xx) are already retried
			// inside doRequest; anything surfacing here is a 4xx from Pulp
			// or a transient failure that outlasted those retries. Keep polling with backoff rather
			// than aborting — retry the poll, not the submission.
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return Task{}, ctx.Err()
			}
			backoff = nextBackoff(backoff)
			continue
		}

		if task.State.IsTerminal() {
			return task, nil
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return Task{}, ctx.Err()
		}
		backoff = nextBackoff(backoff)
	}
}

func nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > pollBackoffCeiling {
		next = pollBackoffCeiling
	}
	return next
}

// CancelTask requests cancellation of an in-flight task: it issues a Pulp
// cancel request for the outstanding task href.
func (c *Client) CancelTask(ctx context.Context, href string) error {
	resp, err := c.doRequest(ctx, "PATCH", href, map[string]string{"state": "canceled"})
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}
