package events

import "go.uber.org/zap"

// ZapHandler returns a Handler that logs events through the given logger,
// at "error" for failure events, "info" for other terminal states and
// "debug" otherwise, with the event's
// job/server/repo attached as structured fields, matching the
// structured-field style the rest of this codebase's logging uses.
func ZapHandler(log *zap.Logger) Handler {
	return func(e Event) {
		fields := []zap.Field{zap.String("event", string(e.Type))}
		if e.JobID != "" {
			fields = append(fields, zap.String("job_id", e.JobID))
		}
		if e.Server != "" {
			fields = append(fields, zap.String("server", e.Server))
		}
		if e.Repo != "" {
			fields = append(fields, zap.String("repo", e.Repo))
		}
		if e.Error != "" {
			fields = append(fields, zap.String("error", e.Error))
		}

		switch {
		case e.IsFailure():
			log.Error(string(e.Type), fields...)
		case isTerminal(e.Type):
			log.Info(string(e.Type), fields...)
		default:
			log.Debug(string(e.Type), fields...)
		}
	}
}

func isTerminal(t EventType) bool {
	switch t {
	case JobSucceeded, JobFailed, JobCanceled, JobTimedOut, JobSkippedDuplicate,
		RepoTaskComplete, RepoTaskFailed, RepoTaskSkipped, RepoTaskTimedOut,
		ReconcileCreated, ReconcileUpdated, ReconcileRenamed, ReconcileOrphan, ReconcileFailed:
		return true
	default:
		return false
	}
}
