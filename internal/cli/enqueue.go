package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pulp-manager/orchestrator/internal/domain"
)

// pollInterval is how often an ad-hoc command checks the Job Store for a
// terminal state. The Job itself still runs against the Worker's own
// wall-clock deadline; this is only how often the CLI re-reads the row.
const pollInterval = 2 * time.Second

// runAdHoc creates a Job via the Scheduler's ad-hoc Enqueue entry point,
// notifies the Worker directly so the command doesn't need a separate
// daemon running, and blocks until the Job reaches a terminal state.
func runAdHoc(cmd *cobra.Command, a *App, kind domain.JobKind, server string, params map[string]any) error {
	rt, err := a.bootstrap()
	if err != nil {
		return err
	}
	defer rt.close()

	ctx := cmd.Context()
	jobID, err := rt.sched.Enqueue(ctx, kind, server, params)
	if err != nil {
		return fmt.Errorf("cli: enqueue %s: %w", kind, err)
	}
	rt.worker.Notify(jobID)

	go func() {
		_ = rt.worker.Run(ctx)
	}()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			job, err := rt.store.GetJob(ctx, jobID)
			if err != nil {
				return fmt.Errorf("cli: poll job %s: %w", jobID, err)
			}
			if !job.State.IsTerminal() {
				continue
			}
			printJobResult(cmd, job)
			if job.State != domain.JobStateSucceeded {
				return fmt.Errorf("job %s ended in state %s", jobID, job.State)
			}
			return nil
		}
	}
}

func printJobResult(cmd *cobra.Command, job domain.Job) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "job %s (%s on %s): %s\n", job.ID, job.Kind, job.Server, job.State)
	if job.Error != "" {
		fmt.Fprintf(out, "  error: %s\n", job.Error)
	}
}

func newSyncCmd(a *App) *cobra.Command {
	var (
		server         string
		regexInclude   string
		regexExclude   string
		maxConcurrency int
		maxRuntime     string
		sourceServer   string
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run an ad-hoc sync against one server's repositories",
		RunE: func(cmd *cobra.Command, args []string) error {
			if server == "" {
				return fmt.Errorf("--server is required")
			}
			params := map[string]any{
				"regex_include":           regexInclude,
				"regex_exclude":           regexExclude,
				"max_concurrent_syncs":    maxConcurrency,
				"max_runtime":             maxRuntime,
				"source_pulp_server_name": sourceServer,
			}
			return runAdHoc(cmd, a, domain.JobKindSync, server, params)
		},
	}

	cmd.Flags().StringVar(&server, "server", "", "target Pulp server name (required)")
	cmd.Flags().StringVar(&regexInclude, "regex-include", "", "include pattern (empty matches all)")
	cmd.Flags().StringVar(&regexExclude, "regex-exclude", "", "exclude pattern, takes precedence over include")
	cmd.Flags().IntVar(&maxConcurrency, "max-concurrent-syncs", 4, "bounded concurrency for in-flight syncs")
	cmd.Flags().StringVar(&maxRuntime, "max-runtime", "30m", "wall-clock deadline for the whole batch")
	cmd.Flags().StringVar(&sourceServer, "source-server", "", "cross-check targets exist on this server first")

	return cmd
}

func newSnapshotCmd(a *App) *cobra.Command {
	var server string

	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Create dated snapshots of one server's repositories",
		RunE: func(cmd *cobra.Command, args []string) error {
			if server == "" {
				return fmt.Errorf("--server is required")
			}
			return runAdHoc(cmd, a, domain.JobKindSnapshot, server, nil)
		},
	}
	cmd.Flags().StringVar(&server, "server", "", "target Pulp server name (required)")
	return cmd
}

func newReconcileCmd(a *App) *cobra.Command {
	var server string

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Converge one Pulp primary to the declarative git catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			if server == "" {
				return fmt.Errorf("--server is required")
			}
			return runAdHoc(cmd, a, domain.JobKindReconcile, server, nil)
		},
	}
	cmd.Flags().StringVar(&server, "server", "", "target Pulp primary server name (required)")
	return cmd
}
