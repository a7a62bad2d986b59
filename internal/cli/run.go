package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// newRunCmd builds the `run` command: the long-lived daemon that owns the
// Scheduler's timers and a Worker pool, the engine's one small fixed set
// of long-lived processes. It runs in the foreground under signal
// control rather than forking into a background process with a PID
// file — this engine has no remote API surface to attach to.
func newRunCmd(a *App) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler and worker pool until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := a.bootstrap()
			if err != nil {
				return err
			}
			defer rt.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt.logger.Info("pulpmanager starting")
			errCh := make(chan error, 1)
			go func() { errCh <- rt.worker.Run(ctx) }()

			select {
			case <-ctx.Done():
				rt.logger.Info("shutdown signal received, stopping")
				<-errCh
				return nil
			case err := <-errCh:
				return err
			}
		},
	}
}
