// Package cli wires the engine's cobra command tree: the `run` daemon
// (Scheduler + Worker pool against the Job Store) and the `sync`/
// `snapshot`/`reconcile` ad-hoc commands. It keeps the familiar
// root-command-holder shape and persistent-flags-plus-subcommands
// wiring of a cobra-based App, dropping the bubbletea TUI and grpc
// client a daemon-attaching CLI would carry for watching a remote
// process, since this engine's CLI talks to its own process's Job Store
// directly rather than over RPC.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// App holds the root cobra command and the global flags every subcommand
// reads to locate the engine's two config files.
type App struct {
	rootCmd *cobra.Command

	appConfigPath   string
	fleetConfigPath string
	verbose         bool

	version string
	commit  string
	date    string
}

// New builds the command tree.
func New() *App {
	a := &App{}
	a.setupRootCmd()
	a.rootCmd.AddCommand(newRunCmd(a))
	a.rootCmd.AddCommand(newSyncCmd(a))
	a.rootCmd.AddCommand(newSnapshotCmd(a))
	a.rootCmd.AddCommand(newReconcileCmd(a))
	a.rootCmd.AddCommand(newVersionCmd(a))
	return a
}

// Execute runs the CLI.
func (a *App) Execute() error {
	return a.rootCmd.Execute()
}

// SetVersion records build-time version metadata for the version command.
func (a *App) SetVersion(version, commit, date string) {
	a.version = version
	a.commit = commit
	a.date = date
}

func (a *App) setupRootCmd() {
	a.rootCmd = &cobra.Command{
		Use:   "pulpmanager",
		Short: "Fleet orchestrator for Pulp 3 content servers",
		Long: `pulpmanager schedules and executes sync, snapshot, and reconcile
operations against a fleet of Pulp 3 servers, with bounded concurrency,
wall-clock deadlines, and durable per-repo outcome tracking.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	a.rootCmd.PersistentFlags().StringVar(&a.appConfigPath, "config", "",
		"path to the application INI config (empty uses built-in defaults)")
	a.rootCmd.PersistentFlags().StringVar(&a.fleetConfigPath, "fleet-config", "fleet.yaml",
		"path to the fleet YAML catalog")
	a.rootCmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "debug-level logging")
}

func newVersionCmd(a *App) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			version, commit, date := a.version, a.commit, a.date
			if version == "" {
				version = "dev"
			}
			if commit == "" {
				commit = "unknown"
			}
			if date == "" {
				date = "unknown"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pulpmanager version %s\ncommit: %s\nbuilt: %s\n", version, commit, date)
			return nil
		},
	}
}
