package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/loykin/repowatch/pkg/client"
	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot(os.Stdout)
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds minimal global/persistent flags for CLI commands
type GlobalFlags struct {
	ConfigPath string
}

// buildRoot creates the root command. Command output goes to out.
func buildRoot(out io.Writer) *cobra.Command {
	globalFlags := &GlobalFlags{}
	c := command{out: out, now: time.Now}

	root := createRootCommand(globalFlags)
	root.SetOut(out)
	root.AddCommand(
		createServeCommand(globalFlags),
		createStatusCommand(c),
		createLifecycleCommand(c, "start", "Start a repository server", "Launch the lifecycle program with --start."),
		createLifecycleCommand(c, "stop", "Stop a repository server", "Launch the lifecycle program with --stop."),
		createLifecycleCommand(c, "restart", "Restart a repository server", "Launch the lifecycle program with --restart."),
		createClearPasswordCommand(c),
		createAutoRestartCommand(c),
		createFailureCommand(c),
		createHistoryCommand(c),
		createCheckCommand(c, globalFlags),
		createPruneLogsCommand(c, globalFlags),
		createInitCommand(c),
	)
	return root
}

// createRootCommand creates the root command with minimal persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "repowatch",
		Short: "Supervisor for local repository angel servers",
		Long: `Repowatch keeps an eye on repository directories and their angel servers:
it probes each server over HTTPS, starts, stops and restarts it through the
lifecycle program, and optionally restarts it when it goes down.

Examples:
  repowatch serve --config=repowatch.toml    # Start daemon
  repowatch status                           # All instances
  repowatch start /srv/repos/notes
  repowatch status --api-url=http://remote:8787/api`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	return root
}

func addAPIFlags(cmd *cobra.Command, f *APIFlags) {
	cmd.Flags().StringVar(&f.APIUrl, "api-url", "", "daemon URL (default "+client.DefaultBaseURL+")")
	cmd.Flags().DurationVar(&f.APITimeout, "api-timeout", 10*time.Second, "request timeout")
	cmd.Flags().BoolVar(&f.Insecure, "insecure", false, "skip TLS verification of the daemon certificate")
}

// createServeCommand creates the serve subcommand
func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the repowatch daemon",
		Long: `Start the daemon that polls every configured instance and serves the API.
All configuration is loaded from the config file.

Examples:
  repowatch serve --config=repowatch.toml
  repowatch serve repowatch.toml
  repowatch serve repowatch.toml --daemonize --logfile=/var/log/repowatch.out`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			serveFlags.ConfigPath = globalFlags.ConfigPath
			return runServeCommand(serveFlags, args)
		},
	}
	cmd.Flags().BoolVar(&serveFlags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&serveFlags.LogFile, "logfile", "", "redirect daemon stdout/stderr to file")
	return cmd
}

func createStatusCommand(c command) *cobra.Command {
	f := &StatusFlags{}
	cmd := &cobra.Command{
		Use:   "status [path]",
		Short: "Show instance status",
		Long: `Show the state of one repository, or of every supervised repository.

Examples:
  repowatch status
  repowatch status /srv/repos/notes`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				f.Path = args[0]
			}
			return c.Status(cmd.Context(), *f)
		},
	}
	addAPIFlags(cmd, &f.APIFlags)
	return cmd
}

func createLifecycleCommand(c command, action, short, long string) *cobra.Command {
	f := &CommandFlags{}
	cmd := &cobra.Command{
		Use:   action + " <path>",
		Short: short,
		Long: long + `

The command returns once the daemon accepted it. Use --wait to follow it
until the lifecycle program exits.

Example:
  repowatch ` + action + ` /srv/repos/notes --wait=30s`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Path = args[0]
			return c.Lifecycle(cmd.Context(), action, *f)
		},
	}
	addAPIFlags(cmd, &f.APIFlags)
	cmd.Flags().DurationVar(&f.Wait, "wait", 0, "wait up to this long for the action to finish")
	return cmd
}

func createClearPasswordCommand(c command) *cobra.Command {
	f := &CommandFlags{}
	cmd := &cobra.Command{
		Use:     "clear-password <path>",
		Aliases: []string{"clear-credential"},
		Short:   "Stop a repository and remove its password hash",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Path = args[0]
			return c.Lifecycle(cmd.Context(), "clear-credential", *f)
		},
	}
	addAPIFlags(cmd, &f.APIFlags)
	cmd.Flags().DurationVar(&f.Wait, "wait", 0, "wait up to this long for the action to finish")
	return cmd
}

func createAutoRestartCommand(c command) *cobra.Command {
	f := &AutoRestartFlags{}
	cmd := &cobra.Command{
		Use:   "autorestart <path>",
		Short: "Enable or disable auto-restart",
		Long: `Toggle whether the daemon starts the repository again when it is found stopped.

Examples:
  repowatch autorestart /srv/repos/notes --enabled
  repowatch autorestart /srv/repos/notes --enabled=false`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Path = args[0]
			return c.AutoRestart(cmd.Context(), *f)
		},
	}
	addAPIFlags(cmd, &f.APIFlags)
	cmd.Flags().BoolVar(&f.Enabled, "enabled", true, "auto-restart setting")
	return cmd
}

func createFailureCommand(c command) *cobra.Command {
	f := &StatusFlags{}
	cmd := &cobra.Command{
		Use:   "failure <path>",
		Short: "Show the last lifecycle failure",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Path = args[0]
			return c.Failure(cmd.Context(), *f)
		},
	}
	addAPIFlags(cmd, &f.APIFlags)
	return cmd
}

func createHistoryCommand(c command) *cobra.Command {
	f := &HistoryFlags{}
	cmd := &cobra.Command{
		Use:   "history [path]",
		Short: "Show recorded state changes and actions",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				f.Path = args[0]
			}
			return c.History(cmd.Context(), *f)
		},
	}
	addAPIFlags(cmd, &f.APIFlags)
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "maximum number of events (server default when 0)")
	return cmd
}

func createCheckCommand(c command, globalFlags *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check [path...]",
		Short: "Probe instances once without a daemon",
		Long: `Run one observation pass locally and print each instance snapshot.
Paths on the command line replace the configured instances. Nothing is
started or stopped.

Examples:
  repowatch check /srv/repos/notes
  repowatch check --config=repowatch.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Check(cmd.Context(), CheckFlags{ConfigPath: globalFlags.ConfigPath, Paths: args})
		},
	}
	return cmd
}

func createPruneLogsCommand(c command, globalFlags *GlobalFlags) *cobra.Command {
	f := &PruneFlags{}
	cmd := &cobra.Command{
		Use:   "prune-logs <path>",
		Short: "Delete stale rotated logs of a repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.ConfigPath = globalFlags.ConfigPath
			f.Path = args[0]
			return c.PruneLogs(*f)
		},
	}
	cmd.Flags().BoolVar(&f.DryRun, "dry-run", false, "list the files instead of deleting them")
	return cmd
}
