// Command spinner is the CLI companion to spinnerd: shell hooks use it
// to post events, and humans use it to inspect and manage sessions.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nishu-builder/plate-spinner/internal/api"
	"github.com/nishu-builder/plate-spinner/internal/config"
)

var cfg *config.Config

func main() {
	var err error
	cfg, err = config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func getClient() *api.Client {
	return api.NewClient(cfg.Daemon.Port)
}

var rootCmd = &cobra.Command{
	Use:   "spinner",
	Short: "Track coding assistant sessions via spinnerd",
	Long: `spinner - CLI for the plate-spinner daemon.

Hook usage (wired into assistant settings):
  spinner post                   # Forward a hook payload from stdin
  spinner register ~/src/app     # Announce a session being launched
  spinner stopped ~/src/app      # Close all sessions for a project

Inspection:
  spinner sessions               # List tracked sessions
  spinner status                 # Daemon self-report
  spinner events <session-id>    # Show a session's event log
  spinner toggle <session-id>    # Flip closed/idle
  spinner rm <session-id>        # Forget a session entirely`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSessions()
	},
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List tracked sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSessions()
	},
}

var postCmd = &cobra.Command{
	Use:   "post",
	Short: "Forward a hook event payload from stdin to the daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPost()
	},
}

var registerCmd = &cobra.Command{
	Use:   "register [project-path]",
	Short: "Register a placeholder for a session being launched",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := ""
		if len(args) > 0 {
			path = args[0]
		}
		return runRegister(path)
	},
}

var stoppedCmd = &cobra.Command{
	Use:   "stopped [project-path]",
	Short: "Close every open session under a project",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := ""
		if len(args) > 0 {
			path = args[0]
		}
		return runStopped(path)
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm <session-id>",
	Short: "Delete a session and its history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRemove(args[0])
	},
}

var toggleCmd = &cobra.Command{
	Use:   "toggle <session-id>",
	Short: "Flip a session between closed and idle",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runToggle(args[0])
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events <session-id>",
	Short: "Show a session's event log, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEvents(args[0], eventsLimit)
	},
}

var eventsLimit int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatus()
	},
}

func init() {
	eventsCmd.Flags().IntVarP(&eventsLimit, "limit", "n", 0, "maximum entries to show (daemon default when 0)")
	rootCmd.AddCommand(sessionsCmd, postCmd, registerCmd, stoppedCmd, rmCmd, toggleCmd, eventsCmd, statusCmd)
}
