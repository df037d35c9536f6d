package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fieldsync/fieldsync/cmd/fieldsync/commands"
	"github.com/fieldsync/fieldsync/logger"
)

var rootCmd = &cobra.Command{
	Use:   "fieldsync",
	Short: "fieldsync - work order sync scheduler and batch automation engine",
	Long: `fieldsync keeps field technicians' work orders in sync.

It runs recurring per-technician sync schedules, fetches new work
orders from the portal, and drives batches of form-filling automation
jobs with pause, resume, cancel, and retry support.

Available commands:
  daemon   - Run the scheduler, batch executor, and API server
  schedule - Manage sync schedules
  db       - Database operations
  version  - Show version information

Examples:
  fieldsync daemon                      # Run in foreground
  fieldsync schedule ls --owner tech-1  # List schedules for an owner
  fieldsync schedule trigger <id>       # Queue a manual run
  fieldsync db migrate                  # Apply pending migrations`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbose, _ := cmd.Flags().GetCount("verbose")
		if err := logger.Initialize(false); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		if verbose > 0 {
			if err := logger.SetVerbose(); err != nil {
				return fmt.Errorf("failed to set verbose logging: %w", err)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity")
	rootCmd.PersistentFlags().String("config", "", "Path to config file (default: fieldsync.toml, ~/.fieldsync/config.toml)")

	rootCmd.AddCommand(commands.DaemonCmd)
	rootCmd.AddCommand(commands.ScheduleCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
