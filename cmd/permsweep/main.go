package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/permsweep/permsweep/cmd/permsweep/commands"
	"github.com/permsweep/permsweep/logger"
)

var rootCmd = &cobra.Command{
	Use:   "permsweep",
	Short: "permsweep - Checkpointed file-permission auditor",
	Long: `permsweep - Audit every file in a collection together with its permissions.

permsweep walks a paginated file collection, lists the permissions on
each file, and emits one flattened report row per (file, permission)
pair. Long runs are checkpointed: an invocation stops before its
wall-clock budget expires, registers a continuation, and the daemon's
scheduler resumes it from the exact page it stopped at.

Available commands:
  audit    - Start, inspect, or cancel an audit job
  daemon   - Run the scheduler and status server
  schedule - Register the weekly recurring audit
  db       - Manage the permsweep database

Examples:
  permsweep audit start              # Start a fresh audit
  permsweep audit status             # Show current progress
  permsweep daemon                   # Run continuations and serve status
  permsweep schedule --day SAT --hour 3
  permsweep db stats                 # Report row counts`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		jsonOutput, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.Initialize(jsonOutput); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit logs as JSON instead of console output")
	rootCmd.PersistentFlags().StringVar(&commands.ConfigPath, "config", "", "Path to permsweep.toml (default: search upward, then ~/.permsweep/)")

	rootCmd.AddCommand(commands.AuditCmd)
	rootCmd.AddCommand(commands.DaemonCmd)
	rootCmd.AddCommand(commands.ScheduleCmd)
	rootCmd.AddCommand(commands.UnscheduleCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	defer logger.Cleanup()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
