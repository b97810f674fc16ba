package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/permsweep/permsweep/audit"
	"github.com/permsweep/permsweep/errors"
	"github.com/permsweep/permsweep/logger"
)

// AuditCmd groups the audit job operations
var AuditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Start, inspect, or cancel an audit job",
	Long: `Manage the permission audit job.

An audit walks every file in the configured collection, lists each
file's permissions, and appends flattened rows to the report sinks.
One job runs at a time; starting a new audit discards any in-flight
one. If the invocation's wall-clock budget runs out mid-collection, a
continuation is checkpointed and the daemon resumes it later.

Examples:
  permsweep audit start    # Reset and run the first invocation
  permsweep audit status   # Show the latest reported progress
  permsweep audit cancel   # Stop the current job, keep emitted rows`,
}

var auditStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a fresh audit job",
	Long: `Start a fresh audit job and run its first invocation.

Any existing job is discarded, including its pending continuations.
The invocation runs until the collection is exhausted or the budget
expires; in the latter case a continuation is scheduled, which the
daemon fires.`,
	RunE: runAuditStart,
}

var auditStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the latest audit status",
	RunE:  runAuditStatus,
}

var auditCancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Cancel the current audit job",
	Long: `Cancel the current audit job.

Checkpoint state and pending continuations are removed. Report rows
already emitted are kept. Cancelling when no job exists is a no-op.`,
	RunE: runAuditCancel,
}

func init() {
	AuditCmd.AddCommand(auditStartCmd)
	AuditCmd.AddCommand(auditStatusCmd)
	AuditCmd.AddCommand(auditCancelCmd)
}

func runAuditStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return errors.Wrap(err, "load configuration")
	}
	if cfg.Source.BaseURL == "" {
		return errors.WithHint(
			errors.New("no source configured"),
			"Set source.base_url in permsweep.toml or PERMSWEEP_SOURCE_BASE_URL")
	}

	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	controller := buildController(cfg, database, logger.Logger)
	return controller.Start(cmd.Context())
}

func runAuditStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return errors.Wrap(err, "load configuration")
	}

	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	status, err := audit.ReadStatus(database)
	if err != nil {
		if errors.IsNoJob(err) {
			fmt.Println("No audit has run yet")
			return nil
		}
		return err
	}

	fmt.Printf("Phase:     %s\n", status.Phase)
	fmt.Printf("Message:   %s\n", status.Message)
	fmt.Printf("Processed: %d", status.ItemsProcessed)
	if status.ItemsTotal > 0 {
		fmt.Printf(" / %d", status.ItemsTotal)
	}
	fmt.Println()
	fmt.Printf("Reported:  %s\n", status.ReportedAt.Local().Format("2006-01-02 15:04:05"))
	return nil
}

func runAuditCancel(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return errors.Wrap(err, "load configuration")
	}

	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	controller := buildController(cfg, database, logger.Logger)
	cancelled, err := controller.Cancel(cmd.Context())
	if err != nil {
		return err
	}
	if cancelled {
		fmt.Println("Audit cancelled")
	} else {
		fmt.Println("No audit job to cancel")
	}
	return nil
}
