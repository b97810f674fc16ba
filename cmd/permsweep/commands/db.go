package commands

import (
	"database/sql"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/permsweep/permsweep/errors"
	"github.com/permsweep/permsweep/schedule"
)

// DbCmd groups database operations
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the permsweep database",
	Long: `Manage permsweep database operations.

Examples:
  permsweep db migrate   # Apply pending schema migrations
  permsweep db stats     # Show report row counts and pending schedules`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE:  runDbMigrate,
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show database statistics",
	RunE:  runDbStats,
}

func init() {
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatsCmd)
}

func runDbMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return errors.Wrap(err, "load configuration")
	}

	// openDatabase migrates as a side effect
	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	fmt.Println("Database migrated")
	return nil
}

func runDbStats(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return errors.Wrap(err, "load configuration")
	}

	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	var totalRows, distinctItems, failedItems, jobs int
	err = database.QueryRow(`
		SELECT COUNT(*),
		       COUNT(DISTINCT item_id),
		       COUNT(DISTINCT CASE WHEN permission_status = 'fetch_failed' THEN item_id END),
		       COUNT(DISTINCT job_id)
		FROM audit_records
	`).Scan(&totalRows, &distinctItems, &failedItems, &jobs)
	if err != nil && err != sql.ErrNoRows {
		return errors.Wrap(err, "query record stats")
	}

	fmt.Println("Database Statistics")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("Database Path:   %s\n", cfg.Database.Path)
	fmt.Printf("Report Rows:     %d\n", totalRows)
	fmt.Printf("Distinct Items:  %d\n", distinctItems)
	fmt.Printf("Failed Items:    %d\n", failedItems)
	fmt.Printf("Jobs Recorded:   %d\n", jobs)
	fmt.Println()

	var hasJob int
	if err := database.QueryRow(`SELECT COUNT(*) FROM audit_job_state`).Scan(&hasJob); err != nil {
		return errors.Wrap(err, "query job state")
	}
	if hasJob > 0 {
		fmt.Println("In-flight job:   yes")
	} else {
		fmt.Println("In-flight job:   no")
	}

	regs, err := schedule.NewStore(database).List("")
	if err != nil {
		return errors.Wrap(err, "list schedules")
	}
	if len(regs) == 0 {
		fmt.Println("Pending schedules: none")
		return nil
	}
	fmt.Printf("Pending schedules:\n")
	for _, reg := range regs {
		kind := "one-shot"
		if reg.CronSpec != "" {
			kind = fmt.Sprintf("recurring (%s)", reg.CronSpec)
		}
		fmt.Printf("  %-18s %s  next %s\n", reg.Handler, kind, reg.RunAt.Local().Format("2006-01-02 15:04"))
	}
	return nil
}
