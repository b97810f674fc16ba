package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/permsweep/permsweep/audit"
	"github.com/permsweep/permsweep/errors"
	"github.com/permsweep/permsweep/schedule"
)

// ScheduleCmd registers the recurring weekly audit
var ScheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Register a weekly recurring audit",
	Long: `Register a weekly recurring audit kickoff.

The registration is durable: the daemon starts a fresh audit at every
activation. Scheduling again replaces the previous registration.
Continuations of a paused audit are independent of this schedule and
are unaffected by it.

Examples:
  permsweep schedule --day SAT --hour 3   # Saturdays at 03:00
  permsweep unschedule                    # Remove the weekly audit`,
	RunE: runSchedule,
}

// UnscheduleCmd removes the recurring weekly audit
var UnscheduleCmd = &cobra.Command{
	Use:   "unschedule",
	Short: "Remove the weekly recurring audit",
	RunE:  runUnschedule,
}

var (
	scheduleDayFlag  string
	scheduleHourFlag int
)

func init() {
	ScheduleCmd.Flags().StringVar(&scheduleDayFlag, "day", "SAT", "Day of week (SUN..SAT)")
	ScheduleCmd.Flags().IntVar(&scheduleHourFlag, "hour", 3, "Hour of day (0-23)")
}

func runSchedule(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return errors.Wrap(err, "load configuration")
	}

	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	spec, err := schedule.WeeklySpec(scheduleDayFlag, scheduleHourFlag)
	if err != nil {
		return err
	}

	scheduler := schedule.NewScheduler(schedule.NewStore(database))

	// Replace, never stack: one weekly registration at a time
	if err := scheduler.CancelAll(audit.HandlerWeekly); err != nil {
		return errors.Wrap(err, "replace weekly schedule")
	}
	handle, err := scheduler.ScheduleRecurring(spec, audit.HandlerWeekly)
	if err != nil {
		return errors.Wrap(err, "register weekly schedule")
	}

	fmt.Printf("Weekly audit scheduled: %s at %02d:00 (registration %s)\n",
		scheduleDayFlag, scheduleHourFlag, handle)
	return nil
}

func runUnschedule(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return errors.Wrap(err, "load configuration")
	}

	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	scheduler := schedule.NewScheduler(schedule.NewStore(database))
	if err := scheduler.CancelAll(audit.HandlerWeekly); err != nil {
		return errors.Wrap(err, "remove weekly schedule")
	}

	fmt.Println("Weekly audit unscheduled")
	return nil
}
