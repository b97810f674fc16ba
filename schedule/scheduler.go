package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/permsweep/permsweep/errors"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Scheduler registers continuations and recurring kickoffs. It
// satisfies audit.Scheduler; dispatch itself is the Ticker's job.
type Scheduler struct {
	store   *Store
	timeNow func() time.Time // Injectable for testing
}

// NewScheduler creates a scheduler over store
func NewScheduler(store *Store) *Scheduler {
	return &Scheduler{store: store, timeNow: time.Now}
}

// ScheduleAfter registers a one-shot dispatch of handler after delay
func (s *Scheduler) ScheduleAfter(delay time.Duration, handler string) (string, error) {
	return s.store.Create(handler, s.timeNow().Add(delay), "")
}

// ScheduleRecurring registers a recurring dispatch of handler on a
// standard five-field cron spec. The registration survives restarts;
// the ticker re-arms it after every activation.
func (s *Scheduler) ScheduleRecurring(spec string, handler string) (string, error) {
	sched, err := cronParser.Parse(spec)
	if err != nil {
		return "", errors.Wrapf(err, "invalid cron spec %q", spec)
	}
	return s.store.Create(handler, sched.Next(s.timeNow()), spec)
}

// CancelAll removes every pending registration for handler. Other
// handlers' registrations are untouched, so cancelling the
// continuation chain never drops the recurring kickoff.
func (s *Scheduler) CancelAll(handler string) error {
	return s.store.DeleteByHandler(handler)
}

// WeeklySpec builds a cron spec for one weekly activation, e.g.
// WeeklySpec("SAT", 3) for Saturdays at 03:00.
func WeeklySpec(day string, hour int) (string, error) {
	day = strings.ToUpper(strings.TrimSpace(day))
	switch day {
	case "SUN", "MON", "TUE", "WED", "THU", "FRI", "SAT":
	default:
		return "", errors.Newf("invalid day of week %q", day)
	}
	if hour < 0 || hour > 23 {
		return "", errors.Newf("invalid hour %d", hour)
	}
	return fmt.Sprintf("0 %d * * %s", hour, day), nil
}
