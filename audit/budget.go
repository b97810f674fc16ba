package audit

import (
	"time"
)

// Budget tracks the wall-clock ceiling for one invocation. The ceiling
// is kept well under any host-imposed hard limit because it is only
// checked between pages: an invocation can overrun by at most one
// page's worth of work.
type Budget struct {
	ceiling time.Duration
	started time.Time
	timeNow func() time.Time // Injectable for testing
}

// NewBudget creates a budget with real time
func NewBudget(ceiling time.Duration) *Budget {
	return NewBudgetWithClock(ceiling, time.Now)
}

// NewBudgetWithClock creates a budget with injectable clock (for testing)
func NewBudgetWithClock(ceiling time.Duration, timeNow func() time.Time) *Budget {
	return &Budget{
		ceiling: ceiling,
		timeNow: timeNow,
	}
}

// Start marks the beginning of the invocation
func (b *Budget) Start() {
	b.started = b.timeNow()
}

// Exceeded reports whether the elapsed time has reached the ceiling
func (b *Budget) Exceeded() bool {
	return b.Elapsed() >= b.ceiling
}

// Elapsed returns the wall-clock time since Start
func (b *Budget) Elapsed() time.Duration {
	if b.started.IsZero() {
		return 0
	}
	return b.timeNow().Sub(b.started)
}

// Ceiling returns the configured per-invocation ceiling
func (b *Budget) Ceiling() time.Duration {
	return b.ceiling
}
