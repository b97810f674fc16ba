// Package audit implements the checkpointed permission-audit engine:
// a budget-bounded controller that walks a paginated item collection,
// fans out per-item permission listings into flattened report rows, and
// persists enough state between invocations to resume exactly where it
// stopped.
package audit

import (
	"time"
)

// Phase is the lifecycle phase of an audit job
type Phase string

const (
	// PhaseSetup covers output preparation before the first fetch
	PhaseSetup Phase = "SETUP"
	// PhaseProcessing is the page loop; the only phase that checkpoints
	PhaseProcessing Phase = "PROCESSING"
	// PhaseFinalizing writes the summary; runs without budget checks
	PhaseFinalizing Phase = "FINALIZING"
	// PhaseDone is the success terminal
	PhaseDone Phase = "DONE"
	// PhaseError is the failure terminal
	PhaseError Phase = "ERROR"
	// PhaseCancelled is the explicit-cancel terminal
	PhaseCancelled Phase = "CANCELLED"
)

// IsTerminal reports whether the phase ends the job
func (p Phase) IsTerminal() bool {
	return p == PhaseDone || p == PhaseError || p == PhaseCancelled
}

// Valid reports whether p is a known phase value
func (p Phase) Valid() bool {
	switch p {
	case PhaseSetup, PhaseProcessing, PhaseFinalizing, PhaseDone, PhaseError, PhaseCancelled:
		return true
	}
	return false
}

// JobState is the durable checkpoint for the single live audit job.
// Everything an invocation needs to resume is here; nothing else is
// carried across invocations.
type JobState struct {
	// ID identifies one logical job across all of its invocations
	ID string

	// Token is a fencing token assigned at job start. Saves are
	// compare-and-set on it, so a cancel or restart that lands while an
	// invocation is mid-page makes the invocation's next Save fail
	// instead of resurrecting dead state.
	Token int64

	Phase Phase

	// PageCursor is the opaque continuation token for the next page.
	// In SETUP and PROCESSING an empty cursor always means the first
	// page has not been fetched; an exhausted listing is never stored
	// as (PROCESSING, "") — it checkpoints as FINALIZING instead.
	PageCursor string

	ItemsProcessed int
	RecordsEmitted int

	StartedAt time.Time
	UpdatedAt time.Time
}
