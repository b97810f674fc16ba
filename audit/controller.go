package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/permsweep/permsweep/errors"
)

// Handler names used with the scheduler. CancelAll is scoped by handler,
// so the continuation chain and the recurring weekly kickoff never
// cancel each other.
const (
	HandlerContinue = "audit.continue"
	HandlerWeekly   = "audit.weekly"
)

// Scheduler is the slice of the scheduling surface the controller needs
type Scheduler interface {
	// ScheduleAfter registers a one-shot dispatch of handler after delay
	ScheduleAfter(delay time.Duration, handler string) (string, error)

	// CancelAll removes every pending registration for handler
	CancelAll(handler string) error
}

// TokenSource is an optional CheckpointStore capability producing
// fencing tokens guaranteed to exceed any token already stored. Stores
// without it get clock-derived tokens.
type TokenSource interface {
	NextToken() (int64, error)
}

// JobStarter is an optional sink capability for per-job preparation,
// run during SETUP before any fetch (a CSV sink creates its file and
// header here).
type JobStarter interface {
	StartJob(ctx context.Context, jobID string) error
}

// ControllerConfig carries the tunables of the page loop
type ControllerConfig struct {
	PageSize          int
	ContinuationDelay time.Duration
	ProgressEvery     int
}

// Controller drives an audit job through its phases across one or more
// budget-bounded invocations.
type Controller struct {
	store     CheckpointStore
	source    Source
	sink      RowSink
	reporter  Reporter
	scheduler Scheduler
	budget    *Budget
	cfg       ControllerConfig
	log       *zap.SugaredLogger

	timeNow  func() time.Time // Injectable for testing
	newToken func() int64     // Injectable for testing
}

// NewController creates an audit controller
func NewController(
	store CheckpointStore,
	source Source,
	sink RowSink,
	reporter Reporter,
	scheduler Scheduler,
	budget *Budget,
	cfg ControllerConfig,
	log *zap.SugaredLogger,
) *Controller {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if cfg.ProgressEvery <= 0 {
		cfg.ProgressEvery = 100
	}
	return &Controller{
		store:     store,
		source:    source,
		sink:      sink,
		reporter:  reporter,
		scheduler: scheduler,
		budget:    budget,
		cfg:       cfg,
		log:       log.Named("controller"),
		timeNow:   time.Now,
		newToken:  func() int64 { return time.Now().UnixNano() },
	}
}

// Start resets any existing job and runs the first invocation. An
// in-flight job is discarded, not resumed: starting over is an explicit
// operator decision and the warn log is the only ceremony it gets.
func (c *Controller) Start(ctx context.Context) error {
	if prev, err := c.store.Load(); err == nil {
		c.log.Warnw("Discarding in-flight audit job",
			"job_id", prev.ID,
			"phase", prev.Phase,
			"items_processed", prev.ItemsProcessed,
		)
	} else if errors.IsCheckpointCorrupt(err) {
		c.log.Warnw("Discarding corrupt audit job state", "error", err)
	}

	// Pending continuations belong to the job being discarded
	if err := c.scheduler.CancelAll(HandlerContinue); err != nil {
		return errors.Wrap(err, "cancel stale continuations")
	}

	token := c.newToken()
	if ts, ok := c.store.(TokenSource); ok {
		t, err := ts.NextToken()
		if err != nil {
			return errors.Wrap(err, "allocate fencing token")
		}
		token = t
	}

	now := c.timeNow()
	state := &JobState{
		ID:        uuid.New().String(),
		Token:     token,
		Phase:     PhaseSetup,
		StartedAt: now,
		UpdatedAt: now,
	}
	if err := c.store.Create(state); err != nil {
		return errors.Wrap(err, "create job state")
	}

	c.log.Infow("Audit job started", "job_id", state.ID)
	return c.RunInvocation(ctx)
}

// RunInvocation loads the checkpoint and runs until the job finishes,
// the budget is reached, or the state is pulled out from under it.
// This is the entry point for both Start and scheduled continuations.
func (c *Controller) RunInvocation(ctx context.Context) error {
	state, err := c.store.Load()
	if err != nil {
		if errors.IsNoJob(err) {
			c.log.Infow("No audit job to run")
			return err
		}
		if errors.IsCheckpointCorrupt(err) {
			// Resuming from a state we can't parse is unsafe. Clear it
			// so the next start is from scratch.
			return c.fail(state, err)
		}
		return errors.Wrap(err, "load job state")
	}

	c.budget.Start()
	c.log.Infow("Audit invocation started",
		"job_id", state.ID,
		"phase", state.Phase,
		"items_processed", state.ItemsProcessed,
		"budget", c.budget.Ceiling(),
	)

	if state.Phase == PhaseSetup {
		if err := c.runSetup(ctx, state); err != nil {
			return err
		}
	}

	if state.Phase == PhaseProcessing {
		done, err := c.runProcessing(ctx, state)
		if err != nil {
			return err
		}
		if !done {
			// Budget stop or stale state; this invocation is over
			return nil
		}
	}

	return c.finalize(ctx, state)
}

// runSetup prepares the output destination and persists the transition
// to PROCESSING before the first fetch, so a crash here resumes cleanly.
func (c *Controller) runSetup(ctx context.Context, state *JobState) error {
	c.reporter.Report(PhaseSetup, "preparing audit", 0, 0)

	if starter, ok := c.sink.(JobStarter); ok {
		if err := starter.StartJob(ctx, state.ID); err != nil {
			return c.fail(state, errors.Wrap(err, "prepare output"))
		}
	}

	state.Phase = PhaseProcessing
	state.UpdatedAt = c.timeNow()
	if err := c.store.Save(state); err != nil {
		if errors.IsStaleState(err) {
			return c.stop(state)
		}
		return c.fail(state, err)
	}
	return nil
}

// runProcessing runs the page loop. Returns done=true when the listing
// is exhausted and done=false when the invocation stopped early.
func (c *Controller) runProcessing(ctx context.Context, state *JobState) (bool, error) {
	for {
		if c.budget.Exceeded() {
			return false, c.pause(state)
		}

		page, err := c.source.ListPage(ctx, state.PageCursor, c.cfg.PageSize)
		if err != nil {
			return false, c.fail(state, errors.Wrap(err, "list page"))
		}

		for _, item := range page.Items {
			perms, err := c.source.ListPermissions(ctx, item.ID)
			permFailed := err != nil
			if permFailed {
				// Recovered locally: the item still gets a row, marked
				// so the report distinguishes "failed" from "no grants"
				c.log.Warnw("Permission listing failed",
					"item_id", item.ID,
					"error", err,
				)
				perms = nil
			}

			rows := ExpandRows(state.ID, item, perms, permFailed)
			if err := c.sink.AppendRows(ctx, rows); err != nil {
				return false, c.fail(state, errors.Wrap(err, "append rows"))
			}

			state.ItemsProcessed++
			state.RecordsEmitted += len(rows)

			if state.ItemsProcessed%c.cfg.ProgressEvery == 0 {
				c.reporter.Report(PhaseProcessing,
					fmt.Sprintf("processed %d items", state.ItemsProcessed),
					state.ItemsProcessed, 0)
			}
		}

		state.PageCursor = page.NextCursor
		if page.NextCursor == "" {
			// The phase advance rides the same Save as the exhausted
			// cursor. Persisted separately, a crash between the two
			// writes would leave (PROCESSING, "") on disk, which reads
			// as a job that has not fetched its first page yet, and the
			// next invocation would re-emit the whole collection.
			state.Phase = PhaseFinalizing
		}
		state.UpdatedAt = c.timeNow()
		if err := c.store.Save(state); err != nil {
			if errors.IsStaleState(err) {
				return false, c.stop(state)
			}
			return false, c.fail(state, err)
		}

		if state.Phase == PhaseFinalizing {
			return true, nil
		}
	}
}

// pause checkpoints and schedules the continuation after a budget stop
func (c *Controller) pause(state *JobState) error {
	state.UpdatedAt = c.timeNow()
	if err := c.store.Save(state); err != nil {
		if errors.IsStaleState(err) {
			return c.stop(state)
		}
		return c.fail(state, err)
	}

	// Replace, never accumulate: one pending continuation at a time
	if err := c.scheduler.CancelAll(HandlerContinue); err != nil {
		return c.fail(state, errors.Wrap(err, "replace continuation"))
	}

	handle, err := c.scheduleContinuation()
	if err != nil {
		return c.fail(state, err)
	}

	c.reporter.Report(PhaseProcessing,
		fmt.Sprintf("budget reached after %s; continuation scheduled", c.budget.Elapsed().Round(time.Second)),
		state.ItemsProcessed, 0)
	c.log.Infow("Audit invocation paused",
		"job_id", state.ID,
		"items_processed", state.ItemsProcessed,
		"elapsed", c.budget.Elapsed(),
		"continuation", handle,
	)
	return nil
}

// scheduleContinuation registers the next invocation, retrying once. A
// lost continuation strands the job in PROCESSING forever, which is why
// the failure is loud rather than logged and forgotten.
func (c *Controller) scheduleContinuation() (string, error) {
	handle, err := c.scheduler.ScheduleAfter(c.cfg.ContinuationDelay, HandlerContinue)
	if err == nil {
		return handle, nil
	}
	c.log.Warnw("Continuation scheduling failed, retrying", "error", err)

	handle, err = c.scheduler.ScheduleAfter(c.cfg.ContinuationDelay, HandlerContinue)
	if err != nil {
		return "", errors.Wrap(errors.ErrSchedulingFailed, err.Error())
	}
	return handle, nil
}

// finalize writes the summary and completes the job. No budget checks
// here: finalization is short and must not be split across invocations.
func (c *Controller) finalize(ctx context.Context, state *JobState) error {
	// Processing already persists FINALIZING alongside the exhausted
	// cursor; only a state that arrived here some other way still
	// needs the phase written.
	if state.Phase != PhaseFinalizing {
		state.Phase = PhaseFinalizing
		state.UpdatedAt = c.timeNow()
		if err := c.store.Save(state); err != nil {
			if errors.IsStaleState(err) {
				return c.stop(state)
			}
			return c.fail(state, err)
		}
	}
	c.reporter.Report(PhaseFinalizing, "writing summary", state.ItemsProcessed, state.ItemsProcessed)

	elapsed := c.budget.Elapsed().Round(time.Second)
	message := fmt.Sprintf("audit complete: %d items, %d rows in %s",
		state.ItemsProcessed, state.RecordsEmitted, elapsed)
	if summarizer, ok := c.sink.(Summarizer); ok {
		summary, err := summarizer.Summary(ctx)
		if err != nil {
			return c.fail(state, errors.Wrap(err, "summarize"))
		}
		if summary != nil {
			message = fmt.Sprintf("audit complete: %d items, %d rows, %d permission-fetch failures in %s",
				summary.DistinctItems, summary.TotalRows, summary.FailedItemCount, elapsed)
		}
	}

	if err := c.store.Delete(); err != nil {
		return errors.Wrap(err, "delete job state")
	}
	if err := c.scheduler.CancelAll(HandlerContinue); err != nil {
		return errors.Wrap(err, "cancel continuations")
	}

	c.reporter.Report(PhaseDone, message, state.ItemsProcessed, state.ItemsProcessed)
	c.log.Infow("Audit job done",
		"job_id", state.ID,
		"items_processed", state.ItemsProcessed,
		"records_emitted", state.RecordsEmitted,
		"elapsed", c.budget.Elapsed(),
	)
	return nil
}

// Cancel terminates the current job and reports whether there was one
// to cancel. Rows already emitted remain in the sinks; cancelling when
// no job exists is a no-op, not an error.
func (c *Controller) Cancel(ctx context.Context) (bool, error) {
	state, err := c.store.Load()
	if err != nil {
		if errors.IsNoJob(err) {
			c.log.Infow("No audit job to cancel")
			return false, nil
		}
		if !errors.IsCheckpointCorrupt(err) {
			return false, errors.Wrap(err, "load job state")
		}
		// Corrupt state is still cancellable; fall through with what we
		// know (nothing)
		state = &JobState{}
	}

	if err := c.store.Delete(); err != nil {
		return false, errors.Wrap(err, "delete job state")
	}
	if err := c.scheduler.CancelAll(HandlerContinue); err != nil {
		return false, errors.Wrap(err, "cancel continuations")
	}

	c.reporter.Report(PhaseCancelled, "audit cancelled", state.ItemsProcessed, 0)
	c.log.Infow("Audit job cancelled",
		"job_id", state.ID,
		"items_processed", state.ItemsProcessed,
	)
	return true, nil
}

// stop ends the invocation after losing the fencing-token compare. The
// state was cancelled or replaced underneath us; recreating it or
// scheduling a continuation would resurrect a dead job.
func (c *Controller) stop(state *JobState) error {
	c.log.Warnw("Job state changed underneath invocation, stopping",
		"job_id", state.ID,
		"token", state.Token,
	)
	return nil
}

// fail is the uniform failure path: clear state, drop continuations,
// report ERROR. There is no partial retry; the next start is from
// scratch.
func (c *Controller) fail(state *JobState, cause error) error {
	if err := c.store.Delete(); err != nil {
		c.log.Errorw("Failed to delete job state during failure handling", "error", err)
	}
	if err := c.scheduler.CancelAll(HandlerContinue); err != nil {
		c.log.Errorw("Failed to cancel continuations during failure handling", "error", err)
	}

	processed := 0
	jobID := ""
	if state != nil {
		processed = state.ItemsProcessed
		jobID = state.ID
	}
	c.reporter.Report(PhaseError, fmt.Sprintf("audit failed: %v", cause), processed, 0)
	c.log.Errorw("Audit job failed",
		"job_id", jobID,
		"items_processed", processed,
		"error", cause,
	)
	return cause
}
