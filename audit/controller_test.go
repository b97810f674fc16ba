package audit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/permsweep/permsweep/errors"
	permtesting "github.com/permsweep/permsweep/internal/testing"
)

// fakeSource serves a fixed item collection in pages, with per-item
// permission maps and injectable failures.
type fakeSource struct {
	items       []Item
	permsByID   map[string][]PermissionEntry
	permFailIDs map[string]bool
	listErr     error

	listCalls int
	onList    func(call int) // runs before each ListPage, e.g. to advance a clock
}

func (s *fakeSource) ListPage(_ context.Context, cursor string, pageSize int) (*Page, error) {
	s.listCalls++
	if s.onList != nil {
		s.onList(s.listCalls)
	}
	if s.listErr != nil {
		return nil, errors.Wrap(errors.ErrFetchFailed, s.listErr.Error())
	}

	offset := 0
	if cursor != "" {
		if _, err := fmt.Sscanf(cursor, "offset-%d", &offset); err != nil {
			return nil, errors.Wrapf(errors.ErrFetchFailed, "bad cursor %q", cursor)
		}
	}

	end := offset + pageSize
	if end > len(s.items) {
		end = len(s.items)
	}
	page := &Page{Items: s.items[offset:end]}
	if end < len(s.items) {
		page.NextCursor = fmt.Sprintf("offset-%d", end)
	}
	return page, nil
}

func (s *fakeSource) ListPermissions(_ context.Context, itemID string) ([]PermissionEntry, error) {
	if s.permFailIDs[itemID] {
		return nil, errors.Wrapf(errors.ErrPermissionFetch, "item %s", itemID)
	}
	return s.permsByID[itemID], nil
}

// memorySink collects rows in memory
type memorySink struct {
	rows      []Record
	appendErr error
}

func (s *memorySink) AppendRows(_ context.Context, rows []Record) error {
	if s.appendErr != nil {
		return s.appendErr
	}
	s.rows = append(s.rows, rows...)
	return nil
}

// fakeScheduler records registrations per handler
type fakeScheduler struct {
	pending     map[string]int
	scheduleErr error
	failures    int // remaining ScheduleAfter calls that fail
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{pending: make(map[string]int)}
}

func (s *fakeScheduler) ScheduleAfter(_ time.Duration, handler string) (string, error) {
	if s.failures > 0 {
		s.failures--
		return "", s.scheduleErr
	}
	s.pending[handler]++
	return fmt.Sprintf("handle-%s-%d", handler, s.pending[handler]), nil
}

func (s *fakeScheduler) CancelAll(handler string) error {
	s.pending[handler] = 0
	return nil
}

func makeItems(n int) []Item {
	items := make([]Item, n)
	for i := range items {
		items[i] = Item{
			ID:    fmt.Sprintf("item-%04d", i),
			Name:  fmt.Sprintf("file-%04d.txt", i),
			Owner: "owner@example.com",
		}
	}
	return items
}

type controllerFixture struct {
	controller *Controller
	store      *SQLiteCheckpointStore
	source     *fakeSource
	sink       *memorySink
	scheduler  *fakeScheduler
	reporter   *captureReporter
	clock      *mockClock
}

func newControllerFixture(t *testing.T, source *fakeSource, cfg ControllerConfig) *controllerFixture {
	db := permtesting.CreateTestDB(t)
	clock := newMockClock()

	f := &controllerFixture{
		store:     NewCheckpointStore(db),
		source:    source,
		sink:      &memorySink{},
		scheduler: newFakeScheduler(),
		reporter:  &captureReporter{},
		clock:     clock,
	}
	if cfg.ContinuationDelay == 0 {
		cfg.ContinuationDelay = time.Minute
	}
	budget := NewBudgetWithClock(4*time.Minute, clock.Now)
	f.controller = NewController(f.store, f.source, f.sink, f.reporter, f.scheduler, budget, cfg, zap.NewNop().Sugar())
	f.controller.timeNow = clock.Now
	return f
}

func (f *controllerFixture) lastReport(t *testing.T) capturedReport {
	t.Helper()
	require.NotEmpty(t, f.reporter.reports)
	return f.reporter.reports[len(f.reporter.reports)-1]
}

// 1200 items at page size 100: exactly 12 listing calls, one row per
// item permission, then DONE with the state cleared.
func TestControllerFullRun(t *testing.T) {
	items := makeItems(1200)
	perms := make(map[string][]PermissionEntry, len(items))
	for _, item := range items {
		perms[item.ID] = []PermissionEntry{{Type: "user", Role: "owner", Principal: item.Owner}}
	}
	source := &fakeSource{items: items, permsByID: perms}

	f := newControllerFixture(t, source, ControllerConfig{PageSize: 100})
	require.NoError(t, f.controller.Start(context.Background()))

	assert.Equal(t, 12, source.listCalls)
	assert.Len(t, f.sink.rows, 1200)
	assert.Equal(t, PhaseDone, f.lastReport(t).phase)

	_, err := f.store.Load()
	assert.True(t, errors.IsNoJob(err))
	assert.Equal(t, 0, f.scheduler.pending[HandlerContinue])
}

// Budget exhaustion mid-run checkpoints, schedules a continuation, and
// the next invocation resumes from the saved cursor to completion.
func TestControllerBudgetStopAndResume(t *testing.T) {
	items := makeItems(1200)
	source := &fakeSource{items: items, permsByID: map[string][]PermissionEntry{}}

	f := newControllerFixture(t, source, ControllerConfig{PageSize: 100})
	// Each page costs 35s of wall clock, so the 4m budget trips during
	// page 7: the page still completes (budget is only checked between
	// pages) and the checkpoint cursor points at page 8.
	source.onList = func(int) { f.clock.Advance(35 * time.Second) }

	require.NoError(t, f.controller.Start(context.Background()))

	state, err := f.store.Load()
	require.NoError(t, err)
	assert.Equal(t, PhaseProcessing, state.Phase)
	assert.Equal(t, 700, state.ItemsProcessed)
	assert.Equal(t, "offset-700", state.PageCursor)
	assert.Equal(t, 1, f.scheduler.pending[HandlerContinue])
	assert.Equal(t, PhaseProcessing, f.lastReport(t).phase)
	assert.Contains(t, f.lastReport(t).message, "continuation scheduled")

	// The continuation fires: same controller, fresh budget
	require.NoError(t, f.controller.RunInvocation(context.Background()))

	assert.Len(t, f.sink.rows, 1200)
	assert.Equal(t, PhaseDone, f.lastReport(t).phase)
	_, err = f.store.Load()
	assert.True(t, errors.IsNoJob(err))
	assert.Equal(t, 0, f.scheduler.pending[HandlerContinue])
}

// unboundedSource never exhausts; every page returns a next cursor.
type unboundedSource struct {
	pageSize  int
	listCalls int
	onList    func(call int)
}

func (s *unboundedSource) ListPage(_ context.Context, cursor string, pageSize int) (*Page, error) {
	s.listCalls++
	if s.onList != nil {
		s.onList(s.listCalls)
	}
	items := make([]Item, pageSize)
	for i := range items {
		items[i] = Item{ID: fmt.Sprintf("%s/%d", cursor, i)}
	}
	return &Page{Items: items, NextCursor: fmt.Sprintf("p%d", s.listCalls)}, nil
}

func (s *unboundedSource) ListPermissions(context.Context, string) ([]PermissionEntry, error) {
	return nil, nil
}

// An unbounded listing can never make the invocation run past the
// ceiling by more than one page: the stop happens at the first
// between-pages check after the budget trips.
func TestControllerBudgetRespectUnboundedSource(t *testing.T) {
	db := permtesting.CreateTestDB(t)
	clock := newMockClock()
	source := &unboundedSource{}
	source.onList = func(int) { clock.Advance(30 * time.Second) }

	store := NewCheckpointStore(db)
	scheduler := newFakeScheduler()
	budget := NewBudgetWithClock(4*time.Minute, clock.Now)
	controller := NewController(store, source, &memorySink{}, &captureReporter{}, scheduler, budget,
		ControllerConfig{PageSize: 10, ContinuationDelay: time.Minute}, zap.NewNop().Sugar())
	controller.timeNow = clock.Now

	require.NoError(t, controller.Start(context.Background()))

	// 240s ceiling at 30s per page: exactly 8 pages, then the stop
	assert.Equal(t, 8, source.listCalls)
	assert.LessOrEqual(t, budget.Elapsed(), budget.Ceiling()+30*time.Second)

	state, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, PhaseProcessing, state.Phase)
	assert.Equal(t, 80, state.ItemsProcessed)
	assert.Equal(t, 1, scheduler.pending[HandlerContinue])
}

// Resume processes no item twice: the checkpoint cursor is the exact
// boundary between invocations. This holds for sequential resumes
// only; invocations that truly overlap in time are last-write-wins on
// the checkpoint and may replay the one page the loser had in flight
// (see TestControllerOverlapReplaysAtMostOnePage).
func TestControllerResumeIsIdempotent(t *testing.T) {
	items := makeItems(300)
	source := &fakeSource{items: items, permsByID: map[string][]PermissionEntry{}}

	f := newControllerFixture(t, source, ControllerConfig{PageSize: 100})
	source.onList = func(int) { f.clock.Advance(3 * time.Minute) }

	require.NoError(t, f.controller.Start(context.Background()))
	for i := 0; i < 10; i++ {
		state, err := f.store.Load()
		if errors.IsNoJob(err) {
			break
		}
		require.NoError(t, err)
		require.Equal(t, PhaseProcessing, state.Phase)
		require.NoError(t, f.controller.RunInvocation(context.Background()))
	}

	require.Len(t, f.sink.rows, 300)
	seen := make(map[string]int)
	for _, row := range f.sink.rows {
		seen[row.ItemID]++
	}
	for id, n := range seen {
		assert.Equal(t, 1, n, "item %s emitted %d times", id, n)
	}
}

// recordingStore snapshots every state it is asked to persist
type recordingStore struct {
	*SQLiteCheckpointStore
	saved []JobState
}

func (s *recordingStore) Save(state *JobState) error {
	s.saved = append(s.saved, *state)
	return s.SQLiteCheckpointStore.Save(state)
}

// Once a page has been fetched, no persisted checkpoint may read as
// "first page not fetched yet". The exhausted cursor and the phase
// advance must land in a single write: persisted separately, a crash
// between them would leave (PROCESSING, "") on disk and the next
// invocation would replay the whole collection.
func TestControllerExhaustedCursorCheckpointsFinalizing(t *testing.T) {
	items := makeItems(300)
	source := &fakeSource{items: items, permsByID: map[string][]PermissionEntry{}}

	f := newControllerFixture(t, source, ControllerConfig{PageSize: 100})
	store := &recordingStore{SQLiteCheckpointStore: f.store}
	f.controller.store = store

	require.NoError(t, f.controller.Start(context.Background()))

	require.NotEmpty(t, store.saved)
	for _, snapshot := range store.saved {
		if snapshot.PageCursor == "" && snapshot.ItemsProcessed > 0 {
			assert.Equal(t, PhaseFinalizing, snapshot.Phase,
				"checkpoint at %d items reads like a fresh job", snapshot.ItemsProcessed)
		}
	}
	last := store.saved[len(store.saved)-1]
	assert.Equal(t, PhaseFinalizing, last.Phase)
	assert.Equal(t, 300, last.ItemsProcessed)
}

// A crash after the last page's checkpoint but before finalization
// finished resumes straight into finalization: nothing re-fetched,
// nothing re-emitted.
func TestControllerResumeAfterExhaustedCheckpoint(t *testing.T) {
	items := makeItems(300)
	source := &fakeSource{items: items, permsByID: map[string][]PermissionEntry{}}

	f := newControllerFixture(t, source, ControllerConfig{PageSize: 100})
	now := f.clock.Now()
	require.NoError(t, f.store.Create(&JobState{
		ID:             "job-resume",
		Token:          7,
		Phase:          PhaseFinalizing,
		ItemsProcessed: 300,
		RecordsEmitted: 300,
		StartedAt:      now,
		UpdatedAt:      now,
	}))

	require.NoError(t, f.controller.RunInvocation(context.Background()))

	assert.Equal(t, 0, source.listCalls)
	assert.Empty(t, f.sink.rows)
	assert.Equal(t, PhaseDone, f.lastReport(t).phase)
	assert.Contains(t, f.lastReport(t).message, "300 items")
	_, err := f.store.Load()
	assert.True(t, errors.IsNoJob(err))
}

// Overlapping invocations are not serialized; the checkpoint is
// last-write-wins. The losing invocation replays at most the single
// page it had in flight before its save loses the fencing compare, so
// overlap costs duplicate rows for one page and never stalls the job.
func TestControllerOverlapReplaysAtMostOnePage(t *testing.T) {
	items := makeItems(300)
	source := &fakeSource{items: items, permsByID: map[string][]PermissionEntry{}}

	f := newControllerFixture(t, source, ControllerConfig{PageSize: 100})
	source.onList = func(int) { f.clock.Advance(5 * time.Minute) }
	require.NoError(t, f.controller.Start(context.Background()))

	state, err := f.store.Load()
	require.NoError(t, err)
	require.Equal(t, "offset-100", state.PageCursor)

	// A second invocation starts while the first has page 2 in flight
	// and runs the job to completion underneath it
	overlapped := false
	source.onList = func(int) {
		if !overlapped {
			overlapped = true
			require.NoError(t, f.controller.RunInvocation(context.Background()))
		}
	}
	require.NoError(t, f.controller.RunInvocation(context.Background()))

	// Pages 2 and 3 from the inner run, then the loser's page 2 again
	assert.Equal(t, 4, source.listCalls)
	assert.Len(t, f.sink.rows, 400)
	seen := make(map[string]int)
	for _, row := range f.sink.rows {
		seen[row.ItemID]++
	}
	for i, item := range items {
		want := 1
		if i >= 100 && i < 200 {
			want = 2
		}
		assert.Equal(t, want, seen[item.ID], "item %s", item.ID)
	}

	assert.Equal(t, PhaseDone, f.lastReport(t).phase)
	_, err = f.store.Load()
	assert.True(t, errors.IsNoJob(err))
	assert.Equal(t, 0, f.scheduler.pending[HandlerContinue])
}

// Three items: two grants, a permission-fetch failure, one grant.
// Expansion law says 2 + 1 + 1 = 4 rows and the job still completes.
func TestControllerPermissionFailureIsRecovered(t *testing.T) {
	items := []Item{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	source := &fakeSource{
		items: items,
		permsByID: map[string][]PermissionEntry{
			"a": {{Type: "user", Role: "owner"}, {Type: "user", Role: "reader"}},
			"c": {{Type: "user", Role: "owner"}},
		},
		permFailIDs: map[string]bool{"b": true},
	}

	f := newControllerFixture(t, source, ControllerConfig{PageSize: 100})
	require.NoError(t, f.controller.Start(context.Background()))

	require.Len(t, f.sink.rows, 4)
	assert.Equal(t, PermissionStatusOK, f.sink.rows[0].PermissionStatus)
	assert.Equal(t, PermissionStatusOK, f.sink.rows[1].PermissionStatus)
	assert.Equal(t, "b", f.sink.rows[2].ItemID)
	assert.Equal(t, PermissionStatusFailed, f.sink.rows[2].PermissionStatus)
	assert.Equal(t, "c", f.sink.rows[3].ItemID)
	assert.Equal(t, PhaseDone, f.lastReport(t).phase)
}

// A page-listing failure is fatal: ERROR reported, state cleared,
// continuations dropped, rows already emitted kept.
func TestControllerListFailureIsFatal(t *testing.T) {
	source := &fakeSource{items: makeItems(10), permsByID: map[string][]PermissionEntry{}}
	source.listErr = fmt.Errorf("upstream 503")

	f := newControllerFixture(t, source, ControllerConfig{PageSize: 100})
	err := f.controller.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrFetchFailed))

	assert.Equal(t, PhaseError, f.lastReport(t).phase)
	_, err = f.store.Load()
	assert.True(t, errors.IsNoJob(err))
	assert.Equal(t, 0, f.scheduler.pending[HandlerContinue])
}

// Cancel clears state and continuations; a second cancel is a no-op.
func TestControllerCancelTwice(t *testing.T) {
	items := makeItems(200)
	source := &fakeSource{items: items, permsByID: map[string][]PermissionEntry{}}

	f := newControllerFixture(t, source, ControllerConfig{PageSize: 100})
	source.onList = func(int) { f.clock.Advance(5 * time.Minute) }

	require.NoError(t, f.controller.Start(context.Background()))
	state, err := f.store.Load()
	require.NoError(t, err)
	require.Equal(t, PhaseProcessing, state.Phase)

	cancelled, err := f.controller.Cancel(context.Background())
	require.NoError(t, err)
	assert.True(t, cancelled)
	assert.Equal(t, PhaseCancelled, f.lastReport(t).phase)
	_, err = f.store.Load()
	assert.True(t, errors.IsNoJob(err))
	assert.Equal(t, 0, f.scheduler.pending[HandlerContinue])
	emitted := len(f.sink.rows)
	assert.Positive(t, emitted)

	// Second cancel: no state, no report, no error
	reportsBefore := len(f.reporter.reports)
	cancelled, err = f.controller.Cancel(context.Background())
	require.NoError(t, err)
	assert.False(t, cancelled)
	assert.Equal(t, reportsBefore, len(f.reporter.reports))
	assert.Len(t, f.sink.rows, emitted)
}

// Cancellation landing mid-invocation makes the invocation's next save
// lose the fencing compare: it stops without resurrecting state or
// scheduling a continuation.
func TestControllerStaleSaveStops(t *testing.T) {
	items := makeItems(300)
	source := &fakeSource{items: items, permsByID: map[string][]PermissionEntry{}}

	f := newControllerFixture(t, source, ControllerConfig{PageSize: 100})
	source.onList = func(call int) {
		if call == 2 {
			// Cancel lands between pages, after the invocation loaded
			// its state
			require.NoError(t, f.store.Delete())
		}
	}

	require.NoError(t, f.controller.Start(context.Background()))

	_, err := f.store.Load()
	assert.True(t, errors.IsNoJob(err))
	assert.Equal(t, 0, f.scheduler.pending[HandlerContinue])
	// The invocation got through page 2's items before noticing
	assert.Len(t, f.sink.rows, 200)
	for _, report := range f.reporter.reports {
		assert.NotEqual(t, PhaseDone, report.phase)
	}
}

// Unparsable persisted state cannot be resumed: ERROR, cleared.
func TestControllerCorruptCheckpoint(t *testing.T) {
	db := permtesting.CreateTestDB(t)
	_, err := db.Exec(`
		INSERT INTO audit_job_state (slot, job_id, token, phase, started_at, updated_at)
		VALUES (1, 'job-x', 1, 'LIMBO', '2026-01-01T00:00:00Z', '2026-01-01T00:00:00Z')
	`)
	require.NoError(t, err)

	source := &fakeSource{items: makeItems(10), permsByID: map[string][]PermissionEntry{}}
	store := NewCheckpointStore(db)
	reporter := &captureReporter{}
	budget := NewBudget(4 * time.Minute)
	controller := NewController(store, source, &memorySink{}, reporter, newFakeScheduler(), budget,
		ControllerConfig{PageSize: 100}, zap.NewNop().Sugar())

	err = controller.RunInvocation(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsCheckpointCorrupt(err))
	assert.Equal(t, PhaseError, reporter.reports[len(reporter.reports)-1].phase)

	_, err = store.Load()
	assert.True(t, errors.IsNoJob(err))
}

// Start over an in-flight job discards it: new job id, cursor reset,
// pending continuations dropped.
func TestControllerStartDiscardsInFlight(t *testing.T) {
	items := makeItems(400)
	source := &fakeSource{items: items, permsByID: map[string][]PermissionEntry{}}

	f := newControllerFixture(t, source, ControllerConfig{PageSize: 100})
	source.onList = func(int) { f.clock.Advance(5 * time.Minute) }

	require.NoError(t, f.controller.Start(context.Background()))
	first, err := f.store.Load()
	require.NoError(t, err)
	require.Equal(t, 1, f.scheduler.pending[HandlerContinue])

	// Second start from scratch; stop advancing the clock so it finishes
	source.onList = nil
	require.NoError(t, f.controller.Start(context.Background()))

	assert.Equal(t, PhaseDone, f.lastReport(t).phase)
	// 100 rows from the discarded job's first page plus a full 400 from
	// the restart; discarded rows remain, per append-only sinks
	assert.Len(t, f.sink.rows, 500)
	for _, row := range f.sink.rows[100:] {
		assert.NotEqual(t, first.ID, row.JobID)
	}
}

// Scheduling failure is retried once; a second failure is fatal.
func TestControllerSchedulingRetry(t *testing.T) {
	items := makeItems(300)

	t.Run("retry succeeds", func(t *testing.T) {
		source := &fakeSource{items: items, permsByID: map[string][]PermissionEntry{}}
		f := newControllerFixture(t, source, ControllerConfig{PageSize: 100})
		source.onList = func(int) { f.clock.Advance(5 * time.Minute) }
		f.scheduler.scheduleErr = fmt.Errorf("registry busy")
		f.scheduler.failures = 1

		require.NoError(t, f.controller.Start(context.Background()))
		assert.Equal(t, 1, f.scheduler.pending[HandlerContinue])

		state, err := f.store.Load()
		require.NoError(t, err)
		assert.Equal(t, PhaseProcessing, state.Phase)
	})

	t.Run("retry fails", func(t *testing.T) {
		source := &fakeSource{items: items, permsByID: map[string][]PermissionEntry{}}
		f := newControllerFixture(t, source, ControllerConfig{PageSize: 100})
		source.onList = func(int) { f.clock.Advance(5 * time.Minute) }
		f.scheduler.scheduleErr = fmt.Errorf("registry busy")
		f.scheduler.failures = 2

		err := f.controller.Start(context.Background())
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrSchedulingFailed))
		assert.Equal(t, PhaseError, f.lastReport(t).phase)
		_, err = f.store.Load()
		assert.True(t, errors.IsNoJob(err))
	})
}

// Zero-item collection: straight to DONE with no rows.
func TestControllerEmptyCollection(t *testing.T) {
	source := &fakeSource{items: nil, permsByID: map[string][]PermissionEntry{}}

	f := newControllerFixture(t, source, ControllerConfig{PageSize: 100})
	require.NoError(t, f.controller.Start(context.Background()))

	assert.Equal(t, 1, source.listCalls)
	assert.Empty(t, f.sink.rows)
	assert.Equal(t, PhaseDone, f.lastReport(t).phase)
}

// summarySink adds the Summary capability on top of memorySink
type summarySink struct {
	memorySink
}

func (s *summarySink) Summary(_ context.Context) (*Summary, error) {
	items := make(map[string]bool)
	failed := 0
	for _, row := range s.rows {
		items[row.ItemID] = true
		if row.PermissionStatus == PermissionStatusFailed {
			failed++
		}
	}
	return &Summary{TotalRows: len(s.rows), DistinctItems: len(items), FailedItemCount: failed}, nil
}

// The DONE report uses the sink's summary when the sink can aggregate.
func TestControllerSummaryCapability(t *testing.T) {
	items := makeItems(5)
	source := &fakeSource{
		items:       items,
		permsByID:   map[string][]PermissionEntry{},
		permFailIDs: map[string]bool{"item-0002": true},
	}

	f := newControllerFixture(t, source, ControllerConfig{PageSize: 100})
	sink := &summarySink{}
	budget := NewBudgetWithClock(4*time.Minute, f.clock.Now)
	controller := NewController(f.store, source, sink, f.reporter, f.scheduler, budget,
		ControllerConfig{PageSize: 100}, zap.NewNop().Sugar())

	require.NoError(t, controller.Start(context.Background()))

	last := f.lastReport(t)
	assert.Equal(t, PhaseDone, last.phase)
	assert.Contains(t, last.message, "5 items")
	assert.Contains(t, last.message, "1 permission-fetch failure")
}
