package audit

import (
	"database/sql"
	"time"

	"github.com/permsweep/permsweep/errors"
)

// CheckpointStore persists the single live JobState between invocations
type CheckpointStore interface {
	// Load returns the current job state. ErrNoJob when none exists,
	// ErrCheckpointCorrupt when the stored record cannot be parsed.
	Load() (*JobState, error)

	// Create replaces any existing record with state. Used only at job
	// start, where the overwrite is an explicit reset.
	Create(state *JobState) error

	// Save updates the record, guarded by the state's fencing token.
	// ErrStaleState means the record was deleted or replaced since this
	// invocation loaded it; the caller must stop without recreating it.
	Save(state *JobState) error

	// Delete removes the record. Idempotent.
	Delete() error
}

// SQLiteCheckpointStore stores the job state in the audit_job_state
// table's single fixed-key row.
type SQLiteCheckpointStore struct {
	db *sql.DB
}

// NewCheckpointStore creates a checkpoint store backed by db
func NewCheckpointStore(db *sql.DB) *SQLiteCheckpointStore {
	return &SQLiteCheckpointStore{db: db}
}

func (s *SQLiteCheckpointStore) Load() (*JobState, error) {
	query := `
		SELECT job_id, token, phase, page_cursor, items_processed,
		       records_emitted, started_at, updated_at
		FROM audit_job_state
		WHERE slot = 1
	`

	var state JobState
	var phase, startedAt, updatedAt string

	err := s.db.QueryRow(query).Scan(
		&state.ID,
		&state.Token,
		&phase,
		&state.PageCursor,
		&state.ItemsProcessed,
		&state.RecordsEmitted,
		&startedAt,
		&updatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.ErrNoJob
		}
		return nil, errors.Wrap(err, "load job state")
	}

	state.Phase = Phase(phase)
	if !state.Phase.Valid() {
		return nil, errors.Wrapf(errors.ErrCheckpointCorrupt, "unknown phase %q", phase)
	}

	state.StartedAt, err = time.Parse(time.RFC3339, startedAt)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrCheckpointCorrupt, "bad started_at %q", startedAt)
	}
	state.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrCheckpointCorrupt, "bad updated_at %q", updatedAt)
	}

	return &state, nil
}

func (s *SQLiteCheckpointStore) Create(state *JobState) error {
	query := `
		INSERT INTO audit_job_state (
			slot, job_id, token, phase, page_cursor,
			items_processed, records_emitted, started_at, updated_at
		) VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(slot) DO UPDATE SET
			job_id = excluded.job_id,
			token = excluded.token,
			phase = excluded.phase,
			page_cursor = excluded.page_cursor,
			items_processed = excluded.items_processed,
			records_emitted = excluded.records_emitted,
			started_at = excluded.started_at,
			updated_at = excluded.updated_at
	`

	_, err := s.db.Exec(query,
		state.ID,
		state.Token,
		string(state.Phase),
		state.PageCursor,
		state.ItemsProcessed,
		state.RecordsEmitted,
		state.StartedAt.UTC().Format(time.RFC3339),
		state.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return errors.Wrap(err, "create job state")
	}
	return nil
}

func (s *SQLiteCheckpointStore) Save(state *JobState) error {
	query := `
		UPDATE audit_job_state
		SET phase = ?, page_cursor = ?, items_processed = ?,
		    records_emitted = ?, updated_at = ?
		WHERE slot = 1 AND job_id = ? AND token = ?
	`

	result, err := s.db.Exec(query,
		string(state.Phase),
		state.PageCursor,
		state.ItemsProcessed,
		state.RecordsEmitted,
		state.UpdatedAt.UTC().Format(time.RFC3339),
		state.ID,
		state.Token,
	)
	if err != nil {
		return errors.Wrap(err, "save job state")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "save job state: rows affected")
	}
	if rows == 0 {
		return errors.Wrapf(errors.ErrStaleState, "job %s token %d", state.ID, state.Token)
	}
	return nil
}

func (s *SQLiteCheckpointStore) Delete() error {
	if _, err := s.db.Exec(`DELETE FROM audit_job_state WHERE slot = 1`); err != nil {
		return errors.Wrap(err, "delete job state")
	}
	return nil
}

// NextToken returns a fencing token strictly greater than any token the
// store has seen, so a restarted job always wins the compare-and-set
// against a stale invocation of its predecessor.
func (s *SQLiteCheckpointStore) NextToken() (int64, error) {
	var current sql.NullInt64
	err := s.db.QueryRow(`SELECT MAX(token) FROM audit_job_state`).Scan(&current)
	if err != nil {
		return 0, errors.Wrap(err, "next token")
	}
	next := time.Now().UnixNano()
	if current.Valid && next <= current.Int64 {
		next = current.Int64 + 1
	}
	return next, nil
}
