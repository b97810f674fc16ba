// Package schedule runs the audit engine's continuations: durable
// one-shot and recurring registrations in sqlite, a ticker that
// dispatches due ones, and a registry of named handlers.
package schedule

import (
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/permsweep/permsweep/errors"
)

// Registration is one pending scheduler entry. One-shots are deleted on
// dispatch; recurring entries carry a cron spec and are re-armed to the
// next activation instead.
type Registration struct {
	ID        string
	Handler   string
	RunAt     time.Time
	CronSpec  string // empty for one-shots
	CreatedAt time.Time
}

// Store persists registrations in the continuations table
type Store struct {
	db *sql.DB
}

// NewStore creates a schedule store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts a registration and returns its handle
func (s *Store) Create(handler string, runAt time.Time, cronSpec string) (string, error) {
	id := uuid.New().String()
	_, err := s.db.Exec(`
		INSERT INTO continuations (id, handler, run_at, cron_spec, created_at)
		VALUES (?, ?, ?, ?, ?)
	`,
		id,
		handler,
		runAt.UTC().Format(time.RFC3339),
		nullableString(cronSpec),
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return "", errors.Wrapf(err, "create registration for %s", handler)
	}
	return id, nil
}

// Due returns registrations whose run_at has passed, oldest first
func (s *Store) Due(now time.Time) ([]Registration, error) {
	rows, err := s.db.Query(`
		SELECT id, handler, run_at, cron_spec, created_at
		FROM continuations
		WHERE run_at <= ?
		ORDER BY run_at ASC
	`, now.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, errors.Wrap(err, "query due registrations")
	}
	defer rows.Close()

	return scanRegistrations(rows)
}

// List returns every registration for the given handler, or all
// registrations when handler is empty.
func (s *Store) List(handler string) ([]Registration, error) {
	query := `
		SELECT id, handler, run_at, cron_spec, created_at
		FROM continuations
	`
	var args []interface{}
	if handler != "" {
		query += ` WHERE handler = ?`
		args = append(args, handler)
	}
	query += ` ORDER BY run_at ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list registrations")
	}
	defer rows.Close()

	return scanRegistrations(rows)
}

// Delete removes one registration by handle
func (s *Store) Delete(id string) error {
	if _, err := s.db.Exec(`DELETE FROM continuations WHERE id = ?`, id); err != nil {
		return errors.Wrapf(err, "delete registration %s", id)
	}
	return nil
}

// DeleteByHandler removes every registration for one handler
func (s *Store) DeleteByHandler(handler string) error {
	if _, err := s.db.Exec(`DELETE FROM continuations WHERE handler = ?`, handler); err != nil {
		return errors.Wrapf(err, "delete registrations for %s", handler)
	}
	return nil
}

// Rearm moves a recurring registration to its next activation
func (s *Store) Rearm(id string, nextRunAt time.Time) error {
	result, err := s.db.Exec(`
		UPDATE continuations SET run_at = ? WHERE id = ?
	`, nextRunAt.UTC().Format(time.RFC3339), id)
	if err != nil {
		return errors.Wrapf(err, "rearm registration %s", id)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rearm: rows affected")
	}
	if rows == 0 {
		return errors.Newf("registration not found: %s", id)
	}
	return nil
}

func scanRegistrations(rows *sql.Rows) ([]Registration, error) {
	var regs []Registration
	for rows.Next() {
		var reg Registration
		var runAt, createdAt string
		var cronSpec sql.NullString

		if err := rows.Scan(&reg.ID, &reg.Handler, &runAt, &cronSpec, &createdAt); err != nil {
			return nil, errors.Wrap(err, "scan registration")
		}

		var err error
		reg.RunAt, err = time.Parse(time.RFC3339, runAt)
		if err != nil {
			return nil, errors.Wrapf(err, "bad run_at %q", runAt)
		}
		reg.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, errors.Wrapf(err, "bad created_at %q", createdAt)
		}
		reg.CronSpec = cronSpec.String
		regs = append(regs, reg)
	}
	return regs, rows.Err()
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
