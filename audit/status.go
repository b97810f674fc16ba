package audit

import (
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/permsweep/permsweep/errors"
)

// Status is the last reported engine status, coherent at any moment:
// observers can read it mid-flight, after a budget stop, or after a
// terminal transition.
type Status struct {
	Phase          Phase     `json:"phase"`
	Message        string    `json:"message"`
	ItemsProcessed int       `json:"items_processed"`
	ItemsTotal     int       `json:"items_total"` // 0 when unknown
	ReportedAt     time.Time `json:"reported_at"`
}

// Reporter receives status updates from the controller. Best-effort:
// implementations log their own failures and never propagate them, so
// a broken observer can't fail the job.
type Reporter interface {
	Report(phase Phase, message string, processed, total int)
}

// LogReporter reports status through the structured logger
type LogReporter struct {
	log *zap.SugaredLogger
}

// NewLogReporter creates a reporter that writes status to log
func NewLogReporter(log *zap.SugaredLogger) *LogReporter {
	return &LogReporter{log: log.Named("status")}
}

func (r *LogReporter) Report(phase Phase, message string, processed, total int) {
	r.log.Infow(message,
		"phase", phase,
		"items_processed", processed,
		"items_total", total,
	)
}

// SQLiteReporter persists the latest status to the audit_status table,
// where the status command and the observer server read it.
type SQLiteReporter struct {
	db  *sql.DB
	log *zap.SugaredLogger
}

// NewSQLiteReporter creates a reporter that persists status to db
func NewSQLiteReporter(db *sql.DB, log *zap.SugaredLogger) *SQLiteReporter {
	return &SQLiteReporter{db: db, log: log.Named("status-store")}
}

func (r *SQLiteReporter) Report(phase Phase, message string, processed, total int) {
	query := `
		INSERT INTO audit_status (slot, phase, message, items_processed, items_total, reported_at)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT(slot) DO UPDATE SET
			phase = excluded.phase,
			message = excluded.message,
			items_processed = excluded.items_processed,
			items_total = excluded.items_total,
			reported_at = excluded.reported_at
	`

	_, err := r.db.Exec(query,
		string(phase),
		message,
		processed,
		total,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		r.log.Warnw("Failed to persist status", "error", err)
	}
}

// ReadStatus returns the last persisted status. ErrNoJob when nothing
// has ever been reported.
func ReadStatus(db *sql.DB) (*Status, error) {
	query := `
		SELECT phase, message, items_processed, items_total, reported_at
		FROM audit_status
		WHERE slot = 1
	`

	var status Status
	var phase, reportedAt string

	err := db.QueryRow(query).Scan(
		&phase,
		&status.Message,
		&status.ItemsProcessed,
		&status.ItemsTotal,
		&reportedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.ErrNoJob
		}
		return nil, errors.Wrap(err, "read status")
	}

	status.Phase = Phase(phase)
	status.ReportedAt, err = time.Parse(time.RFC3339, reportedAt)
	if err != nil {
		return nil, errors.Wrapf(err, "bad reported_at %q", reportedAt)
	}

	return &status, nil
}

// MultiReporter fans one report out to several reporters in order
type MultiReporter []Reporter

func (m MultiReporter) Report(phase Phase, message string, processed, total int) {
	for _, r := range m {
		r.Report(phase, message, processed, total)
	}
}
