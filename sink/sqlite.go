package sink

import (
	"context"
	"database/sql"
	"time"

	"github.com/permsweep/permsweep/audit"
	"github.com/permsweep/permsweep/errors"
)

// SQLiteSink appends report rows to the audit_records table. Rows are
// keyed by job id, so records from earlier (cancelled or superseded)
// jobs stay queryable alongside the current report.
type SQLiteSink struct {
	db    *sql.DB
	jobID string
}

// NewSQLiteSink creates a sqlite sink backed by db
func NewSQLiteSink(db *sql.DB) *SQLiteSink {
	return &SQLiteSink{db: db}
}

// StartJob scopes subsequent summaries to the fresh job
func (s *SQLiteSink) StartJob(_ context.Context, jobID string) error {
	s.jobID = jobID
	return nil
}

func (s *SQLiteSink) AppendRows(ctx context.Context, rows []audit.Record) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin append tx")
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO audit_records (
			job_id, item_id, item_name, owner, item_type,
			created_at, modified_at, size_bytes, link,
			permission_count, permission_type, role,
			principal, domain, display_name, permission_status
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return errors.Wrap(err, "prepare append")
	}
	defer stmt.Close()

	for _, row := range rows {
		if s.jobID == "" {
			s.jobID = row.JobID
		}
		_, err := stmt.Exec(
			row.JobID,
			row.ItemID,
			row.ItemName,
			row.Owner,
			row.ItemType,
			formatSQLTime(row.CreatedAt),
			formatSQLTime(row.ModifiedAt),
			row.SizeBytes,
			row.Link,
			row.PermissionCount,
			row.PermissionType,
			row.Role,
			row.Principal,
			row.Domain,
			row.DisplayName,
			string(row.PermissionStatus),
		)
		if err != nil {
			return errors.Wrapf(err, "insert record for item %s", row.ItemID)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit append tx")
	}
	return nil
}

// Summary aggregates the current job's rows for the completion report
func (s *SQLiteSink) Summary(ctx context.Context) (*audit.Summary, error) {
	summary := &audit.Summary{RowsByType: make(map[string]int)}

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(DISTINCT item_id),
		       COUNT(DISTINCT CASE WHEN permission_status = 'fetch_failed' THEN item_id END)
		FROM audit_records
		WHERE job_id = ?
	`, s.jobID).Scan(&summary.TotalRows, &summary.DistinctItems, &summary.FailedItemCount)
	if err != nil {
		return nil, errors.Wrap(err, "summarize records")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT permission_type, COUNT(*)
		FROM audit_records
		WHERE job_id = ? AND permission_type != ''
		GROUP BY permission_type
	`, s.jobID)
	if err != nil {
		return nil, errors.Wrap(err, "summarize permission types")
	}
	defer rows.Close()

	for rows.Next() {
		var permType string
		var count int
		if err := rows.Scan(&permType, &count); err != nil {
			return nil, errors.Wrap(err, "scan permission type count")
		}
		summary.RowsByType[permType] = count
	}
	return summary, rows.Err()
}

func formatSQLTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
