// Package sink provides report row destinations for the audit engine:
// an append-only CSV file, a queryable sqlite table, and a fanout
// combining several sinks.
package sink

import (
	"context"
	"encoding/csv"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/permsweep/permsweep/audit"
	"github.com/permsweep/permsweep/errors"
)

var csvHeader = []string{
	"item_id", "item_name", "owner", "item_type",
	"created_at", "modified_at", "size_bytes", "link",
	"permission_count", "permission_type", "role",
	"principal", "domain", "display_name", "permission_status",
}

// CSVSink appends report rows to a CSV file. The file is opened in
// append mode so rows from earlier invocations of the same job are
// never rewritten; the header is written only when the file is empty.
type CSVSink struct {
	path string
	log  *zap.SugaredLogger
}

// NewCSVSink creates a CSV sink writing to path
func NewCSVSink(path string, log *zap.SugaredLogger) *CSVSink {
	return &CSVSink{path: path, log: log.Named("csv-sink")}
}

// StartJob prepares the output file for a fresh job: the previous
// job's report is truncated and the header rewritten.
func (s *CSVSink) StartJob(_ context.Context, jobID string) error {
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrapf(err, "create report file %s", s.path)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(csvHeader); err != nil {
		return errors.Wrap(err, "write report header")
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return errors.Wrap(err, "flush report header")
	}

	s.log.Infow("Report file prepared", "path", s.path, "job_id", jobID)
	return nil
}

func (s *CSVSink) AppendRows(_ context.Context, rows []audit.Record) error {
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errors.Wrapf(err, "open report file %s", s.path)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	for _, row := range rows {
		if err := w.Write(csvFields(row)); err != nil {
			return errors.Wrap(err, "write report row")
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return errors.Wrap(err, "flush report rows")
	}
	return nil
}

func csvFields(row audit.Record) []string {
	return []string{
		row.ItemID,
		row.ItemName,
		row.Owner,
		row.ItemType,
		formatTime(row.CreatedAt),
		formatTime(row.ModifiedAt),
		strconv.FormatInt(row.SizeBytes, 10),
		row.Link,
		strconv.Itoa(row.PermissionCount),
		row.PermissionType,
		row.Role,
		row.Principal,
		row.Domain,
		row.DisplayName,
		string(row.PermissionStatus),
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
