package audit

import (
	"context"
	"time"
)

// PermissionStatus marks how a record's permission columns were produced
type PermissionStatus string

const (
	// PermissionStatusOK means the permission columns hold a real grant
	PermissionStatusOK PermissionStatus = "ok"
	// PermissionStatusNone means the item genuinely has zero grants
	PermissionStatusNone PermissionStatus = "none"
	// PermissionStatusFailed means the permission listing failed and the
	// columns are empty for that reason, not because no grants exist
	PermissionStatusFailed PermissionStatus = "fetch_failed"
)

// Record is one flattened (item, permission) output row
type Record struct {
	JobID string

	ItemID     string
	ItemName   string
	Owner      string
	ItemType   string
	CreatedAt  time.Time
	ModifiedAt time.Time
	SizeBytes  int64
	Link       string

	// PermissionCount is the item's total grant count, repeated on every
	// row of the item so each row is self-describing
	PermissionCount int

	PermissionType   string
	Role             string
	Principal        string
	Domain           string
	DisplayName      string
	PermissionStatus PermissionStatus
}

// RowSink receives report rows. Append-only and order-preserving:
// implementations never rewrite rows emitted by an earlier invocation.
type RowSink interface {
	AppendRows(ctx context.Context, rows []Record) error
}

// Summary aggregates a finished job's output
type Summary struct {
	TotalRows       int
	DistinctItems   int
	RowsByType      map[string]int
	FailedItemCount int // items whose permission listing failed
}

// Summarizer is an optional sink capability. The controller detects it
// during FINALIZING; sinks that cannot aggregate (a plain CSV file)
// simply don't implement it.
type Summarizer interface {
	Summary(ctx context.Context) (*Summary, error)
}

// ExpandRows flattens one item and its permissions into output rows:
// one row per grant, or a single row with empty permission columns when
// there are none. permFailed marks that empty row as fetch-failed
// rather than genuinely permissionless.
func ExpandRows(jobID string, item Item, perms []PermissionEntry, permFailed bool) []Record {
	base := Record{
		JobID:           jobID,
		ItemID:          item.ID,
		ItemName:        item.Name,
		Owner:           item.Owner,
		ItemType:        item.Type,
		CreatedAt:       item.CreatedAt,
		ModifiedAt:      item.ModifiedAt,
		SizeBytes:       item.SizeBytes,
		Link:            item.Link,
		PermissionCount: len(perms),
	}

	if len(perms) == 0 {
		row := base
		row.PermissionStatus = PermissionStatusNone
		if permFailed {
			row.PermissionStatus = PermissionStatusFailed
		}
		return []Record{row}
	}

	rows := make([]Record, 0, len(perms))
	for _, p := range perms {
		row := base
		row.PermissionType = p.Type
		row.Role = p.Role
		row.Principal = p.Principal
		row.Domain = p.Domain
		row.DisplayName = p.DisplayName
		row.PermissionStatus = PermissionStatusOK
		rows = append(rows, row)
	}
	return rows
}
