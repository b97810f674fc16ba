package audit

import (
	"context"
	"time"
)

// Item is one entry in the audited collection
type Item struct {
	ID         string
	Name       string
	Owner      string
	Type       string
	CreatedAt  time.Time
	ModifiedAt time.Time
	SizeBytes  int64
	Link       string
}

// PermissionEntry is one grant on an item
type PermissionEntry struct {
	Type        string // user, group, domain, anyone
	Role        string // owner, writer, commenter, reader
	Principal   string // email address, empty for domain/anyone grants
	Domain      string
	DisplayName string
}

// Page is one listing page plus the cursor for the next one. An empty
// NextCursor means the listing is exhausted.
type Page struct {
	Items      []Item
	NextCursor string
}

// Source is the paginated external collection being audited
type Source interface {
	// ListPage fetches one page. cursor is "" for the first page.
	// Failure is fatal to the job (wrapped ErrFetchFailed); there is no
	// partial retry of a page.
	ListPage(ctx context.Context, cursor string, pageSize int) (*Page, error)

	// ListPermissions fetches the grants on one item. Failure is
	// recovered by the caller: the item is emitted with zero
	// permissions and a fetch-failed marker.
	ListPermissions(ctx context.Context, itemID string) ([]PermissionEntry, error)
}
