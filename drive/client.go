// Package drive implements audit.Source against a Drive-style REST API:
// a paginated file listing plus a per-file permission listing.
package drive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/permsweep/permsweep/audit"
	"github.com/permsweep/permsweep/config"
	"github.com/permsweep/permsweep/errors"
)

// Client talks to the file collection API. All calls go through a
// shared rate limiter so page and permission fetches together stay
// under the configured request budget.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates a client from the source configuration
func NewClient(cfg config.SourceConfig) *Client {
	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = 60
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: cfg.BaseURL,
		token:   cfg.Token,
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(float64(rpm)/60.0), 1),
	}
}

type fileJSON struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Owner      string `json:"owner"`
	MimeType   string `json:"mimeType"`
	CreatedAt  string `json:"createdTime"`
	ModifiedAt string `json:"modifiedTime"`
	Size       int64  `json:"size"`
	Link       string `json:"webViewLink"`
}

type listResponse struct {
	Files         []fileJSON `json:"files"`
	NextPageToken string     `json:"nextPageToken"`
}

type permissionJSON struct {
	Type         string `json:"type"`
	Role         string `json:"role"`
	EmailAddress string `json:"emailAddress"`
	Domain       string `json:"domain"`
	DisplayName  string `json:"displayName"`
}

type permissionsResponse struct {
	Permissions []permissionJSON `json:"permissions"`
}

// ListPage fetches one listing page
func (c *Client) ListPage(ctx context.Context, cursor string, pageSize int) (*audit.Page, error) {
	params := url.Values{}
	params.Set("pageSize", strconv.Itoa(pageSize))
	if cursor != "" {
		params.Set("pageToken", cursor)
	}

	var resp listResponse
	if err := c.get(ctx, "/files?"+params.Encode(), &resp); err != nil {
		return nil, errors.Wrap(errors.ErrFetchFailed, err.Error())
	}

	page := &audit.Page{
		Items:      make([]audit.Item, 0, len(resp.Files)),
		NextCursor: resp.NextPageToken,
	}
	for _, f := range resp.Files {
		page.Items = append(page.Items, audit.Item{
			ID:         f.ID,
			Name:       f.Name,
			Owner:      f.Owner,
			Type:       f.MimeType,
			CreatedAt:  parseTime(f.CreatedAt),
			ModifiedAt: parseTime(f.ModifiedAt),
			SizeBytes:  f.Size,
			Link:       f.Link,
		})
	}
	return page, nil
}

// ListPermissions fetches the grants on one file
func (c *Client) ListPermissions(ctx context.Context, itemID string) ([]audit.PermissionEntry, error) {
	var resp permissionsResponse
	path := fmt.Sprintf("/files/%s/permissions", url.PathEscape(itemID))
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, errors.Wrap(errors.ErrPermissionFetch, err.Error())
	}

	perms := make([]audit.PermissionEntry, 0, len(resp.Permissions))
	for _, p := range resp.Permissions {
		perms = append(perms, audit.PermissionEntry{
			Type:        p.Type,
			Role:        p.Role,
			Principal:   p.EmailAddress,
			Domain:      p.Domain,
			DisplayName: p.DisplayName,
		})
	}
	return perms, nil
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return errors.Newf("GET %s: status %d: %s", path, resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "decode GET %s", path)
	}
	return nil
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
