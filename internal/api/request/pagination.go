package request

import (
	"net/http"
	"strconv"
)

// Pagination is the parsed limit/cursor pair of a list request. Cursors are
// entity uuids; a list response's next_cursor is the last uuid of the page.
type Pagination struct {
	Limit  int
	Cursor string
}

const (
	// DefaultLimit keeps unpaginated deployment-log reads at a sane size.
	DefaultLimit = 50
	// MaxLimit caps a page; a node's container list fits well under it.
	MaxLimit = 250
)

// ParsePagination reads limit and cursor from the query string. A missing,
// malformed or non-positive limit falls back to DefaultLimit.
func ParsePagination(r *http.Request) Pagination {
	q := r.URL.Query()
	p := Pagination{
		Limit:  DefaultLimit,
		Cursor: q.Get("cursor"),
	}

	if raw := q.Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			p.Limit = min(n, MaxLimit)
		}
	}

	return p
}
