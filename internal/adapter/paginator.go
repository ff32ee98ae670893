package adapter

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/PaesslerAG/jsonpath"
)

// CursorPaginator follows an opaque next-page cursor read from each response
// at NextPath. Iteration ends when the field is missing, null or empty.
type CursorPaginator struct {
	NextPath string
}

// Next extracts the cursor from a page body
func (p CursorPaginator) Next(body []byte) (string, error) {
	var doc interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return "", fmt.Errorf("decode page: %w", err)
	}

	val, err := jsonpath.Get(p.NextPath, doc)
	if err != nil {
		// unknown key: no further pages
		return "", nil
	}
	if list, ok := val.([]interface{}); ok {
		if len(list) == 0 {
			return "", nil
		}
		val = list[0]
	}

	switch v := val.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case float64:
		return fmt.Sprintf("%.0f", v), nil
	default:
		return "", fmt.Errorf("cursor at %s is %T, want string", p.NextPath, val)
	}
}

// CollectCursor fetches pages starting at first until no cursor is returned.
// Any page failure fails the whole collection.
func CollectCursor[T any](
	ctx context.Context,
	p CursorPaginator,
	first string,
	fetch func(ctx context.Context, cursor string) ([]byte, error),
	decode func(body []byte) ([]T, error),
) ([]T, error) {
	var all []T
	seen := map[string]bool{}

	cursor := first
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		seen[cursor] = true

		body, err := fetch(ctx, cursor)
		if err != nil {
			return nil, err
		}
		items, err := decode(body)
		if err != nil {
			return nil, err
		}
		all = append(all, items...)

		next, err := p.Next(body)
		if err != nil {
			return nil, err
		}
		if next == "" {
			return all, nil
		}
		if seen[next] {
			return nil, fmt.Errorf("cursor %q repeated", next)
		}
		cursor = next
	}
}

// PagePaginator walks numbered pages. Iteration ends on a short page or once
// the reported total has been collected.
type PagePaginator struct {
	PageSize int
	// Start is the first page number, 1 when zero
	Start int
}

// CollectPages fetches pages until a termination condition holds. fetch
// returns the rows of one page and the provider-reported total (0 if unknown).
// Any page failure fails the whole collection.
func CollectPages[T any](
	ctx context.Context,
	p PagePaginator,
	fetch func(ctx context.Context, page, size int) (rows []T, total int, err error),
) ([]T, error) {
	if p.PageSize <= 0 {
		return nil, fmt.Errorf("page size must be positive")
	}
	page := p.Start
	if page == 0 {
		page = 1
	}

	var all []T
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		rows, total, err := fetch(ctx, page, p.PageSize)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", page, err)
		}
		all = append(all, rows...)

		if len(rows) < p.PageSize {
			return all, nil
		}
		if total > 0 && len(all) >= total {
			return all, nil
		}
		page++
	}
}
