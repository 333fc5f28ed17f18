package pagination

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 100
)

var ErrInvalidPageSize = errors.New("pagination: invalid pageSize")

// Limits bound the page size a list endpoint accepts. Zero fields take the package defaults.
type Limits struct {
	Default int
	Max     int
}

func (l Limits) normalise() Limits {
	if l.Max <= 0 {
		l.Max = MaxPageSize
	}
	if l.Default <= 0 {
		l.Default = DefaultPageSize
	}
	l.Default = min(l.Default, l.Max)
	return l
}

// Request is a validated page request. Oversized pages are clamped rather than rejected.
type Request struct {
	Size   int
	Token  string
	Cursor Cursor
}

// ReadQuery pulls pageSize and pageToken out of query values.
func ReadQuery(values url.Values, limits Limits) (Request, error) {
	limits = limits.normalise()
	req := Request{Size: limits.Default}

	if raw := strings.TrimSpace(values.Get("pageSize")); raw != "" {
		size, err := strconv.Atoi(raw)
		if err != nil || size <= 0 {
			return Request{}, fmt.Errorf("%w: %q", ErrInvalidPageSize, raw)
		}
		req.Size = min(size, limits.Max)
	}

	if raw := strings.TrimSpace(values.Get("pageToken")); raw != "" {
		cursor, err := ParseToken(raw)
		if err != nil {
			return Request{}, err
		}
		req.Token = raw
		req.Cursor = cursor
	}
	return req, nil
}

// Split trims a result fetched with limit size+1 to size items and returns the token of the
// following page, or "" when items held no more than size entries.
func Split[T any](items []T, size int, position func(T) Cursor) ([]T, string) {
	if size <= 0 || len(items) <= size {
		return items, ""
	}
	items = items[:size]
	return items, position(items[size-1]).Token()
}
