// Package pagination reads limit/offset query parameters and shapes list
// responses.
package pagination

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

type Params struct {
	Limit  int
	Offset int
}

// Parse accepts limit and offset, or page_size and a 1-based page. Missing
// values take defaults and limit is capped at MaxLimit. Values that are not
// non-negative integers are rejected with 400.
func Parse(c echo.Context) (Params, error) {
	limit, err := intParam(c, "limit", "page_size")
	if err != nil {
		return Params{}, err
	}
	offset, err := intParam(c, "offset")
	if err != nil {
		return Params{}, err
	}
	page, err := intParam(c, "page")
	if err != nil {
		return Params{}, err
	}

	switch {
	case limit == 0:
		limit = DefaultLimit
	case limit > MaxLimit:
		limit = MaxLimit
	}
	if offset == 0 && page > 1 {
		offset = (page - 1) * limit
	}
	return Params{Limit: limit, Offset: offset}, nil
}

// intParam returns the first of names that is present, or 0.
func intParam(c echo.Context, names ...string) (int, error) {
	for _, name := range names {
		raw := c.QueryParam(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return 0, echo.NewHTTPError(http.StatusBadRequest, name+" must be a non-negative integer")
		}
		return n, nil
	}
	return 0, nil
}

// Page is one slice of a list plus what the client needs to fetch the next.
type Page[T any] struct {
	Data       []T  `json:"data"`
	Total      int  `json:"total"`
	Limit      int  `json:"limit"`
	Offset     int  `json:"offset"`
	HasMore    bool `json:"has_more"`
	NextOffset *int `json:"next_offset,omitempty"`
}

func NewPage[T any](items []T, total int, p Params) Page[T] {
	if items == nil {
		items = []T{}
	}
	page := Page[T]{Data: items, Total: total, Limit: p.Limit, Offset: p.Offset}
	if next := p.Offset + p.Limit; next < total {
		page.HasMore = true
		page.NextOffset = &next
	}
	return page
}
