package pagination

import (
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Params is one page request. FHIR routes send _count and _offset; the
// JSON API sends limit and offset. Either spelling is accepted everywhere.
type Params struct {
	Limit  int
	Offset int
}

// FromContext reads paging from the query string, clamping the limit to
// [1, MaxLimit] and the offset to >= 0.
func FromContext(c echo.Context) Params {
	p := Params{
		Limit:  firstPositive(c, "_count", "limit"),
		Offset: firstPositive(c, "_offset", "offset"),
	}
	switch {
	case p.Limit <= 0:
		p.Limit = DefaultLimit
	case p.Limit > MaxLimit:
		p.Limit = MaxLimit
	}
	return p
}

func firstPositive(c echo.Context, keys ...string) int {
	for _, k := range keys {
		if n, err := strconv.Atoi(c.QueryParam(k)); err == nil && n > 0 {
			return n
		}
	}
	return 0
}

// Response is the JSON envelope for a page of results.
type Response struct {
	Data    interface{} `json:"data"`
	Total   int         `json:"total"`
	Limit   int         `json:"limit"`
	Offset  int         `json:"offset"`
	HasMore bool        `json:"has_more"`
}

// Wrap puts one page of data in a Response.
func (p Params) Wrap(data interface{}, total int) *Response {
	return &Response{
		Data:    data,
		Total:   total,
		Limit:   p.Limit,
		Offset:  p.Offset,
		HasMore: p.HasNext(total),
	}
}

func (p Params) HasNext(total int) bool { return p.Offset+p.Limit < total }

func (p Params) HasPrevious() bool { return p.Offset > 0 }

func (p Params) NextOffset() int { return p.Offset + p.Limit }

// PreviousOffset is the start of the page before p, never negative.
func (p Params) PreviousOffset() int {
	return max(p.Offset-p.Limit, 0)
}

// Window returns the [start, end) bounds of the page within n in-memory
// items. A zero limit means no limit.
func (p Params) Window(n int) (start, end int) {
	start = min(max(p.Offset, 0), n)
	end = n
	if p.Limit > 0 && start+p.Limit < n {
		end = start + p.Limit
	}
	return start, end
}
