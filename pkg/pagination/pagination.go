package pagination

import (
	"math"
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultPageSize = 20
	// MaxExportRows caps "all pages" reads such as spreadsheet export.
	MaxExportRows = 10000
)

// AllowedPageSizes is the closed set of page sizes a client may request.
var AllowedPageSizes = map[int]bool{10: true, 20: true, 50: true, 100: true}

// Params holds pagination parameters extracted from a request. Page is
// 1-based.
type Params struct {
	Page     int
	PageSize int
}

// maxOffset keeps Offset within what PostgreSQL accepts and far from int
// overflow.
const maxOffset = math.MaxInt32

// New normalises page and pageSize. A page size outside AllowedPageSizes
// becomes DefaultPageSize. A page below 1, or one whose offset would pass
// maxOffset, becomes 1.
func New(page, pageSize int) Params {
	if !AllowedPageSizes[pageSize] {
		pageSize = DefaultPageSize
	}
	if page < 1 || page-1 > maxOffset/pageSize {
		page = 1
	}
	return Params{Page: page, PageSize: pageSize}
}

// FromContext extracts pagination parameters from the echo context. Both
// pageSize and page_size are accepted.
func FromContext(c echo.Context) Params {
	page, _ := strconv.Atoi(c.QueryParam("page"))
	size, err := strconv.Atoi(c.QueryParam("pageSize"))
	if err != nil {
		size, _ = strconv.Atoi(c.QueryParam("page_size"))
	}
	return New(page, size)
}

func (p Params) Limit() int { return p.PageSize }

func (p Params) Offset() int { return (p.Page - 1) * p.PageSize }

// HasNext returns true if there are more results after the current page.
func (p Params) HasNext(total int) bool {
	return p.Offset()+p.PageSize < total
}

// TotalPages returns the number of pages needed for total rows.
func (p Params) TotalPages(total int) int {
	if total <= 0 {
		return 0
	}
	return (total + p.PageSize - 1) / p.PageSize
}

// Response wraps a paginated API response.
type Response struct {
	Items      interface{} `json:"items"`
	TotalCount int         `json:"total_count"`
	Page       int         `json:"page"`
	PageSize   int         `json:"page_size"`
	TotalPages int         `json:"total_pages"`
	HasMore    bool        `json:"has_more"`
}

func NewResponse(items interface{}, total int, p Params) *Response {
	return &Response{
		Items:      items,
		TotalCount: total,
		Page:       p.Page,
		PageSize:   p.PageSize,
		TotalPages: p.TotalPages(total),
		HasMore:    p.HasNext(total),
	}
}
