// Package pagination reads limit/offset query parameters and builds the
// envelope returned by listing endpoints.
package pagination

import (
	"net/url"
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Params is one page of a listing.
type Params struct {
	Limit  int
	Offset int
}

// FromContext reads ?limit= and ?offset=. Missing, malformed or negative
// values fall back to the defaults and limit is capped at MaxLimit.
func FromContext(c echo.Context) Params {
	p := Params{Limit: DefaultLimit}
	if n, err := strconv.Atoi(c.QueryParam("limit")); err == nil && n > 0 {
		p.Limit = min(n, MaxLimit)
	}
	if n, err := strconv.Atoi(c.QueryParam("offset")); err == nil && n > 0 {
		p.Offset = n
	}
	return p
}

// HasNext reports whether rows remain after this page.
func (p Params) HasNext(total int) bool {
	return p.Offset+p.Limit < total
}

// HasPrevious reports whether this is not the first page.
func (p Params) HasPrevious() bool {
	return p.Offset > 0
}

// Link is one navigation entry of a paginated response.
type Link struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

// Links returns self, next and previous links relative to base. Query
// parameters already on base other than limit and offset are preserved.
func (p Params) Links(base *url.URL, total int) []Link {
	at := func(rel string, offset int) Link {
		u := *base
		q := u.Query()
		q.Set("limit", strconv.Itoa(p.Limit))
		q.Set("offset", strconv.Itoa(offset))
		u.RawQuery = q.Encode()
		u.Scheme, u.Host = "", ""
		return Link{Relation: rel, URL: u.String()}
	}

	links := []Link{at("self", p.Offset)}
	if p.HasNext(total) {
		links = append(links, at("next", p.Offset+p.Limit))
	}
	if p.HasPrevious() {
		links = append(links, at("previous", max(p.Offset-p.Limit, 0)))
	}
	return links
}

// Response is the envelope of a listing.
type Response struct {
	Data    any    `json:"data"`
	Total   int    `json:"total"`
	Limit   int    `json:"limit"`
	Offset  int    `json:"offset"`
	HasMore bool   `json:"has_more"`
	Links   []Link `json:"links,omitempty"`
}

// NewResponse wraps one page of data. base, when non-nil, is the request URL
// used for navigation links.
func NewResponse(data any, total int, p Params, base *url.URL) *Response {
	r := &Response{
		Data:    data,
		Total:   total,
		Limit:   p.Limit,
		Offset:  p.Offset,
		HasMore: p.HasNext(total),
	}
	if base != nil {
		r.Links = p.Links(base, total)
	}
	return r
}
