package modelrpc

import (
	"context"
	"encoding/base64"
	"net/url"
	"strconv"
	"strings"

	"github.com/gorilla/schema"

	"github.com/broady/modelrpc/store"
)

var pageDecoder = schema.NewDecoder()

func init() {
	pageDecoder.IgnoreUnknownKeys(true)
}

// PageRequest is the decoded "pagination" metadata, e.g.
// "page=2&page_size=10" or "cursor=b2Zmc2V0PTIw".
type PageRequest struct {
	Page     int    `schema:"page"`
	PageSize int    `schema:"page_size"`
	Cursor   string `schema:"cursor"`
}

// ParsePageRequest decodes the pagination metadata of md.
func ParsePageRequest(md Metadata) (PageRequest, error) {
	var req PageRequest
	raw := md.Get(MetaPagination)
	if raw == "" {
		return req, nil
	}
	vals, err := url.ParseQuery(raw)
	if err != nil {
		return req, Errorf(CodeInvalidArgument, "malformed pagination: %v", err)
	}
	if err := pageDecoder.Decode(&req, vals); err != nil {
		return req, Errorf(CodeInvalidArgument, "malformed pagination: %v", err)
	}
	if req.Page < 0 || req.PageSize < 0 {
		return req, NewError(CodeInvalidArgument, "page and page_size must not be negative")
	}
	return req, nil
}

// Page is one window of a List result. Next and Previous are pagination
// metadata values that select the neighboring pages, empty at the ends.
type Page struct {
	Results  []store.Record
	Count    *int
	Next     string
	Previous string
}

// Paginator selects one page of a query.
type Paginator interface {
	Paginate(ctx context.Context, st store.Store, q store.Query, req PageRequest, size int) (*Page, error)
}

// PageNumberPaginator pages by 1-based page number and reports the total
// count. Requesting a page past the end is NOT_FOUND.
type PageNumberPaginator struct{}

func (PageNumberPaginator) Paginate(ctx context.Context, st store.Store, q store.Query, req PageRequest, size int) (*Page, error) {
	page := req.Page
	if page == 0 {
		page = 1
	}
	count, err := st.Count(ctx, q)
	if err != nil {
		return nil, err
	}
	offset := (page - 1) * size
	if page > 1 && offset >= count {
		return nil, Errorf(CodeNotFound, "invalid page %d", page)
	}
	q.Offset, q.Limit = offset, size
	recs, err := st.List(ctx, q)
	if err != nil {
		return nil, err
	}
	p := &Page{Results: recs, Count: &count}
	if offset+size < count {
		p.Next = pageQuery("page", strconv.Itoa(page+1), req.PageSize)
	}
	if page > 1 {
		p.Previous = pageQuery("page", strconv.Itoa(page-1), req.PageSize)
	}
	return p, nil
}

// CursorPaginator pages with opaque cursors and does not count.
type CursorPaginator struct{}

func (CursorPaginator) Paginate(ctx context.Context, st store.Store, q store.Query, req PageRequest, size int) (*Page, error) {
	offset, err := decodeCursor(req.Cursor)
	if err != nil {
		return nil, err
	}
	q.Offset, q.Limit = offset, size+1
	recs, err := st.List(ctx, q)
	if err != nil {
		return nil, err
	}
	p := &Page{Results: recs}
	if len(recs) > size {
		p.Results = recs[:size]
		p.Next = pageQuery("cursor", encodeCursor(offset+size), req.PageSize)
	}
	if offset > 0 {
		p.Previous = pageQuery("cursor", encodeCursor(max(offset-size, 0)), req.PageSize)
	}
	return p, nil
}

func encodeCursor(offset int) string {
	return base64.RawURLEncoding.EncodeToString([]byte("o=" + strconv.Itoa(offset)))
}

func decodeCursor(c string) (int, error) {
	if c == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(c)
	if err != nil {
		return 0, NewError(CodeInvalidArgument, "invalid cursor")
	}
	n, err := strconv.Atoi(strings.TrimPrefix(string(raw), "o="))
	if err != nil || n < 0 || !strings.HasPrefix(string(raw), "o=") {
		return 0, NewError(CodeInvalidArgument, "invalid cursor")
	}
	return n, nil
}

func pageQuery(key, value string, pageSize int) string {
	v := url.Values{key: {value}}
	if pageSize > 0 {
		v.Set("page_size", strconv.Itoa(pageSize))
	}
	return v.Encode()
}

// pageSize applies the configured default and upper bound.
func (a *App) pageSize(requested int) int {
	size := requested
	if size <= 0 {
		size = a.settings.PageSize
	}
	return min(size, a.settings.MaxPageSize)
}
