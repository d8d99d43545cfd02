package modelrpc

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/broady/modelrpc/descriptor"
	"github.com/broady/modelrpc/store"
)

func TestParseOrdering(t *testing.T) {
	tests := []struct {
		name string
		in   []string
		want []string
	}{
		{"empty", nil, nil},
		{"comma separated", []string{"-created_at, title"}, []string{"-created_at", "title"}},
		{"repeated", []string{"-id", "name"}, []string{"-id", "name"}},
		{"json array", []string{`["-id","name"]`}, []string{"-id", "name"}},
		{"blank entries", []string{" ,a,, "}, []string{"a"}},
		{"malformed json falls back", []string{`[oops`}, []string{"[oops"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseOrdering(tt.in))
		})
	}
}

func articleEntity(t *testing.T) *descriptor.Entity {
	t.Helper()
	reg := descriptor.NewRegistry()
	e := &descriptor.Entity{
		Name: "Article",
		Fields: []descriptor.Field{
			{Name: "uuid", Type: descriptor.UUID, PrimaryKey: true},
			{Name: "title", Type: descriptor.String},
			{Name: "created_at", Type: descriptor.Timestamp},
			{Name: "body", Type: descriptor.JSON, Nullable: true},
			{Name: "token", Type: descriptor.String, WriteOnly: true, Nullable: true},
		},
		Meta: descriptor.Meta{Ordering: []string{"title"}},
	}
	require.NoError(t, reg.Register(e))
	return e
}

func TestOrdering(t *testing.T) {
	e := articleEntity(t)

	// "id" is not a field of an entity keyed by uuid and is dropped.
	got := Ordering(e, ParseOrdering([]string{"id,-created_at"}))
	assert.Equal(t, []store.Order{{Field: "created_at", Desc: true}, {Field: "uuid"}}, got)

	got = Ordering(e, ParseOrdering([]string{`["-uuid","title"]`}))
	assert.Equal(t, []store.Order{{Field: "uuid", Desc: true}, {Field: "title"}}, got)

	// Nothing valid remains: the entity's default applies.
	got = Ordering(e, []string{"body", "token", "nope"})
	assert.Equal(t, []store.Order{{Field: "title"}, {Field: "uuid"}}, got)

	// Repeated names keep their first direction.
	got = Ordering(e, []string{"-title", "title"})
	assert.Equal(t, []store.Order{{Field: "title", Desc: true}, {Field: "uuid"}}, got)
}

func TestParsePageRequest(t *testing.T) {
	md := func(v string) Metadata { return Metadata{MetaPagination: {v}} }

	req, err := ParsePageRequest(Metadata{})
	require.NoError(t, err)
	assert.Equal(t, PageRequest{}, req)

	req, err = ParsePageRequest(md("page=2&page_size=10&extra=1"))
	require.NoError(t, err)
	assert.Equal(t, PageRequest{Page: 2, PageSize: 10}, req)

	req, err = ParsePageRequest(md("cursor=abc"))
	require.NoError(t, err)
	assert.Equal(t, "abc", req.Cursor)

	for _, bad := range []string{"page=-1", "page_size=-5", "page=two"} {
		_, err := ParsePageRequest(md(bad))
		var se *Error
		if assert.ErrorAs(t, err, &se, bad) {
			assert.Equal(t, CodeInvalidArgument, se.Code, bad)
		}
	}
}

func TestCursor(t *testing.T) {
	for _, n := range []int{0, 1, 20, 12345} {
		got, err := decodeCursor(encodeCursor(n))
		require.NoError(t, err)
		assert.Equal(t, n, got)
	}

	got, err := decodeCursor("")
	require.NoError(t, err)
	assert.Zero(t, got)

	for _, bad := range []string{
		"!!!",
		base64.RawURLEncoding.EncodeToString([]byte("x=1")),
		base64.RawURLEncoding.EncodeToString([]byte("o=-4")),
		base64.RawURLEncoding.EncodeToString([]byte("o=ten")),
	} {
		_, err := decodeCursor(bad)
		assert.Error(t, err, bad)
	}
}

func TestPageSize(t *testing.T) {
	a := newTestApp(t, nil)
	assert.Equal(t, 100, a.pageSize(0))
	assert.Equal(t, 7, a.pageSize(7))
	assert.Equal(t, 1000, a.pageSize(5000))
}

func TestFiltersMetadata(t *testing.T) {
	vals, err := Filters(Metadata{MetaFilters: {"qty__gte=2&name=a%20b", "search=x"}})
	require.NoError(t, err)
	assert.Equal(t, "2", vals.Get("qty__gte"))
	assert.Equal(t, "a b", vals.Get("name"))
	assert.Equal(t, "x", vals.Get("search"))
}
