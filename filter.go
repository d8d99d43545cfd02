package modelrpc

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/broady/modelrpc/descriptor"
	"github.com/broady/modelrpc/serializer"
	"github.com/broady/modelrpc/store"
)

// FilterBackend narrows a List query. Backends run in order, each
// receiving the query produced by the previous one. An error fails the
// call with INVALID_ARGUMENT unless it already is an *Error.
type FilterBackend interface {
	FilterQuery(rc *RequestContext, q store.Query, svc *Service) (store.Query, error)
}

// FilterBackendFunc adapts a function to FilterBackend.
type FilterBackendFunc func(rc *RequestContext, q store.Query, svc *Service) (store.Query, error)

func (f FilterBackendFunc) FilterQuery(rc *RequestContext, q store.Query, svc *Service) (store.Query, error) {
	return f(rc, q, svc)
}

// Filters parses the "filters" metadata. Each value is a query string such
// as "status=PUBLISHED&pages__gte=100"; later values win.
func Filters(md Metadata) (url.Values, error) {
	out := url.Values{}
	for _, raw := range md.Values(MetaFilters) {
		vs, err := url.ParseQuery(raw)
		if err != nil {
			return nil, Errorf(CodeInvalidArgument, "malformed filters: %v", err)
		}
		for k, v := range vs {
			out[k] = v
		}
	}
	return out, nil
}

// FieldFilter matches the entity's filter fields. A key is a field name,
// optionally followed by "__" and an operator: "pages__gte=100". Keys that
// name no filter field are ignored.
type FieldFilter struct{}

func (FieldFilter) FilterQuery(rc *RequestContext, q store.Query, svc *Service) (store.Query, error) {
	e := q.Entity
	if len(e.Meta.FilterFields) == 0 {
		return q, nil
	}
	vals, err := Filters(rc.Metadata())
	if err != nil {
		return q, err
	}
	allowed := make(map[string]bool, len(e.Meta.FilterFields))
	for _, name := range e.Meta.FilterFields {
		allowed[name] = true
	}

	keys := make([]string, 0, len(vals))
	for k := range vals {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var violations []Violation
	for _, key := range keys {
		name, opName, hasOp := strings.Cut(key, "__")
		op := store.Exact
		if hasOp {
			var ok bool
			if op, ok = store.ParseOp(opName); !ok {
				continue
			}
		}
		f, ok := e.Field(name)
		if !allowed[name] || !ok {
			continue
		}
		raw := vals[key][len(vals[key])-1]
		v, err := filterValue(svc.app.registry, f, op, raw)
		if err != nil {
			violations = append(violations, Violation{Path: key, Code: serializer.CodeInvalid, Message: err.Error()})
			continue
		}
		q = q.Filter(store.Condition{Field: name, Op: op, Value: v})
	}
	if len(violations) > 0 {
		return q, ValidationFailed(violations...)
	}
	return q, nil
}

func filterValue(reg *descriptor.Registry, f *descriptor.Field, op store.Op, raw string) (any, error) {
	switch op {
	case store.IsNull:
		return strconv.ParseBool(raw)
	case store.In:
		parts := strings.Split(raw, ",")
		out := make([]any, len(parts))
		for i, p := range parts {
			v, err := scalarFilterValue(reg, f, strings.TrimSpace(p))
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case store.Contains, store.IContains, store.StartsWith, store.IExact:
		return raw, nil
	}
	return scalarFilterValue(reg, f, raw)
}

// scalarFilterValue converts a filter string to the stored representation
// of f.
func scalarFilterValue(reg *descriptor.Registry, f *descriptor.Field, raw string) (any, error) {
	t := f.Type
	if f.Relation != nil {
		target, ok := reg.Lookup(f.Relation.Target)
		if !ok {
			return nil, fmt.Errorf("unknown relation target %s", f.Relation.Target)
		}
		t = target.PrimaryKey().Type
	}
	if len(f.Choices) > 0 {
		if c, ok := f.ChoiceFor(raw); ok {
			return c.Wire, nil
		}
		return nil, fmt.Errorf("%q is not a valid choice", raw)
	}
	var v any = raw
	switch {
	case t.IsInteger():
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not an integer", raw)
		}
		v = n
	case t == descriptor.Float || t == descriptor.Double:
		n, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not a number", raw)
		}
		v = n
	case t == descriptor.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("%q is not a boolean", raw)
		}
		v = b
	}
	return serializer.Normalize(t, v)
}

// SearchFilter matches the "search" filter term against the entity's
// search fields, ignoring case.
type SearchFilter struct{}

// SearchParam is the filter key read by SearchFilter.
const SearchParam = "search"

func (SearchFilter) FilterQuery(rc *RequestContext, q store.Query, _ *Service) (store.Query, error) {
	fields := q.Entity.Meta.SearchFields
	if len(fields) == 0 {
		return q, nil
	}
	vals, err := Filters(rc.Metadata())
	if err != nil {
		return q, err
	}
	term := strings.TrimSpace(vals.Get(SearchParam))
	if term == "" {
		return q, nil
	}
	q.Search = &store.Search{Fields: append([]string(nil), fields...), Term: term}
	return q, nil
}

// ParseOrdering reads ordering metadata in any of its forms: a comma
// separated string ("-created_at,title"), repeated values, or a JSON array
// (`["-created_at","title"]`).
func ParseOrdering(values []string) []string {
	var out []string
	for _, v := range values {
		v = strings.TrimSpace(v)
		if strings.HasPrefix(v, "[") {
			var arr []string
			if err := json.Unmarshal([]byte(v), &arr); err == nil {
				for _, s := range arr {
					if s = strings.TrimSpace(s); s != "" {
						out = append(out, s)
					}
				}
				continue
			}
		}
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

// Ordering resolves requested sort keys against e. Unknown or
// non-orderable names are dropped. When nothing valid remains the
// entity's default ordering applies. The primary key always ends the list
// so that pages are stable.
func Ordering(e *descriptor.Entity, requested []string) []store.Order {
	orders := validOrders(e, requested)
	if len(orders) == 0 {
		orders = validOrders(e, e.Meta.Ordering)
	}
	pk := e.PrimaryKey().Name
	for _, o := range orders {
		if o.Field == pk {
			return orders
		}
	}
	return append(orders, store.Order{Field: pk})
}

func validOrders(e *descriptor.Entity, names []string) []store.Order {
	var out []store.Order
	seen := make(map[string]bool)
	for _, n := range names {
		desc := strings.HasPrefix(n, "-")
		name := strings.TrimPrefix(n, "-")
		if seen[name] || !e.Orderable(name) {
			continue
		}
		f, _ := e.Field(name)
		if f == nil || (f.Relation != nil && f.Relation.Kind.Many()) {
			continue
		}
		seen[name] = true
		out = append(out, store.Order{Field: name, Desc: desc})
	}
	return out
}
