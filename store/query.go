package store

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/broady/modelrpc/descriptor"
)

// Op is a comparison operator of a Condition.
type Op string

const (
	Exact      Op = "exact"
	IExact     Op = "iexact"
	Contains   Op = "contains"
	IContains  Op = "icontains"
	StartsWith Op = "startswith"
	GT         Op = "gt"
	GTE        Op = "gte"
	LT         Op = "lt"
	LTE        Op = "lte"
	In         Op = "in"
	IsNull     Op = "isnull"
)

// ParseOp returns the operator named s.
func ParseOp(s string) (Op, bool) {
	switch op := Op(s); op {
	case Exact, IExact, Contains, IContains, StartsWith, GT, GTE, LT, LTE, In, IsNull:
		return op, true
	}
	return "", false
}

// Condition restricts a query to records whose Field satisfies Op Value.
// For In, Value is a []any. For IsNull, Value is a bool.
type Condition struct {
	Field string
	Op    Op
	Value any
}

// Order is one sort key.
type Order struct {
	Field string
	Desc  bool
}

func (o Order) String() string {
	if o.Desc {
		return "-" + o.Field
	}
	return o.Field
}

// Search matches records where any of Fields contains Term, ignoring case.
type Search struct {
	Fields []string
	Term   string
}

// Query selects records of one entity. Conditions are combined with AND.
// Limit zero means no limit.
type Query struct {
	Entity  *descriptor.Entity
	Where   []Condition
	Search  *Search
	OrderBy []Order
	Offset  int
	Limit   int
}

// Filter returns a copy of q with c appended to Where.
func (q Query) Filter(c Condition) Query {
	q.Where = append(q.Where[:len(q.Where):len(q.Where)], c)
	return q
}

// Match reports whether rec satisfies every condition and the search of q.
func Match(rec Record, q Query) bool {
	for _, c := range q.Where {
		if !matchCondition(rec[c.Field], c) {
			return false
		}
	}
	if s := q.Search; s != nil && s.Term != "" {
		term := strings.ToLower(s.Term)
		found := false
		for _, f := range s.Fields {
			if v, ok := rec[f]; ok && v != nil && strings.Contains(strings.ToLower(fmt.Sprint(v)), term) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func matchCondition(v any, c Condition) bool {
	if c.Op == IsNull {
		want, _ := c.Value.(bool)
		return (v == nil) == want
	}
	if v == nil {
		return false
	}
	switch c.Op {
	case Exact, "":
		return Compare(v, c.Value) == 0
	case IExact:
		return strings.EqualFold(fmt.Sprint(v), fmt.Sprint(c.Value))
	case Contains:
		return strings.Contains(fmt.Sprint(v), fmt.Sprint(c.Value))
	case IContains:
		return strings.Contains(strings.ToLower(fmt.Sprint(v)), strings.ToLower(fmt.Sprint(c.Value)))
	case StartsWith:
		return strings.HasPrefix(fmt.Sprint(v), fmt.Sprint(c.Value))
	case GT:
		return Compare(v, c.Value) > 0
	case GTE:
		return Compare(v, c.Value) >= 0
	case LT:
		return Compare(v, c.Value) < 0
	case LTE:
		return Compare(v, c.Value) <= 0
	case In:
		vals, _ := c.Value.([]any)
		for _, x := range vals {
			if Compare(v, x) == 0 {
				return true
			}
		}
	}
	return false
}

// Sort orders recs in place by orders. Nulls sort last in ascending order
// and first in descending order. The sort is stable.
func Sort(recs []Record, orders []Order) {
	if len(orders) == 0 {
		return
	}
	sort.SliceStable(recs, func(i, j int) bool {
		for _, o := range orders {
			c := compareNullsLast(recs[i][o.Field], recs[j][o.Field])
			if o.Desc {
				c = -c
			}
			if c != 0 {
				return c < 0
			}
		}
		return false
	})
}

func compareNullsLast(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	}
	return Compare(a, b)
}

// Window returns the slice of recs selected by offset and limit.
func Window(recs []Record, offset, limit int) []Record {
	if offset >= len(recs) {
		return nil
	}
	if offset > 0 {
		recs = recs[offset:]
	}
	if limit > 0 && limit < len(recs) {
		recs = recs[:limit]
	}
	return recs
}

// Apply filters, sorts and windows recs according to q.
func Apply(recs []Record, q Query) []Record {
	var out []Record
	for _, r := range recs {
		if Match(r, q) {
			out = append(out, r)
		}
	}
	Sort(out, q.OrderBy)
	return Window(out, q.Offset, q.Limit)
}

// Compare orders two non-nil values. Numbers compare numerically across
// integer and float types, times chronologically and everything else by
// its string form.
func Compare(a, b any) int {
	if x, ok := AsFloat(a); ok {
		if y, ok := AsFloat(b); ok {
			if ix, ok := AsInt64(a); ok {
				if iy, ok := AsInt64(b); ok {
					return cmp3(ix < iy, ix > iy)
				}
			}
			return cmp3(x < y, x > y)
		}
	}
	switch x := a.(type) {
	case time.Time:
		if y, ok := b.(time.Time); ok {
			return x.Compare(y)
		}
	case bool:
		if y, ok := b.(bool); ok {
			return cmp3(!x && y, x && !y)
		}
	case []byte:
		if y, ok := b.([]byte); ok {
			return bytes.Compare(x, y)
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func cmp3(less, greater bool) int {
	switch {
	case less:
		return -1
	case greater:
		return 1
	}
	return 0
}

// AsInt64 converts any signed or small unsigned integer to int64.
func AsInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int:
		return int64(x), true
	case int8:
		return int64(x), true
	case int16:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case uint8:
		return int64(x), true
	case uint16:
		return int64(x), true
	case uint32:
		return int64(x), true
	case uint64:
		if x <= 1<<63-1 {
			return int64(x), true
		}
	case float64:
		if x == float64(int64(x)) {
			return int64(x), true
		}
	}
	return 0, false
}

// AsFloat converts any numeric value to float64.
func AsFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case uint64:
		return float64(x), true
	}
	if n, ok := AsInt64(v); ok {
		return float64(n), true
	}
	return 0, false
}
