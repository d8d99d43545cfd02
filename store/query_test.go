package store

import (
	"errors"
	"testing"
	"time"
)

func TestCompare(t *testing.T) {
	t0 := time.Unix(100, 0)
	tests := []struct {
		a, b any
		want int
	}{
		{int64(1), int64(2), -1},
		{int64(2), 2.0, 0},
		{int32(3), uint64(2), 1},
		{1.5, int64(1), 1},
		{"a", "b", -1},
		{false, true, -1},
		{t0, t0.Add(time.Second), -1},
		{[]byte("b"), []byte("a"), 1},
	}
	for _, tt := range tests {
		if got := Compare(tt.a, tt.b); got != tt.want {
			t.Errorf("Compare(%v, %v) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestMatch(t *testing.T) {
	rec := Record{"name": "Widget", "qty": int64(5), "note": nil}
	tests := []struct {
		cond Condition
		want bool
	}{
		{Condition{"name", Exact, "Widget"}, true},
		{Condition{"name", IExact, "widget"}, true},
		{Condition{"name", Contains, "dge"}, true},
		{Condition{"name", Contains, "DGE"}, false},
		{Condition{"name", IContains, "DGE"}, true},
		{Condition{"name", StartsWith, "Wid"}, true},
		{Condition{"qty", GT, int64(4)}, true},
		{Condition{"qty", GTE, 5.0}, true},
		{Condition{"qty", LT, int64(5)}, false},
		{Condition{"qty", LTE, int64(5)}, true},
		{Condition{"qty", In, []any{int64(1), int64(5)}}, true},
		{Condition{"note", IsNull, true}, true},
		{Condition{"name", IsNull, true}, false},
		{Condition{"note", Exact, "x"}, false},
		{Condition{"missing", Exact, "x"}, false},
	}
	for _, tt := range tests {
		if got := Match(rec, Query{Where: []Condition{tt.cond}}); got != tt.want {
			t.Errorf("Match(%+v) = %v, want %v", tt.cond, got, tt.want)
		}
	}
}

func TestSort_Nulls(t *testing.T) {
	recs := []Record{{"v": nil, "k": "n"}, {"v": int64(2), "k": "b"}, {"v": int64(1), "k": "a"}}
	Sort(recs, []Order{{Field: "v"}})
	if recs[0]["k"] != "a" || recs[1]["k"] != "b" || recs[2]["k"] != "n" {
		t.Errorf("ascending = %v", recs)
	}
	Sort(recs, []Order{{Field: "v", Desc: true}})
	if recs[0]["k"] != "n" || recs[1]["k"] != "b" {
		t.Errorf("descending = %v", recs)
	}
}

func TestWindow(t *testing.T) {
	recs := []Record{{"i": 0}, {"i": 1}, {"i": 2}}
	if got := Window(recs, 1, 0); len(got) != 2 {
		t.Errorf("offset only = %v", got)
	}
	if got := Window(recs, 0, 2); len(got) != 2 {
		t.Errorf("limit only = %v", got)
	}
	if got := Window(recs, 5, 1); got != nil {
		t.Errorf("past end = %v", got)
	}
}

func TestParseOp(t *testing.T) {
	if op, ok := ParseOp("icontains"); !ok || op != IContains {
		t.Errorf("ParseOp(icontains) = %v, %v", op, ok)
	}
	if _, ok := ParseOp("regex"); ok {
		t.Error("unknown op accepted")
	}
}

func TestTransient(t *testing.T) {
	base := errors.New("database is locked")
	err := Transient(base)
	if !errors.Is(err, ErrTransient) || !errors.Is(err, base) {
		t.Errorf("Transient(%v) does not wrap both", base)
	}
	if err.Error() != base.Error() {
		t.Errorf("message = %q", err.Error())
	}
	if Transient(nil) != nil {
		t.Error("Transient(nil) != nil")
	}
}

func TestQueryFilterDoesNotAlias(t *testing.T) {
	base := Query{Where: make([]Condition, 1, 4)}
	a := base.Filter(Condition{Field: "a"})
	b := base.Filter(Condition{Field: "b"})
	if a.Where[1].Field != "a" || b.Where[1].Field != "b" {
		t.Errorf("Filter aliased: %v %v", a.Where, b.Where)
	}
}
