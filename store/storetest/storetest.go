// Package storetest checks store.Store implementations against the
// persistence contract.
package storetest

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/broady/modelrpc/descriptor"
	"github.com/broady/modelrpc/store"
)

// Entities used by the suite.
var (
	Item = &descriptor.Entity{
		Name: "Item",
		Fields: []descriptor.Field{
			{Name: "id", Type: descriptor.Int64, PrimaryKey: true},
			{Name: "name", Type: descriptor.String},
			{Name: "qty", Type: descriptor.Int32},
			{Name: "note", Type: descriptor.String, Nullable: true},
		},
	}
	Token = &descriptor.Entity{
		Name: "Token",
		Fields: []descriptor.Field{
			{Name: "id", Type: descriptor.UUID, PrimaryKey: true},
			{Name: "label", Type: descriptor.String},
		},
	}
	Slug = &descriptor.Entity{
		Name: "Slug",
		Fields: []descriptor.Field{
			{Name: "slug", Type: descriptor.String, PrimaryKey: true, ClientAssigned: true},
		},
	}
)

// Run runs the contract suite. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("InsertAssignsKeys", func(t *testing.T) { testInsertAssignsKeys(t, newStore(t)) })
	t.Run("GetUpdateDelete", func(t *testing.T) { testGetUpdateDelete(t, newStore(t)) })
	t.Run("ListQuery", func(t *testing.T) { testListQuery(t, newStore(t)) })
	t.Run("Conflict", func(t *testing.T) { testConflict(t, newStore(t)) })
	t.Run("Cancelled", func(t *testing.T) { testCancelled(t, newStore(t)) })
}

func testInsertAssignsKeys(t *testing.T, s store.Store) {
	ctx := context.Background()
	a, err := s.Insert(ctx, Item, store.Record{"name": "a", "qty": int64(1)})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	b, err := s.Insert(ctx, Item, store.Record{"name": "b", "qty": int64(2)})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if a["id"] != int64(1) || b["id"] != int64(2) {
		t.Errorf("sequence keys = %v, %v, want 1, 2", a["id"], b["id"])
	}

	tok, err := s.Insert(ctx, Token, store.Record{"label": "x"})
	if err != nil {
		t.Fatalf("Insert token: %v", err)
	}
	if _, err := uuid.Parse(tok["id"].(string)); err != nil {
		t.Errorf("uuid key %v: %v", tok["id"], err)
	}

	if _, err := s.Insert(ctx, Slug, store.Record{}); err == nil {
		t.Error("missing client-assigned key accepted")
	}
	if _, err := s.Insert(ctx, Slug, store.Record{"slug": "home"}); err != nil {
		t.Errorf("client-assigned insert: %v", err)
	}
}

func testGetUpdateDelete(t *testing.T, s store.Store) {
	ctx := context.Background()
	rec, err := s.Insert(ctx, Item, store.Record{"name": "a", "qty": int64(5), "note": nil})
	if err != nil {
		t.Fatal(err)
	}
	pk := rec["id"]

	got, err := s.Get(ctx, Item, pk)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got["name"] != "a" || got["qty"] != int64(5) || got["note"] != nil {
		t.Errorf("Get = %v", got)
	}

	got["name"] = "mutated"
	again, _ := s.Get(ctx, Item, pk)
	if again["name"] != "a" {
		t.Error("Get returned a record aliasing stored state")
	}

	if _, err := s.Update(ctx, Item, pk, store.Record{"name": "b", "qty": int64(5)}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, _ = s.Get(ctx, Item, pk)
	if got["name"] != "b" || got["id"] != pk {
		t.Errorf("after Update = %v", got)
	}

	if _, err := s.Update(ctx, Item, int64(999), store.Record{"name": "x"}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Update(missing) = %v, want ErrNotFound", err)
	}

	if err := s.Delete(ctx, Item, pk); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, Item, pk); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Get after Delete = %v, want ErrNotFound", err)
	}
	if err := s.Delete(ctx, Item, pk); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("second Delete = %v, want ErrNotFound", err)
	}
}

func testListQuery(t *testing.T, s store.Store) {
	ctx := context.Background()
	for _, r := range []store.Record{
		{"name": "pear", "qty": int64(3)},
		{"name": "apple", "qty": int64(10)},
		{"name": "banana", "qty": int64(3), "note": "ripe"},
		{"name": "cherry", "qty": int64(0)},
	} {
		if _, err := s.Insert(ctx, Item, r); err != nil {
			t.Fatal(err)
		}
	}

	names := func(recs []store.Record) []string {
		var out []string
		for _, r := range recs {
			out = append(out, r["name"].(string))
		}
		return out
	}
	equal := func(a, b []string) bool {
		if len(a) != len(b) {
			return false
		}
		for i := range a {
			if a[i] != b[i] {
				return false
			}
		}
		return true
	}

	tests := []struct {
		name  string
		query store.Query
		want  []string
		count int
	}{
		{
			name:  "insertion order",
			query: store.Query{Entity: Item},
			want:  []string{"pear", "apple", "banana", "cherry"},
			count: 4,
		},
		{
			name:  "multi-key ordering",
			query: store.Query{Entity: Item, OrderBy: []store.Order{{Field: "qty", Desc: true}, {Field: "name"}}},
			want:  []string{"apple", "banana", "pear", "cherry"},
			count: 4,
		},
		{
			name:  "condition",
			query: store.Query{Entity: Item, Where: []store.Condition{{Field: "qty", Op: store.Exact, Value: int64(3)}}},
			want:  []string{"pear", "banana"},
			count: 2,
		},
		{
			name:  "search",
			query: store.Query{Entity: Item, Search: &store.Search{Fields: []string{"name", "note"}, Term: "RIP"}},
			want:  []string{"banana"},
			count: 1,
		},
		{
			name:  "window",
			query: store.Query{Entity: Item, OrderBy: []store.Order{{Field: "name"}}, Offset: 1, Limit: 2},
			want:  []string{"banana", "cherry"},
			count: 4,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recs, err := s.List(ctx, tt.query)
			if err != nil {
				t.Fatal(err)
			}
			if got := names(recs); !equal(got, tt.want) {
				t.Errorf("List = %v, want %v", got, tt.want)
			}
			n, err := s.Count(ctx, tt.query)
			if err != nil {
				t.Fatal(err)
			}
			if n != tt.count {
				t.Errorf("Count = %d, want %d", n, tt.count)
			}
		})
	}
}

func testConflict(t *testing.T, s store.Store) {
	ctx := context.Background()
	if _, err := s.Insert(ctx, Slug, store.Record{"slug": "a"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Insert(ctx, Slug, store.Record{"slug": "a"}); !errors.Is(err, store.ErrConflict) {
		t.Errorf("duplicate Insert = %v, want ErrConflict", err)
	}
}

func testCancelled(t *testing.T, s store.Store) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Get(ctx, Item, int64(1)); !errors.Is(err, context.Canceled) {
		t.Errorf("Get with cancelled context = %v", err)
	}
	if _, err := s.Insert(ctx, Item, store.Record{"name": "x"}); !errors.Is(err, context.Canceled) {
		t.Errorf("Insert with cancelled context = %v", err)
	}
}
