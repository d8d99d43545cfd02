package store

import (
	"context"
	"sync/atomic"

	"github.com/broady/modelrpc/descriptor"
)

// Counted wraps a Store and counts the operations issued through it.
type Counted struct {
	Store
	n atomic.Int64
}

// NewCounted returns a counting wrapper around s.
func NewCounted(s Store) *Counted { return &Counted{Store: s} }

// Queries returns the number of operations issued so far.
func (c *Counted) Queries() int64 { return c.n.Load() }

func (c *Counted) Get(ctx context.Context, e *descriptor.Entity, pk any) (Record, error) {
	c.n.Add(1)
	return c.Store.Get(ctx, e, pk)
}

func (c *Counted) List(ctx context.Context, q Query) ([]Record, error) {
	c.n.Add(1)
	return c.Store.List(ctx, q)
}

func (c *Counted) Count(ctx context.Context, q Query) (int, error) {
	c.n.Add(1)
	return c.Store.Count(ctx, q)
}

func (c *Counted) Insert(ctx context.Context, e *descriptor.Entity, rec Record) (Record, error) {
	c.n.Add(1)
	return c.Store.Insert(ctx, e, rec)
}

func (c *Counted) Update(ctx context.Context, e *descriptor.Entity, pk any, rec Record) (Record, error) {
	c.n.Add(1)
	return c.Store.Update(ctx, e, pk, rec)
}

func (c *Counted) Delete(ctx context.Context, e *descriptor.Entity, pk any) error {
	c.n.Add(1)
	return c.Store.Delete(ctx, e, pk)
}
