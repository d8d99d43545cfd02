// Package memstore is an in-memory store.Store.
package memstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/broady/modelrpc/descriptor"
	"github.com/broady/modelrpc/store"
)

// Store keeps records in maps guarded by a read-write mutex. Records are
// returned in insertion order before sorting.
type Store struct {
	mu    sync.RWMutex
	data  map[string]map[string]store.Record
	order map[string][]string
	keys  *store.KeyGen
}

// New returns an empty store.
func New() *Store {
	return &Store{
		data:  make(map[string]map[string]store.Record),
		order: make(map[string][]string),
		keys:  store.NewKeyGen(),
	}
}

var _ store.Store = (*Store)(nil)

func (s *Store) Get(ctx context.Context, e *descriptor.Entity, pk any) (store.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.data[e.Name][store.KeyString(pk)]
	if !ok {
		return nil, fmt.Errorf("%s %v: %w", e.Name, pk, store.ErrNotFound)
	}
	return rec.Clone(), nil
}

func (s *Store) snapshot(name string) []store.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := make([]store.Record, 0, len(s.order[name]))
	for _, k := range s.order[name] {
		recs = append(recs, s.data[name][k].Clone())
	}
	return recs
}

func (s *Store) List(ctx context.Context, q store.Query) ([]store.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return store.Apply(s.snapshot(q.Entity.Name), q), nil
}

func (s *Store) Count(ctx context.Context, q store.Query) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	q.Offset, q.Limit, q.OrderBy = 0, 0, nil
	return len(store.Apply(s.snapshot(q.Entity.Name), q)), nil
}

func (s *Store) Insert(ctx context.Context, e *descriptor.Entity, rec store.Record) (store.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rec = rec.Clone()
	if err := s.keys.Assign(e, rec); err != nil {
		return nil, err
	}
	key := store.KeyString(rec[e.PrimaryKey().Name])

	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.data[e.Name]
	if m == nil {
		m = make(map[string]store.Record)
		s.data[e.Name] = m
	}
	if _, exists := m[key]; exists {
		return nil, fmt.Errorf("%s %s: %w", e.Name, key, store.ErrConflict)
	}
	m[key] = rec
	s.order[e.Name] = append(s.order[e.Name], key)
	return rec.Clone(), nil
}

func (s *Store) Update(ctx context.Context, e *descriptor.Entity, pk any, rec store.Record) (store.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := store.KeyString(pk)
	rec = rec.Clone()
	rec[e.PrimaryKey().Name] = pk

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[e.Name][key]; !ok {
		return nil, fmt.Errorf("%s %v: %w", e.Name, pk, store.ErrNotFound)
	}
	s.data[e.Name][key] = rec
	return rec.Clone(), nil
}

func (s *Store) Delete(ctx context.Context, e *descriptor.Entity, pk any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := store.KeyString(pk)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[e.Name][key]; !ok {
		return fmt.Errorf("%s %v: %w", e.Name, pk, store.ErrNotFound)
	}
	delete(s.data[e.Name], key)
	order := s.order[e.Name]
	for i, k := range order {
		if k == key {
			s.order[e.Name] = append(order[:i:i], order[i+1:]...)
			break
		}
	}
	return nil
}
