package serializer

import (
	"context"
	"errors"
	"time"

	"github.com/broady/modelrpc/descriptor"
	"github.com/broady/modelrpc/schema"
	"github.com/broady/modelrpc/store"
)

// Project renders rec as the outbound message of e in role, which must be
// RoleRetrieveResponse or RoleListResponse. Write-only fields are omitted.
// Inline relations are expanded up to the serializer's depth limit; deeper
// values project as nil.
func (s *Serializer) Project(ctx context.Context, st store.Store, e *descriptor.Entity, rec store.Record, role schema.Role) (map[string]any, error) {
	return s.project(ctx, st, e, rec, role, 0)
}

func (s *Serializer) project(ctx context.Context, st store.Store, e *descriptor.Entity, rec store.Record, role schema.Role, depth int) (map[string]any, error) {
	fields, err := schema.Fields(e, role)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(fields))
	for i := range fields {
		f := &fields[i]
		var v any
		switch {
		case f.Relation != nil:
			v, err = s.projectRelation(ctx, st, e, f, rec, depth)
			if err != nil {
				return nil, err
			}
		case f.IsRepeated():
			list, _ := rec[f.Name].([]any)
			items := make([]any, len(list))
			for j := range list {
				if items[j], err = s.scalar(ctx, st, f, list[j], depth); err != nil {
					return nil, err
				}
			}
			v = items
		default:
			if v, err = s.scalar(ctx, st, f, rec[f.Name], depth); err != nil {
				return nil, err
			}
		}
		out[f.Name] = v
	}
	return out, nil
}

func (s *Serializer) scalar(ctx context.Context, st store.Store, f *descriptor.Field, v any, depth int) (any, error) {
	if len(f.Choices) > 0 {
		if str, _ := v.(string); str != "" {
			return str, nil
		}
		if f.PermitsUnset() {
			return schema.SentinelValue, nil
		}
		return nil, nil
	}
	switch f.Type {
	case descriptor.Timestamp:
		if t, ok := v.(time.Time); ok {
			return Timestamp(t), nil
		}
	case descriptor.Message:
		m, ok := v.(map[string]any)
		if !ok {
			return nil, nil
		}
		if depth+1 > s.maxDepth {
			return nil, nil
		}
		target, err := s.target(f)
		if err != nil {
			return nil, err
		}
		return s.project(ctx, st, target, m, schema.RoleRetrieveResponse, depth+1)
	}
	return v, nil
}

// Timestamp renders t in the google.protobuf.Timestamp shape.
func Timestamp(t time.Time) map[string]any {
	return map[string]any{"seconds": t.Unix(), "nanos": int64(t.Nanosecond())}
}

func (s *Serializer) projectRelation(ctx context.Context, st store.Store, e *descriptor.Entity, f *descriptor.Field, rec store.Record, depth int) (any, error) {
	rel := f.Relation
	target, err := s.target(f)
	if err != nil {
		return nil, err
	}

	var keys []any
	switch {
	case rel.Kind == descriptor.HasMany:
		pk := rec[e.PrimaryKey().Name]
		recs, err := st.List(ctx, store.Query{
			Entity: target,
			Where:  []store.Condition{{Field: rel.Via, Op: store.Exact, Value: pk}},
		})
		if err != nil {
			return nil, err
		}
		if !rel.Inline {
			keys = make([]any, len(recs))
			for i, r := range recs {
				keys[i] = r[target.PrimaryKey().Name]
			}
			return keys, nil
		}
		if depth+1 > s.maxDepth {
			return nil, nil
		}
		out := make([]any, len(recs))
		for i, r := range recs {
			if out[i], err = s.project(ctx, st, target, r, schema.RoleRetrieveResponse, depth+1); err != nil {
				return nil, err
			}
		}
		return out, nil
	case rel.Kind.Many():
		keys, _ = rec[f.Name].([]any)
		if !rel.Inline {
			return append([]any{}, keys...), nil
		}
	default:
		if !rel.Inline || rec[f.Name] == nil {
			return rec[f.Name], nil
		}
		if depth+1 > s.maxDepth {
			return nil, nil
		}
		m, err := s.fetch(ctx, st, target, rec[f.Name], depth+1)
		if m == nil {
			return nil, err
		}
		return m, nil
	}

	if depth+1 > s.maxDepth {
		return nil, nil
	}
	out := make([]any, 0, len(keys))
	for _, k := range keys {
		m, err := s.fetch(ctx, st, target, k, depth+1)
		if err != nil {
			return nil, err
		}
		if m != nil {
			out = append(out, m)
		}
	}
	return out, nil
}

// fetch projects the target with key pk, or nil when it no longer exists.
func (s *Serializer) fetch(ctx context.Context, st store.Store, target *descriptor.Entity, pk any, depth int) (map[string]any, error) {
	r, err := st.Get(ctx, target, pk)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.project(ctx, st, target, r, schema.RoleRetrieveResponse, depth)
}
