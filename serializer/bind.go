package serializer

import (
	"context"
	"fmt"

	"github.com/broady/modelrpc/descriptor"
	"github.com/broady/modelrpc/schema"
	"github.com/broady/modelrpc/store"
)

// Bind builds the record to persist from values returned by Validate.
//
// Create starts from an empty record and fills absent fields from their
// defaults. Update starts from existing and replaces every writable field.
// Partial starts from existing and replaces only the fields in mask.
// Inline relation values are created first and replaced by their keys.
func (s *Serializer) Bind(ctx context.Context, st store.Store, e *descriptor.Entity, vals, existing store.Record, mode Mode, mask []string) (store.Record, error) {
	var rec store.Record
	switch mode {
	case Create:
		rec = make(store.Record, len(e.Fields))
		for i := range e.Fields {
			f := &e.Fields[i]
			if stored(f) {
				v, err := s.fieldValue(f, vals)
				if err != nil {
					return nil, err
				}
				rec[f.Name] = v
			}
		}
	case Update:
		fields, err := schema.Fields(e, schema.RoleUpdateRequest)
		if err != nil {
			return nil, err
		}
		rec = existing.Clone()
		for i := range fields {
			f, ok := e.Field(fields[i].Name)
			if !ok || !stored(f) || f.PrimaryKey {
				continue
			}
			v, err := s.fieldValue(f, vals)
			if err != nil {
				return nil, err
			}
			rec[f.Name] = v
		}
	case Partial:
		rec = existing.Clone()
		for _, name := range mask {
			f, ok := e.Field(name)
			if !ok || !stored(f) || f.PrimaryKey || f.ReadOnly {
				continue
			}
			if v, ok := vals[name]; ok {
				rec[name] = v
			}
		}
	default:
		return nil, fmt.Errorf("serializer: unknown mode %v", mode)
	}

	for name, v := range rec {
		r, err := s.resolve(ctx, st, v)
		if err != nil {
			return nil, fmt.Errorf("serializer: creating %s.%s: %w", e.Name, name, err)
		}
		rec[name] = r
	}
	return rec, nil
}

// stored reports whether the field's value lives on the record. has_many
// relations are derived from the target's foreign key.
func stored(f *descriptor.Field) bool {
	return f.Relation == nil || f.Relation.Kind != descriptor.HasMany
}

func (s *Serializer) fieldValue(f *descriptor.Field, vals store.Record) (any, error) {
	if v, ok := vals[f.Name]; ok {
		return v, nil
	}
	if f.HasDefault() {
		return s.Default(f)
	}
	return nil, nil
}

// Default returns the normalized default value of f. A timestamp default
// of "now" resolves to the current time.
func (s *Serializer) Default(f *descriptor.Field) (any, error) {
	if f.Type == descriptor.Timestamp && f.Default == DefaultNow {
		return s.now().UTC(), nil
	}
	one := func(d any) (any, error) {
		if len(f.Choices) > 0 {
			str, _ := d.(string)
			c, ok := f.ChoiceFor(str)
			if !ok {
				return nil, descriptor.Schemaf("", "field %q: default %v is not a declared choice", f.Name, d)
			}
			return c.Wire, nil
		}
		v, err := Normalize(f.Type, d)
		if err != nil {
			return nil, descriptor.Schemaf("", "field %q: default: %v", f.Name, err)
		}
		return v, nil
	}
	if list, ok := f.Default.([]any); ok && f.IsRepeated() {
		out := make([]any, len(list))
		for i, d := range list {
			v, err := one(d)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	}
	return one(f.Default)
}

func (s *Serializer) resolve(ctx context.Context, st store.Store, v any) (any, error) {
	switch x := v.(type) {
	case *pending:
		rec, err := s.Bind(ctx, st, x.entity, x.rec, nil, Create, nil)
		if err != nil {
			return nil, err
		}
		created, err := st.Insert(ctx, x.entity, rec)
		if err != nil {
			return nil, err
		}
		return created[x.entity.PrimaryKey().Name], nil
	case []any:
		out := make([]any, len(x))
		for i := range x {
			r, err := s.resolve(ctx, st, x[i])
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	}
	return v, nil
}
