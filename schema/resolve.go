package schema

import (
	"github.com/broady/modelrpc/descriptor"
)

// Resolved is the wire representation of one descriptor field.
type Resolved struct {
	Type  string
	Label Label
	// Enum is set when the field is an enumeration; the caller adds its
	// wrapper message to the schema.
	Enum *EnumSchema
}

// Resolver maps descriptor fields to wire types. It is deterministic: the
// same field always resolves to the same representation.
type Resolver struct {
	reg *descriptor.Registry
}

// NewResolver returns a resolver that looks relation targets up in reg.
func NewResolver(reg *descriptor.Registry) *Resolver {
	return &Resolver{reg: reg}
}

var scalarWire = map[descriptor.SemanticType]string{
	descriptor.Int32:  "int32",
	descriptor.Int64:  "int64",
	descriptor.Uint32: "uint32",
	descriptor.Uint64: "uint64",
	descriptor.Float:  "float",
	descriptor.Double: "double",
	descriptor.Bool:   "bool",
	descriptor.String: "string",
	descriptor.Bytes:  "bytes",
	descriptor.UUID:   "string",
}

// Resolve returns the wire representation of f, declared on e. request
// selects the request-side shape of inline relations (the target's create
// message instead of its response message).
func (r *Resolver) Resolve(e *descriptor.Entity, f *descriptor.Field, request bool) (Resolved, error) {
	var out Resolved

	switch {
	case f.Relation != nil:
		target, ok := r.reg.Lookup(f.Relation.Target)
		if !ok {
			return out, descriptor.Schemaf(e.Name, "field %q: relation target %q not registered", f.Name, f.Relation.Target)
		}
		if f.Relation.Inline {
			if request {
				out.Type = MessageName(target, RoleCreateRequest)
			} else {
				out.Type = MessageName(target, RoleRetrieveResponse)
			}
		} else {
			pk := target.PrimaryKey()
			if pk == nil {
				return out, descriptor.Schemaf(target.Name, "no primary key")
			}
			t, ok := scalarWire[pk.Type]
			if !ok {
				return out, descriptor.Schemaf(target.Name, "primary key %q has non-scalar type %q", pk.Name, pk.Type)
			}
			out.Type = t
		}
		switch {
		case f.IsRepeated():
			out.Label = LabelRepeated
		case f.Nullable && IsScalar(out.Type):
			out.Label = LabelOptional
		}
		return out, nil

	case len(f.Choices) > 0:
		out.Enum = r.enumFor(e, f)
		out.Type = out.Enum.TypeName()
		if f.IsRepeated() {
			out.Label = LabelRepeated
		}
		return out, nil
	}

	switch f.Type {
	case descriptor.Timestamp:
		out.Type = TimestampType
	case descriptor.JSON:
		out.Type = StructType
	case descriptor.Message:
		target, ok := r.reg.Lookup(f.Ref)
		if !ok {
			return out, descriptor.Schemaf(e.Name, "field %q: message target %q not registered", f.Name, f.Ref)
		}
		if request {
			out.Type = MessageName(target, RoleCreateRequest)
		} else {
			out.Type = MessageName(target, RoleRetrieveResponse)
		}
	default:
		t, ok := scalarWire[f.Type]
		if !ok {
			return out, descriptor.Schemaf(e.Name, "field %q: unknown semantic type %q", f.Name, f.Type)
		}
		out.Type = t
	}

	switch {
	case f.IsRepeated():
		out.Label = LabelRepeated
	case IsScalar(out.Type) && (f.Nullable || f.Cardinality == descriptor.Optional):
		out.Label = LabelOptional
	}
	return out, nil
}

// EnumName returns the enumeration wrapper name of a choice field.
func EnumName(e *descriptor.Entity, f *descriptor.Field) string {
	if f.EnumName != "" {
		return f.EnumName
	}
	return e.Name + descriptor.PascalCase(f.Name) + "Enum"
}

func (r *Resolver) enumFor(e *descriptor.Entity, f *descriptor.Field) *EnumSchema {
	es := &EnumSchema{Name: EnumName(e, f)}
	n := 0
	if f.PermitsUnset() {
		es.HasSentinel = true
		es.Values = append(es.Values, EnumValue{Name: SentinelValue, Number: 0})
		n = 1
	}
	for _, c := range f.Choices {
		es.Values = append(es.Values, EnumValue{Name: c.Wire, Number: n, Label: c.Label})
		n++
	}
	return es
}

// EnumMessage wraps es in its carrier message.
func EnumMessage(es *EnumSchema) *MessageSchema {
	return &MessageSchema{Name: es.Name, Enum: es}
}
