// Package schema defines the wire-level intermediate representation that
// modelrpc derives from entity descriptors: messages, enumerations and
// services. The emit package turns a Schema into an interface-definition
// document; the runtime uses it to decode and check payloads.
package schema

import (
	"fmt"
	"slices"
)

// Label is the field-level cardinality modifier on the wire.
type Label int

const (
	LabelNone Label = iota
	LabelOptional
	LabelRepeated
)

// String returns the IDL keyword for the label, or "" for LabelNone.
func (l Label) String() string {
	switch l {
	case LabelOptional:
		return "optional"
	case LabelRepeated:
		return "repeated"
	default:
		return ""
	}
}

// Well-known wire types.
const (
	TimestampType = "google.protobuf.Timestamp"
	StructType    = "google.protobuf.Struct"
	EmptyType     = "google.protobuf.Empty"
)

// wellKnownImports maps well-known wire types to their import path.
var wellKnownImports = map[string]string{
	TimestampType: "google/protobuf/timestamp.proto",
	StructType:    "google/protobuf/struct.proto",
	EmptyType:     "google/protobuf/empty.proto",
}

// ImportFor returns the import path of a well-known type.
func ImportFor(typ string) (string, bool) {
	p, ok := wellKnownImports[typ]
	return p, ok
}

var scalarTypes = map[string]bool{
	"int32": true, "int64": true, "uint32": true, "uint64": true,
	"float": true, "double": true, "bool": true, "string": true, "bytes": true,
}

// IsScalar reports whether typ is a wire scalar.
func IsScalar(typ string) bool { return scalarTypes[typ] }

// FieldSchema is one tagged field of a message.
type FieldSchema struct {
	Tag   int
	Name  string
	Type  string
	Label Label

	// Source is the descriptor field the wire field was derived from.
	// It is empty for synthetic fields such as list metadata.
	Source string

	// Comment is emitted next to the field when set.
	Comment string
}

// MessageSchema is the wire definition of one payload.
type MessageSchema struct {
	Name   string
	Fields []FieldSchema

	// Entity and Role record where the message came from. Both are empty
	// for hand-declared messages.
	Entity string
	Role   Role

	// Enum is set for enumeration wrapper messages.
	Enum *EnumSchema
}

// Field returns the field with the given wire name.
func (m *MessageSchema) Field(name string) (*FieldSchema, bool) {
	for i := range m.Fields {
		if m.Fields[i].Name == name {
			return &m.Fields[i], true
		}
	}
	return nil, false
}

// FieldNames returns the wire names in tag order.
func (m *MessageSchema) FieldNames() []string {
	out := make([]string, len(m.Fields))
	for i, f := range m.Fields {
		out[i] = f.Name
	}
	return out
}

// Dependencies returns the message names referenced by m's fields,
// excluding well-known and scalar types.
func (m *MessageSchema) Dependencies() []string {
	var deps []string
	for _, f := range m.Fields {
		name := baseMessage(f.Type)
		if name == "" || name == m.Name || slices.Contains(deps, name) {
			continue
		}
		deps = append(deps, name)
	}
	return deps
}

// EnumSchema is an enumeration carried inside a wrapper message so that
// identical value names in different enums cannot collide.
type EnumSchema struct {
	// Name is the wrapper message name, e.g. "ItemStatusEnum".
	Name   string
	Values []EnumValue
	// HasSentinel is true when ENUM_UNSPECIFIED was prepended.
	HasSentinel bool
}

// TypeName is the type used by fields referencing the enum.
func (e *EnumSchema) TypeName() string { return e.Name + ".Enum" }

// EnumValue is one enumeration member.
type EnumValue struct {
	Name   string
	Number int
	Label  string
}

// SentinelValue is the name of the prepended "unset" enumeration value.
const SentinelValue = "ENUM_UNSPECIFIED"

// baseMessage returns the message name a field type refers to, or "" for
// scalars and well-known types.
func baseMessage(typ string) string {
	if IsScalar(typ) {
		return ""
	}
	if _, ok := wellKnownImports[typ]; ok {
		return ""
	}
	if n := len(typ) - len(".Enum"); n > 0 && typ[n:] == ".Enum" {
		return typ[:n]
	}
	return typ
}

// Schema is the complete set of messages and services of one project.
type Schema struct {
	Package  string
	Messages []*MessageSchema
	Services []*ServiceSchema
}

// Message returns the named message.
func (s *Schema) Message(name string) (*MessageSchema, bool) {
	for _, m := range s.Messages {
		if m.Name == name {
			return m, true
		}
	}
	return nil, false
}

// AddMessage adds m unless a message with the same name exists. An
// existing message with a different shape is an error.
func (s *Schema) AddMessage(m *MessageSchema) error {
	if prev, ok := s.Message(m.Name); ok {
		if !sameShape(prev, m) {
			return fmt.Errorf("schema: conflicting definitions of message %s", m.Name)
		}
		return nil
	}
	s.Messages = append(s.Messages, m)
	return nil
}

// Service returns the named service.
func (s *Schema) Service(name string) (*ServiceSchema, bool) {
	for _, svc := range s.Services {
		if svc.Name == name {
			return svc, true
		}
	}
	return nil, false
}

// Imports returns the sorted well-known imports used by the schema.
func (s *Schema) Imports() []string {
	var out []string
	add := func(typ string) {
		if p, ok := wellKnownImports[typ]; ok && !slices.Contains(out, p) {
			out = append(out, p)
		}
	}
	for _, m := range s.Messages {
		for _, f := range m.Fields {
			add(f.Type)
		}
	}
	for _, svc := range s.Services {
		for _, meth := range svc.Methods {
			add(meth.Input)
			add(meth.Output)
		}
	}
	slices.Sort(out)
	return out
}

// ValidationError is a structural problem in a Schema.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// Validate checks the schema for structural issues. It returns every
// problem found, not just the first.
func (s *Schema) Validate() []error {
	var errs []error
	add := func(code, format string, args ...any) {
		errs = append(errs, &ValidationError{Code: code, Message: fmt.Sprintf(format, args...)})
	}

	names := make(map[string]bool, len(s.Messages))
	for _, m := range s.Messages {
		if names[m.Name] {
			add("duplicate_message", "duplicate message name: %s", m.Name)
		}
		names[m.Name] = true
	}

	for _, m := range s.Messages {
		fieldNames := make(map[string]bool, len(m.Fields))
		for i, f := range m.Fields {
			if f.Tag != i+1 {
				add("non_dense_tags", "message %s: field %s has tag %d, want %d", m.Name, f.Name, f.Tag, i+1)
			}
			if fieldNames[f.Name] {
				add("duplicate_field", "message %s: duplicate field %s", m.Name, f.Name)
			}
			fieldNames[f.Name] = true
			if dep := baseMessage(f.Type); dep != "" && !names[dep] {
				add("missing_type_reference", "message %s: field %s references unknown type %s", m.Name, f.Name, f.Type)
			}
		}
	}

	for _, svc := range s.Services {
		seen := make(map[string]bool, len(svc.Methods))
		for _, meth := range svc.Methods {
			if seen[meth.Name] {
				add("duplicate_method", "duplicate method in service %s: %s", svc.Name, meth.Name)
			}
			seen[meth.Name] = true
			for _, ref := range []string{meth.Input, meth.Output} {
				if dep := baseMessage(ref); dep != "" && !names[dep] {
					add("missing_type_reference", "method %s.%s references unknown type %s", svc.Name, meth.Name, ref)
				}
			}
		}
	}
	return errs
}

func sameShape(a, b *MessageSchema) bool {
	if len(a.Fields) != len(b.Fields) {
		return false
	}
	for i := range a.Fields {
		fa, fb := a.Fields[i], b.Fields[i]
		if fa.Tag != fb.Tag || fa.Name != fb.Name || fa.Type != fb.Type || fa.Label != fb.Label {
			return false
		}
	}
	if (a.Enum == nil) != (b.Enum == nil) {
		return false
	}
	if a.Enum != nil && len(a.Enum.Values) != len(b.Enum.Values) {
		return false
	}
	return true
}
