// Package descriptor holds the declarative descriptions of persistent
// entities that the rest of modelrpc compiles into message schemas and
// serves at runtime.
//
// Descriptors are registered once during process initialization and are
// immutable after the owning [Registry] is frozen.
package descriptor

import "strings"

// SemanticType is the storage-level meaning of a field.
type SemanticType string

const (
	Int32     SemanticType = "int32"
	Int64     SemanticType = "int64"
	Uint32    SemanticType = "uint32"
	Uint64    SemanticType = "uint64"
	Float     SemanticType = "float"
	Double    SemanticType = "double"
	Bool      SemanticType = "bool"
	String    SemanticType = "string"
	Bytes     SemanticType = "bytes"
	Timestamp SemanticType = "timestamp"
	UUID      SemanticType = "uuid"
	JSON      SemanticType = "json"
	Enum      SemanticType = "enum"
	Message   SemanticType = "message"
)

// Known reports whether t is one of the declared semantic types.
func (t SemanticType) Known() bool {
	switch t {
	case Int32, Int64, Uint32, Uint64, Float, Double, Bool, String, Bytes,
		Timestamp, UUID, JSON, Enum, Message:
		return true
	}
	return false
}

// IsInteger reports whether t is one of the integer types.
func (t SemanticType) IsInteger() bool {
	switch t {
	case Int32, Int64, Uint32, Uint64:
		return true
	}
	return false
}

// Cardinality describes how many values a field carries.
type Cardinality string

const (
	Single   Cardinality = "single"
	Repeated Cardinality = "repeated"
	Optional Cardinality = "optional"
)

// RelationKind classifies a relation between two entities.
type RelationKind string

const (
	BelongsTo     RelationKind = "belongs_to"
	HasMany       RelationKind = "has_many"
	ManyToMany    RelationKind = "many_to_many"
	SelfRecursive RelationKind = "self_recursive"
)

// Many reports whether the relation carries a list of targets.
func (k RelationKind) Many() bool {
	return k == HasMany || k == ManyToMany
}

// Choice is one declared enumeration value.
type Choice struct {
	// Wire is the value used on the wire, matching [A-Z_][A-Z0-9_]*.
	Wire string `yaml:"wire" json:"wire"`
	// Label is the human readable form. Inbound values may use either.
	Label string `yaml:"label" json:"label"`
}

// Relation describes a field that points at another entity.
type Relation struct {
	// Name is the name of the declaring field.
	Name string `yaml:"-" json:"-"`

	// Target is the name of the related entity.
	Target string `yaml:"target" json:"target"`

	Kind RelationKind `yaml:"kind" json:"kind"`

	// Inline embeds the target's message instead of its primary key.
	Inline bool `yaml:"inline" json:"inline"`

	// Via names the foreign key field on the target entity for has_many
	// relations. It is ignored for other kinds.
	Via string `yaml:"via,omitempty" json:"via,omitempty"`
}

// Field describes one attribute of an entity.
type Field struct {
	Name        string       `yaml:"name" json:"name"`
	Type        SemanticType `yaml:"type" json:"type"`
	Cardinality Cardinality  `yaml:"cardinality,omitempty" json:"cardinality,omitempty"`
	Nullable    bool         `yaml:"nullable,omitempty" json:"nullable,omitempty"`

	// Default is applied on create when the field is absent.
	Default any `yaml:"default,omitempty" json:"default,omitempty"`

	Choices []Choice `yaml:"choices,omitempty" json:"choices,omitempty"`

	// EnumName overrides the derived enumeration message name.
	EnumName string `yaml:"enum_name,omitempty" json:"enum_name,omitempty"`

	// Ref names the embedded entity of a message field that is not a
	// relation. The value is stored and projected inline.
	Ref string `yaml:"ref,omitempty" json:"ref,omitempty"`

	ReadOnly  bool `yaml:"read_only,omitempty" json:"read_only,omitempty"`
	WriteOnly bool `yaml:"write_only,omitempty" json:"write_only,omitempty"`

	PrimaryKey bool `yaml:"primary_key,omitempty" json:"primary_key,omitempty"`

	// ClientAssigned marks a primary key whose value is supplied by the
	// client on create instead of being assigned by the store.
	ClientAssigned bool `yaml:"client_assigned,omitempty" json:"client_assigned,omitempty"`

	// Validate holds go-playground/validator tags applied to each value,
	// e.g. "email" or "min=3,max=150".
	Validate string `yaml:"validate,omitempty" json:"validate,omitempty"`

	Help string `yaml:"help,omitempty" json:"help,omitempty"`

	Relation *Relation `yaml:"relation,omitempty" json:"relation,omitempty"`
}

// IsRepeated reports whether the field carries a list of values.
func (f *Field) IsRepeated() bool {
	if f.Relation != nil && f.Relation.Kind.Many() {
		return true
	}
	return f.Cardinality == Repeated
}

// HasDefault reports whether a default value is declared.
func (f *Field) HasDefault() bool { return f.Default != nil }

// PermitsUnset reports whether the field may legitimately hold no value.
func (f *Field) PermitsUnset() bool {
	return f.Nullable || f.Cardinality == Optional || (!f.HasDefault() && !f.Required())
}

// Required reports whether a create request must carry the field.
// Required-ness is derived: a single, non-nullable, writable field with no
// default.
func (f *Field) Required() bool {
	if f.ReadOnly || f.Nullable || f.HasDefault() {
		return false
	}
	if f.Cardinality == Optional || f.IsRepeated() {
		return false
	}
	if f.PrimaryKey {
		return f.ClientAssigned
	}
	return true
}

// ChoiceFor resolves an inbound enum value given as wire name or label.
func (f *Field) ChoiceFor(v string) (Choice, bool) {
	for _, c := range f.Choices {
		if c.Wire == v {
			return c, true
		}
	}
	for _, c := range f.Choices {
		if c.Label == v {
			return c, true
		}
	}
	return Choice{}, false
}

// MessageOverride adjusts the field set of one message role.
type MessageOverride struct {
	Include []string `yaml:"include,omitempty" json:"include,omitempty"`
	Exclude []string `yaml:"exclude,omitempty" json:"exclude,omitempty"`
	Extra   []Field  `yaml:"extra,omitempty" json:"extra,omitempty"`
}

// MethodOptions adjusts one generated service method.
type MethodOptions struct {
	Cacheable  bool `yaml:"cacheable,omitempty" json:"cacheable,omitempty"`
	Idempotent bool `yaml:"idempotent,omitempty" json:"idempotent,omitempty"`
	// Stream makes List server-streaming. Only meaningful for List.
	Stream   bool `yaml:"stream,omitempty" json:"stream,omitempty"`
	Disabled bool `yaml:"disabled,omitempty" json:"disabled,omitempty"`
}

// Meta carries per-entity options that shape messages and list behavior.
type Meta struct {
	// Messages maps a message role (e.g. "create_request") to an override.
	Messages map[string]MessageOverride `yaml:"messages,omitempty" json:"messages,omitempty"`

	// Methods maps a method name (e.g. "List") to its options.
	Methods map[string]MethodOptions `yaml:"methods,omitempty" json:"methods,omitempty"`

	// Ordering is the default ordering of List, e.g. ["-created_at"].
	Ordering []string `yaml:"ordering,omitempty" json:"ordering,omitempty"`

	// OrderingFields restricts the fields a client may order by. Empty
	// means every scalar readable field.
	OrderingFields []string `yaml:"ordering_fields,omitempty" json:"ordering_fields,omitempty"`

	FilterFields []string `yaml:"filter_fields,omitempty" json:"filter_fields,omitempty"`
	SearchFields []string `yaml:"search_fields,omitempty" json:"search_fields,omitempty"`
}

// Entity is the descriptor of one persistent entity.
type Entity struct {
	Name    string  `yaml:"name" json:"name"`
	Project string  `yaml:"project,omitempty" json:"project,omitempty"`
	Fields  []Field `yaml:"fields" json:"fields"`
	Meta    Meta    `yaml:"meta,omitempty" json:"meta,omitempty"`
}

// Field returns the named field.
func (e *Entity) Field(name string) (*Field, bool) {
	for i := range e.Fields {
		if e.Fields[i].Name == name {
			return &e.Fields[i], true
		}
	}
	return nil, false
}

// PrimaryKey returns the primary key field. It returns nil only for
// descriptors that have not passed registration.
func (e *Entity) PrimaryKey() *Field {
	for i := range e.Fields {
		if e.Fields[i].PrimaryKey {
			return &e.Fields[i]
		}
	}
	return nil
}

// Relations returns the relation descriptors declared on the entity's
// fields, in declaration order.
func (e *Entity) Relations() []Relation {
	var out []Relation
	for _, f := range e.Fields {
		if f.Relation == nil {
			continue
		}
		r := *f.Relation
		r.Name = f.Name
		out = append(out, r)
	}
	return out
}

// MethodOptions returns the options declared for method.
func (e *Entity) MethodOptions(method string) MethodOptions {
	return e.Meta.Methods[method]
}

// Orderable reports whether clients may order by the named field.
func (e *Entity) Orderable(name string) bool {
	if len(e.Meta.OrderingFields) > 0 {
		for _, n := range e.Meta.OrderingFields {
			if n == name {
				return true
			}
		}
		return false
	}
	f, ok := e.Field(name)
	if !ok || f.WriteOnly || f.IsRepeated() {
		return false
	}
	switch f.Type {
	case JSON, Message, Bytes:
		return false
	}
	return true
}

// ProjectName returns the entity's project, defaulting to "app".
func (e *Entity) ProjectName() string {
	if e.Project == "" {
		return DefaultProject
	}
	return e.Project
}

// DefaultProject is the project of entities that declare none.
const DefaultProject = "app"

// PascalCase converts snake_case or kebab-case names to PascalCase.
func PascalCase(s string) string {
	var b strings.Builder
	upper := true
	for _, r := range s {
		if r == '_' || r == '-' || r == ' ' {
			upper = true
			continue
		}
		if upper && r >= 'a' && r <= 'z' {
			r -= 'a' - 'A'
		}
		upper = false
		b.WriteRune(r)
	}
	return b.String()
}
