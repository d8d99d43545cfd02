// Package serializer validates inbound messages against entity
// descriptors, binds them onto records and projects records back to
// outbound messages.
package serializer

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/broady/modelrpc/descriptor"
)

// Mode selects the validation rules for an inbound message.
type Mode int

const (
	Create Mode = iota
	Update
	Partial
)

func (m Mode) String() string {
	switch m {
	case Create:
		return "create"
	case Update:
		return "update"
	case Partial:
		return "partial_update"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// Field error codes. Failures of Field.Validate tags use the tag name as
// the code, e.g. "email" or "min".
const (
	CodeRequired      = "required"
	CodeNull          = "null"
	CodeInvalid       = "invalid"
	CodeOutOfRange    = "out_of_range"
	CodeInvalidChoice = "invalid_choice"
	CodeDoesNotExist  = "does_not_exist"
	CodeUnknownField  = "unknown_field"
	CodeReadOnly      = "read_only"
	CodeMaxDepth      = "max_depth"
)

// FieldError locates one validation failure.
type FieldError struct {
	// Path is a dotted locator such as "author.name" or "tags[2]".
	Path    string `json:"field_path" cbor:"field_path"`
	Code    string `json:"code" cbor:"code"`
	Message string `json:"message" cbor:"message"`
}

func (e FieldError) Error() string { return e.Path + ": " + e.Message }

// Errors is every validation failure of one message, in field order.
type Errors []FieldError

func (e Errors) Error() string {
	parts := make([]string, len(e))
	for i, fe := range e {
		parts[i] = fe.Error()
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// DefaultMaxDepth bounds inline recursion when projecting and when binding
// nested writes.
const DefaultMaxDepth = 10

// DefaultNow is the default value keyword for timestamp fields that
// resolves to the time of the write.
const DefaultNow = "now"

// Serializer is safe for concurrent use. It holds no per-request state.
type Serializer struct {
	reg      *descriptor.Registry
	validate *validator.Validate
	maxDepth int
	now      func() time.Time
}

// Option configures a Serializer.
type Option func(*Serializer)

// WithMaxDepth sets the inline recursion limit.
func WithMaxDepth(n int) Option {
	return func(s *Serializer) {
		if n > 0 {
			s.maxDepth = n
		}
	}
}

// WithValidator replaces the validator used for Field.Validate tags, for
// callers that register custom validations.
func WithValidator(v *validator.Validate) Option {
	return func(s *Serializer) { s.validate = v }
}

// WithClock sets the time source used for "now" defaults.
func WithClock(now func() time.Time) Option {
	return func(s *Serializer) { s.now = now }
}

// New returns a serializer resolving relations against reg.
func New(reg *descriptor.Registry, opts ...Option) *Serializer {
	s := &Serializer{
		reg:      reg,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		maxDepth: DefaultMaxDepth,
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// MaxDepth returns the inline recursion limit.
func (s *Serializer) MaxDepth() int { return s.maxDepth }

func (s *Serializer) target(f *descriptor.Field) (*descriptor.Entity, error) {
	name := f.Ref
	if f.Relation != nil {
		name = f.Relation.Target
	}
	e, ok := s.reg.Lookup(name)
	if !ok {
		return nil, descriptor.Schemaf("", "field %q: target %q not registered", f.Name, name)
	}
	return e, nil
}

func joinPath(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}
