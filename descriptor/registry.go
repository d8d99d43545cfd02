package descriptor

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// ErrFrozen is returned by mutation methods after Freeze.
var ErrFrozen = errors.New("descriptor: registry is frozen")

var wireNameRe = regexp.MustCompile(`^[A-Z_][A-Z0-9_]*$`)

// SchemaError reports one or more problems in entity descriptors. It is
// fatal at startup and aborts interface generation.
type SchemaError struct {
	Entity   string
	Problems []string
}

func (e *SchemaError) Error() string {
	if e.Entity == "" {
		return "schema error: " + strings.Join(e.Problems, "; ")
	}
	return fmt.Sprintf("schema error in %s: %s", e.Entity, strings.Join(e.Problems, "; "))
}

// Schemaf returns a SchemaError with a single formatted problem.
func Schemaf(entity, format string, args ...any) *SchemaError {
	return &SchemaError{Entity: entity, Problems: []string{fmt.Sprintf(format, args...)}}
}

// Registry holds entity descriptors for the lifetime of the process.
// It is safe for concurrent reads; writes are only allowed before Freeze.
type Registry struct {
	mu       sync.RWMutex
	entities map[string]*Entity
	order    []string
	frozen   bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entities: make(map[string]*Entity)}
}

// Default is the process-wide registry used by the package-level helpers.
var Default = NewRegistry()

// Register adds e to the Default registry.
func Register(e *Entity) error { return Default.Register(e) }

// MustRegister is like Register but panics on error.
func MustRegister(e *Entity) {
	if err := Default.Register(e); err != nil {
		panic(err)
	}
}

// Register validates e and adds it to the registry. Cross-entity checks
// (relation targets) are deferred to Freeze so entities may be registered
// in any order.
func (r *Registry) Register(e *Entity) error {
	if e == nil {
		return errors.New("descriptor: nil entity")
	}
	if err := validateEntity(e); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrFrozen
	}
	if _, exists := r.entities[e.Name]; exists {
		return Schemaf(e.Name, "entity already registered")
	}
	r.entities[e.Name] = e
	r.order = append(r.order, e.Name)
	return nil
}

// Freeze resolves relation targets and makes the registry immutable.
// Calling Freeze more than once is a no-op.
func (r *Registry) Freeze() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return nil
	}

	var all []string
	for _, name := range r.order {
		e := r.entities[name]
		if err := r.checkReferences(e); err != nil {
			all = append(all, err.Error())
		}
	}
	if len(all) > 0 {
		return &SchemaError{Problems: all}
	}
	r.frozen = true
	return nil
}

// Frozen reports whether Freeze has completed.
func (r *Registry) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

// Lookup returns the named entity.
func (r *Registry) Lookup(name string) (*Entity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entities[name]
	return e, ok
}

// Entities returns all entities in registration order.
func (r *Registry) Entities() []*Entity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Entity, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.entities[name])
	}
	return out
}

// Projects returns the distinct project names in first-seen order.
func (r *Registry) Projects() []string {
	seen := make(map[string]bool)
	var out []string
	for _, e := range r.Entities() {
		p := e.ProjectName()
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

func (r *Registry) checkReferences(e *Entity) error {
	var problems []string
	for _, f := range e.Fields {
		target := ""
		switch {
		case f.Relation != nil:
			target = f.Relation.Target
		case f.Type == Message:
			target = f.Ref
		}
		if target == "" {
			continue
		}
		t, ok := r.entities[target]
		if !ok {
			problems = append(problems, fmt.Sprintf("field %q: unknown target entity %q", f.Name, target))
			continue
		}
		if f.Relation != nil && f.Relation.Kind == SelfRecursive && target != e.Name {
			problems = append(problems, fmt.Sprintf("field %q: self_recursive relation must target %q", f.Name, e.Name))
		}
		if f.Relation != nil && f.Relation.Kind == HasMany {
			via, ok := t.Field(f.Relation.Via)
			if !ok {
				problems = append(problems, fmt.Sprintf("field %q: has_many via %q not found on %s", f.Name, f.Relation.Via, target))
			} else if via.Relation == nil || via.Relation.Target != e.Name {
				problems = append(problems, fmt.Sprintf("field %q: %s.%s does not point back at %s", f.Name, target, via.Name, e.Name))
			}
		}
	}
	if len(problems) > 0 {
		return &SchemaError{Entity: e.Name, Problems: problems}
	}
	return nil
}

// validateEntity checks the invariants that do not depend on other
// entities and collects every violation.
func validateEntity(e *Entity) error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if e.Name == "" {
		add("entity name is empty")
	}

	names := make(map[string]bool, len(e.Fields))
	pks := 0
	for i := range e.Fields {
		f := &e.Fields[i]
		if f.Name == "" {
			add("field %d has no name", i)
			continue
		}
		if names[f.Name] {
			add("duplicate field name %q", f.Name)
		}
		names[f.Name] = true

		if f.Cardinality == "" {
			f.Cardinality = Single
		}
		if f.Relation != nil && f.Type == "" {
			f.Type = Message
		}
		if !f.Type.Known() {
			add("field %q: unknown semantic type %q", f.Name, f.Type)
		}
		switch f.Cardinality {
		case Single, Repeated, Optional:
		default:
			add("field %q: unknown cardinality %q", f.Name, f.Cardinality)
		}
		if f.ReadOnly && f.WriteOnly {
			add("field %q: cannot be both read_only and write_only", f.Name)
		}
		if f.PrimaryKey {
			pks++
			if f.ReadOnly || f.WriteOnly {
				add("field %q: primary key cannot be read_only or write_only", f.Name)
			}
			if f.IsRepeated() || f.Nullable || f.Relation != nil {
				add("field %q: primary key must be a single non-null scalar", f.Name)
			}
		}
		if f.Type == Enum && len(f.Choices) == 0 {
			add("field %q: enum field declares no choices", f.Name)
		}
		if len(f.Choices) > 0 && f.Type != Enum && f.Type != String {
			add("field %q: choices require an enum or string field", f.Name)
		}
		seen := make(map[string]bool, len(f.Choices))
		for _, c := range f.Choices {
			if !wireNameRe.MatchString(c.Wire) {
				add("field %q: choice %q does not match [A-Z_][A-Z0-9_]*", f.Name, c.Wire)
			}
			if seen[c.Wire] {
				add("field %q: duplicate choice %q", f.Name, c.Wire)
			}
			seen[c.Wire] = true
		}
		if f.Type == Message && f.Relation == nil && f.Ref == "" {
			add("field %q: message field names no target", f.Name)
		}
		if rel := f.Relation; rel != nil {
			switch rel.Kind {
			case BelongsTo, HasMany, ManyToMany, SelfRecursive:
			default:
				add("field %q: unknown relation kind %q", f.Name, rel.Kind)
			}
			if rel.Target == "" {
				add("field %q: relation has no target", f.Name)
			}
			if rel.Kind == HasMany && rel.Via == "" {
				add("field %q: has_many relation needs via", f.Name)
			}
		}
	}
	if pks != 1 {
		add("exactly one primary key required, found %d", pks)
	}

	if len(problems) > 0 {
		return &SchemaError{Entity: e.Name, Problems: problems}
	}
	return nil
}
