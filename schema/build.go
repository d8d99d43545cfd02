package schema

import (
	"fmt"
	"slices"

	"github.com/broady/modelrpc/descriptor"
)

// Role is the purpose of a generated message within a model service.
type Role string

const (
	RoleListRequest          Role = "list_request"
	RoleListResponse         Role = "list_response"
	RoleRetrieveRequest      Role = "retrieve_request"
	RoleRetrieveResponse     Role = "retrieve_response"
	RoleCreateRequest        Role = "create_request"
	RoleUpdateRequest        Role = "update_request"
	RolePartialUpdateRequest Role = "partial_update_request"
	RoleDestroyRequest       Role = "destroy_request"
)

// Roles lists every role in build order.
var Roles = []Role{
	RoleListRequest, RoleListResponse, RoleRetrieveRequest, RoleRetrieveResponse,
	RoleCreateRequest, RoleUpdateRequest, RolePartialUpdateRequest, RoleDestroyRequest,
}

// IsRequest reports whether the role describes a client-to-server payload.
func (r Role) IsRequest() bool {
	switch r {
	case RoleListResponse, RoleRetrieveResponse:
		return false
	}
	return true
}

// ExtraTagBase is the tag of the first override extra field of a message.
// Extras are numbered from it so that appending entity fields leaves their
// tags unchanged.
const ExtraTagBase = 1000

// Wire names of the synthetic fields.
const (
	PartialFieldsName = "_partial_update_fields"
	PartialDataName   = "data"

	ResultsName  = "results"
	CountName    = "count"
	NextName     = "next"
	PreviousName = "previous"
)

// MessageName returns the message name of e in role.
func MessageName(e *descriptor.Entity, role Role) string {
	switch role {
	case RoleListRequest:
		return e.Name + "ListRequest"
	case RoleListResponse:
		return e.Name + "ListResponse"
	case RoleRetrieveRequest:
		return e.Name + "RetrieveRequest"
	case RoleRetrieveResponse:
		return e.Name + "Response"
	case RoleCreateRequest:
		return e.Name + "CreateRequest"
	case RoleUpdateRequest:
		return e.Name + "UpdateRequest"
	case RolePartialUpdateRequest:
		return e.Name + "PartialUpdateRequest"
	case RoleDestroyRequest:
		return e.Name + "DestroyRequest"
	}
	panic(fmt.Sprintf("schema: unknown role %q", role))
}

// ListElementName returns the message used for each List result. It is the
// retrieve response unless a list_response override shapes a dedicated
// element.
func ListElementName(e *descriptor.Entity) string {
	if _, ok := e.Meta.Messages[string(RoleListResponse)]; ok {
		return e.Name + "ListResult"
	}
	return MessageName(e, RoleRetrieveResponse)
}

// Builder composes the messages of every role of an entity.
type Builder struct {
	res *Resolver
}

// NewBuilder returns a builder resolving fields against reg.
func NewBuilder(reg *descriptor.Registry) *Builder {
	return &Builder{res: NewResolver(reg)}
}

// Fields returns the descriptor fields that make up e's message in role,
// after role exclusion and overrides, in declaration order. Extra fields
// from overrides follow the entity's own fields.
func Fields(e *descriptor.Entity, role Role) ([]descriptor.Field, error) {
	var base []descriptor.Field
	switch role {
	case RoleListRequest:
		return nil, nil
	case RoleRetrieveRequest, RoleDestroyRequest:
		return []descriptor.Field{*e.PrimaryKey()}, nil
	case RolePartialUpdateRequest:
		return Fields(e, RoleUpdateRequest)
	case RoleListResponse, RoleRetrieveResponse:
		for _, f := range e.Fields {
			if !f.WriteOnly {
				base = append(base, f)
			}
		}
	case RoleCreateRequest, RoleUpdateRequest:
		for _, f := range e.Fields {
			if writable(f, role) {
				base = append(base, f)
			}
		}
	default:
		return nil, fmt.Errorf("schema: unknown role %q", role)
	}

	ov, ok := e.Meta.Messages[string(role)]
	if !ok {
		return base, nil
	}
	var problems []string
	for _, name := range append(slices.Clone(ov.Include), ov.Exclude...) {
		if _, ok := e.Field(name); !ok {
			problems = append(problems, fmt.Sprintf("meta.messages.%s: unknown field %q", role, name))
		}
	}
	out := base[:0:0]
	for _, f := range base {
		locator := role == RoleUpdateRequest && f.PrimaryKey
		if len(ov.Include) > 0 && !slices.Contains(ov.Include, f.Name) && !locator {
			continue
		}
		if slices.Contains(ov.Exclude, f.Name) && !locator {
			continue
		}
		out = append(out, f)
	}
	for _, f := range ov.Extra {
		if f.Cardinality == "" {
			f.Cardinality = descriptor.Single
		}
		if _, dup := e.Field(f.Name); dup {
			problems = append(problems, fmt.Sprintf("meta.messages.%s: extra field %q shadows a declared field", role, f.Name))
			continue
		}
		if role.IsRequest() && f.ReadOnly {
			problems = append(problems, fmt.Sprintf("meta.messages.%s: extra field %q is read_only", role, f.Name))
			continue
		}
		if !role.IsRequest() && f.WriteOnly {
			problems = append(problems, fmt.Sprintf("meta.messages.%s: extra field %q is write_only", role, f.Name))
			continue
		}
		out = append(out, f)
	}
	if len(problems) > 0 {
		return nil, &descriptor.SchemaError{Entity: e.Name, Problems: problems}
	}
	return out, nil
}

// writable reports whether f belongs in a create or update request.
func writable(f descriptor.Field, role Role) bool {
	if f.ReadOnly {
		return false
	}
	if f.PrimaryKey {
		return role == RoleUpdateRequest || f.ClientAssigned
	}
	if rel := f.Relation; rel != nil {
		// has_many is written from the owning side; inline collections
		// are read-only projections.
		if rel.Kind == descriptor.HasMany {
			return false
		}
		if rel.Kind.Many() && rel.Inline {
			return false
		}
	}
	return true
}

// Build returns every message of e: the role messages, the list element
// and the enumeration wrappers its fields need. Messages are returned in a
// stable order; the emitter applies its own ordering.
func (b *Builder) Build(e *descriptor.Entity) ([]*MessageSchema, error) {
	var (
		out      []*MessageSchema
		problems []string
		enums    = map[string]bool{}
	)
	fail := func(err error) {
		if se, ok := err.(*descriptor.SchemaError); ok {
			problems = append(problems, se.Problems...)
			return
		}
		problems = append(problems, err.Error())
	}

	compose := func(name string, role Role) *MessageSchema {
		fields, err := Fields(e, role)
		if err != nil {
			fail(err)
			return nil
		}
		m := &MessageSchema{Name: name, Entity: e.Name, Role: role}
		declared, extra := 0, 0
		for i := range fields {
			f := &fields[i]
			r, err := b.res.Resolve(e, f, role.IsRequest())
			if err != nil {
				fail(err)
				continue
			}
			if r.Enum != nil && !enums[r.Enum.Name] {
				enums[r.Enum.Name] = true
				out = append(out, EnumMessage(r.Enum))
			}
			var tag int
			if _, ok := e.Field(f.Name); ok {
				declared++
				tag = declared
			} else {
				tag = ExtraTagBase + extra
				extra++
			}
			m.Fields = append(m.Fields, FieldSchema{
				Tag:     tag,
				Name:    f.Name,
				Type:    r.Type,
				Label:   r.Label,
				Source:  f.Name,
				Comment: f.Help,
			})
		}
		return m
	}

	for _, role := range Roles {
		name := MessageName(e, role)
		switch role {
		case RoleListResponse:
			elem := ListElementName(e)
			if elem != MessageName(e, RoleRetrieveResponse) {
				if m := compose(elem, RoleListResponse); m != nil {
					out = append(out, m)
				}
			} else if _, err := Fields(e, role); err != nil {
				fail(err)
			}
			out = append(out, &MessageSchema{
				Name: name, Entity: e.Name, Role: role,
				Fields: []FieldSchema{
					{Tag: 1, Name: ResultsName, Type: elem, Label: LabelRepeated},
					{Tag: 2, Name: CountName, Type: "int64", Label: LabelOptional},
					{Tag: 3, Name: NextName, Type: "string"},
					{Tag: 4, Name: PreviousName, Type: "string"},
				},
			})
		case RolePartialUpdateRequest:
			out = append(out, &MessageSchema{
				Name: name, Entity: e.Name, Role: role,
				Fields: []FieldSchema{
					{Tag: 1, Name: PartialFieldsName, Type: "string", Label: LabelRepeated},
					{Tag: 2, Name: PartialDataName, Type: MessageName(e, RoleUpdateRequest)},
				},
			})
		default:
			if m := compose(name, role); m != nil {
				out = append(out, m)
			}
		}
	}

	if len(problems) > 0 {
		return nil, &descriptor.SchemaError{Entity: e.Name, Problems: problems}
	}
	return out, nil
}
