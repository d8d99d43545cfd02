package schema

import (
	"fmt"
	"sort"
	"sync"

	"github.com/broady/modelrpc/descriptor"
)

// Streaming is the arity of a service method.
type Streaming string

const (
	Unary           Streaming = "unary"
	ServerStreaming Streaming = "server_streaming"
	ClientStreaming Streaming = "client_streaming"
	Bidi            Streaming = "bidi"
)

// ClientStreams reports whether the client sends a stream of messages.
func (s Streaming) ClientStreams() bool { return s == ClientStreaming || s == Bidi }

// ServerStreams reports whether the server sends a stream of messages.
func (s Streaming) ServerStreams() bool { return s == ServerStreaming || s == Bidi }

// Method is one declared RPC method.
type Method struct {
	Name      string
	Input     string
	Output    string
	Streaming Streaming

	Cacheable  bool
	Idempotent bool
}

// ServiceSchema is an ordered list of methods.
type ServiceSchema struct {
	Name string
	// Entity is the entity backing a model service; empty otherwise.
	Entity  string
	Project string
	Methods []Method
}

// Method returns the named method.
func (s *ServiceSchema) Method(name string) (*Method, bool) {
	for i := range s.Methods {
		if s.Methods[i].Name == name {
			return &s.Methods[i], true
		}
	}
	return nil, false
}

// Default model service method names, in registration order.
const (
	MethodList          = "List"
	MethodRetrieve      = "Retrieve"
	MethodCreate        = "Create"
	MethodUpdate        = "Update"
	MethodPartialUpdate = "PartialUpdate"
	MethodDestroy       = "Destroy"
)

// ModelMethods lists the default methods of a model service.
var ModelMethods = []string{
	MethodList, MethodRetrieve, MethodCreate, MethodUpdate, MethodPartialUpdate, MethodDestroy,
}

// idempotentByDefault are the model methods safe to retry without options.
var idempotentByDefault = map[string]bool{
	MethodList: true, MethodRetrieve: true, MethodUpdate: true, MethodDestroy: true,
}

// ModelMethod returns the declaration of one default method of e's model
// service, honoring e.Meta.Methods. ok is false for disabled methods.
func ModelMethod(e *descriptor.Entity, name string) (m Method, ok bool) {
	opts := e.MethodOptions(name)
	if opts.Disabled {
		return Method{}, false
	}
	m = Method{
		Name:       name,
		Streaming:  Unary,
		Cacheable:  opts.Cacheable,
		Idempotent: opts.Idempotent || idempotentByDefault[name],
	}
	switch name {
	case MethodList:
		m.Input, m.Output = MessageName(e, RoleListRequest), MessageName(e, RoleListResponse)
		if opts.Stream {
			m.Output = ListElementName(e)
			m.Streaming = ServerStreaming
		}
	case MethodRetrieve:
		m.Input, m.Output = MessageName(e, RoleRetrieveRequest), MessageName(e, RoleRetrieveResponse)
	case MethodCreate:
		m.Input, m.Output = MessageName(e, RoleCreateRequest), MessageName(e, RoleRetrieveResponse)
	case MethodUpdate:
		m.Input, m.Output = MessageName(e, RoleUpdateRequest), MessageName(e, RoleRetrieveResponse)
	case MethodPartialUpdate:
		m.Input, m.Output = MessageName(e, RolePartialUpdateRequest), MessageName(e, RoleRetrieveResponse)
	case MethodDestroy:
		m.Input, m.Output = MessageName(e, RoleDestroyRequest), EmptyType
	default:
		return Method{}, false
	}
	return m, true
}

// ServiceRegistry collects the methods of every service. Methods keep the
// order in which they were added. It is written during startup and read
// afterwards.
type ServiceRegistry struct {
	mu       sync.RWMutex
	services map[string]*ServiceSchema
	messages []*MessageSchema
}

// NewServiceRegistry returns an empty registry.
func NewServiceRegistry() *ServiceRegistry {
	return &ServiceRegistry{services: make(map[string]*ServiceSchema)}
}

// Declare creates the named service if needed and returns it.
func (r *ServiceRegistry) Declare(name, entity, project string) *ServiceSchema {
	r.mu.Lock()
	defer r.mu.Unlock()
	svc, ok := r.services[name]
	if !ok {
		svc = &ServiceSchema{Name: name, Entity: entity, Project: project}
		r.services[name] = svc
	}
	return svc
}

// Add appends m to the service. Adding a method twice is an error.
func (r *ServiceRegistry) Add(service string, m Method) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	svc, ok := r.services[service]
	if !ok {
		return fmt.Errorf("schema: service %s not declared", service)
	}
	if _, dup := svc.Method(m.Name); dup {
		return fmt.Errorf("schema: duplicate method %s.%s", service, m.Name)
	}
	if m.Streaming == "" {
		m.Streaming = Unary
	}
	svc.Methods = append(svc.Methods, m)
	return nil
}

// DeclareModel declares service for entity e with the default method set.
func (r *ServiceRegistry) DeclareModel(service string, e *descriptor.Entity) (*ServiceSchema, error) {
	svc := r.Declare(service, e.Name, e.ProjectName())
	for _, name := range ModelMethods {
		m, ok := ModelMethod(e, name)
		if !ok {
			continue
		}
		if err := r.Add(service, m); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

// AddMessages records messages that custom methods refer to.
func (r *ServiceRegistry) AddMessages(ms ...*MessageSchema) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, ms...)
}

// Messages returns the messages recorded with AddMessages.
func (r *ServiceRegistry) Messages() []*MessageSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*MessageSchema(nil), r.messages...)
}

// Lookup returns the named service.
func (r *ServiceRegistry) Lookup(name string) (*ServiceSchema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.services[name]
	return svc, ok
}

// Services returns all services sorted by name.
func (r *ServiceRegistry) Services() []*ServiceSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ServiceSchema, 0, len(r.services))
	for _, svc := range r.services {
		out = append(out, svc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
