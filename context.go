package modelrpc

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/broady/modelrpc/store"
)

// Reserved metadata keys.
const (
	MetaPagination          = "pagination"
	MetaFilters             = "filters"
	MetaOrdering            = "ordering"
	MetaPartialUpdateFields = "partial_update_fields"
)

// Metadata holds the key/value pairs sent with a call. Keys are lower case.
type Metadata map[string][]string

// MetadataFromHeader copies request headers into Metadata.
func MetadataFromHeader(h http.Header) Metadata {
	md := make(Metadata, len(h))
	for k, vs := range h {
		md[strings.ToLower(k)] = append([]string(nil), vs...)
	}
	return md
}

// Get returns the first value of key.
func (m Metadata) Get(key string) string {
	if vs := m[strings.ToLower(key)]; len(vs) > 0 {
		return vs[0]
	}
	return ""
}

// Values returns every value of key.
func (m Metadata) Values(key string) []string {
	return m[strings.ToLower(key)]
}

// Set replaces the values of key.
func (m Metadata) Set(key string, values ...string) {
	m[strings.ToLower(key)] = values
}

// Add appends a value to key.
func (m Metadata) Add(key, value string) {
	k := strings.ToLower(key)
	m[k] = append(m[k], value)
}

// User is an authenticated caller. A nil *User is anonymous.
type User struct {
	ID     string
	Claims map[string]any
}

type contextKey struct {
	name string
}

var requestContextKey = &contextKey{"request_context"}

// RequestContext is the per-request state threaded through dispatch. It
// embeds the request's context.Context, so it carries the deadline and
// cancellation of the call.
type RequestContext struct {
	context.Context

	app      *App
	service  *Service
	method   string
	id       string
	metadata Metadata
	logger   *slog.Logger

	mu       sync.Mutex
	user     *User
	message  map[string]any
	partial  []string
	st       store.Store
	state    State
	trace    []State
	err      *Error
	cacheHit bool
	values   map[string]any
	queries  *store.Counted
}

func newRequestContext(parent context.Context, app *App, svc *Service, method string, md Metadata) *RequestContext {
	if md == nil {
		md = Metadata{}
	}
	rc := &RequestContext{
		app:      app,
		service:  svc,
		method:   method,
		id:       ulid.Make().String(),
		metadata: md,
		state:    StateReceived,
		trace:    []State{StateReceived},
	}
	if app != nil {
		rc.st = app.store
		rc.logger = app.logger
	}
	if rc.logger == nil {
		rc.logger = slog.Default()
	}
	rc.logger = rc.logger.With("service", rc.Service(), "method", method, "request_id", rc.id)
	rc.Context = context.WithValue(parent, requestContextKey, rc)
	return rc
}

// NewContext returns a RequestContext for service and method that is not
// bound to an App. It is useful for testing interceptors and receivers.
func NewContext(parent context.Context, service, method string) *RequestContext {
	return newRequestContext(parent, nil, &Service{name: service}, method, nil)
}

// FromContext returns the RequestContext carried by ctx.
func FromContext(ctx context.Context) (*RequestContext, bool) {
	if rc, ok := ctx.(*RequestContext); ok {
		return rc, true
	}
	rc, ok := ctx.Value(requestContextKey).(*RequestContext)
	return rc, ok
}

// Service returns the name of the called service.
func (rc *RequestContext) Service() string {
	if rc.service == nil {
		return ""
	}
	return rc.service.name
}

// Method returns the name of the called method.
func (rc *RequestContext) Method() string { return rc.method }

// EndpointID returns "Service.Method".
func (rc *RequestContext) EndpointID() string { return rc.Service() + "." + rc.method }

// RequestID returns the unique id of the request.
func (rc *RequestContext) RequestID() string { return rc.id }

// Metadata returns the call metadata.
func (rc *RequestContext) Metadata() Metadata { return rc.metadata }

// Logger returns a logger annotated with the request's identity.
func (rc *RequestContext) Logger() *slog.Logger { return rc.logger }

// User returns the authenticated caller, or nil for anonymous calls.
func (rc *RequestContext) User() *User {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.user
}

// SetUser records the authenticated caller.
func (rc *RequestContext) SetUser(u *User) {
	rc.mu.Lock()
	rc.user = u
	rc.mu.Unlock()
}

// Message returns the decoded request message of a model method.
func (rc *RequestContext) Message() map[string]any {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.message
}

func (rc *RequestContext) setMessage(m map[string]any) {
	rc.mu.Lock()
	rc.message = m
	rc.mu.Unlock()
}

// PartialFields returns the field mask of a partial update.
func (rc *RequestContext) PartialFields() []string {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.partial
}

// Store returns the store used by this request. Receivers may replace it,
// e.g. with a per-request session.
func (rc *RequestContext) Store() store.Store {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.st
}

// SetStore replaces the store used for the rest of the request.
func (rc *RequestContext) SetStore(st store.Store) {
	rc.mu.Lock()
	rc.st = st
	rc.mu.Unlock()
}

// Queries returns the number of store operations the request performed.
// It is zero unless the query counter receiver is connected.
func (rc *RequestContext) Queries() int64 {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.queries == nil {
		return 0
	}
	return rc.queries.Queries()
}

// CacheHit reports whether the response came from the response cache.
func (rc *RequestContext) CacheHit() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.cacheHit
}

// Set stores a request-scoped value for middleware.
func (rc *RequestContext) Set(key string, v any) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.values == nil {
		rc.values = make(map[string]any)
	}
	rc.values[key] = v
}

// Get returns a value stored with Set.
func (rc *RequestContext) Get(key string) (any, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	v, ok := rc.values[key]
	return v, ok
}

// Status returns the final status of a terminated request, or nil on
// success and while the request is running.
func (rc *RequestContext) Status() *Error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.err
}

// State returns the current dispatch state.
func (rc *RequestContext) State() State {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.state
}

// Trace returns every state the request has entered, in order.
func (rc *RequestContext) Trace() []State {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return append([]State(nil), rc.trace...)
}

// advance moves the request to next. Staying in the same state is a no-op.
func (rc *RequestContext) advance(next State) error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.state == next {
		return nil
	}
	if !rc.state.canTransition(next) {
		return fmt.Errorf("modelrpc: invalid state transition %s -> %s", rc.state, next)
	}
	rc.state = next
	rc.trace = append(rc.trace, next)
	return nil
}

// terminate moves the request to a terminal state with status err.
func (rc *RequestContext) terminate(next State, err *Error) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.state.Terminal() {
		return
	}
	rc.state = next
	rc.trace = append(rc.trace, next)
	rc.err = err
}
