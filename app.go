package modelrpc

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/semaphore"

	"github.com/broady/modelrpc/config"
	"github.com/broady/modelrpc/descriptor"
	"github.com/broady/modelrpc/schema"
	"github.com/broady/modelrpc/serializer"
	"github.com/broady/modelrpc/store"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// App owns the entity registry, the store and every registered service.
// Use Handler to serve it over HTTP/2 or Dispatch to call it in process.
type App struct {
	registry   *descriptor.Registry
	store      store.Store
	settings   *config.Settings
	serializer *serializer.Serializer
	services   *schema.ServiceRegistry
	signals    Signals
	logger     *slog.Logger
	sem        *semaphore.Weighted

	mu                 sync.RWMutex
	svcs               map[string]*Service
	routes             map[string]*route
	errorTransformer   ErrorTransformer
	maskInternalErrors bool
	interceptors       []UnaryInterceptor
	middlewares        []func(http.Handler) http.Handler
	cache              Cache
	filters            []FilterBackend
	paginator          Paginator
	authenticator      Authenticator
	permissions        []Permission

	hookOnce sync.Once
	hookErr  error
}

// NewApp creates an App serving the entities of reg from st. A nil
// settings value selects config.Default. The registry is frozen.
func NewApp(reg *descriptor.Registry, st store.Store, s *config.Settings) (*App, error) {
	if s == nil {
		s = config.Default()
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if err := reg.Freeze(); err != nil {
		return nil, err
	}
	paginator, err := lookupPaginator(s.DefaultPaginationClass)
	if err != nil {
		return nil, err
	}
	filters, err := lookupFilterBackends(s.DefaultFilterBackends)
	if err != nil {
		return nil, err
	}

	a := &App{
		registry:   reg,
		store:      st,
		settings:   s,
		serializer: serializer.New(reg, serializer.WithMaxDepth(s.ProjectionDepth), serializer.WithValidator(validate)),
		services:   schema.NewServiceRegistry(),
		signals:    newSignals(),
		svcs:       make(map[string]*Service),
		routes:     make(map[string]*route),
		filters:    filters,
		paginator:  paginator,
		permissions: []Permission{
			AllowAny{},
		},
		authenticator: Anonymous{},
	}
	if !s.GRPCAsync {
		a.sem = semaphore.NewWeighted(int64(s.MaxWorkers))
	}
	if s.CacheTTL > 0 {
		a.cache = NewMemoryCache(time.Now)
	}
	a.connectBuiltins()
	return a, nil
}

// Settings returns the settings the App was created with.
func (a *App) Settings() *config.Settings { return a.settings }

// Registry returns the entity registry.
func (a *App) Registry() *descriptor.Registry { return a.registry }

// Services returns the declared services.
func (a *App) Services() *schema.ServiceRegistry { return a.services }

// Serializer returns the serializer used by model methods.
func (a *App) Serializer() *serializer.Serializer { return a.serializer }

// Signals returns the dispatcher's signals.
func (a *App) Signals() Signals { return a.signals }

// WithErrorTransformer adds a custom error transformer.
func (a *App) WithErrorTransformer(fn ErrorTransformer) *App {
	a.errorTransformer = fn
	return a
}

// WithMaskInternalErrors replaces the message of INTERNAL errors with a
// generic one. The original error is still logged.
func (a *App) WithMaskInternalErrors() *App {
	a.maskInternalErrors = true
	return a
}

// WithUnaryInterceptor adds a global interceptor. Global interceptors run
// before service interceptors.
func (a *App) WithUnaryInterceptor(i UnaryInterceptor) *App {
	a.interceptors = append(a.interceptors, i)
	return a
}

// WithMiddleware adds an HTTP middleware. The first added is outermost.
func (a *App) WithMiddleware(mw func(http.Handler) http.Handler) *App {
	a.middlewares = append(a.middlewares, mw)
	return a
}

// WithLogger sets the logger. If not set, slog.Default() is used.
func (a *App) WithLogger(logger *slog.Logger) *App {
	a.logger = logger
	return a
}

// WithCache replaces the response cache. A nil cache disables caching.
func (a *App) WithCache(c Cache) *App {
	a.cache = c
	return a
}

// WithAuthenticator sets how callers are identified.
func (a *App) WithAuthenticator(auth Authenticator) *App {
	a.authenticator = auth
	return a
}

// WithPermissions replaces the default permissions of every service.
func (a *App) WithPermissions(perms ...Permission) *App {
	a.permissions = perms
	return a
}

func (a *App) log() *slog.Logger {
	if a.logger == nil {
		return slog.Default()
	}
	return a.logger
}

// LoadHandlers runs the configured root handlers hook once. It is a no-op
// when no hook is configured.
func (a *App) LoadHandlers() error {
	a.hookOnce.Do(func() {
		name := a.settings.RootHandlersHook
		if name == "" {
			return
		}
		hook, err := lookupHook(name)
		if err != nil {
			a.hookErr = err
			return
		}
		if err := hook(a); err != nil {
			a.hookErr = fmt.Errorf("modelrpc: root handlers hook %q: %w", name, err)
		}
	})
	return a.hookErr
}

// Service is a named group of methods.
type Service struct {
	app     *App
	name    string
	project string
	entity  *descriptor.Entity

	filters      []FilterBackend
	paginator    Paginator
	permissions  []Permission
	interceptors []UnaryInterceptor
}

// Name returns the service name.
func (s *Service) Name() string { return s.name }

// Entity returns the entity behind a model service, or nil.
func (s *Service) Entity() *descriptor.Entity { return s.entity }

// WithUnaryInterceptor adds an interceptor that runs after the global ones.
func (s *Service) WithUnaryInterceptor(i UnaryInterceptor) *Service {
	s.interceptors = append(s.interceptors, i)
	return s
}

// WithProject places a custom service in project p. It must be called
// before the first Register.
func (s *Service) WithProject(p string) *Service {
	s.project = p
	return s
}

func (s *Service) filterBackends() []FilterBackend {
	if s.filters != nil {
		return s.filters
	}
	return s.app.filters
}

func (s *Service) pager() Paginator {
	if s.paginator != nil {
		return s.paginator
	}
	return s.app.paginator
}

func (s *Service) perms() []Permission {
	if s.permissions != nil {
		return s.permissions
	}
	return s.app.permissions
}

// ServiceOption configures a model service.
type ServiceOption func(*Service)

// WithServiceName overrides the default "<Entity>Service" name.
func WithServiceName(name string) ServiceOption {
	return func(s *Service) { s.name = name }
}

// WithFilterBackends replaces the app's filter backends for one service.
func WithFilterBackends(backends ...FilterBackend) ServiceOption {
	return func(s *Service) { s.filters = append([]FilterBackend{}, backends...) }
}

// WithPaginator replaces the app's paginator for one service.
func WithPaginator(p Paginator) ServiceOption {
	return func(s *Service) { s.paginator = p }
}

// WithServicePermissions replaces the app's permissions for one service.
func WithServicePermissions(perms ...Permission) ServiceOption {
	return func(s *Service) { s.permissions = append([]Permission{}, perms...) }
}

// route is one registered method.
type route struct {
	svc    *Service
	method schema.Method
	h      handler
}

// ModelService registers the default method set of the named entity.
func (a *App) ModelService(entity string, opts ...ServiceOption) (*Service, error) {
	e, ok := a.registry.Lookup(entity)
	if !ok {
		return nil, fmt.Errorf("modelrpc: unknown entity %q", entity)
	}
	svc := &Service{app: a, name: e.Name + "Service", project: e.ProjectName(), entity: e}
	for _, opt := range opts {
		opt(svc)
	}

	a.mu.Lock()
	if _, dup := a.svcs[svc.name]; dup {
		a.mu.Unlock()
		return nil, fmt.Errorf("modelrpc: service %s already registered", svc.name)
	}
	a.svcs[svc.name] = svc
	a.mu.Unlock()

	decl, err := a.services.DeclareModel(svc.name, e)
	if err != nil {
		return nil, err
	}
	for _, m := range decl.Methods {
		a.addRoute(&route{svc: svc, method: m, h: &modelHandler{svc: svc, entity: e, name: m.Name, streaming: m.Streaming}})
	}
	return svc, nil
}

// Service returns the named custom service, creating it on first use.
func (a *App) Service(name string) *Service {
	a.mu.Lock()
	defer a.mu.Unlock()
	if svc, ok := a.svcs[name]; ok {
		return svc
	}
	svc := &Service{app: a, name: name, project: descriptor.DefaultProject}
	a.svcs[name] = svc
	return svc
}

// Register adds a custom method. Registering a name twice replaces the
// earlier handler and logs a warning.
func (s *Service) Register(name string, ep Endpoint) {
	a := s.app
	m := ep.declaration(name)
	a.services.Declare(s.name, "", s.project)
	if err := a.services.Add(s.name, m); err != nil {
		a.log().Warn("duplicate route registration",
			slog.String("service", s.name),
			slog.String("method", name))
	}
	a.services.AddMessages(ep.messages()...)
	a.addRoute(&route{svc: s, method: m, h: ep})
}

func (a *App) addRoute(r *route) {
	a.mu.Lock()
	a.routes[r.svc.name+"."+r.method.Name] = r
	a.mu.Unlock()

	ev := &Event{Service: r.svc.name, Method: r.method}
	if err := a.signals.ActionRegister.Send(context.Background(), ev); err != nil {
		a.log().Error("action_register receiver failed", "service", r.svc.name, "method", r.method.Name, "error", err)
	}
}

func (a *App) lookup(service, method string) (*route, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	r, ok := a.routes[service+"."+method]
	return r, ok
}
