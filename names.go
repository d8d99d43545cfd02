package modelrpc

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Hook declares services on an App. It is selected by the
// root_handlers_hook setting.
type Hook func(a *App) error

var names = struct {
	sync.RWMutex
	hooks      map[string]Hook
	paginators map[string]func() Paginator
	filters    map[string]func() FilterBackend
}{
	hooks: map[string]Hook{},
	paginators: map[string]func() Paginator{
		"page_number": func() Paginator { return PageNumberPaginator{} },
		"cursor":      func() Paginator { return CursorPaginator{} },
	},
	filters: map[string]func() FilterBackend{
		"field":  func() FilterBackend { return FieldFilter{} },
		"search": func() FilterBackend { return SearchFilter{} },
	},
}

// RegisterHook makes a root handlers hook available by name.
func RegisterHook(name string, h Hook) {
	names.Lock()
	defer names.Unlock()
	names.hooks[name] = h
}

// RegisterPaginator makes a paginator available to
// default_pagination_class.
func RegisterPaginator(name string, fn func() Paginator) {
	names.Lock()
	defer names.Unlock()
	names.paginators[name] = fn
}

// RegisterFilterBackend makes a filter backend available to
// default_filter_backends.
func RegisterFilterBackend(name string, fn func() FilterBackend) {
	names.Lock()
	defer names.Unlock()
	names.filters[name] = fn
}

func lookupHook(name string) (Hook, error) {
	names.RLock()
	defer names.RUnlock()
	h, ok := names.hooks[name]
	if !ok {
		return nil, fmt.Errorf("modelrpc: unknown root handlers hook %q (registered: %s)", name, keys(names.hooks))
	}
	return h, nil
}

func lookupPaginator(name string) (Paginator, error) {
	names.RLock()
	defer names.RUnlock()
	fn, ok := names.paginators[name]
	if !ok {
		return nil, fmt.Errorf("modelrpc: unknown pagination class %q (registered: %s)", name, keys(names.paginators))
	}
	return fn(), nil
}

func lookupFilterBackends(list []string) ([]FilterBackend, error) {
	names.RLock()
	defer names.RUnlock()
	out := make([]FilterBackend, 0, len(list))
	for _, name := range list {
		fn, ok := names.filters[name]
		if !ok {
			return nil, fmt.Errorf("modelrpc: unknown filter backend %q (registered: %s)", name, keys(names.filters))
		}
		out = append(out, fn())
	}
	return out, nil
}

func keys[V any](m map[string]V) string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return strings.Join(out, ", ")
}
