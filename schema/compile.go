package schema

import (
	"errors"
	"fmt"

	"github.com/broady/modelrpc/descriptor"
)

// Compile assembles the schema of one project: its services and every
// message they reach. An empty project selects all services.
//
// Messages are built for every registered entity so that cross-project
// references resolve; only reachable messages end up in the schema.
func Compile(reg *descriptor.Registry, services *ServiceRegistry, project string) (*Schema, error) {
	pool := make(map[string]*MessageSchema)
	var errs []error

	b := NewBuilder(reg)
	for _, e := range reg.Entities() {
		ms, err := b.Build(e)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, m := range ms {
			pool[m.Name] = m
		}
	}
	for _, m := range services.Messages() {
		if prev, ok := pool[m.Name]; ok && !sameShape(prev, m) {
			errs = append(errs, fmt.Errorf("schema: message %s conflicts with a generated message", m.Name))
			continue
		}
		pool[m.Name] = m
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	s := &Schema{Package: project}
	var queue []string
	for _, svc := range services.Services() {
		if project != "" && svc.Project != project {
			continue
		}
		s.Services = append(s.Services, svc)
		for _, m := range svc.Methods {
			queue = append(queue, baseMessage(m.Input), baseMessage(m.Output))
		}
	}

	seen := make(map[string]bool)
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		m, ok := pool[name]
		if !ok {
			// Reported by Validate as a missing reference.
			continue
		}
		s.Messages = append(s.Messages, m)
		queue = append(queue, m.Dependencies()...)
	}

	if verrs := s.Validate(); len(verrs) > 0 {
		return nil, errors.Join(verrs...)
	}
	return s, nil
}
