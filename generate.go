package modelrpc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sort"

	"github.com/broady/modelrpc/emit"
	"github.com/broady/modelrpc/schema"
	"github.com/broady/modelrpc/sink"
)

// GenerateOptions configures GenerateProto.
type GenerateOptions struct {
	// Project restricts generation to one project. Empty generates every
	// project that has services.
	Project string

	// Check compares the generated documents with the sink's copies and
	// writes nothing. Stale or missing files are reported as a
	// *sink.CheckError.
	Check bool

	// Override replaces existing documents whose content differs.
	Override bool

	Sink sink.ReadWriter

	// Package overrides the proto package. It defaults to the configured
	// proto package, then to the project name.
	Package string
	Header  string
}

// ErrStale is returned when a stored document differs from the generated
// one and Override is not set.
var ErrStale = errors.New("modelrpc: generated document differs from stored copy")

// GenerateProto writes one "<project>.proto" document per project to
// opts.Sink and returns the paths it generated, sorted.
func (a *App) GenerateProto(ctx context.Context, opts GenerateOptions) ([]string, error) {
	if opts.Sink == nil {
		return nil, errors.New("modelrpc: GenerateProto needs a sink")
	}
	files, err := a.protoFiles(opts)
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	if opts.Check {
		return paths, sink.Check(ctx, opts.Sink, files)
	}
	for _, p := range paths {
		content := files[p]
		if !opts.Override {
			old, err := opts.Sink.ReadFile(ctx, p)
			switch {
			case err == nil && bytes.Equal(old, content):
				continue
			case err == nil:
				return nil, fmt.Errorf("%w: %s (use --override to replace it)", ErrStale, p)
			case !errors.Is(err, fs.ErrNotExist):
				return nil, fmt.Errorf("modelrpc: read %s: %w", p, err)
			}
		}
		if err := opts.Sink.WriteFile(ctx, p, content); err != nil {
			return nil, fmt.Errorf("modelrpc: write %s: %w", p, err)
		}
		a.log().Info("generated interface document", "path", p)
	}
	return paths, nil
}

func (a *App) protoFiles(opts GenerateOptions) (map[string][]byte, error) {
	projects := []string{opts.Project}
	if opts.Project == "" {
		seen := make(map[string]bool)
		projects = projects[:0]
		for _, svc := range a.services.Services() {
			if !seen[svc.Project] {
				seen[svc.Project] = true
				projects = append(projects, svc.Project)
			}
		}
		sort.Strings(projects)
	}
	if len(projects) == 0 {
		return nil, errors.New("modelrpc: no services registered")
	}

	files := make(map[string][]byte, len(projects))
	for _, p := range projects {
		s, err := schema.Compile(a.registry, a.services, p)
		if err != nil {
			return nil, fmt.Errorf("modelrpc: compile project %s: %w", p, err)
		}
		if len(s.Services) == 0 {
			return nil, fmt.Errorf("modelrpc: project %s has no services", p)
		}
		pkg := opts.Package
		if pkg == "" {
			pkg = a.settings.Proto.Package
		}
		if pkg == "" {
			pkg = p
		}
		doc, err := emit.Proto(s, emit.Options{Package: pkg, Header: opts.Header})
		if err != nil {
			return nil, fmt.Errorf("modelrpc: emit project %s: %w", p, err)
		}
		files[p+".proto"] = doc
	}
	return files, nil
}
