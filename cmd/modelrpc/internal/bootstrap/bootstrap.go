// Package bootstrap builds an App from settings for the CLI commands.
package bootstrap

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/broady/modelrpc"
	"github.com/broady/modelrpc/config"
	"github.com/broady/modelrpc/descriptor"
	"github.com/broady/modelrpc/store"
	"github.com/broady/modelrpc/store/memstore"
	"github.com/broady/modelrpc/store/sqlitestore"
)

// AllModelsHook is the root handlers hook used when none is configured.
// It declares a model service for every registered entity.
const AllModelsHook = "modelrpc.all_models"

func init() {
	modelrpc.RegisterHook(AllModelsHook, func(a *modelrpc.App) error {
		for _, e := range a.Registry().Entities() {
			if _, err := a.ModelService(e.Name); err != nil {
				return err
			}
		}
		return nil
	})
}

// Options configures Build.
type Options struct {
	ConfigPath string
	// LogOutput defaults to os.Stderr.
	LogOutput io.Writer
}

// Result is a ready App and the resources backing it.
type Result struct {
	App      *modelrpc.App
	Settings *config.Settings
	Logger   *slog.Logger

	closers []io.Closer
}

// Close releases the store.
func (r *Result) Close() error {
	var first error
	for _, c := range r.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Build loads settings and descriptors, opens the store and runs the root
// handlers hook.
func Build(opts Options) (*Result, error) {
	s, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	if s.RootHandlersHook == "" {
		s.RootHandlersHook = AllModelsHook
	}
	out := opts.LogOutput
	if out == nil {
		out = os.Stderr
	}
	logger := slog.New(s.Log.Handler(out))

	reg, err := LoadRegistry(s.Descriptors)
	if err != nil {
		return nil, err
	}

	res := &Result{Settings: s, Logger: logger}
	st, err := openStore(s.Store, logger)
	if err != nil {
		return nil, err
	}
	if c, ok := st.(io.Closer); ok {
		res.closers = append(res.closers, c)
	}

	a, err := modelrpc.NewApp(reg, st, s)
	if err != nil {
		res.Close()
		return nil, err
	}
	a.WithLogger(logger)
	if err := a.LoadHandlers(); err != nil {
		res.Close()
		return nil, err
	}
	res.App = a
	return res, nil
}

// LoadRegistry registers the entities of every descriptor path, each a
// file or a directory, and freezes the registry.
func LoadRegistry(paths []string) (*descriptor.Registry, error) {
	reg := descriptor.NewRegistry()
	for _, p := range paths {
		fi, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("descriptors: %w", err)
		}
		var entities []*descriptor.Entity
		if fi.IsDir() {
			entities, err = descriptor.LoadDir(p)
		} else {
			entities, err = descriptor.LoadFile(p)
		}
		if err != nil {
			return nil, fmt.Errorf("descriptors: %w", err)
		}
		for _, e := range entities {
			if err := reg.Register(e); err != nil {
				return nil, err
			}
		}
	}
	if err := reg.Freeze(); err != nil {
		return nil, err
	}
	return reg, nil
}

func openStore(s config.StoreSettings, logger *slog.Logger) (store.Store, error) {
	switch s.Driver {
	case "sqlite":
		return sqlitestore.Open(sqlitestore.Config{
			Path:     s.Path,
			PoolSize: s.PoolSize,
			Logger:   logger,
		})
	case "", "memory":
		return memstore.New(), nil
	}
	return nil, fmt.Errorf("store: unknown driver %q", s.Driver)
}
