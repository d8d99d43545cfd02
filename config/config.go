// Package config loads server settings from a YAML file and MODELRPC_*
// environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Settings is the complete server configuration.
type Settings struct {
	// RootHandlersHook names a registered hook that declares every service
	// on the App before it starts serving.
	RootHandlersHook string `yaml:"root_handlers_hook"`

	// DefaultPaginationClass names the paginator used by List unless a
	// service overrides it.
	DefaultPaginationClass string `yaml:"default_pagination_class" validate:"required"`

	// GRPCAsync lets every request run on its own goroutine without
	// bounding. When false, at most MaxWorkers requests execute at once.
	GRPCAsync bool `yaml:"grpc_async"`

	DefaultFilterBackends []string `yaml:"default_filter_backends" validate:"dive,required"`

	MaxPageSize int `yaml:"max_page_size" validate:"gte=1"`
	PageSize    int `yaml:"page_size" validate:"gte=1,ltefield=MaxPageSize"`

	Addr        string   `yaml:"addr" validate:"required"`
	Descriptors []string `yaml:"descriptors"`

	Store StoreSettings `yaml:"store"`
	Proto ProtoSettings `yaml:"proto"`
	TLS   TLSSettings   `yaml:"tls"`
	Log   LogSettings   `yaml:"log"`

	// MaxMessageSize bounds one frame payload in bytes. Zero is unlimited.
	MaxMessageSize int    `yaml:"max_message_size" validate:"gte=0"`
	Compression    string `yaml:"compression" validate:"oneof=identity zstd lz4"`
	MaxWorkers     int    `yaml:"max_workers" validate:"gte=1"`

	ProjectionDepth int `yaml:"projection_depth" validate:"gte=1,lte=64"`

	// CacheTTL is the lifetime of cached responses of cacheable methods.
	// Zero disables the response cache.
	CacheTTL time.Duration `yaml:"cache_ttl" validate:"gte=0"`
}

type StoreSettings struct {
	Driver   string `yaml:"driver" validate:"oneof=memory sqlite"`
	Path     string `yaml:"path" validate:"required_if=Driver sqlite"`
	PoolSize int    `yaml:"pool_size" validate:"gte=0"`
}

type ProtoSettings struct {
	Out     string `yaml:"out"`
	Package string `yaml:"package"`
}

type TLSSettings struct {
	CertFile string `yaml:"cert_file" validate:"required_with=KeyFile"`
	KeyFile  string `yaml:"key_file" validate:"required_with=CertFile"`
}

// Enabled reports whether both TLS files are configured.
func (t TLSSettings) Enabled() bool { return t.CertFile != "" && t.KeyFile != "" }

type LogSettings struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

// Default returns the settings used when nothing else is configured.
func Default() *Settings {
	return &Settings{
		DefaultPaginationClass: "page_number",
		DefaultFilterBackends:  []string{"field", "search"},
		MaxPageSize:            1000,
		PageSize:               100,
		Addr:                   ":8080",
		Store:                  StoreSettings{Driver: "memory"},
		Proto:                  ProtoSettings{Out: "proto"},
		Log:                    LogSettings{Level: "info", Format: "text"},
		Compression:            "identity",
		MaxWorkers:             64,
		ProjectionDepth:        10,
	}
}

// Load reads settings from path, applies MODELRPC_* environment overrides
// and validates the result. An empty path skips the file.
func Load(path string) (*Settings, error) {
	return LoadEnv(path, os.LookupEnv)
}

// LoadEnv is Load with an explicit environment lookup.
func LoadEnv(path string, lookup func(string) (string, bool)) (*Settings, error) {
	s := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		if err := s.decode(data); err != nil {
			return nil, fmt.Errorf("config: %s: %w", path, err)
		}
	}
	if err := s.applyEnv(lookup); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Settings) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(s); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks every setting and reports all violations at once.
func (s *Settings) Validate() error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("config: %w", err)
	}
	msgs := make([]string, len(verrs))
	for i, fe := range verrs {
		msgs[i] = fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag())
		if fe.Param() != "" {
			msgs[i] += " (" + fe.Param() + ")"
		}
	}
	return fmt.Errorf("config: invalid settings: %s", strings.Join(msgs, "; "))
}

type envVar struct {
	name string
	set  func(s *Settings, v string) error
}

func str(p func(*Settings) *string) func(*Settings, string) error {
	return func(s *Settings, v string) error { *p(s) = v; return nil }
}

func list(p func(*Settings) *[]string) func(*Settings, string) error {
	return func(s *Settings, v string) error {
		var out []string
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		*p(s) = out
		return nil
	}
}

func integer(p func(*Settings) *int) func(*Settings, string) error {
	return func(s *Settings, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*p(s) = n
		return nil
	}
}

var envVars = []envVar{
	{"ROOT_HANDLERS_HOOK", str(func(s *Settings) *string { return &s.RootHandlersHook })},
	{"DEFAULT_PAGINATION_CLASS", str(func(s *Settings) *string { return &s.DefaultPaginationClass })},
	{"GRPC_ASYNC", func(s *Settings, v string) error {
		b, err := strconv.ParseBool(v)
		s.GRPCAsync = b
		return err
	}},
	{"DEFAULT_FILTER_BACKENDS", list(func(s *Settings) *[]string { return &s.DefaultFilterBackends })},
	{"MAX_PAGE_SIZE", integer(func(s *Settings) *int { return &s.MaxPageSize })},
	{"PAGE_SIZE", integer(func(s *Settings) *int { return &s.PageSize })},
	{"ADDR", str(func(s *Settings) *string { return &s.Addr })},
	{"DESCRIPTORS", list(func(s *Settings) *[]string { return &s.Descriptors })},
	{"STORE_DRIVER", str(func(s *Settings) *string { return &s.Store.Driver })},
	{"STORE_PATH", str(func(s *Settings) *string { return &s.Store.Path })},
	{"STORE_POOL_SIZE", integer(func(s *Settings) *int { return &s.Store.PoolSize })},
	{"PROTO_OUT", str(func(s *Settings) *string { return &s.Proto.Out })},
	{"PROTO_PACKAGE", str(func(s *Settings) *string { return &s.Proto.Package })},
	{"TLS_CERT_FILE", str(func(s *Settings) *string { return &s.TLS.CertFile })},
	{"TLS_KEY_FILE", str(func(s *Settings) *string { return &s.TLS.KeyFile })},
	{"LOG_LEVEL", str(func(s *Settings) *string { return &s.Log.Level })},
	{"LOG_FORMAT", str(func(s *Settings) *string { return &s.Log.Format })},
	{"MAX_MESSAGE_SIZE", integer(func(s *Settings) *int { return &s.MaxMessageSize })},
	{"COMPRESSION", str(func(s *Settings) *string { return &s.Compression })},
	{"MAX_WORKERS", integer(func(s *Settings) *int { return &s.MaxWorkers })},
	{"PROJECTION_DEPTH", integer(func(s *Settings) *int { return &s.ProjectionDepth })},
	{"CACHE_TTL", func(s *Settings, v string) error {
		d, err := time.ParseDuration(v)
		s.CacheTTL = d
		return err
	}},
}

// EnvPrefix prefixes every environment override.
const EnvPrefix = "MODELRPC_"

func (s *Settings) applyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	for _, ev := range envVars {
		v, ok := lookup(EnvPrefix + ev.name)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		if err := ev.set(s, strings.TrimSpace(v)); err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, ev.name, err))
		}
	}
	return errors.Join(errs...)
}

// Handler returns the slog handler selected by the log settings.
func (l LogSettings) Handler(w io.Writer) slog.Handler {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}
