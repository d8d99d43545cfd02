package serve

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/net/http2"

	"github.com/broady/modelrpc"
	"github.com/broady/modelrpc/cmd/modelrpc/internal/bootstrap"
	"github.com/broady/modelrpc/devtools"
	"github.com/broady/modelrpc/middleware"
)

// Cmd serves every configured service over HTTP/2.
type Cmd struct {
	Addr               string        `help:"Listen address (default: addr setting)."`
	CORSOrigin         []string      `help:"Allow browser calls from this origin; repeatable, * for any." name:"cors-origin"`
	OTelStdout         bool          `help:"Export traces and metrics to stderr." name:"otel-stdout"`
	MaskInternalErrors bool          `help:"Replace INTERNAL error messages with a generic one."`
	Devtools           bool          `help:"Register the Devtools service."`
	ShutdownTimeout    time.Duration `help:"Grace period for in-flight calls on shutdown." default:"10s"`

	version string
}

// Version is the binary version reported by Devtools.Info.
type Version string

func (c *Cmd) Run(configPath string, v Version) error {
	c.version = string(v)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return c.run(ctx, configPath, nil)
}

// run serves until ctx is done. When ready is non-nil it receives the
// bound listener address.
func (c *Cmd) run(ctx context.Context, configPath string, ready chan<- string) error {
	res, err := bootstrap.Build(bootstrap.Options{ConfigPath: configPath})
	if err != nil {
		return err
	}
	defer res.Close()
	a, logger := res.App, res.Logger

	a.WithUnaryInterceptor(middleware.LoggingInterceptor(logger))
	if c.MaskInternalErrors {
		a.WithMaskInternalErrors()
	}
	if c.Devtools {
		devtools.New(a, c.version).Register()
	}
	if len(c.CORSOrigin) > 0 {
		a.WithMiddleware(middleware.CORS(&middleware.CORSConfig{AllowOrigins: c.CORSOrigin}))
	}
	if c.OTelStdout {
		shutdown, err := instrument(a, os.Stderr)
		if err != nil {
			return err
		}
		defer shutdown(context.Background())
	}

	addr := c.Addr
	if addr == "" {
		addr = res.Settings.Addr
	}
	srv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
	tlsOn := res.Settings.TLS.Enabled()
	if tlsOn {
		srv.TLSConfig, err = res.Settings.TLS.LoadTLS()
		if err != nil {
			return err
		}
		if err := http2.ConfigureServer(srv, &http2.Server{}); err != nil {
			return err
		}
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	logger.Info("serving", "addr", ln.Addr().String(), "tls", tlsOn, "services", len(a.Services().Services()))
	if ready != nil {
		ready <- ln.Addr().String()
	}

	errc := make(chan error, 1)
	go func() {
		if tlsOn {
			errc <- srv.ServeTLS(ln, "", "")
		} else {
			errc <- srv.Serve(ln)
		}
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), c.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func instrument(a *modelrpc.App, w io.Writer) (func(context.Context) error, error) {
	spans, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, err
	}
	metrics, err := stdoutmetric.New(stdoutmetric.WithWriter(w))
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(spans))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metrics)))
	err = middleware.Instrument(a, middleware.OTelConfig{
		TracerProvider: tp,
		MeterProvider:  mp,
		Propagator:     propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}),
	})
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}
