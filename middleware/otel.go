package middleware

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/broady/modelrpc"
)

const instrumentationName = "github.com/broady/modelrpc"

// Receiver names used by Instrument.
const (
	ReceiverOTelStart  = "modelrpc.otel.start"
	ReceiverOTelFinish = "modelrpc.otel.finish"
)

// OTelConfig configures OpenTelemetry instrumentation.
type OTelConfig struct {
	// TracerProvider defaults to otel.GetTracerProvider().
	TracerProvider trace.TracerProvider
	// MeterProvider defaults to otel.GetMeterProvider().
	MeterProvider metric.MeterProvider
	// Propagator extracts the caller's trace context from call metadata.
	// Defaults to otel.GetTextMapPropagator().
	Propagator propagation.TextMapPropagator

	// Attributes are added to every span.
	Attributes []attribute.KeyValue
}

type instruments struct {
	cfg      OTelConfig
	tracer   trace.Tracer
	requests metric.Int64Counter
	duration metric.Float64Histogram
}

type spanState struct {
	span  trace.Span
	start time.Time
}

const spanKey = "modelrpc.otel.span"

// Instrument connects tracing and metrics receivers to the App's
// action_started and action_finished signals. Each started request gets a
// server span that ends when the request finishes; every finished request
// is counted in rpc.server.requests and timed in rpc.server.duration.
func Instrument(a *modelrpc.App, cfg OTelConfig) error {
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = otel.GetTracerProvider()
	}
	if cfg.MeterProvider == nil {
		cfg.MeterProvider = otel.GetMeterProvider()
	}
	if cfg.Propagator == nil {
		cfg.Propagator = otel.GetTextMapPropagator()
	}

	in := &instruments{cfg: cfg, tracer: cfg.TracerProvider.Tracer(instrumentationName)}
	meter := cfg.MeterProvider.Meter(instrumentationName)
	var err error
	in.requests, err = meter.Int64Counter("rpc.server.requests",
		metric.WithUnit("{request}"),
		metric.WithDescription("Number of finished RPC requests"))
	if err != nil {
		return err
	}
	in.duration, err = meter.Float64Histogram("rpc.server.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Duration of RPC requests"))
	if err != nil {
		return err
	}

	signals := a.Signals()
	signals.ActionStarted.Connect(ReceiverOTelStart, in.started)
	signals.ActionFinished.Connect(ReceiverOTelFinish, in.finished)
	return nil
}

func (in *instruments) started(ctx context.Context, ev *modelrpc.Event) error {
	rc := ev.Request
	parent := in.cfg.Propagator.Extract(ctx, metadataCarrier(rc.Metadata()))
	attrs := append([]attribute.KeyValue{
		attribute.String("rpc.system", "modelrpc"),
		attribute.String("rpc.service", ev.Service),
		attribute.String("rpc.method", ev.Method.Name),
		attribute.String("rpc.modelrpc.streaming", string(ev.Method.Streaming)),
		attribute.String("rpc.modelrpc.request_id", rc.RequestID()),
	}, in.cfg.Attributes...)
	_, span := in.tracer.Start(parent, ev.Service+"/"+ev.Method.Name,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attrs...))
	rc.Set(spanKey, &spanState{span: span, start: time.Now()})
	return nil
}

func (in *instruments) finished(ctx context.Context, ev *modelrpc.Event) error {
	rc := ev.Request
	v, ok := rc.Get(spanKey)
	if !ok {
		return nil
	}
	st := v.(*spanState)

	code := modelrpc.CodeOK
	if ev.Err != nil {
		code = ev.Err.Code
	}
	attrs := metric.WithAttributes(
		attribute.String("rpc.service", ev.Service),
		attribute.String("rpc.method", ev.Method.Name),
		attribute.String("rpc.modelrpc.status_code", code.String()),
	)
	in.requests.Add(ctx, 1, attrs)
	in.duration.Record(ctx, time.Since(st.start).Seconds(), attrs)

	st.span.SetAttributes(
		attribute.String("rpc.modelrpc.status_code", code.String()),
		attribute.Int64("rpc.modelrpc.queries", rc.Queries()),
		attribute.Bool("rpc.modelrpc.cache_hit", rc.CacheHit()),
	)
	if ev.Err != nil {
		st.span.SetStatus(codes.Error, ev.Err.Message)
		st.span.RecordError(ev.Err)
	} else {
		st.span.SetStatus(codes.Ok, "")
	}
	st.span.End()
	return nil
}

// metadataCarrier adapts call metadata to propagation.TextMapCarrier.
type metadataCarrier modelrpc.Metadata

func (c metadataCarrier) Get(key string) string { return modelrpc.Metadata(c).Get(key) }

func (c metadataCarrier) Set(key, value string) { modelrpc.Metadata(c).Set(key, value) }

func (c metadataCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
