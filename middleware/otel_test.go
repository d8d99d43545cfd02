package middleware

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/broady/modelrpc"
)

type telemetry struct {
	spans  *tracetest.SpanRecorder
	reader *sdkmetric.ManualReader
}

func instrumented(t *testing.T) (*modelrpc.App, telemetry) {
	t.Helper()
	tel := telemetry{spans: tracetest.NewSpanRecorder(), reader: sdkmetric.NewManualReader()}
	a := newApp(t)
	err := Instrument(a, OTelConfig{
		TracerProvider: sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(tel.spans)),
		MeterProvider:  sdkmetric.NewMeterProvider(sdkmetric.WithReader(tel.reader)),
		Propagator:     propagation.TraceContext{},
		Attributes:     []attribute.KeyValue{attribute.String("deployment", "test")},
	})
	require.NoError(t, err)
	return a, tel
}

func spanAttr(s sdktrace.ReadOnlySpan, key string) attribute.Value {
	for _, kv := range s.Attributes() {
		if string(kv.Key) == key {
			return kv.Value
		}
	}
	return attribute.Value{}
}

func TestInstrumentSpans(t *testing.T) {
	a, tel := instrumented(t)

	require.Nil(t, call(t, a, "NoteService", "Create", map[string]any{"text": "hi"}).Status())
	require.NotNil(t, call(t, a, "NoteService", "Retrieve", map[string]any{"id": 7}).Status())

	spans := tel.spans.Ended()
	require.Len(t, spans, 2)

	create := spans[0]
	assert.Equal(t, "NoteService/Create", create.Name())
	assert.Equal(t, trace.SpanKindServer, create.SpanKind())
	assert.Equal(t, codes.Ok, create.Status().Code)
	assert.Equal(t, "modelrpc", spanAttr(create, "rpc.system").AsString())
	assert.Equal(t, "test", spanAttr(create, "deployment").AsString())
	assert.Equal(t, "OK", spanAttr(create, "rpc.modelrpc.status_code").AsString())
	assert.GreaterOrEqual(t, spanAttr(create, "rpc.modelrpc.queries").AsInt64(), int64(1))

	retrieve := spans[1]
	assert.Equal(t, codes.Error, retrieve.Status().Code)
	assert.Equal(t, "NOT_FOUND", spanAttr(retrieve, "rpc.modelrpc.status_code").AsString())
	require.NotEmpty(t, retrieve.Events())
	assert.Equal(t, "exception", retrieve.Events()[0].Name)
}

func TestInstrumentSkipsUnstartedRequests(t *testing.T) {
	a, tel := instrumented(t)
	call(t, a, "NoteService", "Missing", map[string]any{})
	assert.Empty(t, tel.spans.Ended())
	assert.Empty(t, tel.spans.Started())
}

func TestInstrumentExtractsParent(t *testing.T) {
	a, tel := instrumented(t)
	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	md := modelrpc.Metadata{"traceparent": {"00-" + traceID + "-00f067aa0ba902b7-01"}}

	require.Nil(t, callMD(t, a, "NoteService", "List", md, map[string]any{}).Status())
	spans := tel.spans.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, traceID, spans[0].SpanContext().TraceID().String())
	assert.Equal(t, "00f067aa0ba902b7", spans[0].Parent().SpanID().String())
}

func TestInstrumentMetrics(t *testing.T) {
	a, tel := instrumented(t)
	call(t, a, "NoteService", "Create", map[string]any{"text": "a"})
	call(t, a, "NoteService", "Create", map[string]any{"text": "b"})
	call(t, a, "NoteService", "Retrieve", map[string]any{"id": 42})

	var rm metricdata.ResourceMetrics
	require.NoError(t, tel.reader.Collect(context.Background(), &rm))
	require.Len(t, rm.ScopeMetrics, 1)

	byName := map[string]metricdata.Metrics{}
	for _, m := range rm.ScopeMetrics[0].Metrics {
		byName[m.Name] = m
	}

	requests, ok := byName["rpc.server.requests"].Data.(metricdata.Sum[int64])
	require.True(t, ok, "rpc.server.requests is a counter")
	counts := map[string]int64{}
	for _, dp := range requests.DataPoints {
		method, _ := dp.Attributes.Value("rpc.method")
		code, _ := dp.Attributes.Value("rpc.modelrpc.status_code")
		counts[method.AsString()+" "+code.AsString()] += dp.Value
	}
	assert.Equal(t, map[string]int64{"Create OK": 2, "Retrieve NOT_FOUND": 1}, counts)

	duration, ok := byName["rpc.server.duration"].Data.(metricdata.Histogram[float64])
	require.True(t, ok, "rpc.server.duration is a histogram")
	var total uint64
	for _, dp := range duration.DataPoints {
		total += dp.Count
	}
	assert.Equal(t, uint64(3), total)
}
