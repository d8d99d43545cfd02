package modelrpc

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/broady/modelrpc/schema"
	"github.com/broady/modelrpc/testutil"
)

type addRequest struct {
	A int64 `cbor:"a" validate:"gte=0"`
	B int64 `cbor:"b" validate:"gte=0"`
}

type sumResponse struct {
	Sum int64 `cbor:"sum"`
}

type countRequest struct {
	N int `cbor:"n" validate:"lte=100"`
}

type tick struct {
	I int `cbor:"i"`
}

type word struct {
	Text string `cbor:"text"`
}

func calcApp(t *testing.T) *App {
	t.Helper()
	a := newTestApp(t, nil)
	calc := a.Service("Calc")
	calc.Register("Add", Unary(func(_ context.Context, req *addRequest) (*sumResponse, error) {
		return &sumResponse{Sum: req.A + req.B}, nil
	}))
	calc.Register("Count", ServerStream(func(_ context.Context, req countRequest, out Emitter[tick]) error {
		for i := range req.N {
			if err := out.Send(tick{I: i}); err != nil {
				return err
			}
		}
		return nil
	}))
	calc.Register("Sum", ClientStream(func(_ context.Context, in Source[addRequest]) (sumResponse, error) {
		var res sumResponse
		for {
			req, err := in.Recv()
			if errors.Is(err, io.EOF) {
				return res, nil
			}
			if err != nil {
				return res, err
			}
			res.Sum += req.A + req.B
		}
	}))
	calc.Register("Shout", Bidi(func(_ context.Context, in Source[word], out Emitter[word]) error {
		for {
			w, err := in.Recv()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
			if err := out.Send(word{Text: strings.ToUpper(w.Text)}); err != nil {
				return err
			}
		}
	}))
	return a
}

func dispatch(a *App, service, method string, msgs ...any) (*RequestContext, *testutil.Transport) {
	tr := testutil.NewTransport(nil, msgs...)
	rc := a.Dispatch(context.Background(), &Call{Service: service, Method: method, Transport: tr})
	return rc, tr
}

func TestUnaryEndpoint(t *testing.T) {
	a := calcApp(t)

	rc, tr := dispatch(a, "Calc", "Add", map[string]any{"a": 2, "b": 3})
	require.Nil(t, rc.Status())
	var res sumResponse
	require.NoError(t, tr.Decode(0, &res))
	assert.Equal(t, int64(5), res.Sum)

	rc, tr = dispatch(a, "Calc", "Add", map[string]any{"a": -1, "b": 3})
	require.NotNil(t, rc.Status())
	assert.Equal(t, CodeInvalidArgument, rc.Status().Code)
	require.Len(t, rc.Status().Violations, 1)
	assert.Equal(t, "A", rc.Status().Violations[0].Path)
	assert.Equal(t, "gte", rc.Status().Violations[0].Code)
	assert.Zero(t, tr.Len())
}

func TestServerStreamEndpoint(t *testing.T) {
	a := calcApp(t)

	rc, tr := dispatch(a, "Calc", "Count", map[string]any{"n": 3})
	require.Nil(t, rc.Status())
	msgs := tr.Messages(t)
	require.Len(t, msgs, 3)
	for i, m := range msgs {
		assert.Equal(t, int64(i), m["i"])
	}
	assert.Equal(t, StateResponded, rc.State())

	rc, _ = dispatch(a, "Calc", "Count", map[string]any{"n": 1000})
	require.NotNil(t, rc.Status())
	assert.Equal(t, CodeInvalidArgument, rc.Status().Code)
}

func TestClientStreamEndpoint(t *testing.T) {
	a := calcApp(t)

	rc, tr := dispatch(a, "Calc", "Sum",
		map[string]any{"a": 1, "b": 2},
		map[string]any{"a": 3},
		map[string]any{"b": 4},
	)
	require.Nil(t, rc.Status())
	var res sumResponse
	require.NoError(t, tr.Decode(0, &res))
	assert.Equal(t, int64(10), res.Sum)

	// No messages at all sums to zero.
	rc, tr = dispatch(a, "Calc", "Sum")
	require.Nil(t, rc.Status())
	require.NoError(t, tr.Decode(0, &res))
	assert.Zero(t, res.Sum)

	rc, _ = dispatch(a, "Calc", "Sum", map[string]any{"a": 1}, map[string]any{"a": -5})
	require.NotNil(t, rc.Status())
	assert.Equal(t, CodeInvalidArgument, rc.Status().Code)
}

func TestBidiEndpoint(t *testing.T) {
	a := calcApp(t)

	rc, tr := dispatch(a, "Calc", "Shout",
		map[string]any{"text": "hello"},
		map[string]any{"text": "world"},
	)
	require.Nil(t, rc.Status())
	msgs := tr.Messages(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, "HELLO", msgs[0]["text"])
	assert.Equal(t, "WORLD", msgs[1]["text"])
}

func TestEndpointDeclarations(t *testing.T) {
	a := calcApp(t)
	in := &schema.MessageSchema{Name: "GreetRequest", Fields: []schema.FieldSchema{{Tag: 1, Name: "name", Type: "string"}}}
	out := &schema.MessageSchema{Name: "GreetResponse", Fields: []schema.FieldSchema{{Tag: 1, Name: "greeting", Type: "string"}}}
	a.Service("Greeter").Register("Greet",
		Unary(func(_ context.Context, req map[string]any) (map[string]any, error) {
			return map[string]any{"greeting": "hi " + req["name"].(string)}, nil
		}, Messages(in, out), Cacheable(), Idempotent()))
	a.Service("Greeter").Register("Watch",
		ServerStream(func(context.Context, map[string]any, Emitter[map[string]any]) error { return nil },
			Types("GreetRequest", "GreetResponse"), Cacheable()))

	svc, ok := a.Services().Lookup("Greeter")
	require.True(t, ok)
	greet, ok := svc.Method("Greet")
	require.True(t, ok)
	assert.Equal(t, schema.Method{
		Name: "Greet", Input: "GreetRequest", Output: "GreetResponse",
		Streaming: schema.Unary, Cacheable: true, Idempotent: true,
	}, *greet)
	watch, ok := svc.Method("Watch")
	require.True(t, ok)
	assert.Equal(t, schema.ServerStreaming, watch.Streaming)
	assert.False(t, watch.Cacheable, "only unary methods are cacheable")

	calc, ok := a.Services().Lookup("Calc")
	require.True(t, ok)
	add, ok := calc.Method("Add")
	require.True(t, ok)
	assert.Equal(t, schema.StructType, add.Input)
	assert.Equal(t, schema.StructType, add.Output)

	assert.Equal(t, []*schema.MessageSchema{in, out}, a.Services().Messages())

	_, res := call(t, a, "Greeter", "Greet", nil, map[string]any{"name": "ann"})
	assert.Equal(t, "hi ann", res["greeting"])
}

func TestDuplicateRegistrationReplaces(t *testing.T) {
	a := newTestApp(t, nil)
	var buf bytes.Buffer
	a.WithLogger(slog.New(slog.NewTextHandler(&buf, nil)))

	echo := func(v string) *UnaryHandler[map[string]any, map[string]any] {
		return Unary(func(context.Context, map[string]any) (map[string]any, error) {
			return map[string]any{"v": v}, nil
		})
	}
	a.Service("Echo").Register("Get", echo("first"))
	a.Service("Echo").Register("Get", echo("second"))

	assert.Contains(t, buf.String(), "duplicate route registration")
	_, res := call(t, a, "Echo", "Get", nil, map[string]any{})
	assert.Equal(t, "second", res["v"])
}

func TestInterceptorOrder(t *testing.T) {
	a := calcApp(t)
	var order []string
	trace := func(name string) UnaryInterceptor {
		return func(rc *RequestContext, req any, next HandlerFunc) (any, error) {
			order = append(order, name+" before")
			res, err := next(rc, req)
			order = append(order, name+" after")
			return res, err
		}
	}
	a.WithUnaryInterceptor(trace("global1")).WithUnaryInterceptor(trace("global2"))
	a.Service("Calc").WithUnaryInterceptor(trace("service"))

	rc, _ := dispatch(a, "Calc", "Add", map[string]any{"a": 1, "b": 1})
	require.Nil(t, rc.Status())
	assert.Equal(t, []string{
		"global1 before", "global2 before", "service before",
		"service after", "global2 after", "global1 after",
	}, order)
}

func TestInterceptorSeesRequestAndShortCircuits(t *testing.T) {
	a := newTestApp(t, nil, userEntity())
	var seen any
	a.WithUnaryInterceptor(func(rc *RequestContext, req any, next HandlerFunc) (any, error) {
		seen = req
		if rc.Method() == "Destroy" {
			return nil, NewError(CodePermissionDenied, "destroy is disabled")
		}
		return next(rc, req)
	})

	mustCall(t, a, "UserService", "Create", nil, map[string]any{"username": "ann", "email": "ann@example.com"})
	m, ok := seen.(map[string]any)
	require.True(t, ok, "model request is %T", seen)
	assert.Equal(t, "ann", m["username"])

	rc, _ := call(t, a, "UserService", "Destroy", nil, map[string]any{"id": 1})
	require.NotNil(t, rc.Status())
	assert.Equal(t, CodePermissionDenied, rc.Status().Code)
	mustCall(t, a, "UserService", "Retrieve", nil, map[string]any{"id": 1})
}
