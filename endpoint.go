package modelrpc

import (
	"context"
	"reflect"

	"github.com/broady/modelrpc/schema"
)

// Endpoint is a custom method created with Unary, ServerStream,
// ClientStream or Bidi. It is exported so it can be passed to
// Service.Register, but sealed so it cannot be implemented elsewhere.
type Endpoint interface {
	handler
	declaration(name string) schema.Method
	messages() []*schema.MessageSchema
}

// EndpointOption configures a custom method.
type EndpointOption func(*endpointBase)

// Messages declares the request and response message shapes used in the
// generated interface document. Without it both are google.protobuf.Struct.
func Messages(in, out *schema.MessageSchema) EndpointOption {
	return func(b *endpointBase) {
		b.in, b.out = in, out
		b.inName, b.outName = in.Name, out.Name
	}
}

// Types names existing messages, such as an entity's generated messages,
// as the request and response.
func Types(in, out string) EndpointOption {
	return func(b *endpointBase) { b.inName, b.outName = in, out }
}

// Cacheable marks a unary method's responses as cacheable.
func Cacheable() EndpointOption {
	return func(b *endpointBase) { b.cacheable = true }
}

// Idempotent marks a method as safe to retry.
func Idempotent() EndpointOption {
	return func(b *endpointBase) { b.idempotent = true }
}

type endpointBase struct {
	streaming       schema.Streaming
	in, out         *schema.MessageSchema
	inName, outName string
	cacheable       bool
	idempotent      bool
}

func newBase(s schema.Streaming, opts []EndpointOption) endpointBase {
	b := endpointBase{streaming: s, inName: schema.StructType, outName: schema.StructType}
	for _, opt := range opts {
		opt(&b)
	}
	return b
}

func (b *endpointBase) declaration(name string) schema.Method {
	return schema.Method{
		Name:       name,
		Input:      b.inName,
		Output:     b.outName,
		Streaming:  b.streaming,
		Cacheable:  b.cacheable && b.streaming == schema.Unary,
		Idempotent: b.idempotent,
	}
}

func (b *endpointBase) messages() []*schema.MessageSchema {
	var out []*schema.MessageSchema
	if b.in != nil {
		out = append(out, b.in)
	}
	if b.out != nil && b.out != b.in {
		out = append(out, b.out)
	}
	return out
}

func (b *endpointBase) filter(_ *RequestContext, req any) (any, error) { return req, nil }

// decodeMessage reads one message into T and validates struct values with
// their `validate` tags. Pointer types are allocated so that decoding
// fills a fresh value.
func decodeMessage[T any](in *inbound, read func(*inbound, any) error) (T, error) {
	var v T
	var target any = &v
	if rt := reflect.TypeFor[T](); rt.Kind() == reflect.Pointer {
		v = reflect.New(rt.Elem()).Interface().(T)
		target = v
	}
	if err := read(in, target); err != nil {
		var zero T
		return zero, err
	}
	if reflect.Indirect(reflect.ValueOf(target)).Kind() == reflect.Struct {
		if err := validate.Struct(target); err != nil {
			var zero T
			return zero, err
		}
	}
	return v, nil
}

// Emitter sends response messages of a server-streaming or bidi method.
type Emitter[T any] interface {
	// Send returns an error satisfying errors.Is(err, ErrStreamClosed)
	// once the client has gone away.
	Send(msg T) error
}

// Source receives request messages of a client-streaming or bidi method.
type Source[T any] interface {
	// Recv returns io.EOF after the client's last message.
	Recv() (T, error)
}

type emitter[T any] struct{ out *outbound }

func (e emitter[T]) Send(msg T) error { return e.out.send(msg) }

type source[T any] struct{ in *inbound }

func (s source[T]) Recv() (T, error) {
	return decodeMessage[T](s.in, (*inbound).next)
}

// UnaryHandler serves one request with one response.
type UnaryHandler[Req, Res any] struct {
	endpointBase
	fn func(context.Context, Req) (Res, error)
}

// Unary creates a unary custom method.
func Unary[Req, Res any](fn func(context.Context, Req) (Res, error), opts ...EndpointOption) *UnaryHandler[Req, Res] {
	return &UnaryHandler[Req, Res]{endpointBase: newBase(schema.Unary, opts), fn: fn}
}

func (h *UnaryHandler[Req, Res]) decode(_ *RequestContext, in *inbound) (any, error) {
	return decodeMessage[Req](in, (*inbound).first)
}

func (h *UnaryHandler[Req, Res]) execute(rc *RequestContext, req any, _ *inbound, _ *outbound) (any, error) {
	return h.fn(rc, req.(Req))
}

// ServerStreamHandler serves one request with a stream of responses.
type ServerStreamHandler[Req, Res any] struct {
	endpointBase
	fn func(context.Context, Req, Emitter[Res]) error
}

// ServerStream creates a server-streaming custom method.
func ServerStream[Req, Res any](fn func(context.Context, Req, Emitter[Res]) error, opts ...EndpointOption) *ServerStreamHandler[Req, Res] {
	return &ServerStreamHandler[Req, Res]{endpointBase: newBase(schema.ServerStreaming, opts), fn: fn}
}

func (h *ServerStreamHandler[Req, Res]) decode(_ *RequestContext, in *inbound) (any, error) {
	return decodeMessage[Req](in, (*inbound).first)
}

func (h *ServerStreamHandler[Req, Res]) execute(rc *RequestContext, req any, _ *inbound, out *outbound) (any, error) {
	return nil, h.fn(rc, req.(Req), emitter[Res]{out})
}

// ClientStreamHandler serves a stream of requests with one response.
type ClientStreamHandler[Req, Res any] struct {
	endpointBase
	fn func(context.Context, Source[Req]) (Res, error)
}

// ClientStream creates a client-streaming custom method.
func ClientStream[Req, Res any](fn func(context.Context, Source[Req]) (Res, error), opts ...EndpointOption) *ClientStreamHandler[Req, Res] {
	return &ClientStreamHandler[Req, Res]{endpointBase: newBase(schema.ClientStreaming, opts), fn: fn}
}

func (h *ClientStreamHandler[Req, Res]) decode(*RequestContext, *inbound) (any, error) {
	return nil, nil
}

func (h *ClientStreamHandler[Req, Res]) execute(rc *RequestContext, _ any, in *inbound, _ *outbound) (any, error) {
	return h.fn(rc, source[Req]{in})
}

// BidiHandler exchanges streams in both directions.
type BidiHandler[Req, Res any] struct {
	endpointBase
	fn func(context.Context, Source[Req], Emitter[Res]) error
}

// Bidi creates a bidirectional-streaming custom method.
func Bidi[Req, Res any](fn func(context.Context, Source[Req], Emitter[Res]) error, opts ...EndpointOption) *BidiHandler[Req, Res] {
	return &BidiHandler[Req, Res]{endpointBase: newBase(schema.Bidi, opts), fn: fn}
}

func (h *BidiHandler[Req, Res]) decode(*RequestContext, *inbound) (any, error) {
	return nil, nil
}

func (h *BidiHandler[Req, Res]) execute(rc *RequestContext, _ any, in *inbound, out *outbound) (any, error) {
	return nil, h.fn(rc, source[Req]{in}, emitter[Res]{out})
}
