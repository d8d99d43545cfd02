package modelrpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"

	"github.com/broady/modelrpc/schema"
	"github.com/broady/modelrpc/wire"
)

// ErrStreamClosed is returned when sending on a stream whose peer has gone
// away or whose request has been cancelled.
var ErrStreamClosed = errors.New("modelrpc: stream closed")

// Transport moves encoded message payloads of one call. Recv returns io.EOF
// once the client has finished sending.
type Transport interface {
	Recv() ([]byte, error)
	Send(payload []byte) error
}

// Call is one invocation handed to Dispatch.
type Call struct {
	Service  string
	Method   string
	Metadata Metadata

	// Codec encodes payloads; nil selects wire.CBOR.
	Codec     wire.Codec
	Transport Transport
}

// inbound decodes request messages.
type inbound struct {
	rc    *RequestContext
	t     Transport
	codec wire.Codec
}

// next decodes the next request message into v. It returns io.EOF when
// the client has finished sending.
func (in *inbound) next(v any) error {
	if err := in.rc.Context.Err(); err != nil {
		return err
	}
	data, err := in.t.Recv()
	if err != nil {
		return err
	}
	if err := in.codec.Unmarshal(data, v); err != nil {
		return Errorf(CodeInvalidArgument, "malformed message: %v", err)
	}
	return nil
}

// first decodes the single request message of a unary or server-streaming
// call. A call without any message decodes as the zero value.
func (in *inbound) first(v any) error {
	if err := in.next(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// outbound encodes response messages.
type outbound struct {
	rc    *RequestContext
	t     Transport
	codec wire.Codec
	sent  int
}

func (out *outbound) send(v any) error {
	if err := out.rc.Context.Err(); err != nil {
		return err
	}
	data, err := out.codec.Marshal(v)
	if err != nil {
		return fmt.Errorf("modelrpc: encode response: %w", err)
	}
	if err := out.t.Send(data); err != nil {
		return fmt.Errorf("%w: %v", ErrStreamClosed, err)
	}
	out.sent++
	return nil
}

// handler runs the method-specific steps of dispatch.
type handler interface {
	// decode reads the request needed before execution.
	decode(rc *RequestContext, in *inbound) (req any, err error)
	// filter narrows the request, e.g. by building a list query.
	filter(rc *RequestContext, req any) (any, error)
	// execute performs the action. Server-streaming handlers send every
	// item through out and return a nil result.
	execute(rc *RequestContext, req any, in *inbound, out *outbound) (res any, err error)
}

// exposed returns the value interceptors see as the request.
func exposed(req any) any {
	if mr, ok := req.(*modelRequest); ok {
		return mr.msg
	}
	return req
}

// Dispatch runs one call through the dispatch state machine on the calling
// goroutine and returns its request context. The outcome is
// rc.Status(): nil on success.
func (a *App) Dispatch(ctx context.Context, call *Call) *RequestContext {
	codec := call.Codec
	if codec == nil {
		codec = wire.CBOR
	}
	r, ok := a.lookup(call.Service, call.Method)
	if !ok {
		rc := newRequestContext(ctx, a, &Service{app: a, name: call.Service}, call.Method, call.Metadata)
		rc.terminate(StateFailed, Errorf(CodeUnimplemented, "unknown method %s/%s", call.Service, call.Method))
		return rc
	}
	rc := newRequestContext(ctx, a, r.svc, call.Method, call.Metadata)

	if a.sem != nil {
		if err := a.sem.Acquire(rc, 1); err != nil {
			a.finish(rc, r, err, false)
			return rc
		}
		defer a.sem.Release(1)
	}

	a.run(rc, r, &inbound{rc: rc, t: call.Transport, codec: codec}, &outbound{rc: rc, t: call.Transport, codec: codec})
	return rc
}

func (a *App) run(rc *RequestContext, r *route, in *inbound, out *outbound) {
	started := false
	defer func() {
		if p := recover(); p != nil {
			a.log().Error("PANIC recovered", "panic", p, "stack", string(debug.Stack()))
			a.finish(rc, r, Errorf(CodeInternal, "internal server error (panic): %v", p), started)
		}
	}()

	step := func(next State) error {
		if err := rc.Context.Err(); err != nil {
			return err
		}
		return rc.advance(next)
	}

	req, err := r.h.decode(rc, in)
	if err == nil {
		err = step(StateDecoded)
	}
	if err == nil {
		err = step(StatePrepared)
	}
	if err != nil {
		a.finish(rc, r, err, false)
		return
	}

	started = true
	if err := a.signals.ActionStarted.Send(rc, &Event{Service: r.svc.name, Method: r.method, Request: rc}); err != nil {
		a.finish(rc, r, err, true)
		return
	}

	if err := a.authorize(rc, r); err != nil {
		a.finish(rc, r, err, true)
		return
	}
	if err := step(StateAuthorized); err != nil {
		a.finish(rc, r, err, true)
		return
	}
	if req, err = r.h.filter(rc, req); err == nil {
		err = step(StateFiltered)
	}
	if err == nil {
		err = step(StateExecuting)
	}
	if err != nil {
		a.finish(rc, r, err, true)
		return
	}

	res, hit, key := a.cacheLookup(rc, r, req)
	if !hit {
		res, err = a.execute(rc, r, req, in, out)
		if err != nil {
			a.finish(rc, r, err, true)
			return
		}
	}

	if err := step(StateSerializing); err != nil {
		a.finish(rc, r, err, true)
		return
	}
	var payload []byte
	if !r.method.Streaming.ServerStreams() {
		if payload, err = out.codec.Marshal(res); err != nil {
			a.finish(rc, r, fmt.Errorf("modelrpc: encode response: %w", err), true)
			return
		}
		if key != "" && !hit {
			a.cache.Set(rc, key, res, a.settings.CacheTTL)
		}
	}

	if !a.finish(rc, r, nil, true) || payload == nil {
		return
	}
	if err := out.t.Send(payload); err != nil {
		rc.Logger().Debug("response not delivered", "error", err)
	}
}

// execute runs the handler inside the interceptor chain.
func (a *App) execute(rc *RequestContext, r *route, req any, in *inbound, out *outbound) (any, error) {
	final := func(ctx context.Context, _ any) (any, error) {
		return r.h.execute(rc, req, in, out)
	}
	chain := chainInterceptors(append(append([]UnaryInterceptor{}, a.interceptors...), r.svc.interceptors...))
	if chain == nil {
		return final(rc, nil)
	}
	return chain(rc, exposed(req), final)
}

// finish delivers action_finished when the request was started and moves
// the request to its terminal state. It reports whether the request
// responded successfully.
func (a *App) finish(rc *RequestContext, r *route, cause error, notify bool) bool {
	status := a.toError(cause)
	if status != nil && status.Code == CodeInternal {
		rc.Logger().Error("request failed", "error", cause)
	}
	if notify {
		ev := &Event{Service: r.svc.name, Method: r.method, Request: rc, Err: status}
		if err := a.signals.ActionFinished.Send(rc, ev); err != nil {
			rc.Logger().Error("action_finished receiver failed", "error", err)
			if status == nil {
				status = a.toError(err)
			}
		}
	}

	switch {
	case status == nil:
		rc.terminate(StateResponded, nil)
		return true
	case status.Code == CodeCanceled || status.Code == CodeDeadlineExceeded:
		rc.terminate(StateCancelled, status)
	default:
		rc.terminate(StateFailed, status)
	}
	return false
}

// authorize identifies the caller and checks the service's permissions.
func (a *App) authorize(rc *RequestContext, r *route) error {
	if a.authenticator != nil {
		u, err := a.authenticator.Authenticate(rc, rc.Metadata())
		if err != nil {
			return err
		}
		rc.SetUser(u)
	}
	for _, p := range r.svc.perms() {
		if p.HasPermission(rc, r.method) {
			continue
		}
		if rc.User() == nil {
			return NewError(CodeUnauthenticated, "authentication credentials were not provided")
		}
		return NewError(CodePermissionDenied, "you do not have permission to perform this action")
	}
	return nil
}

// safe reports whether m only reads data.
func safe(m schema.Method) bool {
	return m.Name == schema.MethodList || m.Name == schema.MethodRetrieve || m.Cacheable
}
