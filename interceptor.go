package modelrpc

import (
	"context"
)

// HandlerFunc is the next step of an interceptor chain.
type HandlerFunc func(ctx context.Context, req any) (res any, err error)

// UnaryInterceptor wraps the execution of a method:
//
//	func timing(rc *modelrpc.RequestContext, req any, next modelrpc.HandlerFunc) (any, error) {
//	    start := time.Now()
//	    res, err := next(rc, req)
//	    rc.Logger().Info("executed", "took", time.Since(start))
//	    return res, err
//	}
//
// req is the decoded request message. For model methods it is a
// map[string]any; for streaming methods both req and res are nil and the
// interceptor brackets the whole stream.
type UnaryInterceptor func(rc *RequestContext, req any, next HandlerFunc) (res any, err error)

// chainInterceptors combines interceptors into one. The first interceptor
// is the outer-most.
func chainInterceptors(interceptors []UnaryInterceptor) UnaryInterceptor {
	switch len(interceptors) {
	case 0:
		return nil
	case 1:
		return interceptors[0]
	}
	return func(rc *RequestContext, req any, handler HandlerFunc) (any, error) {
		chain := handler
		for i := len(interceptors) - 1; i >= 0; i-- {
			current, next := interceptors[i], chain
			chain = func(ctx context.Context, req any) (any, error) {
				inner, ok := FromContext(ctx)
				if !ok {
					inner = rc
				}
				return current(inner, req, next)
			}
		}
		return chain(rc, req)
	}
}
