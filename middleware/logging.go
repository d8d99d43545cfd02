package middleware

import (
	"log/slog"
	"time"

	"github.com/broady/modelrpc"
)

// LoggingInterceptor creates an interceptor that logs every call with slog.
// Failed calls are logged at error level with their status code.
func LoggingInterceptor(logger *slog.Logger) modelrpc.UnaryInterceptor {
	if logger == nil {
		logger = slog.Default()
	}

	return func(rc *modelrpc.RequestContext, req any, next modelrpc.HandlerFunc) (any, error) {
		start := time.Now()
		attrs := []any{
			slog.String("endpoint", rc.EndpointID()),
			slog.String("request_id", rc.RequestID()),
		}
		logger.InfoContext(rc, "request started", attrs...)

		res, err := next(rc, req)
		attrs = append(attrs, slog.Duration("duration", time.Since(start)))
		if err != nil {
			status := modelrpc.DefaultErrorTransformer(err)
			logger.ErrorContext(rc, "request failed", append(attrs,
				slog.String("code", status.Code.String()),
				slog.Any("error", err),
			)...)
			return res, err
		}
		if u := rc.User(); u != nil {
			attrs = append(attrs, slog.String("user", u.ID))
		}
		logger.InfoContext(rc, "request completed", attrs...)
		return res, err
	}
}
