package modelrpc

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/broady/modelrpc/descriptor"
	"github.com/broady/modelrpc/serializer"
	"github.com/broady/modelrpc/store"
)

// Code is an RPC status code. Values follow the gRPC numbering.
type Code uint32

const (
	CodeOK                 Code = 0
	CodeCanceled           Code = 1
	CodeUnknown            Code = 2
	CodeInvalidArgument    Code = 3
	CodeDeadlineExceeded   Code = 4
	CodeNotFound           Code = 5
	CodeAlreadyExists      Code = 6
	CodePermissionDenied   Code = 7
	CodeResourceExhausted  Code = 8
	CodeFailedPrecondition Code = 9
	CodeAborted            Code = 10
	CodeOutOfRange         Code = 11
	CodeUnimplemented      Code = 12
	CodeInternal           Code = 13
	CodeUnavailable        Code = 14
	CodeDataLoss           Code = 15
	CodeUnauthenticated    Code = 16
)

var codeNames = [...]string{
	"OK", "CANCELLED", "UNKNOWN", "INVALID_ARGUMENT", "DEADLINE_EXCEEDED",
	"NOT_FOUND", "ALREADY_EXISTS", "PERMISSION_DENIED", "RESOURCE_EXHAUSTED",
	"FAILED_PRECONDITION", "ABORTED", "OUT_OF_RANGE", "UNIMPLEMENTED",
	"INTERNAL", "UNAVAILABLE", "DATA_LOSS", "UNAUTHENTICATED",
}

func (c Code) String() string {
	if int(c) < len(codeNames) {
		return codeNames[c]
	}
	return "CODE(" + strconv.Itoa(int(c)) + ")"
}

// Violation locates one field-level validation failure.
type Violation = serializer.FieldError

// Error is the status carried by a failed call.
type Error struct {
	Code    Code           `json:"code" cbor:"code"`
	Message string         `json:"message" cbor:"message"`
	Details map[string]any `json:"details,omitempty" cbor:"details,omitempty"`

	// Violations lists every field failure of an INVALID_ARGUMENT error.
	Violations []Violation `json:"violations,omitempty" cbor:"violations,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError creates a new status error.
func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates a new status error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetail returns a new Error with the key-value pair added to details.
func (e *Error) WithDetail(key string, value any) *Error {
	return e.WithDetails(map[string]any{key: value})
}

// WithDetails returns a new Error with the provided map merged into details.
func (e *Error) WithDetails(details map[string]any) *Error {
	if len(details) == 0 {
		return e
	}
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	out := *e
	out.Details = merged
	return &out
}

// ValidationFailed returns an INVALID_ARGUMENT error listing violations.
func ValidationFailed(violations ...Violation) *Error {
	msgs := make([]string, len(violations))
	for i, v := range violations {
		msgs[i] = v.Error()
	}
	return &Error{
		Code:       CodeInvalidArgument,
		Message:    strings.Join(msgs, "; "),
		Violations: violations,
	}
}

// HookError reports a signal receiver failure. It fails the request with
// INTERNAL.
type HookError struct {
	Signal   string
	Receiver string
	Err      error
}

func (e *HookError) Error() string {
	return fmt.Sprintf("signal %s: receiver %s: %v", e.Signal, e.Receiver, e.Err)
}

func (e *HookError) Unwrap() error { return e.Err }

// ErrorTransformer maps an application error to a status error. If it
// returns nil, DefaultErrorTransformer is applied.
type ErrorTransformer func(error) *Error

// DefaultErrorTransformer maps standard errors to status errors.
func DefaultErrorTransformer(err error) *Error {
	if err == nil {
		return nil
	}

	var svcErr *Error
	if errors.As(err, &svcErr) {
		return svcErr
	}

	var hookErr *HookError
	if errors.As(err, &hookErr) {
		return NewError(CodeInternal, hookErr.Error())
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return NewError(CodeDeadlineExceeded, "deadline exceeded")
	case errors.Is(err, context.Canceled):
		return NewError(CodeCanceled, "request cancelled")
	case errors.Is(err, ErrStreamClosed):
		return NewError(CodeCanceled, "stream closed")
	case errors.Is(err, store.ErrTransient):
		return NewError(CodeUnavailable, err.Error())
	case errors.Is(err, store.ErrNotFound):
		return NewError(CodeNotFound, err.Error())
	case errors.Is(err, store.ErrConflict):
		return NewError(CodeAlreadyExists, err.Error())
	}

	var fieldErrs serializer.Errors
	if errors.As(err, &fieldErrs) {
		return ValidationFailed(fieldErrs...)
	}

	var valErrs validator.ValidationErrors
	if errors.As(err, &valErrs) {
		violations := make([]Violation, len(valErrs))
		for i, ve := range valErrs {
			violations[i] = Violation{
				Path:    ve.Field(),
				Code:    ve.Tag(),
				Message: formatValidationError(ve),
			}
		}
		return ValidationFailed(violations...)
	}

	var schemaErr *descriptor.SchemaError
	if errors.As(err, &schemaErr) {
		return NewError(CodeInternal, schemaErr.Error())
	}

	// errors.Join: the first error decides the code, every message is kept.
	if u, ok := err.(interface{ Unwrap() []error }); ok {
		if errs := u.Unwrap(); len(errs) > 0 {
			first := DefaultErrorTransformer(errs[0])
			msgs := make([]string, len(errs))
			for i, e := range errs {
				msgs[i] = e.Error()
			}
			return &Error{
				Code:       first.Code,
				Message:    strings.Join(msgs, "; "),
				Details:    first.Details,
				Violations: first.Violations,
			}
		}
	}

	return NewError(CodeInternal, err.Error())
}

// formatValidationError converts a validator.FieldError to a human-readable message.
func formatValidationError(ve validator.FieldError) string {
	switch ve.Tag() {
	case "required":
		return "required"
	case "min":
		return fmt.Sprintf("must be at least %s", ve.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", ve.Param())
	case "len":
		return fmt.Sprintf("must have length %s", ve.Param())
	case "gt":
		return fmt.Sprintf("must be greater than %s", ve.Param())
	case "gte":
		return fmt.Sprintf("must be at least %s", ve.Param())
	case "lt":
		return fmt.Sprintf("must be less than %s", ve.Param())
	case "lte":
		return fmt.Sprintf("must be at most %s", ve.Param())
	case "email":
		return "must be a valid email address"
	case "uuid":
		return "must be a valid UUID"
	case "oneof":
		return fmt.Sprintf("must be one of: %s", ve.Param())
	default:
		if ve.Param() != "" {
			return fmt.Sprintf("failed %s=%s validation", ve.Tag(), ve.Param())
		}
		return fmt.Sprintf("failed %s validation", ve.Tag())
	}
}

// toError applies the app's transformer chain and masking.
func (a *App) toError(err error) *Error {
	if err == nil {
		return nil
	}
	var out *Error
	if a.errorTransformer != nil {
		out = a.errorTransformer(err)
	}
	if out == nil {
		out = DefaultErrorTransformer(err)
	}
	if a.maskInternalErrors && out.Code == CodeInternal {
		masked := *out
		masked.Message = "internal server error"
		out = &masked
	}
	return out
}
