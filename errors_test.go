package modelrpc

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/broady/modelrpc/serializer"
	"github.com/broady/modelrpc/store"
)

func TestDefaultErrorTransformer(t *testing.T) {
	status := NewError(CodeAborted, "try again")
	tests := []struct {
		name    string
		err     error
		code    Code
		message string
	}{
		{"status", status, CodeAborted, "try again"},
		{"wrapped status", fmt.Errorf("outer: %w", status), CodeAborted, "try again"},
		{"deadline", fmt.Errorf("query: %w", context.DeadlineExceeded), CodeDeadlineExceeded, "deadline exceeded"},
		{"canceled", context.Canceled, CodeCanceled, "request cancelled"},
		{"stream closed", fmt.Errorf("%w: broken pipe", ErrStreamClosed), CodeCanceled, "stream closed"},
		{"transient", store.Transient(errors.New("database is locked")), CodeUnavailable, "database is locked"},
		{"not found", store.ErrNotFound, CodeNotFound, "store: not found"},
		{"conflict", fmt.Errorf("insert: %w", store.ErrConflict), CodeAlreadyExists, "insert: store: conflict"},
		{"hook", &HookError{Signal: "action_started", Receiver: "audit", Err: errors.New("down")}, CodeInternal, "signal action_started: receiver audit: down"},
		{"joined", errors.Join(errors.New("first"), errors.New("second")), CodeInternal, "first; second"},
		{"plain", errors.New("boom"), CodeInternal, "boom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DefaultErrorTransformer(tt.err)
			if got == nil {
				t.Fatal("got nil")
			}
			if got.Code != tt.code || got.Message != tt.message {
				t.Errorf("got %v %q, want %v %q", got.Code, got.Message, tt.code, tt.message)
			}
		})
	}

	if got := DefaultErrorTransformer(nil); got != nil {
		t.Errorf("nil error mapped to %v", got)
	}
}

func TestFieldErrorsBecomeViolations(t *testing.T) {
	err := serializer.Errors{
		{Path: "username", Code: serializer.CodeRequired, Message: "this field is required"},
		{Path: "tags[1]", Code: serializer.CodeInvalid, Message: "must be a string"},
	}
	got := DefaultErrorTransformer(fmt.Errorf("create: %w", err))
	if got.Code != CodeInvalidArgument {
		t.Fatalf("code = %v", got.Code)
	}
	if len(got.Violations) != 2 || got.Violations[1].Path != "tags[1]" {
		t.Errorf("violations = %+v", got.Violations)
	}
}

func TestCodeString(t *testing.T) {
	for code, want := range map[Code]string{
		CodeOK:              "OK",
		CodeCanceled:        "CANCELLED",
		CodeInvalidArgument: "INVALID_ARGUMENT",
		CodeUnauthenticated: "UNAUTHENTICATED",
		Code(99):            "CODE(99)",
	} {
		if got := code.String(); got != want {
			t.Errorf("Code(%d).String() = %q, want %q", code, got, want)
		}
	}
}

func TestWithDetails(t *testing.T) {
	base := NewError(CodeNotFound, "gone").WithDetail("id", 1)
	merged := base.WithDetails(map[string]any{"entity": "User"})

	if len(base.Details) != 1 {
		t.Errorf("WithDetails modified the receiver: %v", base.Details)
	}
	if merged.Details["id"] != 1 || merged.Details["entity"] != "User" {
		t.Errorf("merged details = %v", merged.Details)
	}
	if same := merged.WithDetails(nil); same != merged {
		t.Error("empty details should return the receiver")
	}
	if got := merged.Error(); got != "NOT_FOUND: gone" {
		t.Errorf("Error() = %q", got)
	}
}

func TestToError(t *testing.T) {
	a := newTestApp(t, nil)
	teapot := errors.New("teapot")
	a.WithErrorTransformer(func(err error) *Error {
		if errors.Is(err, teapot) {
			return NewError(CodeFailedPrecondition, "short and stout")
		}
		return nil
	})

	if got := a.toError(fmt.Errorf("brew: %w", teapot)); got.Code != CodeFailedPrecondition {
		t.Errorf("custom transformer: got %v", got)
	}
	if got := a.toError(store.ErrNotFound); got.Code != CodeNotFound {
		t.Errorf("fallback transformer: got %v", got)
	}

	a.WithMaskInternalErrors()
	got := a.toError(errors.New("password=hunter2"))
	if got.Code != CodeInternal || got.Message != "internal server error" {
		t.Errorf("masked: got %v", got)
	}
	if got := a.toError(NewError(CodeNotFound, "no such user")); got.Message != "no such user" {
		t.Errorf("non-internal errors are not masked: got %v", got)
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateReceived, StateDecoded, true},
		{StateReceived, StatePrepared, false},
		{StateExecuting, StateSerializing, true},
		{StateSerializing, StateResponded, true},
		{StateDecoded, StateFailed, true},
		{StateAuthorized, StateCancelled, true},
		{StateExecuting, StateAuthorized, false},
		{StateResponded, StateFailed, false},
		{StateFailed, StateCancelled, false},
		{StateCancelled, StateResponded, false},
	}
	for _, tt := range tests {
		if got := tt.from.canTransition(tt.to); got != tt.want {
			t.Errorf("%v -> %v = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
	if !StateCancelled.Terminal() || StateSerializing.Terminal() {
		t.Error("Terminal is wrong")
	}
	if got := State(42).String(); got != "UNKNOWN" {
		t.Errorf("State(42) = %q", got)
	}
}
