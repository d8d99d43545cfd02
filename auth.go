package modelrpc

import (
	"context"
	"strings"

	"github.com/broady/modelrpc/schema"
)

// Authenticator identifies the caller from call metadata. It returns a nil
// user for anonymous calls and an error for rejected credentials.
type Authenticator interface {
	Authenticate(ctx context.Context, md Metadata) (*User, error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, md Metadata) (*User, error)

func (f AuthenticatorFunc) Authenticate(ctx context.Context, md Metadata) (*User, error) {
	return f(ctx, md)
}

// Anonymous treats every caller as anonymous.
type Anonymous struct{}

func (Anonymous) Authenticate(context.Context, Metadata) (*User, error) { return nil, nil }

// TokenAuthenticator reads "authorization: Bearer <token>" and resolves the
// token with Lookup. Calls without the header are anonymous.
type TokenAuthenticator struct {
	Lookup func(ctx context.Context, token string) (*User, error)
}

func (t TokenAuthenticator) Authenticate(ctx context.Context, md Metadata) (*User, error) {
	h := md.Get("authorization")
	if h == "" {
		return nil, nil
	}
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(token) == "" {
		return nil, NewError(CodeUnauthenticated, "invalid authorization header")
	}
	u, err := t.Lookup(ctx, strings.TrimSpace(token))
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, NewError(CodeUnauthenticated, "invalid token")
	}
	return u, nil
}

// Permission decides whether the caller of rc may invoke m.
type Permission interface {
	HasPermission(rc *RequestContext, m schema.Method) bool
}

// PermissionFunc adapts a function to Permission.
type PermissionFunc func(rc *RequestContext, m schema.Method) bool

func (f PermissionFunc) HasPermission(rc *RequestContext, m schema.Method) bool { return f(rc, m) }

// AllowAny permits every call.
type AllowAny struct{}

func (AllowAny) HasPermission(*RequestContext, schema.Method) bool { return true }

// IsAuthenticated permits authenticated callers.
type IsAuthenticated struct{}

func (IsAuthenticated) HasPermission(rc *RequestContext, _ schema.Method) bool {
	return rc.User() != nil
}

// ReadOnly permits List, Retrieve and cacheable methods to everyone and
// everything else to authenticated callers.
type ReadOnly struct{}

func (ReadOnly) HasPermission(rc *RequestContext, m schema.Method) bool {
	return safe(m) || rc.User() != nil
}
