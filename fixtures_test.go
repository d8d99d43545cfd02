package modelrpc

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/broady/modelrpc/config"
	"github.com/broady/modelrpc/descriptor"
	"github.com/broady/modelrpc/store"
	"github.com/broady/modelrpc/store/memstore"
	"github.com/broady/modelrpc/testutil"
)

func userEntity() *descriptor.Entity {
	return &descriptor.Entity{
		Name: "User",
		Fields: []descriptor.Field{
			{Name: "id", Type: descriptor.Int64, PrimaryKey: true},
			{Name: "username", Type: descriptor.String, Validate: "min=2"},
			{Name: "email", Type: descriptor.String, Validate: "email"},
		},
		Meta: descriptor.Meta{
			FilterFields: []string{"username"},
			SearchFields: []string{"username", "email"},
		},
	}
}

func itemEntity() *descriptor.Entity {
	return &descriptor.Entity{
		Name: "Item",
		Fields: []descriptor.Field{
			{Name: "id", Type: descriptor.Int64, PrimaryKey: true},
			{Name: "name", Type: descriptor.String},
			{Name: "qty", Type: descriptor.Int64, Default: 0},
			{Name: "secret", Type: descriptor.String, WriteOnly: true, Nullable: true},
		},
		Meta: descriptor.Meta{
			FilterFields: []string{"qty"},
			Methods: map[string]descriptor.MethodOptions{
				"Retrieve": {Cacheable: true},
			},
		},
	}
}

func ticketEntity() *descriptor.Entity {
	return &descriptor.Entity{
		Name: "Ticket",
		Fields: []descriptor.Field{
			{Name: "id", Type: descriptor.Int64, PrimaryKey: true},
			{Name: "status", Type: descriptor.Enum, Choices: []descriptor.Choice{
				{Wire: "OPEN", Label: "Open"},
				{Wire: "CLOSED", Label: "Closed"},
			}},
		},
	}
}

func nodeEntity() *descriptor.Entity {
	return &descriptor.Entity{
		Name: "Node",
		Fields: []descriptor.Field{
			{Name: "uuid", Type: descriptor.UUID, PrimaryKey: true},
			{Name: "label", Type: descriptor.String, Nullable: true},
			{Name: "parent", Nullable: true, Relation: &descriptor.Relation{
				Target: "Node", Kind: descriptor.SelfRecursive,
			}},
		},
	}
}

func eventEntity() *descriptor.Entity {
	return &descriptor.Entity{
		Name: "Event",
		Fields: []descriptor.Field{
			{Name: "uuid", Type: descriptor.UUID, PrimaryKey: true},
			{Name: "name", Type: descriptor.String},
			{Name: "created_at", Type: descriptor.Timestamp, Default: "now"},
		},
		Meta: descriptor.Meta{
			Ordering: []string{"name"},
			Methods: map[string]descriptor.MethodOptions{
				"List": {Stream: true},
			},
		},
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestApp registers entities on a fresh registry and serves each of
// them as a model service backed by an in-memory store.
func newTestApp(t *testing.T, s *config.Settings, entities ...*descriptor.Entity) *App {
	t.Helper()
	reg := descriptor.NewRegistry()
	for _, e := range entities {
		require.NoError(t, reg.Register(e))
	}
	a, err := NewApp(reg, memstore.New(), s)
	require.NoError(t, err)
	a.WithLogger(quietLogger())
	for _, e := range entities {
		_, err := a.ModelService(e.Name)
		require.NoError(t, err)
	}
	return a
}

// call dispatches one request message and decodes the first response.
func call(t *testing.T, a *App, service, method string, md Metadata, msg any) (*RequestContext, map[string]any) {
	t.Helper()
	return callCtx(t, context.Background(), a, service, method, md, msg)
}

func callCtx(t *testing.T, ctx context.Context, a *App, service, method string, md Metadata, msg any) (*RequestContext, map[string]any) {
	t.Helper()
	tr := testutil.NewTransport(nil, msg)
	rc := a.Dispatch(ctx, &Call{Service: service, Method: method, Metadata: md, Transport: tr})
	var res map[string]any
	if tr.Len() > 0 {
		require.NoError(t, tr.Decode(0, &res))
	}
	return rc, res
}

// mustCall is call for requests expected to succeed.
func mustCall(t *testing.T, a *App, service, method string, md Metadata, msg any) map[string]any {
	t.Helper()
	rc, res := call(t, a, service, method, md, msg)
	require.Nil(t, rc.Status(), "%s.%s failed", service, method)
	return res
}

func results(t *testing.T, res map[string]any) []map[string]any {
	t.Helper()
	raw, ok := res["results"].([]any)
	require.True(t, ok, "results is %T", res["results"])
	out := make([]map[string]any, len(raw))
	for i, r := range raw {
		out[i] = r.(map[string]any)
	}
	return out
}

// flakyStore fails reads as a busy database would.
type flakyStore struct {
	store.Store
}

func (flakyStore) List(context.Context, store.Query) ([]store.Record, error) {
	return nil, store.Transient(errors.New("database is locked"))
}

func (flakyStore) Count(context.Context, store.Query) (int, error) {
	return 0, store.Transient(errors.New("database is locked"))
}
