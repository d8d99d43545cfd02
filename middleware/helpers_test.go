package middleware

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/broady/modelrpc"
	"github.com/broady/modelrpc/descriptor"
	"github.com/broady/modelrpc/store/memstore"
	"github.com/broady/modelrpc/testutil"
)

// newApp serves a single Note entity from memory.
func newApp(t *testing.T) *modelrpc.App {
	t.Helper()
	reg := descriptor.NewRegistry()
	err := reg.Register(&descriptor.Entity{
		Name: "Note",
		Fields: []descriptor.Field{
			{Name: "id", Type: descriptor.Int64, PrimaryKey: true},
			{Name: "text", Type: descriptor.String},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	a, err := modelrpc.NewApp(reg, memstore.New(), nil)
	if err != nil {
		t.Fatal(err)
	}
	a.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
	if _, err := a.ModelService("Note"); err != nil {
		t.Fatal(err)
	}
	return a
}

func call(t *testing.T, a *modelrpc.App, service, method string, msg any) *modelrpc.RequestContext {
	t.Helper()
	return callMD(t, a, service, method, nil, msg)
}

func callMD(t *testing.T, a *modelrpc.App, service, method string, md modelrpc.Metadata, msg any) *modelrpc.RequestContext {
	t.Helper()
	return a.Dispatch(context.Background(), &modelrpc.Call{
		Service:   service,
		Method:    method,
		Metadata:  md,
		Transport: testutil.NewTransport(nil, msg),
	})
}
