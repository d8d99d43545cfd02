package devtools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/broady/modelrpc"
	"github.com/broady/modelrpc/descriptor"
	"github.com/broady/modelrpc/store/memstore"
	"github.com/broady/modelrpc/testutil"
)

func newApp(t *testing.T) *modelrpc.App {
	t.Helper()
	reg := descriptor.NewRegistry()
	require.NoError(t, reg.Register(&descriptor.Entity{
		Name:    "Order",
		Project: "shop",
		Fields:  []descriptor.Field{{Name: "id", Type: descriptor.Int64, PrimaryKey: true}},
	}))
	a, err := modelrpc.NewApp(reg, memstore.New(), nil)
	require.NoError(t, err)
	_, err = a.ModelService("Order")
	require.NoError(t, err)
	New(a, "v1.2.3").Register()
	return a
}

func call(t *testing.T, a *modelrpc.App, method string) map[string]any {
	t.Helper()
	tr := testutil.NewTransport(nil, map[string]any{})
	rc := a.Dispatch(context.Background(), &modelrpc.Call{Service: "Devtools", Method: method, Transport: tr})
	require.Nil(t, rc.Status())
	msgs := tr.Messages(t)
	require.Len(t, msgs, 1)
	return msgs[0]
}

func TestPing(t *testing.T) {
	assert.Equal(t, true, call(t, newApp(t), "Ping")["ok"])
}

func TestInfo(t *testing.T) {
	res := call(t, newApp(t), "Info")
	assert.Equal(t, "v1.2.3", res["version"])
	assert.NotEmpty(t, res["go_version"])
	assert.Contains(t, res, "memory")
}

func TestStatus(t *testing.T) {
	res := call(t, newApp(t), "Status")
	services := res["services"].(map[string]any)
	assert.Equal(t, []any{"List", "Retrieve", "Create", "Update", "PartialUpdate", "Destroy"}, services["OrderService"])
	assert.Equal(t, []any{"Ping", "Info", "Status"}, services["Devtools"])
	assert.Equal(t, map[string]any{"Order": "shop"}, res["entities"])
	assert.Equal(t, []any{"app", "shop"}, res["projects"])
}
