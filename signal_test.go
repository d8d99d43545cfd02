package modelrpc

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/broady/modelrpc/descriptor"
	"github.com/broady/modelrpc/store"
	"github.com/broady/modelrpc/store/memstore"
)

func TestSignalDeliversInOrder(t *testing.T) {
	s := newSignal("test", false)
	var got []string
	s.Connect("a", func(context.Context, *Event) error { got = append(got, "a"); return nil })
	disconnect := s.Connect("b", func(context.Context, *Event) error { got = append(got, "b"); return nil })
	s.Connect("c", func(context.Context, *Event) error { got = append(got, "c"); return nil })

	if err := s.Send(context.Background(), &Event{}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if want := []string{"a", "b", "c"}; !equalStrings(got, want) {
		t.Errorf("delivery order = %v, want %v", got, want)
	}

	disconnect()
	got = nil
	s.Send(context.Background(), &Event{})
	if want := []string{"a", "c"}; !equalStrings(got, want) {
		t.Errorf("after disconnect = %v, want %v", got, want)
	}
	if want := []string{"a", "c"}; !equalStrings(s.Receivers(), want) {
		t.Errorf("Receivers() = %v, want %v", s.Receivers(), want)
	}
}

func TestSignalReconnectReplacesInPlace(t *testing.T) {
	s := newSignal("test", false)
	var got []string
	s.Connect("a", func(context.Context, *Event) error { got = append(got, "a1"); return nil })
	s.Connect("b", func(context.Context, *Event) error { got = append(got, "b"); return nil })
	s.Connect("a", func(context.Context, *Event) error { got = append(got, "a2"); return nil })

	s.Send(context.Background(), &Event{})
	if want := []string{"a2", "b"}; !equalStrings(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestSignalFailure(t *testing.T) {
	boom := errors.New("boom")
	for _, runAll := range []bool{false, true} {
		s := newSignal("sig", runAll)
		var ran []string
		s.Connect("first", func(context.Context, *Event) error { ran = append(ran, "first"); return boom })
		s.Connect("second", func(context.Context, *Event) error { ran = append(ran, "second"); return errors.New("later") })

		ev := &Event{}
		err := s.Send(context.Background(), ev)
		var he *HookError
		if !errors.As(err, &he) {
			t.Fatalf("runAll=%v: error %v is not a *HookError", runAll, err)
		}
		if he.Signal != "sig" || he.Receiver != "first" || !errors.Is(err, boom) {
			t.Errorf("runAll=%v: got %+v", runAll, he)
		}
		if ev.Signal != "sig" {
			t.Errorf("event signal = %q", ev.Signal)
		}
		wantRan := 1
		if runAll {
			wantRan = 2
		}
		if len(ran) != wantRan {
			t.Errorf("runAll=%v: %d receivers ran, want %d", runAll, len(ran), wantRan)
		}
	}
}

func TestAsyncReceiver(t *testing.T) {
	s := newSignal("sig", false)
	done := make(chan *Event, 1)
	ctx, cancel := context.WithCancel(context.Background())
	s.Connect("async", Async(quietLogger(), func(ctx context.Context, ev *Event) error {
		<-time.After(10 * time.Millisecond)
		if ctx.Err() != nil {
			t.Error("async receiver saw a cancelled context")
		}
		done <- ev
		return errors.New("ignored")
	}))

	ev := &Event{Service: "S"}
	if err := s.Send(ctx, ev); err != nil {
		t.Fatalf("Send: %v", err)
	}
	cancel()
	ev.Service = "changed"
	select {
	case got := <-done:
		if got.Service != "S" {
			t.Errorf("async receiver saw service %q", got.Service)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("async receiver did not run")
	}
}

func TestActionRegisterOncePerMethod(t *testing.T) {
	reg := descriptor.NewRegistry()
	require.NoError(t, reg.Register(userEntity()))
	a, err := NewApp(reg, memstore.New(), nil)
	require.NoError(t, err)
	a.WithLogger(quietLogger())

	var got []string
	a.Signals().ActionRegister.Connect("record", func(_ context.Context, ev *Event) error {
		if ev.Request != nil {
			t.Error("action_register carries a request")
		}
		got = append(got, ev.Service+"."+ev.Method.Name)
		return nil
	})
	_, err = a.ModelService("User")
	require.NoError(t, err)
	a.Service("Greeter").Register("Hello", Unary(func(context.Context, map[string]any) (map[string]any, error) {
		return nil, nil
	}))

	assert.Equal(t, []string{
		"UserService.List",
		"UserService.Retrieve",
		"UserService.Create",
		"UserService.Update",
		"UserService.PartialUpdate",
		"UserService.Destroy",
		"Greeter.Hello",
	}, got)

	_, err = a.ModelService("User")
	assert.Error(t, err, "duplicate model service")
}

func TestLifecycleSignals(t *testing.T) {
	a := newTestApp(t, nil, userEntity())
	var mu sync.Mutex
	var log []string
	record := func(s string) {
		mu.Lock()
		log = append(log, s)
		mu.Unlock()
	}
	a.Signals().ActionStarted.Connect("record", func(_ context.Context, ev *Event) error {
		record("started " + ev.Request.State().String())
		return nil
	})
	a.Signals().ActionFinished.Connect("record", func(_ context.Context, ev *Event) error {
		status := "ok"
		if ev.Err != nil {
			status = ev.Err.Code.String()
		}
		record("finished " + ev.Method.Name + " " + status + " " + ev.Request.State().String())
		return nil
	})

	mustCall(t, a, "UserService", "List", nil, map[string]any{})
	call(t, a, "UserService", "Retrieve", nil, map[string]any{"id": 9})
	call(t, a, "UserService", "Nope", nil, map[string]any{})

	assert.Equal(t, []string{
		"started PREPARED",
		"finished List ok SERIALIZING",
		"started PREPARED",
		"finished Retrieve NOT_FOUND EXECUTING",
	}, log)
}

func TestStartedHookFailure(t *testing.T) {
	a := newTestApp(t, nil, userEntity())
	var finished *Error
	a.Signals().ActionStarted.Connect("audit", func(context.Context, *Event) error {
		return errors.New("audit log unavailable")
	})
	a.Signals().ActionFinished.Connect("observe", func(_ context.Context, ev *Event) error {
		finished = ev.Err
		return nil
	})

	rc, res := call(t, a, "UserService", "Create", nil, map[string]any{"username": "tom", "email": "tom@example.com"})
	assert.Nil(t, res)
	require.NotNil(t, rc.Status())
	assert.Equal(t, CodeInternal, rc.Status().Code)
	assert.Contains(t, rc.Status().Message, "audit")
	assert.Equal(t, []State{StateReceived, StateDecoded, StatePrepared, StateFailed}, rc.Trace())
	require.NotNil(t, finished)
	assert.Equal(t, CodeInternal, finished.Code)

	list := mustCallWithoutHooks(t, a)
	assert.Empty(t, results(t, list), "nothing was created")
}

// mustCallWithoutHooks lists users after disconnecting the failing hook.
func mustCallWithoutHooks(t *testing.T, a *App) map[string]any {
	t.Helper()
	a.Signals().ActionStarted.Connect("audit", func(context.Context, *Event) error { return nil })
	return mustCall(t, a, "UserService", "List", nil, map[string]any{})
}

func TestFinishedHookFailureFailsResponse(t *testing.T) {
	a := newTestApp(t, nil, userEntity())
	var second bool
	a.Signals().ActionFinished.Connect("broken", func(context.Context, *Event) error {
		return errors.New("flush failed")
	})
	a.Signals().ActionFinished.Connect("after", func(context.Context, *Event) error {
		second = true
		return nil
	})

	rc, res := call(t, a, "UserService", "List", nil, map[string]any{})
	assert.Nil(t, res, "no payload is sent after a failed finish")
	require.NotNil(t, rc.Status())
	assert.Equal(t, CodeInternal, rc.Status().Code)
	assert.Equal(t, StateFailed, rc.State())
	assert.True(t, second, "action_finished delivers to every receiver")
}

func TestBuiltinReceivers(t *testing.T) {
	a := newTestApp(t, nil, userEntity())
	assert.Equal(t, []string{ReceiverSessions, ReceiverQueryCounter}, a.Signals().ActionStarted.Receivers())
	assert.Equal(t, []string{ReceiverSessions, ReceiverQueryCounter, ReceiverCache}, a.Signals().ActionFinished.Receivers())

	rc, _ := call(t, a, "UserService", "List", nil, map[string]any{})
	// Count and List
	assert.Equal(t, int64(2), rc.Queries())
}

func TestSessionPerRequest(t *testing.T) {
	a := newTestApp(t, nil, userEntity())
	st := &sessionStore{Store: a.store}
	a.store = st

	mustCall(t, a, "UserService", "Create", nil, map[string]any{"username": "tom", "email": "tom@example.com"})
	call(t, a, "UserService", "Retrieve", nil, map[string]any{"id": 5})

	assert.Equal(t, 2, st.opened)
	assert.Equal(t, 2, st.closed)
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// sessionStore hands out sessions and counts how many were returned.
type sessionStore struct {
	store.Store
	opened, closed int
}

func (s *sessionStore) Session(context.Context) (store.Session, error) {
	s.opened++
	return &trackedSession{Store: s.Store, closed: &s.closed}, nil
}

type trackedSession struct {
	store.Store
	closed *int
}

func (s *trackedSession) Close() error {
	*s.closed++
	return nil
}
