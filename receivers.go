package modelrpc

import (
	"context"

	"github.com/broady/modelrpc/store"
)

// Names of the built-in receivers.
const (
	ReceiverSessions     = "modelrpc.sessions"
	ReceiverQueryCounter = "modelrpc.queries"
	ReceiverCache        = "modelrpc.cache"
)

func (a *App) connectBuiltins() {
	a.signals.ActionStarted.Connect(ReceiverSessions, openSession)
	a.signals.ActionStarted.Connect(ReceiverQueryCounter, countQueries)
	a.signals.ActionFinished.Connect(ReceiverSessions, closeSession)
	a.signals.ActionFinished.Connect(ReceiverQueryCounter, reportQueries)
	a.signals.ActionFinished.Connect(ReceiverCache, a.invalidateCache)
}

// openSession binds the request to one pooled connection when the store
// supports sessions.
func openSession(ctx context.Context, ev *Event) error {
	rc := ev.Request
	sess, ok := rc.Store().(store.Sessioner)
	if !ok {
		return nil
	}
	s, err := sess.Session(ctx)
	if err != nil {
		return err
	}
	rc.Set(sessionKeyName, s)
	rc.SetStore(s)
	return nil
}

const sessionKeyName = "modelrpc.session"

// closeSession returns the request's connection whatever the outcome.
func closeSession(_ context.Context, ev *Event) error {
	v, ok := ev.Request.Get(sessionKeyName)
	if !ok {
		return nil
	}
	return v.(store.Session).Close()
}

// countQueries wraps the request's store so that its operations are counted.
func countQueries(_ context.Context, ev *Event) error {
	rc := ev.Request
	c := store.NewCounted(rc.Store())
	rc.mu.Lock()
	rc.queries = c
	rc.st = c
	rc.mu.Unlock()
	return nil
}

func reportQueries(_ context.Context, ev *Event) error {
	rc := ev.Request
	rc.Logger().Debug("request queries", "queries", rc.Queries())
	return nil
}

// invalidateCache drops a service's cached responses after a successful
// call that may have changed data.
func (a *App) invalidateCache(ctx context.Context, ev *Event) error {
	if a.cache == nil || ev.Err != nil || safe(ev.Method) {
		return nil
	}
	a.cache.InvalidatePrefix(ctx, ev.Service+"/")
	return nil
}
