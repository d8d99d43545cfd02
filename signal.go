package modelrpc

import (
	"context"
	"log/slog"
	"sync"

	"github.com/broady/modelrpc/schema"
)

// Signal names.
const (
	SignalActionRegister = "action_register"
	SignalActionStarted  = "action_started"
	SignalActionFinished = "action_finished"
)

// Event is delivered to receivers. Request is nil for action_register.
type Event struct {
	Signal  string
	Service string
	Method  schema.Method
	Request *RequestContext

	// Err is the outcome seen by action_finished; nil means success.
	Err *Error
}

// Receiver handles one signal delivery. A non-nil error fails the request.
type Receiver func(ctx context.Context, ev *Event) error

type connection struct {
	id   uint64
	name string
	fn   Receiver
}

// Signal is an ordered multicast of events to connected receivers.
type Signal struct {
	name string
	// runAll keeps delivering after a receiver fails.
	runAll bool

	mu        sync.RWMutex
	receivers []connection
	nextID    uint64
}

func newSignal(name string, runAll bool) *Signal {
	return &Signal{name: name, runAll: runAll}
}

// Name returns the signal name.
func (s *Signal) Name() string { return s.name }

// Connect adds r under name and returns a function that disconnects it.
// Connecting a name that is already connected replaces the receiver in
// place.
func (s *Signal) Connect(name string, r Receiver) (disconnect func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	c := connection{id: id, name: name, fn: r}
	replaced := false
	for i := range s.receivers {
		if s.receivers[i].name == name {
			s.receivers[i] = c
			replaced = true
			break
		}
	}
	if !replaced {
		s.receivers = append(s.receivers, c)
	}
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, c := range s.receivers {
			if c.id == id {
				s.receivers = append(s.receivers[:i:i], s.receivers[i+1:]...)
				return
			}
		}
	}
}

// Receivers returns the names of the connected receivers in delivery order.
func (s *Signal) Receivers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, len(s.receivers))
	for i, c := range s.receivers {
		names[i] = c.name
	}
	return names
}

// Send delivers ev to every receiver in connection order on the calling
// goroutine. The first failure is returned as a *HookError.
func (s *Signal) Send(ctx context.Context, ev *Event) error {
	s.mu.RLock()
	receivers := append([]connection(nil), s.receivers...)
	s.mu.RUnlock()

	ev.Signal = s.name
	var first error
	for _, c := range receivers {
		if err := c.fn(ctx, ev); err != nil {
			if first == nil {
				first = &HookError{Signal: s.name, Receiver: c.name, Err: err}
			}
			if !s.runAll {
				break
			}
		}
	}
	return first
}

// Async adapts r to run on its own goroutine. Failures are logged and never
// reach the request.
func Async(logger *slog.Logger, r Receiver) Receiver {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, ev *Event) error {
		e := *ev
		go func() {
			if err := r(context.WithoutCancel(ctx), &e); err != nil {
				logger.Warn("async receiver failed", "signal", e.Signal, "service", e.Service, "method", e.Method.Name, "error", err)
			}
		}()
		return nil
	}
}

// Signals groups the dispatcher's signals.
type Signals struct {
	ActionRegister *Signal
	ActionStarted  *Signal
	ActionFinished *Signal
}

func newSignals() Signals {
	return Signals{
		ActionRegister: newSignal(SignalActionRegister, false),
		ActionStarted:  newSignal(SignalActionStarted, false),
		ActionFinished: newSignal(SignalActionFinished, true),
	}
}
