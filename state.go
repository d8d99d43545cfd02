package modelrpc

// State is a dispatch state of one request.
type State int

const (
	StateReceived State = iota
	StateDecoded
	StatePrepared
	StateAuthorized
	StateFiltered
	StateExecuting
	StateSerializing
	StateResponded
	StateFailed
	StateCancelled
)

var stateNames = [...]string{
	"RECEIVED", "DECODED", "PREPARED", "AUTHORIZED", "FILTERED",
	"EXECUTING", "SERIALIZING", "RESPONDED", "FAILED", "CANCELLED",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "UNKNOWN"
}

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool {
	return s == StateResponded || s == StateFailed || s == StateCancelled
}

// canTransition reports whether the machine may move from s to next.
// Every non-terminal state may fail or be cancelled; otherwise states
// advance one step at a time.
func (s State) canTransition(next State) bool {
	if s.Terminal() {
		return false
	}
	if next == StateFailed || next == StateCancelled {
		return true
	}
	return next == s+1
}
