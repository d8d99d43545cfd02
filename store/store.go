// Package store defines the narrow persistence contract the dispatcher
// consumes, together with an in-process query engine shared by the
// bundled implementations.
package store

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/broady/modelrpc/descriptor"
)

var (
	// ErrNotFound is returned when no record has the requested key.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when an insert collides with an existing key.
	ErrConflict = errors.New("store: conflict")

	// ErrTransient marks failures that may succeed if the caller retries,
	// such as a busy database. Stores wrap it; callers test with errors.Is.
	ErrTransient = errors.New("store: transient failure")
)

// Record is one persisted entity keyed by field name. Values use the
// normalized Go types produced by the serializer: int64, uint64, float64,
// bool, string, []byte, time.Time, map[string]any, []any and nil.
type Record map[string]any

// Clone returns a shallow copy of r.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Store is the persistence contract. Implementations must be safe for
// concurrent use.
type Store interface {
	Get(ctx context.Context, e *descriptor.Entity, pk any) (Record, error)
	List(ctx context.Context, q Query) ([]Record, error)
	Count(ctx context.Context, q Query) (int, error)

	// Insert persists rec, assigning the primary key when the entity does
	// not take client-assigned keys. It returns the stored record.
	Insert(ctx context.Context, e *descriptor.Entity, rec Record) (Record, error)

	// Update replaces the stored record with key pk by rec.
	Update(ctx context.Context, e *descriptor.Entity, pk any, rec Record) (Record, error)

	Delete(ctx context.Context, e *descriptor.Entity, pk any) error
}

// Session is a Store bound to one connection. Close returns the
// connection; it is safe to call more than once.
type Session interface {
	Store
	Close() error
}

// Sessioner is implemented by stores backed by a connection pool. The
// dispatcher opens one session per request and closes it when the request
// reaches a terminal state.
type Sessioner interface {
	Session(ctx context.Context) (Session, error)
}

// Transient wraps err so that errors.Is(err, ErrTransient) holds.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }

func (e *transientError) Unwrap() []error { return []error{e.err, ErrTransient} }

// KeyGen assigns primary keys. Integer keys come from a per-entity
// sequence, uuid keys from random UUIDs and string keys from ULIDs.
type KeyGen struct {
	mu      sync.Mutex
	seq     map[string]int64
	entropy *ulid.MonotonicEntropy
}

// NewKeyGen returns a KeyGen with empty sequences.
func NewKeyGen() *KeyGen {
	return &KeyGen{
		seq:     make(map[string]int64),
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// Observe advances the sequence of e past an existing key.
func (g *KeyGen) Observe(e *descriptor.Entity, pk any) {
	n, ok := AsInt64(pk)
	if !ok {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if n > g.seq[e.Name] {
		g.seq[e.Name] = n
	}
}

// Assign sets the primary key of rec when the entity assigns keys and the
// record carries none. Client-assigned keys must be present.
func (g *KeyGen) Assign(e *descriptor.Entity, rec Record) error {
	pk := e.PrimaryKey()
	if v, ok := rec[pk.Name]; ok && v != nil && !isZero(v) {
		g.Observe(e, v)
		return nil
	}
	if pk.ClientAssigned {
		return fmt.Errorf("store: %s.%s is client assigned and missing", e.Name, pk.Name)
	}
	switch {
	case pk.Type.IsInteger():
		g.mu.Lock()
		g.seq[e.Name]++
		n := g.seq[e.Name]
		g.mu.Unlock()
		if pk.Type == descriptor.Uint32 || pk.Type == descriptor.Uint64 {
			rec[pk.Name] = uint64(n)
		} else {
			rec[pk.Name] = n
		}
	case pk.Type == descriptor.UUID:
		rec[pk.Name] = uuid.NewString()
	case pk.Type == descriptor.String:
		g.mu.Lock()
		id := ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
		g.mu.Unlock()
		rec[pk.Name] = id.String()
	default:
		return fmt.Errorf("store: cannot assign %s key for %s", pk.Type, e.Name)
	}
	return nil
}

// KeyString returns a canonical string form of a primary key value, used
// to index records.
func KeyString(pk any) string {
	if n, ok := AsInt64(pk); ok {
		return fmt.Sprintf("%d", n)
	}
	if u, ok := pk.(uint64); ok {
		return fmt.Sprintf("%d", u)
	}
	return fmt.Sprint(pk)
}

func isZero(v any) bool {
	switch x := v.(type) {
	case string:
		return x == ""
	case int64:
		return x == 0
	case int:
		return x == 0
	case uint64:
		return x == 0
	case float64:
		return x == 0
	}
	return false
}
