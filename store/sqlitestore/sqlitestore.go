// Package sqlitestore is a store.Store backed by SQLite.
//
// Each entity gets one table holding the primary key and a CBOR body.
// Queries load the entity's rows and evaluate conditions, ordering and
// windows with the shared engine in package store.
package sqlitestore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/broady/modelrpc/descriptor"
	"github.com/broady/modelrpc/store"
	"github.com/broady/modelrpc/wire"
)

// Config holds the parameters for opening a Store.
type Config struct {
	// Path is the database file. Use "file::memory:?mode=memory&cache=shared"
	// for a shared in-memory database in tests.
	Path string

	// PoolSize defaults to max(runtime.NumCPU(), 4).
	PoolSize int

	// Logger defaults to a discarding logger.
	Logger *slog.Logger
}

// Store is safe for concurrent use. Each call takes a connection from the
// pool unless it is issued through a Session.
type Store struct {
	pool   *sqlitex.Pool
	logger *slog.Logger
	keys   *store.KeyGen

	mu     sync.Mutex
	tables map[string]bool
}

var (
	_ store.Store     = (*Store)(nil)
	_ store.Sessioner = (*Store)(nil)
)

// Open opens the pool. Tables are created lazily on first use.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("sqlitestore: Path is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	size := cfg.PoolSize
	if size <= 0 {
		size = max(runtime.NumCPU(), 4)
	}
	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    size,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: opening %s: %w", cfg.Path, err)
	}
	logger.Info("sqlite store opened", "path", cfg.Path, "pool_size", size)
	return &Store{
		pool:   pool,
		logger: logger,
		keys:   store.NewKeyGen(),
		tables: make(map[string]bool),
	}, nil
}

func prepareConn(conn *sqlite.Conn) error {
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("sqlitestore: %s: %w", pragma, err)
		}
	}
	return nil
}

// Close closes every pooled connection.
func (s *Store) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("sqlitestore: close: %w", err)
	}
	return nil
}

func (s *Store) take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, store.Transient(fmt.Errorf("sqlitestore: take: %w", err))
	}
	return conn, nil
}

// Session binds one pooled connection until Close.
func (s *Store) Session(ctx context.Context) (store.Session, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return nil, err
	}
	return &session{s: s, conn: conn}, nil
}

func (s *Store) Get(ctx context.Context, e *descriptor.Entity, pk any) (store.Record, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)
	return s.get(ctx, conn, e, pk)
}

func (s *Store) List(ctx context.Context, q store.Query) ([]store.Record, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)
	return s.list(ctx, conn, q)
}

func (s *Store) Count(ctx context.Context, q store.Query) (int, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)
	return s.count(ctx, conn, q)
}

func (s *Store) Insert(ctx context.Context, e *descriptor.Entity, rec store.Record) (store.Record, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)
	return s.insert(ctx, conn, e, rec)
}

func (s *Store) Update(ctx context.Context, e *descriptor.Entity, pk any, rec store.Record) (store.Record, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)
	return s.update(ctx, conn, e, pk, rec)
}

func (s *Store) Delete(ctx context.Context, e *descriptor.Entity, pk any) error {
	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)
	return s.delete(ctx, conn, e, pk)
}

func tableName(e *descriptor.Entity) string {
	return `"entity_` + e.Name + `"`
}

// ensureTable creates e's table and primes the key sequence from existing
// rows. It runs once per entity per process.
func (s *Store) ensureTable(conn *sqlite.Conn, e *descriptor.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tables[e.Name] {
		return nil
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		pk TEXT PRIMARY KEY,
		body BLOB NOT NULL
	)`, tableName(e))
	if err := sqlitex.ExecuteTransient(conn, ddl, nil); err != nil {
		return classify(err)
	}
	err := sqlitex.Execute(conn, "SELECT body FROM "+tableName(e), &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			rec, err := decodeBody(e, stmt)
			if err != nil {
				return err
			}
			s.keys.Observe(e, rec[e.PrimaryKey().Name])
			return nil
		},
	})
	if err != nil {
		return classify(err)
	}
	s.tables[e.Name] = true
	s.logger.Debug("sqlite table ready", "entity", e.Name)
	return nil
}

func (s *Store) get(ctx context.Context, conn *sqlite.Conn, e *descriptor.Entity, pk any) (store.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.ensureTable(conn, e); err != nil {
		return nil, err
	}
	var rec store.Record
	err := sqlitex.Execute(conn, "SELECT body FROM "+tableName(e)+" WHERE pk = ?", &sqlitex.ExecOptions{
		Args: []any{store.KeyString(pk)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			var err error
			rec, err = decodeBody(e, stmt)
			return err
		},
	})
	if err != nil {
		return nil, classify(err)
	}
	if rec == nil {
		return nil, fmt.Errorf("%s %v: %w", e.Name, pk, store.ErrNotFound)
	}
	return rec, nil
}

func (s *Store) scan(ctx context.Context, conn *sqlite.Conn, e *descriptor.Entity) ([]store.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.ensureTable(conn, e); err != nil {
		return nil, err
	}
	var recs []store.Record
	err := sqlitex.Execute(conn, "SELECT body FROM "+tableName(e)+" ORDER BY rowid", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			rec, err := decodeBody(e, stmt)
			if err != nil {
				return err
			}
			recs = append(recs, rec)
			return nil
		},
	})
	if err != nil {
		return nil, classify(err)
	}
	return recs, nil
}

func (s *Store) list(ctx context.Context, conn *sqlite.Conn, q store.Query) ([]store.Record, error) {
	recs, err := s.scan(ctx, conn, q.Entity)
	if err != nil {
		return nil, err
	}
	return store.Apply(recs, q), nil
}

func (s *Store) count(ctx context.Context, conn *sqlite.Conn, q store.Query) (int, error) {
	recs, err := s.scan(ctx, conn, q.Entity)
	if err != nil {
		return 0, err
	}
	q.Offset, q.Limit, q.OrderBy = 0, 0, nil
	return len(store.Apply(recs, q)), nil
}

func (s *Store) insert(ctx context.Context, conn *sqlite.Conn, e *descriptor.Entity, rec store.Record) (store.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.ensureTable(conn, e); err != nil {
		return nil, err
	}
	rec = rec.Clone()
	if err := s.keys.Assign(e, rec); err != nil {
		return nil, err
	}
	pk := rec[e.PrimaryKey().Name]
	body, err := encodeBody(e, rec)
	if err != nil {
		return nil, err
	}
	err = sqlitex.Execute(conn, "INSERT INTO "+tableName(e)+" (pk, body) VALUES (?, ?)", &sqlitex.ExecOptions{
		Args: []any{store.KeyString(pk), body},
	})
	if err != nil {
		return nil, classify(err)
	}
	return rec, nil
}

func (s *Store) update(ctx context.Context, conn *sqlite.Conn, e *descriptor.Entity, pk any, rec store.Record) (store.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.ensureTable(conn, e); err != nil {
		return nil, err
	}
	rec = rec.Clone()
	rec[e.PrimaryKey().Name] = pk
	body, err := encodeBody(e, rec)
	if err != nil {
		return nil, err
	}
	err = sqlitex.Execute(conn, "UPDATE "+tableName(e)+" SET body = ? WHERE pk = ?", &sqlitex.ExecOptions{
		Args: []any{body, store.KeyString(pk)},
	})
	if err != nil {
		return nil, classify(err)
	}
	if conn.Changes() == 0 {
		return nil, fmt.Errorf("%s %v: %w", e.Name, pk, store.ErrNotFound)
	}
	return rec, nil
}

func (s *Store) delete(ctx context.Context, conn *sqlite.Conn, e *descriptor.Entity, pk any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ensureTable(conn, e); err != nil {
		return err
	}
	err := sqlitex.Execute(conn, "DELETE FROM "+tableName(e)+" WHERE pk = ?", &sqlitex.ExecOptions{
		Args: []any{store.KeyString(pk)},
	})
	if err != nil {
		return classify(err)
	}
	if conn.Changes() == 0 {
		return fmt.Errorf("%s %v: %w", e.Name, pk, store.ErrNotFound)
	}
	return nil
}

// classify maps SQLite result codes onto the store's error sentinels.
func classify(err error) error {
	switch code := sqlite.ErrCode(err); {
	case code == sqlite.ResultConstraintPrimaryKey || code == sqlite.ResultConstraintUnique:
		return fmt.Errorf("sqlitestore: %w: %w", store.ErrConflict, err)
	case code.ToPrimary() == sqlite.ResultBusy || code.ToPrimary() == sqlite.ResultLocked:
		return store.Transient(fmt.Errorf("sqlitestore: %w", err))
	}
	return fmt.Errorf("sqlitestore: %w", err)
}

// encodeBody stores times as RFC 3339 strings so the body decodes without
// type information.
func encodeBody(e *descriptor.Entity, rec store.Record) ([]byte, error) {
	out := make(map[string]any, len(rec))
	for k, v := range rec {
		if t, ok := v.(time.Time); ok {
			v = t.UTC().Format(time.RFC3339Nano)
		}
		out[k] = v
	}
	b, err := wire.MarshalCBOR(out)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: encode %s: %w", e.Name, err)
	}
	return b, nil
}

func decodeBody(e *descriptor.Entity, stmt *sqlite.Stmt) (store.Record, error) {
	data := make([]byte, stmt.ColumnLen(0))
	stmt.ColumnBytes(0, data)
	var raw map[string]any
	if err := wire.UnmarshalCBOR(data, &raw); err != nil {
		return nil, fmt.Errorf("sqlitestore: decode %s: %w", e.Name, err)
	}
	rec := store.Record(raw)
	for i := range e.Fields {
		f := &e.Fields[i]
		v, ok := rec[f.Name]
		if !ok || v == nil {
			continue
		}
		rec[f.Name] = restore(f, v)
	}
	return rec, nil
}

// restore converts decoded values back to the normalized type of f.
func restore(f *descriptor.Field, v any) any {
	if list, ok := v.([]any); ok && f.IsRepeated() {
		for i := range list {
			list[i] = restoreScalar(f, list[i])
		}
		return list
	}
	return restoreScalar(f, v)
}

func restoreScalar(f *descriptor.Field, v any) any {
	switch f.Type {
	case descriptor.Timestamp:
		if s, ok := v.(string); ok {
			if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
				return t
			}
		}
	case descriptor.Uint32, descriptor.Uint64:
		if n, ok := store.AsInt64(v); ok && n >= 0 {
			return uint64(n)
		}
	case descriptor.Float, descriptor.Double:
		if x, ok := store.AsFloat(v); ok {
			return x
		}
	case descriptor.Int32, descriptor.Int64:
		if n, ok := store.AsInt64(v); ok {
			return n
		}
	}
	return v
}

// session serializes use of its connection; a request may stream results
// while its handler issues further queries.
type session struct {
	s    *Store
	mu   sync.Mutex
	conn *sqlite.Conn
}

var errSessionClosed = errors.New("sqlitestore: session closed")

func (ss *session) with(fn func(conn *sqlite.Conn) error) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.conn == nil {
		return errSessionClosed
	}
	return fn(ss.conn)
}

func (ss *session) Get(ctx context.Context, e *descriptor.Entity, pk any) (rec store.Record, err error) {
	err = ss.with(func(c *sqlite.Conn) error { rec, err = ss.s.get(ctx, c, e, pk); return err })
	return rec, err
}

func (ss *session) List(ctx context.Context, q store.Query) (recs []store.Record, err error) {
	err = ss.with(func(c *sqlite.Conn) error { recs, err = ss.s.list(ctx, c, q); return err })
	return recs, err
}

func (ss *session) Count(ctx context.Context, q store.Query) (n int, err error) {
	err = ss.with(func(c *sqlite.Conn) error { n, err = ss.s.count(ctx, c, q); return err })
	return n, err
}

func (ss *session) Insert(ctx context.Context, e *descriptor.Entity, rec store.Record) (out store.Record, err error) {
	err = ss.with(func(c *sqlite.Conn) error { out, err = ss.s.insert(ctx, c, e, rec); return err })
	return out, err
}

func (ss *session) Update(ctx context.Context, e *descriptor.Entity, pk any, rec store.Record) (out store.Record, err error) {
	err = ss.with(func(c *sqlite.Conn) error { out, err = ss.s.update(ctx, c, e, pk, rec); return err })
	return out, err
}

func (ss *session) Delete(ctx context.Context, e *descriptor.Entity, pk any) error {
	return ss.with(func(c *sqlite.Conn) error { return ss.s.delete(ctx, c, e, pk) })
}

// Close returns the connection to the pool.
func (ss *session) Close() error {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.conn != nil {
		ss.s.pool.Put(ss.conn)
		ss.conn = nil
	}
	return nil
}
