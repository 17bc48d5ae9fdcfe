package pglock

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/kneutral-org/pglock/lockview"
)

// Postgres transaction status bytes as reported on the wire.
const (
	txStatusIdle   = 'I'
	txStatusInTx   = 'T'
	txStatusFailed = 'E'
)

// querier is the subset of pgx connection behavior the session uses.
// *pgx.Conn and pgx.Tx both satisfy it.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Session pins one database connection and provides the locking primitives on
// it. A Session is not safe for concurrent use: advisory locks and
// lock_timeout are connection-level state, so concurrent callers must each
// hold their own Session.
type Session struct {
	conn     querier
	txStatus func() byte
	begin    func(ctx context.Context) (pgx.Tx, error)
	release  func()
	store    *lockview.Store
	logger   zerolog.Logger

	timeouts timeoutStack
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithLogger sets the logger used by the session and any workers it spawns.
func WithLogger(logger zerolog.Logger) SessionOption {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithStore sets the lock view store used by prioritization workers. Sessions
// created with FromPool default to a store backed by the same pool.
func WithStore(store *lockview.Store) SessionOption {
	return func(s *Session) {
		s.store = store
	}
}

// NewSession wraps an existing connection. The caller keeps ownership of the
// connection and must not use it concurrently with the session.
func NewSession(conn *pgx.Conn, opts ...SessionOption) *Session {
	s := &Session{
		conn:     conn,
		txStatus: func() byte { return conn.PgConn().TxStatus() },
		begin:    conn.Begin,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FromPool acquires a dedicated connection from the pool for the lifetime of
// the session. Close returns it. The session's prioritization workers use the
// remaining pool connections, which keeps kill commands off the protected
// connection.
func FromPool(ctx context.Context, pool *pgxpool.Pool, opts ...SessionOption) (*Session, error) {
	pc, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring session connection: %w", err)
	}

	conn := pc.Conn()
	s := &Session{
		conn:     conn,
		txStatus: func() byte { return conn.PgConn().TxStatus() },
		begin:    conn.Begin,
		release:  pc.Release,
		store:    lockview.New(pool),
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close returns a pooled session connection to its pool. It is a no-op for
// sessions created with NewSession.
func (s *Session) Close() {
	if s.release != nil {
		s.release()
		s.release = nil
	}
}

// Begin opens a transaction on the session connection.
func (s *Session) Begin(ctx context.Context) (pgx.Tx, error) {
	if s.begin == nil {
		return nil, fmt.Errorf("pglock: session does not support transactions")
	}
	return s.begin(ctx)
}

// InTransaction reports whether the session connection is inside a
// transaction, including one in the failed state.
func (s *Session) InTransaction() bool {
	st := s.txStatus()
	return st == txStatusInTx || st == txStatusFailed
}

// BackendPID returns the Postgres backend process ID of the session
// connection, the identity used to discover sessions blocking it.
func (s *Session) BackendPID(ctx context.Context) (int, error) {
	var pid int
	if err := s.conn.QueryRow(ctx, "SELECT pg_backend_pid()").Scan(&pid); err != nil {
		return 0, fmt.Errorf("querying backend pid: %w", err)
	}
	return pid, nil
}
