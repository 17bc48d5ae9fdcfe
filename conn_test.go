package pglock

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
)

// fakeRow scans scripted values.
type fakeRow struct {
	vals []any
	err  error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		if i >= len(r.vals) {
			break
		}
		switch out := d.(type) {
		case *bool:
			*out = r.vals[i].(bool)
		case *int:
			*out = r.vals[i].(int)
		case *int64:
			*out = r.vals[i].(int64)
		default:
			return fmt.Errorf("fakeRow: unsupported scan target %T", d)
		}
	}
	return nil
}

// fakeConn records every statement issued on the session connection and
// answers with scripted results.
type fakeConn struct {
	sqls   []string
	status byte

	// execErr, when set, is consulted per statement; a non-nil return fails
	// the Exec call.
	execErr func(sql string) error

	// row, when set, supplies QueryRow results per statement. Without it
	// every QueryRow scans true.
	row func(sql string) fakeRow
}

func newFakeConn() *fakeConn {
	return &fakeConn{status: txStatusIdle}
}

func (f *fakeConn) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.sqls = append(f.sqls, sql)
	if f.execErr != nil {
		if err := f.execErr(sql); err != nil {
			return pgconn.CommandTag{}, err
		}
	}
	return pgconn.CommandTag{}, nil
}

func (f *fakeConn) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	f.sqls = append(f.sqls, sql)
	return nil, fmt.Errorf("fakeConn: unexpected Query: %s", sql)
}

func (f *fakeConn) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	f.sqls = append(f.sqls, sql)
	if f.row != nil {
		return f.row(sql)
	}
	return fakeRow{vals: []any{true}}
}

// contains reports whether any recorded statement contains the fragment.
func (f *fakeConn) contains(fragment string) bool {
	for _, sql := range f.sqls {
		if strings.Contains(sql, fragment) {
			return true
		}
	}
	return false
}

// newTestSession builds a session over a fake connection.
func newTestSession(conn *fakeConn) *Session {
	return &Session{
		conn:     conn,
		txStatus: func() byte { return conn.status },
		logger:   zerolog.Nop(),
	}
}

// lockTimeoutErr mimics the SQLSTATE Postgres raises on lock_timeout expiry
// and NOWAIT conflicts.
func lockTimeoutErr() error {
	return &pgconn.PgError{Code: "55P03", Message: "canceling statement due to lock timeout"}
}
