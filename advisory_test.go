package pglock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTx satisfies pgx.Tx over the session's fake connection, flipping the
// connection's transaction status the way a real begin/commit/rollback does.
type fakeTx struct {
	conn      *fakeConn
	commits   int
	rollbacks int
}

func (tx *fakeTx) Begin(ctx context.Context) (pgx.Tx, error) { return nil, errors.New("unsupported") }

func (tx *fakeTx) Commit(ctx context.Context) error {
	tx.commits++
	tx.conn.status = txStatusIdle
	return nil
}

func (tx *fakeTx) Rollback(ctx context.Context) error {
	tx.rollbacks++
	tx.conn.status = txStatusIdle
	return nil
}

func (tx *fakeTx) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	return 0, errors.New("unsupported")
}

func (tx *fakeTx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults { return nil }

func (tx *fakeTx) LargeObjects() pgx.LargeObjects { return pgx.LargeObjects{} }

func (tx *fakeTx) Prepare(ctx context.Context, name, sql string) (*pgconn.StatementDescription, error) {
	return nil, errors.New("unsupported")
}

func (tx *fakeTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return tx.conn.Exec(ctx, sql, args...)
}

func (tx *fakeTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return tx.conn.Query(ctx, sql, args...)
}

func (tx *fakeTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return tx.conn.QueryRow(ctx, sql, args...)
}

func (tx *fakeTx) Conn() *pgx.Conn { return nil }

// withFakeBegin wires a session's Begin to a fake transaction.
func withFakeBegin(s *Session, conn *fakeConn) *fakeTx {
	tx := &fakeTx{conn: conn}
	s.begin = func(ctx context.Context) (pgx.Tx, error) {
		conn.status = txStatusInTx
		return tx, nil
	}
	return tx
}

func TestAdvisoryFunc(t *testing.T) {
	tests := []struct {
		cfg    acquireConfig
		nowait bool
		want   string
	}{
		{acquireConfig{}, false, "pg_advisory_lock"},
		{acquireConfig{}, true, "pg_try_advisory_lock"},
		{acquireConfig{shared: true}, false, "pg_advisory_lock_shared"},
		{acquireConfig{xact: true}, false, "pg_advisory_xact_lock"},
		{acquireConfig{xact: true, shared: true}, true, "pg_try_advisory_xact_lock_shared"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, advisoryFunc(&tt.cfg, tt.nowait))
	}
}

func TestAcquire_Blocking(t *testing.T) {
	conn := newFakeConn()
	s := newTestSession(conn)

	h, acquired, err := s.Acquire(context.Background(), StringID("batch-job"))
	require.NoError(t, err)
	assert.True(t, acquired)
	assert.True(t, h.Acquired())

	require.Equal(t, []string{"SELECT pg_advisory_lock($1)"}, conn.sqls)
}

func TestAcquire_NoWait(t *testing.T) {
	conn := newFakeConn()
	conn.row = func(sql string) fakeRow { return fakeRow{vals: []any{false}} }
	s := newTestSession(conn)

	h, acquired, err := s.Acquire(context.Background(), IntID(7), NoWait())
	require.NoError(t, err)
	assert.False(t, acquired)
	assert.False(t, h.Acquired())

	require.Equal(t, []string{"SELECT pg_try_advisory_lock($1)"}, conn.sqls)
}

func TestAcquire_NoWaitRaise(t *testing.T) {
	conn := newFakeConn()
	conn.row = func(sql string) fakeRow { return fakeRow{vals: []any{false}} }
	s := newTestSession(conn)

	_, _, err := s.Acquire(context.Background(), IntID(7), NoWait(), OnFailure(Raise))
	assert.ErrorIs(t, err, ErrNotAcquired)
}

func TestAcquire_TimeoutScopesLockTimeout(t *testing.T) {
	conn := newFakeConn()
	s := newTestSession(conn)

	_, acquired, err := s.Acquire(context.Background(), StringID("batch-job"), Timeout(250*time.Millisecond))
	require.NoError(t, err)
	assert.True(t, acquired)

	require.Equal(t, []string{
		"SELECT set_config('lock_timeout', $1, false)",
		"SELECT pg_advisory_lock($1)",
		"RESET lock_timeout",
	}, conn.sqls)
}

func TestAcquire_TimeoutExpiryReturnsFalse(t *testing.T) {
	conn := newFakeConn()
	conn.execErr = func(sql string) error {
		if sql == "SELECT pg_advisory_lock($1)" {
			return lockTimeoutErr()
		}
		return nil
	}
	s := newTestSession(conn)

	_, acquired, err := s.Acquire(context.Background(), StringID("batch-job"), Timeout(50*time.Millisecond))
	require.NoError(t, err)
	assert.False(t, acquired)
}

func TestAcquire_TimeoutExpiryRaise(t *testing.T) {
	conn := newFakeConn()
	conn.execErr = func(sql string) error {
		if sql == "SELECT pg_advisory_lock($1)" {
			return lockTimeoutErr()
		}
		return nil
	}
	s := newTestSession(conn)

	_, _, err := s.Acquire(context.Background(), StringID("batch-job"),
		Timeout(50*time.Millisecond), OnFailure(Raise))
	require.Error(t, err)

	var pgErr *pgconn.PgError
	require.ErrorAs(t, err, &pgErr)
	assert.Equal(t, "55P03", pgErr.Code)
}

func TestAcquire_TimeoutInTransactionUsesSavepoint(t *testing.T) {
	conn := newFakeConn()
	conn.status = txStatusInTx
	conn.execErr = func(sql string) error {
		if sql == "SELECT pg_advisory_lock($1)" {
			return lockTimeoutErr()
		}
		return nil
	}
	s := newTestSession(conn)

	_, acquired, err := s.Acquire(context.Background(), StringID("batch-job"), Timeout(50*time.Millisecond))
	require.NoError(t, err)
	assert.False(t, acquired)

	// The failed attempt is rolled back to the savepoint so the enclosing
	// transaction stays usable.
	require.Equal(t, []string{
		"SELECT set_config('lock_timeout', $1, false)",
		"SAVEPOINT pglock_acquire",
		"SELECT pg_advisory_lock($1)",
		"ROLLBACK TO SAVEPOINT pglock_acquire",
		"RELEASE SAVEPOINT pglock_acquire",
		"RESET lock_timeout",
	}, conn.sqls)
}

func TestAcquire_XactOutsideTransaction(t *testing.T) {
	s := newTestSession(newFakeConn())

	_, _, err := s.Acquire(context.Background(), StringID("batch-job"), Xact())
	assert.ErrorIs(t, err, ErrNoTransaction)
}

func TestAcquire_XactInsideTransaction(t *testing.T) {
	conn := newFakeConn()
	conn.status = txStatusInTx
	s := newTestSession(conn)

	h, acquired, err := s.Acquire(context.Background(), StringID("batch-job"), Xact())
	require.NoError(t, err)
	assert.True(t, acquired)
	require.Equal(t, []string{"SELECT pg_advisory_xact_lock($1)"}, conn.sqls)

	assert.ErrorIs(t, h.Release(context.Background()), ErrXactRelease)
}

func TestAcquire_SkipRejected(t *testing.T) {
	s := newTestSession(newFakeConn())

	_, _, err := s.Acquire(context.Background(), StringID("batch-job"), OnFailure(Skip))
	assert.ErrorIs(t, err, ErrInvalidPolicy)
}

func TestAcquire_PairID(t *testing.T) {
	conn := newFakeConn()
	s := newTestSession(conn)

	_, _, err := s.Acquire(context.Background(), PairID{ClassID: 1, ObjID: 2}, Shared())
	require.NoError(t, err)
	require.Equal(t, []string{"SELECT pg_advisory_lock_shared($1, $2)"}, conn.sqls)
}

func TestHandle_Release(t *testing.T) {
	conn := newFakeConn()
	s := newTestSession(conn)

	h, _, err := s.Acquire(context.Background(), StringID("batch-job"))
	require.NoError(t, err)

	require.NoError(t, h.Release(context.Background()))
	assert.Equal(t, "SELECT pg_advisory_unlock($1)", conn.sqls[len(conn.sqls)-1])

	assert.ErrorIs(t, h.Release(context.Background()), ErrAlreadyReleased)
}

func TestHandle_ReleaseShared(t *testing.T) {
	conn := newFakeConn()
	s := newTestSession(conn)

	h, _, err := s.Acquire(context.Background(), StringID("batch-job"), Shared())
	require.NoError(t, err)

	require.NoError(t, h.Release(context.Background()))
	assert.Equal(t, "SELECT pg_advisory_unlock_shared($1)", conn.sqls[len(conn.sqls)-1])
}

func TestHandle_ReleaseNotHeld(t *testing.T) {
	conn := newFakeConn()
	conn.row = func(sql string) fakeRow { return fakeRow{vals: []any{false}} }
	s := newTestSession(conn)

	h, acquired, err := s.Acquire(context.Background(), StringID("batch-job"), NoWait())
	require.NoError(t, err)
	require.False(t, acquired)

	assert.ErrorIs(t, h.Release(context.Background()), ErrNotHeld)
}

func TestWithAdvisory_ReleasesOnSuccess(t *testing.T) {
	conn := newFakeConn()
	s := newTestSession(conn)

	var ran bool
	err := s.WithAdvisory(context.Background(), StringID("batch-job"), func(ctx context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)

	require.Equal(t, []string{
		"SELECT pg_advisory_lock($1)",
		"SELECT pg_advisory_unlock($1)",
	}, conn.sqls)
}

func TestWithAdvisory_ReleasesOnBodyError(t *testing.T) {
	conn := newFakeConn()
	s := newTestSession(conn)

	wantErr := errors.New("body failed")
	err := s.WithAdvisory(context.Background(), StringID("batch-job"), func(ctx context.Context) error {
		return wantErr
	})
	assert.ErrorIs(t, err, wantErr)
	assert.True(t, conn.contains("pg_advisory_unlock"))
}

func TestWithAdvisory_DefaultsToRaise(t *testing.T) {
	conn := newFakeConn()
	conn.row = func(sql string) fakeRow { return fakeRow{vals: []any{false}} }
	s := newTestSession(conn)

	err := s.WithAdvisory(context.Background(), StringID("batch-job"), func(ctx context.Context) error {
		t.Fatal("body must not run")
		return nil
	}, NoWait())
	assert.ErrorIs(t, err, ErrNotAcquired)
}

func TestWithAdvisory_Skip(t *testing.T) {
	conn := newFakeConn()
	conn.row = func(sql string) fakeRow { return fakeRow{vals: []any{false}} }
	s := newTestSession(conn)

	var ran bool
	err := s.WithAdvisory(context.Background(), StringID("batch-job"), func(ctx context.Context) error {
		ran = true
		return nil
	}, NoWait(), OnFailure(Skip))
	require.NoError(t, err)
	assert.False(t, ran)
}

func TestWithAdvisory_ReturnStatusRejected(t *testing.T) {
	s := newTestSession(newFakeConn())

	err := s.WithAdvisory(context.Background(), StringID("batch-job"), func(ctx context.Context) error {
		return nil
	}, OnFailure(ReturnStatus))
	assert.ErrorIs(t, err, ErrInvalidPolicy)
}

func TestWithAdvisory_NilIDUsesFunctionName(t *testing.T) {
	conn := newFakeConn()
	s := newTestSession(conn)

	err := s.WithAdvisory(context.Background(), nil, func(ctx context.Context) error {
		return nil
	})
	require.NoError(t, err)
	assert.True(t, conn.contains("pg_advisory_lock($1)"))
}

func TestWithAdvisory_BodySavepointInTransaction(t *testing.T) {
	conn := newFakeConn()
	conn.status = txStatusInTx
	s := newTestSession(conn)

	wantErr := errors.New("body failed")
	err := s.WithAdvisory(context.Background(), StringID("batch-job"), func(ctx context.Context) error {
		return wantErr
	})
	assert.ErrorIs(t, err, wantErr)

	// The body failure rolls back to its savepoint, then the lock is still
	// released on the intact transaction.
	require.Equal(t, []string{
		"SELECT pg_advisory_lock($1)",
		"SAVEPOINT pglock_body",
		"ROLLBACK TO SAVEPOINT pglock_body",
		"RELEASE SAVEPOINT pglock_body",
		"SELECT pg_advisory_unlock($1)",
	}, conn.sqls)
}

func TestWithAdvisory_XactCommitsOwnTransaction(t *testing.T) {
	conn := newFakeConn()
	s := newTestSession(conn)
	tx := withFakeBegin(s, conn)

	var ran bool
	err := s.WithAdvisory(context.Background(), StringID("batch-job"), func(ctx context.Context) error {
		ran = true
		return nil
	}, Xact())
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, 1, tx.commits)
	assert.Equal(t, 0, tx.rollbacks)
	assert.True(t, conn.contains("pg_advisory_xact_lock($1)"))
}

func TestWithAdvisory_XactRollsBackOnBodyError(t *testing.T) {
	conn := newFakeConn()
	s := newTestSession(conn)
	tx := withFakeBegin(s, conn)

	wantErr := errors.New("body failed")
	err := s.WithAdvisory(context.Background(), StringID("batch-job"), func(ctx context.Context) error {
		return wantErr
	}, Xact())
	assert.ErrorIs(t, err, wantErr)
	assert.Equal(t, 0, tx.commits)
	assert.Equal(t, 1, tx.rollbacks)
}

func TestWithAdvisory_XactInsideTransactionRejected(t *testing.T) {
	conn := newFakeConn()
	conn.status = txStatusInTx
	s := newTestSession(conn)

	err := s.WithAdvisory(context.Background(), StringID("batch-job"), func(ctx context.Context) error {
		return nil
	}, Xact())
	assert.ErrorIs(t, err, ErrInTransaction)
}

func TestWithAdvisory_XactSkipOnMiss(t *testing.T) {
	conn := newFakeConn()
	conn.row = func(sql string) fakeRow {
		if strings.Contains(sql, "pg_try_advisory_xact_lock") {
			return fakeRow{vals: []any{false}}
		}
		return fakeRow{vals: []any{true}}
	}
	s := newTestSession(conn)
	tx := withFakeBegin(s, conn)

	var ran bool
	err := s.WithAdvisory(context.Background(), StringID("batch-job"), func(ctx context.Context) error {
		ran = true
		return nil
	}, Xact(), NoWait(), OnFailure(Skip))
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Equal(t, 1, tx.rollbacks)
}

func TestAcquire_DatabaseErrorPropagates(t *testing.T) {
	conn := newFakeConn()
	conn.execErr = func(sql string) error {
		return fmt.Errorf("connection reset")
	}
	s := newTestSession(conn)

	_, _, err := s.Acquire(context.Background(), StringID("batch-job"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batch-job")
}
