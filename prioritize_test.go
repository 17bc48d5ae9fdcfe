package pglock

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kneutral-org/pglock/lockview"
)

// nopQuerier satisfies lockview.Querier for tests whose policies never touch
// the store.
type nopQuerier struct{}

func (nopQuerier) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, errors.New("unexpected Exec")
}

func (nopQuerier) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("unexpected Query")
}

func (nopQuerier) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return fakeRow{err: errors.New("unexpected QueryRow")}
}

// countingPolicy records every sweep.
type countingPolicy struct {
	applies atomic.Int32
	pids    []int
	err     error
}

func (p *countingPolicy) Apply(ctx context.Context, store *lockview.Store, base []lockview.QueryOption) ([]int, error) {
	p.applies.Add(1)
	if p.err != nil {
		return nil, p.err
	}
	return p.pids, nil
}

func newPIDSession(conn *fakeConn, pid int) *Session {
	conn.row = func(sql string) fakeRow {
		if sql == "SELECT pg_backend_pid()" {
			return fakeRow{vals: []any{pid}}
		}
		return fakeRow{vals: []any{true}}
	}
	return newTestSession(conn)
}

func TestPrioritize_RequiresStore(t *testing.T) {
	s := newTestSession(newFakeConn())

	err := s.Prioritize(context.Background(), func(ctx context.Context) error {
		t.Fatal("body must not run")
		return nil
	})
	assert.ErrorIs(t, err, ErrNoWorkerStore)
}

func TestPrioritize_RequiresPositiveInterval(t *testing.T) {
	s := newPIDSession(newFakeConn(), 4242)

	err := s.Prioritize(context.Background(), func(ctx context.Context) error {
		return nil
	}, WithWorkerStore(lockview.New(nopQuerier{})), Interval(0))
	assert.Error(t, err)
}

func TestPrioritize_SweepsWhileBodyRuns(t *testing.T) {
	s := newPIDSession(newFakeConn(), 4242)
	policy := &countingPolicy{pids: []int{99}}

	err := s.Prioritize(context.Background(), func(ctx context.Context) error {
		time.Sleep(120 * time.Millisecond)
		return nil
	},
		WithWorkerStore(lockview.New(nopQuerier{})),
		WithPolicy(policy),
		Interval(20*time.Millisecond),
	)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, policy.applies.Load(), int32(2))
}

func TestPrioritize_WorkerStopsWithBody(t *testing.T) {
	s := newPIDSession(newFakeConn(), 4242)
	policy := &countingPolicy{}

	err := s.Prioritize(context.Background(), func(ctx context.Context) error {
		time.Sleep(50 * time.Millisecond)
		return nil
	},
		WithWorkerStore(lockview.New(nopQuerier{})),
		WithPolicy(policy),
		Interval(10*time.Millisecond),
	)
	require.NoError(t, err)

	// After Prioritize returns the worker has been joined; no further
	// sweeps may happen.
	settled := policy.applies.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, settled, policy.applies.Load())
}

func TestPrioritize_BodyErrorStillStopsWorker(t *testing.T) {
	s := newPIDSession(newFakeConn(), 4242)
	policy := &countingPolicy{}

	wantErr := errors.New("body failed")
	err := s.Prioritize(context.Background(), func(ctx context.Context) error {
		return wantErr
	},
		WithWorkerStore(lockview.New(nopQuerier{})),
		WithPolicy(policy),
		Interval(10*time.Millisecond),
	)
	assert.ErrorIs(t, err, wantErr)

	settled := policy.applies.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, settled, policy.applies.Load())
}

func TestPrioritize_SweepErrorsAreAbsorbed(t *testing.T) {
	s := newPIDSession(newFakeConn(), 4242)
	policy := &countingPolicy{err: errors.New("query failed")}

	err := s.Prioritize(context.Background(), func(ctx context.Context) error {
		time.Sleep(60 * time.Millisecond)
		return nil
	},
		WithWorkerStore(lockview.New(nopQuerier{})),
		WithPolicy(policy),
		Interval(10*time.Millisecond),
	)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, policy.applies.Load(), int32(2))
}

func TestPrioritize_Once(t *testing.T) {
	s := newPIDSession(newFakeConn(), 4242)
	policy := &countingPolicy{}

	err := s.Prioritize(context.Background(), func(ctx context.Context) error {
		time.Sleep(100 * time.Millisecond)
		return nil
	},
		WithWorkerStore(lockview.New(nopQuerier{})),
		WithPolicy(policy),
		Interval(10*time.Millisecond),
		Once(),
	)
	require.NoError(t, err)
	assert.Equal(t, int32(1), policy.applies.Load())
}

func TestPrioritize_WithLockTimeout(t *testing.T) {
	conn := newFakeConn()
	s := newPIDSession(conn, 4242)
	policy := &countingPolicy{}

	err := s.Prioritize(context.Background(), func(ctx context.Context) error {
		return nil
	},
		WithWorkerStore(lockview.New(nopQuerier{})),
		WithPolicy(policy),
		WithLockTimeout(5*time.Second),
	)
	require.NoError(t, err)

	assert.True(t, conn.contains("set_config('lock_timeout'"))
	assert.Equal(t, "RESET lock_timeout", conn.sqls[len(conn.sqls)-1])
}

func TestPrioritize_Nested(t *testing.T) {
	s := newPIDSession(newFakeConn(), 4242)
	outer := &countingPolicy{}
	inner := &countingPolicy{}
	store := lockview.New(nopQuerier{})

	err := s.Prioritize(context.Background(), func(ctx context.Context) error {
		return s.Prioritize(ctx, func(ctx context.Context) error {
			time.Sleep(60 * time.Millisecond)
			return nil
		}, WithWorkerStore(store), WithPolicy(inner), Interval(10*time.Millisecond))
	}, WithWorkerStore(store), WithPolicy(outer), Interval(10*time.Millisecond))

	require.NoError(t, err)
	assert.GreaterOrEqual(t, inner.applies.Load(), int32(2))
	assert.GreaterOrEqual(t, outer.applies.Load(), int32(2))
}

func TestWorkerState_String(t *testing.T) {
	assert.Equal(t, "idle", workerIdle.String())
	assert.Equal(t, "running", workerRunning.String())
	assert.Equal(t, "stopped", workerStopped.String())
}
