// Package lockview provides read-only queries over Postgres lock state: the
// pg_locks view joined to its relations, and the blocking relationships
// derived from pg_blocking_pids. It also carries the cancel/terminate
// actions used by the prioritization worker and the CLI.
package lockview

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/rs/zerolog"
)

// Relation kinds reported by the lock views.
const (
	KindTable            = "TABLE"
	KindIndex            = "INDEX"
	KindSequence         = "SEQUENCE"
	KindToast            = "TOAST"
	KindView             = "VIEW"
	KindMaterializedView = "MATERIALIZED_VIEW"
	KindCompositeType    = "COMPOSITE_TYPE"
	KindForeignTable     = "FOREIGN_TABLE"
	KindPartitionedTable = "PARTITIONED_TABLE"
	KindPartitionedIndex = "PARTITIONED_INDEX"
)

// Querier is the database access the store needs. *pgxpool.Pool satisfies it.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Lock is one row of the relation-lock view.
type Lock struct {
	PID          int
	Type         string
	Mode         string
	Granted      bool
	WaitStart    *time.Time
	WaitDuration *time.Duration
	RelKind      string
	RelName      string
}

// BlockedLock is one row of the blocking view. A session blocked by three
// others yields three rows, one per blocking session.
type BlockedLock struct {
	Lock
	BlockingPID int
}

// Store runs lock-state queries and kill actions against one database.
type Store struct {
	db     Querier
	logger zerolog.Logger

	mu      sync.Mutex
	pgMajor int
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store's logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New creates a store over the given database.
func New(db Querier, opts ...Option) *Store {
	s := &Store{
		db:     db,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// query accumulates filters for the lock views.
type query struct {
	relations []string
	pids      []int
	blockedBy []int
	minWait   *time.Duration
	granted   *bool
	limit     int
}

// QueryOption filters or limits a lock view query.
type QueryOption func(*query)

// OnRelations restricts results to locks on the named relations.
func OnRelations(names ...string) QueryOption {
	return func(q *query) {
		q.relations = append(q.relations, names...)
	}
}

// PIDs restricts results to locks held or awaited by the given backends.
func PIDs(pids ...int) QueryOption {
	return func(q *query) {
		q.pids = append(q.pids, pids...)
	}
}

// BlockedBy restricts results to the given backends and the backends
// currently blocking them, which is the shape the blocking view needs to
// report every (blocked, blocking) pair for a session.
func BlockedBy(pids ...int) QueryOption {
	return func(q *query) {
		q.blockedBy = append(q.blockedBy, pids...)
	}
}

// MinWaitDuration drops rows that have been waiting for less than d.
func MinWaitDuration(d time.Duration) QueryOption {
	return func(q *query) {
		q.minWait = &d
	}
}

// Granted filters on whether the lock has been granted.
func Granted(granted bool) QueryOption {
	return func(q *query) {
		q.granted = &granted
	}
}

// Limit caps the number of rows returned.
func Limit(n int) QueryOption {
	return func(q *query) {
		q.limit = n
	}
}

// majorVersion returns the server's major version, cached after the first
// call. The wait_start columns only exist on Postgres 14 and up.
func (s *Store) majorVersion(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pgMajor != 0 {
		return s.pgMajor, nil
	}

	var num int
	if err := s.db.QueryRow(ctx, "SELECT current_setting('server_version_num')::int").Scan(&num); err != nil {
		return 0, fmt.Errorf("querying server version: %w", err)
	}
	s.pgMajor = num / 10000
	return s.pgMajor, nil
}

// pidArrayExpr renders the pid filter for the lock CTE. BlockedBy pids are
// expanded with pg_blocking_pids so the rows of both sides of each blocking
// pair are visible to the outer query.
func (q *query) pidArrayExpr() string {
	if len(q.pids) == 0 && len(q.blockedBy) == 0 {
		return ""
	}

	parts := make([]string, 0, len(q.blockedBy)+1)
	all := make([]string, 0, len(q.pids)+len(q.blockedBy))
	for _, pid := range q.pids {
		all = append(all, fmt.Sprintf("%d", pid))
	}
	for _, pid := range q.blockedBy {
		all = append(all, fmt.Sprintf("%d", pid))
		parts = append(parts, fmt.Sprintf("pg_blocking_pids(%d)", pid))
	}

	expr := "ARRAY[" + strings.Join(all, ", ") + "]::int[]"
	if len(parts) > 0 {
		expr += " || " + strings.Join(parts, " || ")
	}
	return expr
}

// buildSQL renders the lock view query. The CTE normalizes pg_locks rows to
// the view schema; the blocking form unnests pg_blocking_pids into one row
// per (blocked, blocking) pair.
func buildSQL(q *query, pgMajor int, blocking bool) (string, []any) {
	waitCols := "NULL::timestamptz AS wait_start, NULL::interval AS wait_duration"
	if pgMajor >= 14 {
		waitCols = "pg_locks.waitstart AS wait_start, NOW() - pg_locks.waitstart AS wait_duration"
	}

	var args []any
	var cteFilters strings.Builder
	if expr := q.pidArrayExpr(); expr != "" {
		cteFilters.WriteString("\n        AND pg_locks.pid = ANY(" + expr + ")")
	}
	if len(q.relations) > 0 {
		args = append(args, q.relations)
		fmt.Fprintf(&cteFilters, "\n        AND pg_class.relname = ANY($%d::text[])", len(args))
	}

	sql := fmt.Sprintf(`WITH locks AS (
    SELECT
        pg_locks.pid,
        UPPER(pg_locks.locktype) AS type,
        TRIM(
            BOTH '_' FROM UPPER(
                REGEXP_REPLACE(REPLACE(pg_locks.mode, 'Lock', ''), '([A-Z])', '_\1', 'g')
            )
        ) AS mode,
        pg_locks.granted,
        %s,
        CASE pg_class.relkind
            WHEN 'r' THEN 'TABLE'
            WHEN 'i' THEN 'INDEX'
            WHEN 'S' THEN 'SEQUENCE'
            WHEN 't' THEN 'TOAST'
            WHEN 'v' THEN 'VIEW'
            WHEN 'm' THEN 'MATERIALIZED_VIEW'
            WHEN 'c' THEN 'COMPOSITE_TYPE'
            WHEN 'f' THEN 'FOREIGN_TABLE'
            WHEN 'p' THEN 'PARTITIONED_TABLE'
            WHEN 'I' THEN 'PARTITIONED_INDEX'
            ELSE pg_class.relkind::text
        END AS rel_kind,
        pg_class.relname AS rel_name
    FROM pg_locks
    JOIN pg_database ON pg_database.oid = pg_locks.database
    JOIN pg_class ON pg_class.oid = pg_locks.relation
    WHERE pg_database.datname = current_database()%s
)`, waitCols, cteFilters.String())

	cols := "pid, type, mode, granted, wait_start, wait_duration, rel_kind, rel_name"
	from := "locks"
	if blocking {
		sql += `, blocked AS (
    SELECT locks.*, UNNEST(pg_blocking_pids(locks.pid)) AS blocking_pid FROM locks
)`
		cols += ", blocking_pid"
		from = "blocked"
	}

	var where []string
	if q.minWait != nil {
		args = append(args, *q.minWait)
		where = append(where, fmt.Sprintf("wait_duration >= $%d", len(args)))
	}
	if q.granted != nil {
		args = append(args, *q.granted)
		where = append(where, fmt.Sprintf("granted = $%d", len(args)))
	}

	sql += fmt.Sprintf("\nSELECT %s\nFROM %s", cols, from)
	if len(where) > 0 {
		sql += "\nWHERE " + strings.Join(where, " AND ")
	}
	sql += "\nORDER BY wait_duration DESC NULLS LAST"
	if q.limit > 0 {
		sql += fmt.Sprintf("\nLIMIT %d", q.limit)
	}

	return sql, args
}

// intervalDuration converts a scanned interval to a duration. Months are
// approximated at thirty days, which is irrelevant at lock-wait scales.
func intervalDuration(iv pgtype.Interval) *time.Duration {
	if !iv.Valid {
		return nil
	}
	d := time.Duration(iv.Microseconds)*time.Microsecond +
		time.Duration(iv.Days)*24*time.Hour +
		time.Duration(iv.Months)*30*24*time.Hour
	return &d
}

// Locks lists current locks, longest-waiting first.
func (s *Store) Locks(ctx context.Context, opts ...QueryOption) ([]Lock, error) {
	q := &query{}
	for _, opt := range opts {
		opt(q)
	}

	major, err := s.majorVersion(ctx)
	if err != nil {
		return nil, err
	}

	sql, args := buildSQL(q, major, false)
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("querying locks: %w", err)
	}
	defer rows.Close()

	var locks []Lock
	for rows.Next() {
		var l Lock
		var iv pgtype.Interval
		if err := rows.Scan(&l.PID, &l.Type, &l.Mode, &l.Granted, &l.WaitStart, &iv, &l.RelKind, &l.RelName); err != nil {
			return nil, fmt.Errorf("scanning lock row: %w", err)
		}
		l.WaitDuration = intervalDuration(iv)
		locks = append(locks, l)
	}
	return locks, rows.Err()
}

// Blocked lists blocked locks together with the session blocking each of
// them, longest-waiting first.
func (s *Store) Blocked(ctx context.Context, opts ...QueryOption) ([]BlockedLock, error) {
	q := &query{}
	for _, opt := range opts {
		opt(q)
	}

	major, err := s.majorVersion(ctx)
	if err != nil {
		return nil, err
	}

	sql, args := buildSQL(q, major, true)
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("querying blocked locks: %w", err)
	}
	defer rows.Close()

	var locks []BlockedLock
	for rows.Next() {
		var l BlockedLock
		var iv pgtype.Interval
		if err := rows.Scan(&l.PID, &l.Type, &l.Mode, &l.Granted, &l.WaitStart, &iv, &l.RelKind, &l.RelName, &l.BlockingPID); err != nil {
			return nil, fmt.Errorf("scanning blocked lock row: %w", err)
		}
		l.WaitDuration = intervalDuration(iv)
		locks = append(locks, l)
	}
	return locks, rows.Err()
}
