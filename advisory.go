package pglock

import (
	"context"
	"fmt"
	"time"

	"github.com/kneutral-org/pglock/internal/metrics"
)

// Savepoint names used to keep acquisition attempts and protected bodies
// from poisoning an enclosing transaction.
const (
	savepointAcquire = "pglock_acquire"
	savepointBody    = "pglock_body"
)

// acquireConfig collects the options shared by advisory and relation locks.
type acquireConfig struct {
	shared     bool
	xact       bool
	timeout    *time.Duration
	onFailure  AcquireFailure
	failureSet bool
	mode       RelationMode
}

// AcquireOption configures a lock acquisition.
type AcquireOption func(*acquireConfig)

// Shared acquires the shared-mode advisory lock variant. Shared holders
// never block each other, only exclusive holders of the same ID.
func Shared() AcquireOption {
	return func(c *acquireConfig) {
		c.shared = true
	}
}

// Xact acquires a transaction-scoped lock, released automatically when the
// enclosing transaction ends. Requires an open transaction; with nested
// transactions the outermost boundary is authoritative. Manual release is
// rejected.
func Xact() AcquireOption {
	return func(c *acquireConfig) {
		c.xact = true
	}
}

// Timeout bounds the lock wait. Zero attempts the non-blocking variant once;
// Infinite disables the wait timeout for the attempt, shadowing any outer
// scope. Without this option, no timeout scope is touched and the database's
// current setting applies.
func Timeout(d time.Duration) AcquireOption {
	return func(c *acquireConfig) {
		c.timeout = &d
	}
}

// NoWait is shorthand for Timeout(0).
func NoWait() AcquireOption {
	return Timeout(0)
}

// OnFailure selects the behavior when the lock is not acquired within its
// budget. Defaults to ReturnStatus for Acquire and LockRelations, Raise for
// WithAdvisory.
func OnFailure(f AcquireFailure) AcquireOption {
	return func(c *acquireConfig) {
		c.onFailure = f
		c.failureSet = true
	}
}

// Handle is the runtime state of one advisory lock acquisition.
type Handle struct {
	id       LockID
	shared   bool
	xact     bool
	acquired bool
	released bool
	session  *Session
}

// ID returns the lock identifier.
func (h *Handle) ID() LockID { return h.id }

// Acquired reports whether the acquisition succeeded.
func (h *Handle) Acquired() bool { return h.acquired }

// Release releases a session-scoped lock. Exactly one release per acquired
// handle: releasing a transaction-scoped, never-acquired, or
// already-released handle is a usage error.
func (h *Handle) Release(ctx context.Context) error {
	if h.xact {
		return ErrXactRelease
	}
	if !h.acquired {
		return ErrNotHeld
	}
	if h.released {
		return ErrAlreadyReleased
	}

	fn := "pg_advisory_unlock"
	if h.shared {
		fn += "_shared"
	}
	ph, args := h.id.args()

	var ok bool
	if err := h.session.conn.QueryRow(ctx, "SELECT "+fn+"("+ph+")", args...).Scan(&ok); err != nil {
		return fmt.Errorf("releasing lock %s: %w", h.id, err)
	}
	h.released = true

	if !ok {
		h.session.logger.Warn().Stringer("lockId", h.id).Msg("advisory lock was not held at release")
	}
	return nil
}

// advisoryFunc names the Postgres advisory lock function for the requested
// variant, e.g. pg_try_advisory_xact_lock_shared.
func advisoryFunc(cfg *acquireConfig, nowait bool) string {
	fn := "pg"
	if nowait {
		fn += "_try"
	}
	fn += "_advisory"
	if cfg.xact {
		fn += "_xact"
	}
	fn += "_lock"
	if cfg.shared {
		fn += "_shared"
	}
	return fn
}

// Acquire attempts to take the advisory lock identified by id. The boolean
// reports whether the lock was granted; with the default options the call
// blocks until it is. See Timeout, Shared, Xact, and OnFailure for the
// variants.
func (s *Session) Acquire(ctx context.Context, id LockID, opts ...AcquireOption) (*Handle, bool, error) {
	cfg := &acquireConfig{onFailure: ReturnStatus}
	for _, opt := range opts {
		opt(cfg)
	}

	if id == nil {
		return nil, false, fmt.Errorf("pglock: a lock ID is required")
	}
	if cfg.onFailure == Skip {
		return nil, false, fmt.Errorf("%w: Skip applies only to WithAdvisory", ErrInvalidPolicy)
	}

	return s.acquire(ctx, id, cfg)
}

// acquire is the single acquisition primitive behind Acquire and
// WithAdvisory. It applies the Raise policy itself; Skip is handled by the
// caller since only the wrapper form can suppress a body.
func (s *Session) acquire(ctx context.Context, id LockID, cfg *acquireConfig) (*Handle, bool, error) {
	if cfg.xact && !s.InTransaction() {
		return nil, false, fmt.Errorf("%w: transaction-scoped lock %s", ErrNoTransaction, id)
	}

	h := &Handle{id: id, shared: cfg.shared, xact: cfg.xact, session: s}

	start := time.Now()
	acquired, err := s.attemptAdvisory(ctx, id, cfg)
	metrics.ObserveAcquire("advisory", acquired, err, time.Since(start))
	if err != nil {
		return h, false, err
	}

	h.acquired = acquired
	if !acquired && cfg.onFailure == Raise {
		return h, false, fmt.Errorf("%w: %s", ErrNotAcquired, id)
	}
	return h, acquired, nil
}

// attemptAdvisory issues the lock call, translating a lock-wait timeout to
// acquired=false unless the policy is Raise, in which case the database
// error propagates unchanged. Attempts that report status from inside a
// transaction run under a savepoint so the transaction survives the timeout.
func (s *Session) attemptAdvisory(ctx context.Context, id LockID, cfg *acquireConfig) (bool, error) {
	nowait := cfg.timeout != nil && *cfg.timeout == 0
	ph, args := id.args()
	sql := "SELECT " + advisoryFunc(cfg, nowait) + "(" + ph + ")"

	if nowait {
		var ok bool
		if err := s.conn.QueryRow(ctx, sql, args...).Scan(&ok); err != nil {
			return false, fmt.Errorf("acquiring lock %s: %w", id, err)
		}
		return ok, nil
	}

	if cfg.timeout == nil {
		if _, err := s.conn.Exec(ctx, sql, args...); err != nil {
			return false, fmt.Errorf("acquiring lock %s: %w", id, err)
		}
		return true, nil
	}

	ms, err := timeoutMillis(*cfg.timeout)
	if err != nil {
		return false, err
	}

	// A savepoint is only needed when a timeout would otherwise leave the
	// enclosing transaction in the failed state after reporting false.
	savepoint := cfg.onFailure != Raise && s.InTransaction()

	if err := s.pushTimeout(ctx, ms); err != nil {
		return false, err
	}

	acquired, attemptErr := s.attemptInScope(ctx, sql, args, savepoint, cfg.onFailure)

	if popErr := s.popTimeout(ctx); popErr != nil {
		if attemptErr != nil {
			s.logger.Error().Err(popErr).Msg("failed to restore lock_timeout")
			return false, attemptErr
		}
		return false, popErr
	}
	return acquired, attemptErr
}

func (s *Session) attemptInScope(ctx context.Context, sql string, args []any, savepoint bool, onFailure AcquireFailure) (bool, error) {
	if savepoint {
		if _, err := s.conn.Exec(ctx, "SAVEPOINT "+savepointAcquire); err != nil {
			return false, fmt.Errorf("creating savepoint: %w", err)
		}
	}

	if _, err := s.conn.Exec(ctx, sql, args...); err != nil {
		if !isLockTimeout(err) {
			return false, err
		}
		if savepoint {
			if _, rbErr := s.conn.Exec(ctx, "ROLLBACK TO SAVEPOINT "+savepointAcquire); rbErr != nil {
				return false, fmt.Errorf("rolling back savepoint: %w", rbErr)
			}
			if _, relErr := s.conn.Exec(ctx, "RELEASE SAVEPOINT "+savepointAcquire); relErr != nil {
				return false, fmt.Errorf("releasing savepoint: %w", relErr)
			}
		}
		if onFailure == Raise {
			return false, err
		}
		return false, nil
	}

	if savepoint {
		if _, err := s.conn.Exec(ctx, "RELEASE SAVEPOINT "+savepointAcquire); err != nil {
			return false, fmt.Errorf("releasing savepoint: %w", err)
		}
	}
	return true, nil
}

// WithAdvisory runs fn while holding the advisory lock, releasing it on
// every exit path. A nil id derives the lock name from fn's fully qualified
// function name. The default failure policy is Raise; Skip returns nil
// without invoking fn when the lock is not acquired. With the Xact option
// WithAdvisory opens its own transaction around fn and the lock releases at
// its end.
func (s *Session) WithAdvisory(ctx context.Context, id LockID, fn func(ctx context.Context) error, opts ...AcquireOption) error {
	cfg := &acquireConfig{onFailure: Raise}
	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.failureSet && cfg.onFailure == ReturnStatus {
		return fmt.Errorf("%w: ReturnStatus has no status channel in WithAdvisory; use Acquire", ErrInvalidPolicy)
	}
	if id == nil {
		id = FuncID(fn)
	}

	if cfg.xact {
		return s.withXactAdvisory(ctx, id, fn, cfg)
	}

	h, acquired, err := s.acquire(ctx, id, cfg)
	if err != nil {
		return err
	}
	if !acquired {
		s.logger.Debug().Stringer("lockId", id).Msg("lock not acquired, skipping")
		return nil
	}

	fnErr := s.runHeld(ctx, fn)

	if relErr := h.Release(ctx); relErr != nil {
		if fnErr != nil {
			s.logger.Error().Err(relErr).Stringer("lockId", id).Msg("failed to release advisory lock")
			return fnErr
		}
		return relErr
	}
	return fnErr
}

// runHeld executes the protected body. Inside a transaction the body runs
// under a savepoint so a failure leaves the transaction usable for the lock
// release that follows.
func (s *Session) runHeld(ctx context.Context, fn func(ctx context.Context) error) error {
	if !s.InTransaction() {
		return fn(ctx)
	}

	if _, err := s.conn.Exec(ctx, "SAVEPOINT "+savepointBody); err != nil {
		return fmt.Errorf("creating savepoint: %w", err)
	}

	fnErr := fn(ctx)
	if fnErr != nil {
		if _, err := s.conn.Exec(ctx, "ROLLBACK TO SAVEPOINT "+savepointBody); err != nil {
			s.logger.Error().Err(err).Msg("failed to roll back body savepoint")
			return fnErr
		}
	}
	if _, err := s.conn.Exec(ctx, "RELEASE SAVEPOINT "+savepointBody); err != nil {
		if fnErr != nil {
			return fnErr
		}
		return fmt.Errorf("releasing savepoint: %w", err)
	}
	return fnErr
}

// withXactAdvisory owns the transaction that scopes the lock: begin, acquire,
// run, commit or roll back. Commit and rollback both release the lock.
func (s *Session) withXactAdvisory(ctx context.Context, id LockID, fn func(ctx context.Context) error, cfg *acquireConfig) error {
	if s.InTransaction() {
		return fmt.Errorf("%w: use Acquire with Xact inside your own transaction", ErrInTransaction)
	}

	tx, err := s.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	_, acquired, err := s.acquire(ctx, id, cfg)
	if err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			s.logger.Error().Err(rbErr).Msg("failed to roll back after acquisition failure")
		}
		return err
	}
	if !acquired {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return rbErr
		}
		s.logger.Debug().Stringer("lockId", id).Msg("lock not acquired, skipping")
		return nil
	}

	if fnErr := fn(ctx); fnErr != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			s.logger.Error().Err(rbErr).Msg("failed to roll back transaction")
		}
		return fnErr
	}
	return tx.Commit(ctx)
}
