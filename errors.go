package pglock

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNoTransaction is returned when an operation that requires an open
	// transaction (transaction-scoped advisory locks, relation locks) is
	// attempted outside one.
	ErrNoTransaction = errors.New("pglock: operation requires an open transaction")

	// ErrInTransaction is returned by WithAdvisory with the Xact option when
	// the session is already inside a transaction. WithAdvisory manages its
	// own transaction for transaction-scoped locks; use Acquire inside the
	// caller's transaction instead.
	ErrInTransaction = errors.New("pglock: session is already in a transaction")

	// ErrNotAcquired is returned when a lock cannot be acquired and the
	// failure policy is Raise.
	ErrNotAcquired = errors.New("pglock: lock not acquired")

	// ErrXactRelease is returned when manually releasing a transaction-scoped
	// lock. Such locks release automatically when the transaction ends.
	ErrXactRelease = errors.New("pglock: transaction-scoped locks cannot be released manually")

	// ErrNotHeld is returned when releasing a handle whose acquisition never
	// succeeded.
	ErrNotHeld = errors.New("pglock: lock was never acquired")

	// ErrAlreadyReleased is returned when releasing a handle twice.
	ErrAlreadyReleased = errors.New("pglock: lock already released")

	// ErrNoWorkerStore is returned by Prioritize when the session has no
	// connection pool to run the background worker against and no store was
	// supplied with WithWorkerStore.
	ErrNoWorkerStore = errors.New("pglock: prioritization requires a pool-backed session or WithWorkerStore")

	// ErrInvalidPolicy is returned when a side-effect policy is used in a
	// context where it does not apply.
	ErrInvalidPolicy = errors.New("pglock: invalid side-effect policy")

	// ErrInvalidTimeout is returned for timeout values between zero and one
	// millisecond, which lock_timeout cannot represent.
	ErrInvalidTimeout = errors.New("pglock: timeout must be at least one millisecond")
)

// lockNotAvailable is the SQLSTATE Postgres raises both for lock_timeout
// expiry and for NOWAIT lock conflicts.
const lockNotAvailable = "55P03"

// isLockTimeout reports whether err is the lock-wait-timeout / NOWAIT
// failure, the one database error translated to acquired=false rather than
// propagated.
func isLockTimeout(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == lockNotAvailable
}
