package pglock

import (
	"context"

	"github.com/kneutral-org/pglock/lockview"
)

// AcquireFailure selects the behavior when a lock acquisition attempt does
// not succeed within its budget.
type AcquireFailure int

const (
	// ReturnStatus reports the acquisition result as a boolean. The default
	// for Acquire and LockRelations.
	ReturnStatus AcquireFailure = iota

	// Raise propagates the failure as an error: the underlying database
	// error for a timeout, ErrNotAcquired for a non-blocking miss.
	Raise

	// Skip suppresses the wrapped function without error when the lock is
	// not acquired. Only valid with WithAdvisory, which has no status
	// channel to report through.
	Skip
)

func (f AcquireFailure) String() string {
	switch f {
	case ReturnStatus:
		return "return"
	case Raise:
		return "raise"
	case Skip:
		return "skip"
	default:
		return "unknown"
	}
}

// Policy acts on the sessions found blocking a prioritized region. Apply
// receives the store and the base filters selecting blockers of the
// protected backend; it returns the PIDs it handled.
type Policy interface {
	Apply(ctx context.Context, store *lockview.Store, base []lockview.QueryOption) ([]int, error)
}

// PolicyFunc adapts a function to the Policy interface.
type PolicyFunc func(ctx context.Context, store *lockview.Store, base []lockview.QueryOption) ([]int, error)

func (f PolicyFunc) Apply(ctx context.Context, store *lockview.Store, base []lockview.QueryOption) ([]int, error) {
	return f(ctx, store, base)
}

// Terminate returns the policy that forcefully terminates every blocking
// session, optionally narrowed by extra filters such as
// lockview.MinWaitDuration. The default policy for Prioritize.
func Terminate(filters ...lockview.QueryOption) Policy {
	return PolicyFunc(func(ctx context.Context, store *lockview.Store, base []lockview.QueryOption) ([]int, error) {
		return store.TerminateBlocking(ctx, append(base, filters...)...)
	})
}

// Cancel returns the policy that cooperatively cancels every blocking
// session's current query instead of terminating it. Weaker than Terminate:
// some statements cannot be cancelled and the protected region may stay
// blocked.
func Cancel(filters ...lockview.QueryOption) Policy {
	return PolicyFunc(func(ctx context.Context, store *lockview.Store, base []lockview.QueryOption) ([]int, error) {
		return store.CancelBlocking(ctx, append(base, filters...)...)
	})
}
