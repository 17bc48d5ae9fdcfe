package pglock

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// Infinite disables the lock-wait timeout for a scope, overriding any outer
// scope or session default.
const Infinite time.Duration = -1

// timeoutStack tracks nested lock_timeout overrides for one session. The
// zero value is an empty stack, meaning the database's own setting applies.
type timeoutStack struct {
	values []int // milliseconds; 0 means no timeout (infinite)
}

func (t *timeoutStack) push(ms int) { t.values = append(t.values, ms) }

func (t *timeoutStack) pop() {
	t.values = t.values[:len(t.values)-1]
}

func (t *timeoutStack) top() (int, bool) {
	if len(t.values) == 0 {
		return 0, false
	}
	return t.values[len(t.values)-1], true
}

// CurrentTimeout returns the innermost active timeout override and whether
// one is set at all. A zero duration means the scope disabled the timeout.
func (s *Session) CurrentTimeout() (time.Duration, bool) {
	ms, ok := s.timeouts.top()
	return time.Duration(ms) * time.Millisecond, ok
}

// timeoutMillis validates and converts a scope duration. Infinite maps to 0,
// which disables lock_timeout in Postgres.
func timeoutMillis(d time.Duration) (int, error) {
	if d == Infinite {
		return 0, nil
	}
	if d < time.Millisecond {
		return 0, fmt.Errorf("%w: %s", ErrInvalidTimeout, d)
	}
	return int(d / time.Millisecond), nil
}

// pushTimeout applies a lock_timeout override on the session connection and
// records it so popTimeout can restore the prior value.
func (s *Session) pushTimeout(ctx context.Context, ms int) error {
	if _, err := s.conn.Exec(ctx, "SELECT set_config('lock_timeout', $1, false)", strconv.Itoa(ms)); err != nil {
		return fmt.Errorf("setting lock_timeout: %w", err)
	}
	s.timeouts.push(ms)
	return nil
}

// popTimeout restores the lock_timeout active before the matching push. The
// restore is skipped when the session transaction is in the failed state, as
// no statement would succeed until the transaction is rolled back; the
// rollback itself restores the transaction-local setting.
func (s *Session) popTimeout(ctx context.Context) error {
	s.timeouts.pop()

	if s.txStatus() == txStatusFailed {
		return nil
	}

	if ms, ok := s.timeouts.top(); ok {
		if _, err := s.conn.Exec(ctx, "SELECT set_config('lock_timeout', $1, false)", strconv.Itoa(ms)); err != nil {
			return fmt.Errorf("restoring lock_timeout: %w", err)
		}
		return nil
	}

	if _, err := s.conn.Exec(ctx, "RESET lock_timeout"); err != nil {
		return fmt.Errorf("resetting lock_timeout: %w", err)
	}
	return nil
}

// WithTimeout runs fn with the given lock-wait timeout applied to the
// session, restoring the previous value on every exit path. Use Infinite to
// disable the timeout for the scope. Scopes nest; an inner scope fully
// shadows the outer one until it exits.
func (s *Session) WithTimeout(ctx context.Context, d time.Duration, fn func(ctx context.Context) error) error {
	ms, err := timeoutMillis(d)
	if err != nil {
		return err
	}

	if err := s.pushTimeout(ctx, ms); err != nil {
		return err
	}

	fnErr := fn(ctx)

	if popErr := s.popTimeout(ctx); popErr != nil {
		if fnErr != nil {
			// Keep the original failure; the restore problem is secondary.
			s.logger.Error().Err(popErr).Msg("failed to restore lock_timeout")
			return fnErr
		}
		return popErr
	}
	return fnErr
}
