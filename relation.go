package pglock

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/kneutral-org/pglock/internal/metrics"
)

// RelationMode is a Postgres table-level lock mode.
type RelationMode string

// The relation lock modes defined by Postgres, weakest to strongest.
const (
	AccessShare          RelationMode = "ACCESS SHARE"
	RowShare             RelationMode = "ROW SHARE"
	RowExclusive         RelationMode = "ROW EXCLUSIVE"
	ShareUpdateExclusive RelationMode = "SHARE UPDATE EXCLUSIVE"
	Share                RelationMode = "SHARE"
	ShareRowExclusive    RelationMode = "SHARE ROW EXCLUSIVE"
	Exclusive            RelationMode = "EXCLUSIVE"
	AccessExclusive      RelationMode = "ACCESS EXCLUSIVE"
)

// Mode sets the relation lock mode. Defaults to AccessExclusive.
func Mode(m RelationMode) AcquireOption {
	return func(c *acquireConfig) {
		c.mode = m
	}
}

// Tx is the transaction surface LockRelations needs. pgx.Tx satisfies it.
type Tx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// quoteRelation double-quotes a relation name, escaping embedded quotes.
func quoteRelation(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// relationLockSQL renders the combined LOCK TABLE statement. One statement
// covers all relations, so the grant is atomic across them.
func relationLockSQL(relations []string, mode RelationMode, nowait bool) string {
	quoted := make([]string, len(relations))
	for i, rel := range relations {
		quoted[i] = quoteRelation(rel)
	}

	sql := "LOCK TABLE " + strings.Join(quoted, ", ") + " IN " + string(mode) + " MODE"
	if nowait {
		sql += " NOWAIT"
	}
	return sql
}

// LockRelations takes a table-level lock on every named relation inside the
// caller's open transaction. Either all relations are granted or none are.
// The lock is held until the outermost transaction concludes. Timeout and
// OnFailure behave as for Acquire; Shared, Xact, and Skip do not apply here.
//
// The transaction must run on this session's connection so the timeout scope
// applies to the locking statement.
func (s *Session) LockRelations(ctx context.Context, tx Tx, relations []string, opts ...AcquireOption) (bool, error) {
	cfg := &acquireConfig{onFailure: ReturnStatus, mode: AccessExclusive}
	for _, opt := range opts {
		opt(cfg)
	}

	if tx == nil {
		return false, fmt.Errorf("%w: relation locks require a transaction", ErrNoTransaction)
	}
	if len(relations) == 0 {
		return false, fmt.Errorf("pglock: at least one relation is required")
	}
	if cfg.onFailure == Skip {
		return false, fmt.Errorf("%w: Skip applies only to WithAdvisory", ErrInvalidPolicy)
	}
	if cfg.shared || cfg.xact {
		return false, fmt.Errorf("pglock: Shared and Xact do not apply to relation locks")
	}

	nowait := cfg.timeout != nil && *cfg.timeout == 0
	sql := relationLockSQL(relations, cfg.mode, nowait)

	start := time.Now()
	acquired, err := s.attemptRelation(ctx, tx, sql, cfg, nowait)
	metrics.ObserveAcquire("relation", acquired, err, time.Since(start))
	if err != nil {
		return false, err
	}

	if !acquired && cfg.onFailure == Raise {
		return false, fmt.Errorf("%w: relations %s", ErrNotAcquired, strings.Join(relations, ", "))
	}
	return acquired, nil
}

func (s *Session) attemptRelation(ctx context.Context, tx Tx, sql string, cfg *acquireConfig, nowait bool) (bool, error) {
	savepoint := cfg.onFailure == ReturnStatus

	scoped := cfg.timeout != nil && !nowait
	if scoped {
		ms, err := timeoutMillis(*cfg.timeout)
		if err != nil {
			return false, err
		}
		if err := s.pushTimeout(ctx, ms); err != nil {
			return false, err
		}
	}

	acquired, attemptErr := s.lockRelationsInScope(ctx, tx, sql, savepoint, cfg.onFailure)

	if scoped {
		if popErr := s.popTimeout(ctx); popErr != nil {
			if attemptErr != nil {
				s.logger.Error().Err(popErr).Msg("failed to restore lock_timeout")
				return false, attemptErr
			}
			return false, popErr
		}
	}
	return acquired, attemptErr
}

func (s *Session) lockRelationsInScope(ctx context.Context, tx Tx, sql string, savepoint bool, onFailure AcquireFailure) (bool, error) {
	if savepoint {
		if _, err := tx.Exec(ctx, "SAVEPOINT "+savepointAcquire); err != nil {
			return false, fmt.Errorf("creating savepoint: %w", err)
		}
	}

	if _, err := tx.Exec(ctx, sql); err != nil {
		if !isLockTimeout(err) {
			return false, err
		}
		if savepoint {
			if _, rbErr := tx.Exec(ctx, "ROLLBACK TO SAVEPOINT "+savepointAcquire); rbErr != nil {
				return false, fmt.Errorf("rolling back savepoint: %w", rbErr)
			}
			if _, relErr := tx.Exec(ctx, "RELEASE SAVEPOINT "+savepointAcquire); relErr != nil {
				return false, fmt.Errorf("releasing savepoint: %w", relErr)
			}
		}
		if onFailure == Raise {
			return false, err
		}
		return false, nil
	}

	if savepoint {
		if _, err := tx.Exec(ctx, "RELEASE SAVEPOINT "+savepointAcquire); err != nil {
			return false, fmt.Errorf("releasing savepoint: %w", err)
		}
	}
	return true, nil
}
