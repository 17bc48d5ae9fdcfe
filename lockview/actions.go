package lockview

import (
	"context"
	"fmt"
)

// signalSQL builds the cancel/terminate statement. The pg_backend_pid()
// guard keeps a misconfigured filter from killing the issuing connection.
func signalSQL(fn string) string {
	return fmt.Sprintf(
		"SELECT t.pid, %s(t.pid) FROM UNNEST($1::int[]) AS t(pid) WHERE t.pid <> pg_backend_pid()", fn)
}

func (s *Store) signal(ctx context.Context, fn string, pids []int) ([]int, error) {
	pids = dedupe(pids)
	if len(pids) == 0 {
		return nil, nil
	}

	rows, err := s.db.Query(ctx, signalSQL(fn), pids)
	if err != nil {
		return nil, fmt.Errorf("signaling backends: %w", err)
	}
	defer rows.Close()

	var handled []int
	for rows.Next() {
		var pid int
		var ok bool
		if err := rows.Scan(&pid, &ok); err != nil {
			return nil, fmt.Errorf("scanning signal result: %w", err)
		}
		if ok {
			handled = append(handled, pid)
		}
	}
	return handled, rows.Err()
}

// CancelActivity requests cooperative cancellation of the current query on
// each backend. Returns the PIDs whose cancel signal was delivered. Some
// statements cannot be cancelled; termination is the forceful alternative.
func (s *Store) CancelActivity(ctx context.Context, pids ...int) ([]int, error) {
	handled, err := s.signal(ctx, "pg_cancel_backend", pids)
	if err != nil {
		return nil, err
	}
	if len(handled) > 0 {
		s.logger.Info().Ints("pids", handled).Msg("cancelled backend activity")
	}
	return handled, nil
}

// TerminateActivity forcefully terminates each backend. Returns the PIDs
// whose terminate signal was delivered.
func (s *Store) TerminateActivity(ctx context.Context, pids ...int) ([]int, error) {
	handled, err := s.signal(ctx, "pg_terminate_backend", pids)
	if err != nil {
		return nil, err
	}
	if len(handled) > 0 {
		s.logger.Info().Ints("pids", handled).Msg("terminated backend activity")
	}
	return handled, nil
}

// CancelBlocking cancels every distinct session blocking the locks matched
// by the filters. No signal is issued when nothing matches.
func (s *Store) CancelBlocking(ctx context.Context, opts ...QueryOption) ([]int, error) {
	pids, err := s.blockingPIDs(ctx, opts)
	if err != nil {
		return nil, err
	}
	return s.CancelActivity(ctx, pids...)
}

// TerminateBlocking terminates every distinct session blocking the locks
// matched by the filters. No signal is issued when nothing matches.
func (s *Store) TerminateBlocking(ctx context.Context, opts ...QueryOption) ([]int, error) {
	pids, err := s.blockingPIDs(ctx, opts)
	if err != nil {
		return nil, err
	}
	return s.TerminateActivity(ctx, pids...)
}

func (s *Store) blockingPIDs(ctx context.Context, opts []QueryOption) ([]int, error) {
	locks, err := s.Blocked(ctx, opts...)
	if err != nil {
		return nil, err
	}

	pids := make([]int, 0, len(locks))
	for _, l := range locks {
		pids = append(pids, l.BlockingPID)
	}
	return dedupe(pids), nil
}

func dedupe(pids []int) []int {
	seen := make(map[int]struct{}, len(pids))
	out := pids[:0]
	for _, pid := range pids {
		if _, ok := seen[pid]; ok {
			continue
		}
		seen[pid] = struct{}{}
		out = append(out, pid)
	}
	return out
}
