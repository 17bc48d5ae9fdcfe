package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kneutral-org/pglock/internal/config"
	"github.com/kneutral-org/pglock/lockview"
)

// parseFilter translates one key=value filter expression into a lock view
// option. Supported keys: granted, min_wait, relation, pid.
func parseFilter(expr string) (lockview.QueryOption, error) {
	key, val, ok := strings.Cut(expr, "=")
	if !ok {
		return nil, fmt.Errorf("invalid filter %q: expected key=value", expr)
	}

	switch key {
	case "granted":
		granted, err := strconv.ParseBool(val)
		if err != nil {
			return nil, fmt.Errorf("invalid filter %q: %w", expr, err)
		}
		return lockview.Granted(granted), nil
	case "min_wait":
		d, err := time.ParseDuration(val)
		if err != nil {
			return nil, fmt.Errorf("invalid filter %q: %w", expr, err)
		}
		return lockview.MinWaitDuration(d), nil
	case "relation":
		return lockview.OnRelations(val), nil
	case "pid":
		pid, err := strconv.Atoi(val)
		if err != nil {
			return nil, fmt.Errorf("invalid filter %q: %w", expr, err)
		}
		return lockview.PIDs(pid), nil
	default:
		return nil, fmt.Errorf("unknown filter key %q", key)
	}
}

// queryOptions builds the lock view options for a resolved lock config.
func queryOptions(cfg config.LockConfig) ([]lockview.QueryOption, error) {
	var opts []lockview.QueryOption

	for _, expr := range cfg.Filters {
		opt, err := parseFilter(expr)
		if err != nil {
			return nil, err
		}
		opts = append(opts, opt)
	}
	if len(cfg.On) > 0 {
		opts = append(opts, lockview.OnRelations(cfg.On...))
	}
	if len(cfg.PIDs) > 0 {
		opts = append(opts, lockview.PIDs(cfg.PIDs...))
	}
	// PID-targeted listings show everything for those backends.
	if len(cfg.PIDs) == 0 && cfg.Limit > 0 {
		opts = append(opts, lockview.Limit(cfg.Limit))
	}
	return opts, nil
}

// parsePIDArgs converts positional PID arguments.
func parsePIDArgs(args []string) ([]int, error) {
	pids := make([]int, 0, len(args))
	for _, arg := range args {
		pid, err := strconv.Atoi(arg)
		if err != nil {
			return nil, fmt.Errorf("invalid pid %q", arg)
		}
		pids = append(pids, pid)
	}
	return pids, nil
}
