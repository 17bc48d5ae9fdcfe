package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"regexp"

	"github.com/spf13/cobra"

	"github.com/kneutral-org/pglock/internal/config"
	"github.com/kneutral-org/pglock/lockview"
)

var (
	flagFilters   []string
	flagOn        []string
	flagLimit     int
	flagExpanded  bool
	flagBlocking  bool
	flagLockCfg   string
	flagYes       bool
	flagCancel    bool
	flagTerminate bool
)

var lsCmd = &cobra.Command{
	Use:   "ls [pids...]",
	Short: "Show and manage locks",
	Long: `List current locks, longest-waiting first. With --blocking, list blocked
locks together with the session blocking each of them. With --cancel or
--terminate, kill the matched sessions instead of listing them.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLock(cmd, args, nil)
	},
}

var blockedCmd = &cobra.Command{
	Use:   "blocked [pids...]",
	Short: "Show blocked locks and the sessions blocking them",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLock(cmd, args, func(c *config.LockConfig) { c.Blocking = true })
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel [pids...]",
	Short: "Cancel the current query of the matched sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLock(cmd, args, func(c *config.LockConfig) { c.Cancel = true })
	},
}

var terminateCmd = &cobra.Command{
	Use:   "terminate [pids...]",
	Short: "Terminate the matched sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLock(cmd, args, func(c *config.LockConfig) { c.Terminate = true })
	},
}

// addLockFlags registers the flag set shared by the lock command family.
// The ls form additionally carries the kill flags the dedicated commands
// force.
func addLockFlags(cmd *cobra.Command) {
	cmd.Flags().StringArrayVarP(&flagFilters, "filter", "f", nil, "Filter expression key=value (granted, min_wait, relation, pid)")
	cmd.Flags().StringArrayVarP(&flagOn, "on", "o", nil, "Show locks on the named relations")
	cmd.Flags().IntVarP(&flagLimit, "limit", "l", 0, "Limit results")
	cmd.Flags().BoolVarP(&flagExpanded, "expanded", "e", false, "Show an expanded view")
	cmd.Flags().StringVarP(&flagLockCfg, "config", "c", "", "Use a named lock config")
	cmd.Flags().BoolVarP(&flagYes, "yes", "y", false, "Don't prompt for confirmation")
}

func init() {
	for _, cmd := range []*cobra.Command{lsCmd, blockedCmd, cancelCmd, terminateCmd} {
		addLockFlags(cmd)
	}

	lsCmd.Flags().BoolVar(&flagBlocking, "blocking", false, "Show blocking locks")
	lsCmd.Flags().BoolVar(&flagCancel, "cancel", false, "Cancel matched activity")
	lsCmd.Flags().BoolVar(&flagTerminate, "terminate", false, "Terminate matched activity")
	lsCmd.MarkFlagsMutuallyExclusive("cancel", "terminate")

	cancelCmd.Flags().BoolVar(&flagBlocking, "blocking", false, "Cancel the blocking sessions instead")
	terminateCmd.Flags().BoolVar(&flagBlocking, "blocking", false, "Terminate the blocking sessions instead")

	rootCmd.AddCommand(lsCmd, blockedCmd, cancelCmd, terminateCmd)
}

func runLock(cmd *cobra.Command, args []string, force func(*config.LockConfig)) error {
	ctx := cmd.Context()
	cliCfg := cliConfig()

	pids, err := parsePIDArgs(args)
	if err != nil {
		return err
	}

	configs, err := config.LoadLockConfigs(cliCfg.ConfigFile)
	if err != nil {
		return err
	}
	overrides := config.LockConfig{
		Filters:   flagFilters,
		On:        flagOn,
		PIDs:      pids,
		Limit:     flagLimit,
		Blocking:  flagBlocking,
		Cancel:    flagCancel,
		Terminate: flagTerminate,
		Yes:       flagYes,
		Expanded:  flagExpanded,
	}
	if force != nil {
		force(&overrides)
	}
	cfg, err := config.Get(configs, flagLockCfg, overrides)
	if err != nil {
		return err
	}

	opts, err := queryOptions(cfg)
	if err != nil {
		return err
	}

	pool, err := connect(ctx, cliCfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	store := lockview.New(pool, lockview.WithLogger(newLogger(cliCfg)))

	if cfg.Cancel || cfg.Terminate {
		return runKill(ctx, cmd, store, cfg, opts)
	}

	if cfg.Blocking {
		locks, err := store.Blocked(ctx, opts...)
		if err != nil {
			return err
		}
		if cfg.Expanded {
			records := make([]map[string]string, 0, len(locks))
			for _, l := range locks {
				records = append(records, blockedRecord(l))
			}
			writeExpanded(cmd.OutOrStdout(), records, blockedFieldOrder)
		} else {
			writeBlockedTable(cmd.OutOrStdout(), locks)
		}
		return nil
	}

	locks, err := store.Locks(ctx, opts...)
	if err != nil {
		return err
	}
	if cfg.Expanded {
		records := make([]map[string]string, 0, len(locks))
		for _, l := range locks {
			records = append(records, lockRecord(l))
		}
		writeExpanded(cmd.OutOrStdout(), records, lockFieldOrder)
	} else {
		writeLockTable(cmd.OutOrStdout(), locks)
	}
	return nil
}

var yesPattern = regexp.MustCompile(`(?i)^y(es)?$`)

// queries pluralizes the kill messages the way operators expect to read
// them.
func queries(n int) string {
	if n == 1 {
		return "query"
	}
	return "queries"
}

// confirm prompts before a kill unless the config says yes.
func confirm(cfg config.LockConfig, numQueries int, out *os.File) bool {
	if cfg.Yes {
		return true
	}

	verb := "Terminate"
	if cfg.Cancel {
		verb = "Cancel"
	}
	blocking := ""
	if cfg.Blocking {
		blocking = "blocking "
	}
	fmt.Fprintf(out, "%s %d %s%s? (y/[n]) ", verb, numQueries, blocking, queries(numQueries))

	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		return false
	}
	return yesPattern.MatchString(scanner.Text())
}

// runKill resolves the target PID set, confirms, and issues the action. With
// --blocking the targets are the sessions doing the blocking; otherwise they
// are the matched sessions themselves.
func runKill(ctx context.Context, cmd *cobra.Command, store *lockview.Store, cfg config.LockConfig, opts []lockview.QueryOption) error {
	var targets []int
	if cfg.Blocking {
		locks, err := store.Blocked(ctx, opts...)
		if err != nil {
			return err
		}
		seen := map[int]struct{}{}
		for _, l := range locks {
			if _, ok := seen[l.BlockingPID]; !ok {
				seen[l.BlockingPID] = struct{}{}
				targets = append(targets, l.BlockingPID)
			}
		}
	} else {
		locks, err := store.Locks(ctx, opts...)
		if err != nil {
			return err
		}
		seen := map[int]struct{}{}
		for _, l := range locks {
			if _, ok := seen[l.PID]; !ok {
				seen[l.PID] = struct{}{}
				targets = append(targets, l.PID)
			}
		}
	}

	verb := "terminate"
	done := "Terminated"
	if cfg.Cancel {
		verb = "cancel"
		done = "Canceled"
	}
	blocking := ""
	if cfg.Blocking {
		blocking = "blocking "
	}

	if len(targets) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "No %squeries to %s.\n", blocking, verb)
		return nil
	}

	if !confirm(cfg, len(targets), os.Stdout) {
		fmt.Fprintln(cmd.OutOrStdout(), "Aborting!")
		return nil
	}

	var handled []int
	var err error
	if cfg.Cancel {
		handled, err = store.CancelActivity(ctx, targets...)
	} else {
		handled, err = store.TerminateActivity(ctx, targets...)
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s %d %s%s\n", done, len(handled), blocking, queries(len(handled)))
	return nil
}
