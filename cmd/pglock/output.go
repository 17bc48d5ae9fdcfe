package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/kneutral-org/pglock/lockview"
)

func formatWait(d *time.Duration) string {
	if d == nil {
		return "-"
	}
	return d.Truncate(time.Second).String()
}

func formatGranted(granted bool) string {
	if granted {
		return "granted"
	}
	return "waiting"
}

// writeLockTable renders lock rows as an aligned table.
func writeLockTable(w io.Writer, locks []lockview.Lock) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PID\tTYPE\tMODE\tSTATE\tWAIT\tREL_KIND\tREL_NAME")
	for _, l := range locks {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			l.PID, l.Type, l.Mode, formatGranted(l.Granted), formatWait(l.WaitDuration), l.RelKind, l.RelName)
	}
	tw.Flush()
}

// writeBlockedTable renders blocking pairs as an aligned table.
func writeBlockedTable(w io.Writer, locks []lockview.BlockedLock) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PID\tBLOCKED_BY\tMODE\tWAIT\tREL_KIND\tREL_NAME")
	for _, l := range locks {
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\t%s\n",
			l.PID, l.BlockingPID, l.Mode, formatWait(l.WaitDuration), l.RelKind, l.RelName)
	}
	tw.Flush()
}

// writeExpanded renders one record per block, one field per line.
func writeExpanded(w io.Writer, records []map[string]string, order []string) {
	for _, rec := range records {
		fmt.Fprintln(w, strings.Repeat("-", 40))
		for _, key := range order {
			fmt.Fprintf(w, "%s: %s\n", key, rec[key])
		}
	}
}

func lockRecord(l lockview.Lock) map[string]string {
	return map[string]string{
		"pid":      fmt.Sprintf("%d", l.PID),
		"type":     l.Type,
		"mode":     l.Mode,
		"state":    formatGranted(l.Granted),
		"wait":     formatWait(l.WaitDuration),
		"rel_kind": l.RelKind,
		"rel_name": l.RelName,
	}
}

var lockFieldOrder = []string{"pid", "type", "mode", "state", "wait", "rel_kind", "rel_name"}

func blockedRecord(l lockview.BlockedLock) map[string]string {
	rec := lockRecord(l.Lock)
	rec["blocked_by"] = fmt.Sprintf("%d", l.BlockingPID)
	return rec
}

var blockedFieldOrder = []string{"pid", "blocked_by", "type", "mode", "state", "wait", "rel_kind", "rel_name"}
