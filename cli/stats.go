// ABOUTME: stats command: per-source counts, sync status and pending pushes
// ABOUTME: Renders a table by default, or the raw snapshot with --json
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/harperreed/contactsync/db"
	"github.com/harperreed/contactsync/reconcile"
)

func newStatsCommand(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show contact counts and per-source sync status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			engine, store, err := a.engine(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			st, err := engine.Stats(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(st)
			}
			return printStats(out, st)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func printStats(w io.Writer, st *reconcile.Stats) error {
	_, _ = fmt.Fprintln(w, titleStyle.Render("Contacts"))
	_, _ = fmt.Fprintf(w, "  %d total, %d without email, %d pending pushes\n\n", st.Total, st.Keyless, st.PendingPushes)

	table := tablewriter.NewTable(w)
	table.Header("Source", "Contacts", "Status", "Last sync", "Errors", "Last error", "Retry after", "Pending")
	for _, ss := range st.Sources {
		lastErr := ss.LastError
		if ss.ErrorKind != "" {
			lastErr = ss.ErrorKind + ": " + lastErr
		}
		row := []any{
			string(ss.Source),
			strconv.Itoa(ss.Contacts),
			styleStatus(ss.Status),
			formatTime(ss.LastSync),
			strconv.Itoa(ss.ErrorCount),
			truncate(lastErr, 48),
			formatTime(ss.RetryAfter),
			strconv.Itoa(ss.PendingPushes),
		}
		if err := table.Append(row...); err != nil {
			return err
		}
	}
	if err := table.Render(); err != nil {
		return err
	}

	if run := st.LastRun; run != nil {
		_, _ = fmt.Fprintf(w, "\nLast run %s: %s %s, fetched %d, changed %d, pushed %d, failures %d\n",
			run.ID, run.Scope, run.State, run.Fetched, run.Changed, run.Pushed, run.PushFailures)
		if run.ErrorMessage != nil {
			_, _ = fmt.Fprintln(w, errStyle.Render("  "+*run.ErrorMessage))
		}
	}
	return nil
}

func styleStatus(status string) string {
	switch status {
	case db.StatusIdle:
		return okStyle.Render(status)
	case db.StatusStale:
		return warnStyle.Render(status)
	default:
		return errStyle.Render(status)
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
