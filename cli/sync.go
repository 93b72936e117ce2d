// ABOUTME: sync command: one full or keyed reconciliation run
// ABOUTME: Prints a per-source summary of what was fetched and pushed
package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/harperreed/contactsync/models"
	"github.com/harperreed/contactsync/reconcile"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("170"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

func newSyncCommand(a *app) *cobra.Command {
	var key string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one reconciliation cycle",
		Long: `Fetch from every enabled source, merge, and push missing or stale copies back.

With --key only the contact with that email (or keyless store key) is reconciled.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			engine, store, err := a.engine(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			trigger := reconcile.FullSync(reconcile.ReasonManual)
			if key != "" {
				k, err := storeKeyArg(key)
				if err != nil {
					return err
				}
				trigger = reconcile.KeySync(k, reconcile.ReasonManual)
			}

			rep, err := engine.Run(ctx, trigger)
			if rep != nil {
				printReport(cmd.OutOrStdout(), rep)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "reconcile only this email or store key")
	return cmd
}

// storeKeyArg turns a user supplied email or "~source:id" into a store key.
func storeKeyArg(arg string) (string, error) {
	arg = strings.TrimSpace(arg)
	if models.IsKeylessKey(arg) {
		return arg, nil
	}
	k := models.NormalizeEmail(arg)
	if k == "" {
		return "", fmt.Errorf("invalid key %q: want an email address or ~source:id", arg)
	}
	return k, nil
}

func printReport(w io.Writer, rep *reconcile.Report) {
	_, _ = fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("Sync %s (%s)", rep.Trigger.Scope, rep.RunID)))
	for _, sr := range rep.Sources {
		var status string
		switch {
		case sr.Err != nil:
			status = errStyle.Render("✗ " + sr.Err.Error())
		case sr.Skipped:
			status = warnStyle.Render("backing off")
		default:
			status = okStyle.Render("✓")
		}
		mode := "full"
		if sr.Incremental {
			mode = "incremental"
		}
		_, _ = fmt.Fprintf(w, "  %-8s %s %s\n", sr.Source, status,
			dimStyle.Render(fmt.Sprintf("fetched %d, deleted %d, %s", sr.Fetched, sr.Deleted, mode)))
	}
	_, _ = fmt.Fprintf(w, "  changed %d, pushed %d, push failures %d, removed mappings %d in %s\n",
		rep.Changed, rep.Pushed, rep.PushFailures, rep.Deleted, rep.FinishedAt.Sub(rep.StartedAt).Round(time.Millisecond))
	if rep.Err != nil {
		_, _ = fmt.Fprintln(w, errStyle.Render("  run failed: "+rep.Err.Error()))
	}
}
