package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"clinic-calendar-sync/internal/domain"
)

// displayStatus shows the connection status.
func displayStatus(w io.Writer, s domain.ConnectionStatus) {
	cyan := color.New(color.FgCyan).SprintFunc()
	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()

	if !s.Connected {
		fmt.Fprintln(w, yellow("Google Calendar is not connected."))
		fmt.Fprintln(w, "Run 'clinic-calendar-sync connect' to connect it.")
		return
	}

	fmt.Fprintln(w, green("Google Calendar connected"))
	fmt.Fprintln(w)
	if s.ConnectedEmail != "" {
		fmt.Fprintf(w, "  %s: %s\n", cyan("Account"), s.ConnectedEmail)
	}
	fmt.Fprintf(w, "  %s: %s\n", cyan("Calendar"), s.CalendarID)
	if s.SyncEnabled {
		fmt.Fprintf(w, "  %s: %s\n", cyan("Sync"), green("enabled"))
	} else {
		fmt.Fprintf(w, "  %s: %s\n", cyan("Sync"), yellow("disabled"))
	}
	fmt.Fprintf(w, "  %s: %s\n", cyan("Last sync"), formatTime(s.LastSyncAt))
}

// displayRun shows the outcome of one sync run.
func displayRun(w io.Writer, run *domain.SyncLog) {
	cyan := color.New(color.FgCyan).SprintFunc()

	fmt.Fprintln(w, statusLabel(run.Status))
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  %s: %s\n", cyan("Run"), run.ID)
	fmt.Fprintf(w, "  %s: %s / %s\n", cyan("Type"), run.Direction, run.Kind)
	fmt.Fprintf(w, "  %s: %d\n", cyan("Synced"), run.ItemsSynced)
	fmt.Fprintf(w, "  %s: %d\n", cyan("Failed"), run.ItemsFailed)
	fmt.Fprintf(w, "  %s: %s\n", cyan("Started"), formatTime(&run.StartedAt))
	if run.CompletedAt != nil {
		fmt.Fprintf(w, "  %s: %s\n", cyan("Duration"), run.CompletedAt.Sub(run.StartedAt).Round(time.Millisecond))
	}
	if run.ErrorMessage != "" {
		fmt.Fprintf(w, "  %s: %s\n", cyan("Error"), run.ErrorMessage)
	}
}

// displayHistory shows a table of runs.
func displayHistory(w io.Writer, runs []domain.SyncLog) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No sync runs recorded.")
		return
	}
	cyan := color.New(color.FgCyan).SprintFunc()

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
		cyan("Started"), cyan("Direction"), cyan("Kind"), cyan("Status"),
		cyan("Synced"), cyan("Failed"), cyan("Error"))
	fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
		strings.Repeat("-", 19), strings.Repeat("-", 13), strings.Repeat("-", 11),
		strings.Repeat("-", 11), strings.Repeat("-", 6), strings.Repeat("-", 6), strings.Repeat("-", 20))
	for _, r := range runs {
		started := r.StartedAt
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			formatTime(&started), r.Direction, r.Kind, r.Status,
			r.ItemsSynced, r.ItemsFailed, truncate(r.ErrorMessage, 40))
	}
}

// displayItems shows the per-appointment results of a run.
func displayItems(w io.Writer, items []domain.AppointmentSyncLog) {
	if len(items) == 0 {
		return
	}
	cyan := color.New(color.FgCyan).SprintFunc()

	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	defer tw.Flush()
	fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
		cyan("Appointment"), cyan("Action"), cyan("Status"), cyan("Event"), cyan("Error"))
	for _, it := range items {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n",
			it.AppointmentID, it.Action, it.Status, truncate(it.ExternalID, 26), truncate(it.ErrorMessage, 40))
	}
}

// statusLabel renders a run status as a colored headline.
func statusLabel(s domain.SyncStatus) string {
	switch s {
	case domain.StatusSuccess:
		return color.New(color.FgGreen).Sprint("Sync completed")
	case domain.StatusPartial:
		return color.New(color.FgYellow).Sprint("Sync completed with failures")
	case domain.StatusFailed:
		return color.New(color.FgRed).Sprint("Sync failed")
	case domain.StatusInProgress:
		return color.New(color.FgCyan).Sprint("Sync in progress")
	default:
		return string(s)
	}
}

// truncate shortens a string to the specified length.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

// formatTime renders a timestamp in local time, or "never".
func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "never"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
