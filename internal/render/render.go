package render

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Format selects how views are written.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

func ParseFormat(name string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(name))) {
	case "", FormatText:
		return FormatText, nil
	case FormatJSON:
		return FormatJSON, nil
	case FormatYAML, "yml":
		return FormatYAML, nil
	}
	return "", fmt.Errorf("unknown output format %q", name)
}

// Write renders v in the given format. Text output understands the view types
// of this package; anything else falls back to YAML.
func Write(w io.Writer, format Format, v any) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("encode yaml: %w", err)
		}
		return enc.Close()
	}

	switch view := v.(type) {
	case LoggedOutView:
		_, err := fmt.Fprintln(w, view.Message)
		return err
	case DashboardView:
		return writeDashboard(w, view)
	case SummaryDetailsView:
		return writeSummary(w, view)
	case BorrowerDetailsView:
		return writeBorrower(w, view)
	}
	return Write(w, FormatYAML, v)
}

func writeDashboard(w io.Writer, view DashboardView) error {
	if !view.Loaded {
		_, err := fmt.Fprintln(w, "No data yet. Upload a borrower file or refresh.")
		return err
	}
	fmt.Fprintf(w, "Total borrowers: %d\n", view.TotalBorrowers)
	fmt.Fprintf(w, "Total arrears:   %s\n\n", money(view.TotalArrears))

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CATEGORY\tKEY\tBORROWERS\tYET TO CALL\tIN PROGRESS\tCOMPLETED")
	for _, c := range view.Categories {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\n", c.Label, c.Key, c.Borrowers, c.YetToCall, c.InProgress, c.Completed)
	}
	return tw.Flush()
}

func writeSummary(w io.Writer, view SummaryDetailsView) error {
	fmt.Fprintf(w, "%s: %d borrowers (%d yet to call, %d in progress, %d completed)\n\n",
		view.Label, view.Counts.Borrowers, view.Counts.YetToCall, view.Counts.InProgress, view.Counts.Completed)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NO\tNAME\tCONTACT\tLANGUAGE\tAMOUNT\tEMI\tPAYMENT\tSTATUS\tSUMMARY")
	for _, b := range view.Borrowers {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			b.ID, dash(b.Name), dash(b.Contact), b.Language, money(b.Amount), money(b.EMI),
			dash(b.PaymentCategory), b.Status, dash(truncate(b.Summary, 60)))
	}
	return tw.Flush()
}

func writeBorrower(w io.Writer, view BorrowerDetailsView) error {
	b := view.Borrower
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Borrower\t%s\n", b.ID)
	fmt.Fprintf(tw, "Name\t%s\n", dash(b.Name))
	fmt.Fprintf(tw, "Contact\t%s\n", dash(b.Contact))
	fmt.Fprintf(tw, "Language\t%s\n", b.Language)
	fmt.Fprintf(tw, "Arrears\t%s\n", money(b.Amount))
	fmt.Fprintf(tw, "Status\t%s\n", b.Status)
	if view.PaymentConfirmation != "" {
		fmt.Fprintf(tw, "Payment\t%s\n", view.PaymentConfirmation)
	}
	if view.FollowUpDate != "" {
		fmt.Fprintf(tw, "Follow-up\t%s\n", view.FollowUpDate)
	}
	if view.LastCallError != "" {
		fmt.Fprintf(tw, "Last error\t%s\n", view.LastCallError)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if b.Summary != "" {
		fmt.Fprintf(w, "\nAI summary:\n  %s\n", b.Summary)
	}
	if view.RequireManualProcess {
		fmt.Fprintln(w, "\nManual follow-up required.")
		if view.Email != nil {
			fmt.Fprintf(w, "  To: %s\n  Subject: %s\n\n%s\n", view.Email.To, view.Email.Subject, view.Email.Body)
		}
	}

	fmt.Fprintln(w, "\nTranscript:")
	if len(view.Transcript) == 0 {
		_, err := fmt.Fprintln(w, "  (no call yet)")
		return err
	}
	for _, line := range view.Transcript {
		if _, err := fmt.Fprintf(w, "  %s: %s\n", line.Speaker, line.Text); err != nil {
			return err
		}
	}
	return nil
}

func money(v float64) string {
	return "₹" + humanize.FormatFloat("#,###.##", v)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
