package cli

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"

	"kbsync/features/syncer"
	"kbsync/internal/app"
)

const maxTitleWidth = 32

// writeTable writes rows with every column but the last padded to its
// widest cell. Widths are display widths so wide titles line up.
func writeTable(w io.Writer, indent string, rows [][]string) error {
	var widths []int
	for _, row := range rows {
		for i, cell := range row {
			if i >= len(widths) {
				widths = append(widths, 0)
			}
			widths[i] = max(widths[i], runewidth.StringWidth(cell))
		}
	}

	for _, row := range rows {
		var b strings.Builder
		b.WriteString(indent)
		for i, cell := range row {
			if i == len(row)-1 {
				b.WriteString(cell)
				break
			}
			b.WriteString(runewidth.FillRight(cell, widths[i]))
			b.WriteString("  ")
		}
		if _, err := fmt.Fprintln(w, strings.TrimRight(b.String(), " ")); err != nil {
			return err
		}
	}
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func assistantLabel(rep *syncer.Report) string {
	if rep.AssistantID == "" {
		return "-"
	}
	if rep.Binding == "" {
		return rep.AssistantID
	}
	return fmt.Sprintf("%s (%s)", rep.AssistantID, rep.Binding)
}

// writeReport renders a run report for a terminal.
func writeReport(w io.Writer, rep *syncer.Report) error {
	elapsed := time.Duration(rep.ElapsedMS) * time.Millisecond
	if _, err := fmt.Fprintf(w, "Run %s %s in %s\n", rep.RunID, rep.Status, elapsed); err != nil {
		return err
	}
	if rep.Error != "" {
		if _, err := fmt.Fprintf(w, "Error: %s\n", rep.Error); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintln(w); err != nil {
		return err
	}

	counts := [][]string{
		{"Scraped", strconv.Itoa(rep.Scraped)},
		{"New", strconv.Itoa(rep.New)},
		{"Updated", strconv.Itoa(rep.Updated)},
		{"Unchanged", strconv.Itoa(rep.Unchanged)},
		{"Deleted", strconv.Itoa(rep.Deleted)},
		{"Skipped", strconv.Itoa(rep.Skipped)},
		{"Synced", strconv.Itoa(rep.Synced)},
		{"Orphans cleaned", strconv.Itoa(rep.OrphansCleaned)},
		{"Orphans remaining", strconv.Itoa(rep.OrphansRemaining)},
		{"Reconciled", strconv.Itoa(rep.Reconciled)},
		{"Estimated chunks", strconv.Itoa(rep.EstimatedChunks)},
		{"Assistant", assistantLabel(rep)},
		{"Index", orDash(rep.IndexID)},
	}
	if err := writeTable(w, "  ", counts); err != nil {
		return err
	}

	if len(rep.Failures) == 0 {
		return nil
	}
	if _, err := fmt.Fprintf(w, "\nFailures (%d)\n", len(rep.Failures)); err != nil {
		return err
	}
	rows := [][]string{{"ARTICLE", "TITLE", "OP", "REASON"}}
	for _, f := range rep.Failures {
		rows = append(rows, []string{
			orDash(f.ArticleID),
			runewidth.Truncate(orDash(f.Title), maxTitleWidth, "..."),
			f.Op,
			f.Reason,
		})
	}
	return writeTable(w, "  ", rows)
}

func writeStatus(w io.Writer, st *app.Status) error {
	bound := "-"
	if !st.BoundAt.IsZero() {
		bound = st.BoundAt.UTC().Format(time.RFC3339)
	}
	return writeTable(w, "", [][]string{
		{"Assistant", orDash(st.AssistantID)},
		{"Index", orDash(st.IndexID)},
		{"Bound at", bound},
		{"Tracked articles", strconv.Itoa(st.TrackedArticles)},
		{"Failed articles", strconv.Itoa(st.FailedArticles)},
		{"State backend", st.StateBackend},
	})
}
