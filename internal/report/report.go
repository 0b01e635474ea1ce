// Package report renders a run summary as a markdown document with aligned
// tables.
package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"

	"facilitysync/internal/pipeline"
)

// MaxListedErrors caps the errors printed in a report.
const MaxListedErrors = 20

// minColumnWidth matches the shortest markdown separator "---".
const minColumnWidth = 3

// Render produces the markdown summary of a run.
func Render(s *pipeline.Summary) string {
	if s == nil {
		return ""
	}

	var sb strings.Builder

	outcome := s.Classify()

	fmt.Fprintf(&sb, "# Facility refresh %s\n\n", s.RunID)
	fmt.Fprintf(&sb, "Outcome: **%s**", outcome)

	if s.Interrupted {
		sb.WriteString(" (interrupted)")
	}

	sb.WriteString("\n\n")

	overview := [][]string{
		{"Metric", "Value"},
		{"Started", s.StartedAt.UTC().Format(time.RFC3339)},
		{"Elapsed", s.Duration.Round(time.Millisecond).String()},
		{"Collected", fmt.Sprint(s.Collected)},
		{"Invalid", fmt.Sprint(s.InvalidCount)},
		{"Inserted", fmt.Sprint(s.Inserted)},
		{"Updated", fmt.Sprint(s.Updated)},
		{"Processed", fmt.Sprint(s.TotalProcessed)},
		{"Successful", fmt.Sprint(s.SuccessfulUpdates)},
		{"Skipped", fmt.Sprint(s.Skipped)},
		{"Enriched", fmt.Sprint(s.Enriched)},
		{"Errors", fmt.Sprint(len(s.Errors))},
		{"Success ratio", fmt.Sprintf("%.1f%%", s.SuccessRatio()*100)},
		{"Store size", fmt.Sprint(s.StoreSize)},
	}

	writeTable(&sb, overview)

	if len(s.Stages) > 0 {
		sb.WriteString("\n## Stages\n\n")

		stages := [][]string{{"Stage", "Status", "Count", "Duration", "Detail"}}
		for _, st := range s.Stages {
			stages = append(stages, []string{
				string(st.Name),
				string(st.Status),
				fmt.Sprint(st.Count),
				st.Duration.Round(time.Millisecond).String(),
				cell(st.Detail),
			})
		}

		writeTable(&sb, stages)
	}

	if len(s.Errors) > 0 {
		sb.WriteString("\n## Errors\n\n")

		for i, err := range s.Errors {
			if i == MaxListedErrors {
				fmt.Fprintf(&sb, "- ... and %d more\n", len(s.Errors)-MaxListedErrors)

				break
			}

			fmt.Fprintf(&sb, "- %s\n", cell(fmt.Sprint(err)))
		}
	}

	return sb.String()
}

func writeTable(sb *strings.Builder, rows [][]string) {
	for _, line := range Table(rows) {
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
}

// cell flattens text so it cannot break a table row.
func cell(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")

	return strings.ReplaceAll(s, "|", "/")
}

// Table lays out rows as a markdown table. The first row is the header. Column
// widths use display width so wide characters line up.
func Table(rows [][]string) []string {
	if len(rows) == 0 {
		return nil
	}

	colCount := 0
	for _, row := range rows {
		if len(row) > colCount {
			colCount = len(row)
		}
	}

	widths := make([]int, colCount)
	for i := range widths {
		widths[i] = minColumnWidth
	}

	for _, row := range rows {
		for i, c := range row {
			if w := runewidth.StringWidth(c); w > widths[i] {
				widths[i] = w
			}
		}
	}

	out := make([]string, 0, len(rows)+1)
	out = append(out, formatRow(rows[0], widths))

	sep := make([]string, colCount)
	for i, w := range widths {
		sep[i] = strings.Repeat("-", w)
	}

	out = append(out, formatRow(sep, widths))

	for _, row := range rows[1:] {
		out = append(out, formatRow(row, widths))
	}

	return out
}

func formatRow(row []string, widths []int) string {
	var sb strings.Builder

	sb.WriteString("|")

	for j, w := range widths {
		content := ""
		if j < len(row) {
			content = row[j]
		}

		sb.WriteString(" ")
		sb.WriteString(runewidth.FillRight(content, w))
		sb.WriteString(" |")
	}

	return sb.String()
}
