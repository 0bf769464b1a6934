// Package render prints query outcomes and logged attempts for the CLI.
package render

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"github.com/nlqhq/nlq/internal/datasource"
	"github.com/nlqhq/nlq/pkg/types"
)

// Output formats.
const (
	FormatTable    = "table"
	FormatMarkdown = "markdown"
	FormatJSON     = "json"
	FormatYAML     = "yaml"
)

// Formats lists the accepted format names.
var Formats = []string{FormatTable, FormatMarkdown, FormatJSON, FormatYAML}

// Outcome writes out in the given format.
func Outcome(w io.Writer, format string, out *types.QueryOutcome) error {
	if out == nil {
		return fmt.Errorf("outcome is nil")
	}
	switch format {
	case FormatJSON:
		return writeJSON(w, out)
	case FormatYAML:
		return writeYAML(w, outcomeDoc(out))
	case FormatTable, FormatMarkdown:
	default:
		return fmt.Errorf("unknown format %q", format)
	}

	b := &strings.Builder{}
	if out.Success {
		rows := cells(out.Rows)
		if format == FormatMarkdown {
			b.WriteString(markdownTable(out.Columns, rows))
		} else {
			b.WriteString(textTable(out.Columns, rows))
		}
		fmt.Fprintf(b, "\n%d row(s)", out.RowCount)
		if out.Truncated {
			fmt.Fprintf(b, ", showing first %d", len(out.Rows))
		}
		b.WriteString("\n")
	} else {
		b.WriteString("query failed\n")
	}

	d := out.Diagnostics
	if format == FormatMarkdown {
		b.WriteString("\n## Diagnostics\n\n")
		if d.SQL != "" {
			fmt.Fprintf(b, "```sql\n%s\n```\n\n", d.SQL)
		}
		fmt.Fprintf(b, "- request: %s\n- attempts: %d\n- retries: %d\n- tokens: %d in / %d out\n- elapsed: %dms\n",
			out.RequestID, d.Attempts, d.RetryCount, d.InputTokens, d.OutputTokens, d.ElapsedMs)
		for i, f := range d.Errors {
			fmt.Fprintf(b, "\n### Attempt %d\n\n```sql\n%s\n```\n\n%s\n", i+1, f.SQL, f.Error)
		}
	} else {
		fmt.Fprintf(b, "\nrequest %s: %d attempt(s), %d retr(ies), %dms, tokens %d/%d\n",
			out.RequestID, d.Attempts, d.RetryCount, d.ElapsedMs, d.InputTokens, d.OutputTokens)
		if d.SQL != "" {
			fmt.Fprintf(b, "sql: %s\n", oneLine(d.SQL))
		}
		for i, f := range d.Errors {
			fmt.Fprintf(b, "attempt %d failed: %s\n", i+1, oneLine(f.Error))
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// Attempts writes logged attempt records, newest first as given.
func Attempts(w io.Writer, format string, recs []types.AttemptRecord) error {
	switch format {
	case FormatJSON:
		return writeJSON(w, recs)
	case FormatYAML:
		return writeYAML(w, recs)
	case FormatTable, FormatMarkdown:
	default:
		return fmt.Errorf("unknown format %q", format)
	}
	headers := []string{"timestamp", "request", "#", "client", "ok", "rows", "ms", "sql", "error"}
	rows := make([][]string, 0, len(recs))
	for _, r := range recs {
		rows = append(rows, []string{
			r.Timestamp.UTC().Format("2006-01-02 15:04:05"),
			r.RequestID,
			fmt.Sprint(r.AttemptNumber),
			r.Client,
			fmt.Sprint(r.Success),
			fmt.Sprint(r.RowCount),
			fmt.Sprint(r.ElapsedMs),
			clip(oneLine(r.SQL), 60),
			clip(oneLine(r.ErrorMessage), 60),
		})
	}
	return Table(w, format, headers, rows)
}

// Table writes a plain table of strings in table or markdown form.
func Table(w io.Writer, format string, headers []string, rows [][]string) error {
	var s string
	switch format {
	case FormatTable:
		s = textTable(headers, rows)
	case FormatMarkdown:
		s = markdownTable(headers, rows)
	default:
		return fmt.Errorf("format %q does not apply to tables", format)
	}
	_, err := io.WriteString(w, s)
	return err
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

// outcomeDoc gives YAML the same field names as the JSON form.
func outcomeDoc(out *types.QueryOutcome) map[string]any {
	errs := make([]map[string]string, 0, len(out.Diagnostics.Errors))
	for _, f := range out.Diagnostics.Errors {
		errs = append(errs, map[string]string{"sql": f.SQL, "error": f.Error})
	}
	return map[string]any{
		"request_id": out.RequestID,
		"success":    out.Success,
		"columns":    out.Columns,
		"rows":       cells(out.Rows),
		"row_count":  out.RowCount,
		"truncated":  out.Truncated,
		"diagnostics": map[string]any{
			"sql":           out.Diagnostics.SQL,
			"retry_count":   out.Diagnostics.RetryCount,
			"attempts":      out.Diagnostics.Attempts,
			"errors":        errs,
			"input_tokens":  out.Diagnostics.InputTokens,
			"output_tokens": out.Diagnostics.OutputTokens,
			"elapsed_ms":    out.Diagnostics.ElapsedMs,
		},
	}
}

func cells(rows [][]any) [][]string {
	out := make([][]string, len(rows))
	for i, row := range rows {
		out[i] = make([]string, len(row))
		for j, v := range row {
			out[i][j] = datasource.FormatValue(v)
		}
	}
	return out
}

func textTable(headers []string, rows [][]string) string {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, c := range row {
			if i < len(widths) && lipgloss.Width(c) > widths[i] {
				widths[i] = lipgloss.Width(c)
			}
		}
	}

	b := &strings.Builder{}
	line := func(row []string) {
		parts := make([]string, len(widths))
		for i := range widths {
			var c string
			if i < len(row) {
				c = row[i]
			}
			parts[i] = c + strings.Repeat(" ", widths[i]-lipgloss.Width(c))
		}
		b.WriteString(strings.TrimRight(strings.Join(parts, " | "), " "))
		b.WriteString("\n")
	}
	line(headers)
	seps := make([]string, len(widths))
	for i, w := range widths {
		seps[i] = strings.Repeat("-", w)
	}
	b.WriteString(strings.Join(seps, "-+-"))
	b.WriteString("\n")
	for _, row := range rows {
		line(row)
	}
	return b.String()
}

func markdownTable(headers []string, rows [][]string) string {
	b := &strings.Builder{}
	esc := func(s string) string {
		return strings.ReplaceAll(oneLine(s), "|", `\|`)
	}
	row := func(cols []string) {
		parts := make([]string, len(headers))
		for i := range headers {
			if i < len(cols) {
				parts[i] = esc(cols[i])
			}
		}
		fmt.Fprintf(b, "| %s |\n", strings.Join(parts, " | "))
	}
	row(headers)
	seps := make([]string, len(headers))
	for i := range seps {
		seps[i] = "---"
	}
	fmt.Fprintf(b, "| %s |\n", strings.Join(seps, " | "))
	for _, r := range rows {
		row(r)
	}
	return b.String()
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
