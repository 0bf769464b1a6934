package semantic

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/nlqhq/nlq/internal/config"
	"github.com/nlqhq/nlq/internal/datasource"
	"github.com/nlqhq/nlq/pkg/types"
)

// PromptInput is everything that varies between prompts for one tool.
type PromptInput struct {
	Question string
	// Failures is the full history of failed attempts, oldest first.
	Failures []types.FailedQuery
	Now      time.Time
}

// AssemblePrompt renders c and in into a single prompt. It is pure: equal
// inputs give byte-identical output.
func AssemblePrompt(c *Context, in PromptInput) string {
	w := newWriter(c.Format.Structure)
	writeContext(w, c)

	w.section("Rules")
	w.note(fmt.Sprintf("Today's date is %s.", in.Now.Format("2006-01-02")))
	w.note(fmt.Sprintf("Return exactly one SELECT statement against the table %s.", ident(c.Table)))
	w.note("Do not modify data. Respond with SQL only, without explanation.")

	for i, f := range in.Failures {
		w.section(fmt.Sprintf("Previous attempt %d failed", i+1))
		w.note("SQL:")
		w.snippet("sql", f.SQL)
		w.note("Error: " + f.Error)
		w.note("Correct the query so this error does not happen again.")
	}

	w.section("Question")
	w.note(in.Question)

	if p := strings.TrimSpace(c.Format.ResponsePrefix); p != "" {
		w.raw(p)
	}
	return w.String()
}

// FormatContext renders only the tool context: schema, result blocks and
// static sections.
func FormatContext(c *Context) string {
	w := newWriter(c.Format.Structure)
	writeContext(w, c)
	return w.String()
}

// defaultResultLabel heads an auto-query configured without a label.
const defaultResultLabel = "Auto Query Result"

func writeContext(w *writer, c *Context) {
	w.section("Table Schema")
	w.code("sql", DDL(c.Table, c.Columns))

	if c.Samples != nil {
		w.section("Sample Rows")
		w.code("csv", CSVBlock(c.Samples.Columns, c.Samples.Rows))
	}
	for _, r := range c.Results {
		label := r.Label
		if strings.TrimSpace(label) == "" {
			label = defaultResultLabel
		}
		w.section(label)
		w.code("csv", CSVBlock(r.Columns, r.Rows))
	}

	if len(c.Static) == 0 {
		return
	}
	w.section("Important Notes")
	switch c.Format.HintStyle {
	case config.HintProse:
		for i, s := range c.Static {
			if i > 0 {
				w.raw("")
			}
			if s.Title != "" {
				w.raw(s.Title + ":")
			}
			w.raw(strings.TrimSpace(s.Body))
		}
	case config.HintJSON:
		w.code("json", hintsJSON(c.Static))
	default:
		for _, s := range c.Static {
			if s.Title != "" {
				w.raw("-- " + s.Title + ":")
			}
			for _, line := range strings.Split(strings.TrimSpace(s.Body), "\n") {
				w.raw(strings.TrimRight("-- "+line, " "))
			}
		}
	}
}

// DDL renders columns as a CREATE TABLE statement.
func DDL(table string, cols []datasource.Column) string {
	var b strings.Builder
	b.WriteString("CREATE TABLE " + ident(table) + " (\n")
	for i, c := range cols {
		b.WriteString("    " + ident(c.Name))
		if c.Type != "" {
			b.WriteString(" " + c.Type)
		}
		if i < len(cols)-1 {
			b.WriteString(",")
		}
		b.WriteString("\n")
	}
	b.WriteString(");")
	return b.String()
}

// CSVBlock renders a header line and one line per row. Strings are double
// quoted with embedded quotes doubled; NULL is empty.
func CSVBlock(cols []string, rows [][]any) string {
	lines := make([]string, 0, len(rows)+1)
	lines = append(lines, strings.Join(cols, ","))
	for _, row := range rows {
		vals := make([]string, len(row))
		for i, v := range row {
			switch x := v.(type) {
			case string:
				vals[i] = `"` + strings.ReplaceAll(x, `"`, `""`) + `"`
			case []byte:
				vals[i] = `"` + strings.ReplaceAll(string(x), `"`, `""`) + `"`
			default:
				vals[i] = datasource.FormatValue(v)
			}
		}
		lines = append(lines, strings.Join(vals, ","))
	}
	return strings.Join(lines, "\n")
}

func hintsJSON(sections []config.StaticSection) string {
	type note struct {
		Title string `json:"title,omitempty"`
		Body  string `json:"body"`
	}
	notes := make([]note, len(sections))
	for i, s := range sections {
		notes[i] = note{Title: s.Title, Body: strings.TrimSpace(s.Body)}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	_ = enc.Encode(map[string]any{"notes": notes})
	return strings.TrimRight(buf.String(), "\n")
}

var plainIdent = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func ident(name string) string {
	if plainIdent.MatchString(name) {
		return name
	}
	return datasource.QuoteIdent(name)
}

// writer frames sections either as SQL comments or as markdown.
type writer struct {
	markdown bool
	lines    []string
}

func newWriter(structure string) *writer {
	return &writer{markdown: structure == config.StructureMarkdown}
}

func (w *writer) section(title string) {
	if len(w.lines) > 0 {
		w.lines = append(w.lines, "")
	}
	if w.markdown {
		w.lines = append(w.lines, "## "+title)
		return
	}
	w.lines = append(w.lines, "/* "+strings.ReplaceAll(title, "*/", "* /")+" */")
}

func (w *writer) note(text string) {
	for _, line := range strings.Split(text, "\n") {
		if w.markdown {
			w.lines = append(w.lines, line)
		} else {
			w.lines = append(w.lines, strings.TrimRight("-- "+line, " "))
		}
	}
}

func (w *writer) code(lang, body string) {
	if w.markdown {
		w.lines = append(w.lines, "```"+lang, body, "```")
		return
	}
	w.lines = append(w.lines, body)
}

// snippet shows text that must not read as part of the prompt's own SQL.
func (w *writer) snippet(lang, body string) {
	if w.markdown {
		w.code(lang, body)
		return
	}
	w.note(body)
}

func (w *writer) raw(line string) {
	w.lines = append(w.lines, line)
}

func (w *writer) String() string {
	return strings.Join(w.lines, "\n")
}
