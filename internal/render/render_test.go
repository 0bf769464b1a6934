package render

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/nlqhq/nlq/pkg/types"
)

func sampleOutcome() *types.QueryOutcome {
	return &types.QueryOutcome{
		RequestID: "req-1",
		Success:   true,
		Columns:   []string{"type", "total"},
		Rows:      [][]any{{"steps", int64(2000)}, {"heart_rate", 61.5}, {"note", nil}},
		RowCount:  3,
		Diagnostics: types.Diagnostics{
			SQL:        "SELECT type, SUM(value) AS total\nFROM health GROUP BY type",
			RetryCount: 1,
			Attempts:   2,
			Errors:     []types.FailedQuery{{SQL: "SELECT nope", Error: "no such column: nope"}},
			ElapsedMs:  12,
		},
	}
}

func TestOutcomeTable(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Outcome(&buf, FormatTable, sampleOutcome()))

	want := "type       | total\n" +
		"-----------+------\n" +
		"steps      | 2000\n" +
		"heart_rate | 61.5\n" +
		"note       |\n" +
		"\n3 row(s)\n" +
		"\nrequest req-1: 2 attempt(s), 1 retr(ies), 12ms, tokens 0/0\n" +
		"sql: SELECT type, SUM(value) AS total FROM health GROUP BY type\n" +
		"attempt 1 failed: no such column: nope\n"
	if diff := cmp.Diff(want, buf.String()); diff != "" {
		t.Fatalf("table mismatch (-want +got):\n%s", diff)
	}
}

func TestOutcomeMarkdown(t *testing.T) {
	out := sampleOutcome()
	out.Rows = [][]any{{"a|b", int64(1)}}
	out.RowCount = 4
	out.Truncated = true

	var buf bytes.Buffer
	require.NoError(t, Outcome(&buf, FormatMarkdown, out))
	s := buf.String()
	require.Contains(t, s, "| type | total |\n| --- | --- |\n| a\\|b | 1 |\n")
	require.Contains(t, s, "4 row(s), showing first 1")
	require.Contains(t, s, "### Attempt 1\n\n```sql\nSELECT nope\n```\n\nno such column: nope\n")
}

func TestOutcomeFailure(t *testing.T) {
	out := &types.QueryOutcome{RequestID: "r", Diagnostics: types.Diagnostics{Attempts: 1, RetryCount: 0,
		Errors: []types.FailedQuery{{SQL: "", Error: "openai: status 401: invalid api key"}}}}
	var buf bytes.Buffer
	require.NoError(t, Outcome(&buf, FormatTable, out))
	require.Contains(t, buf.String(), "query failed\n")
	require.Contains(t, buf.String(), "attempt 1 failed: openai: status 401: invalid api key")
	require.NotContains(t, buf.String(), "sql:")
}

func TestOutcomeJSONAndYAMLAgree(t *testing.T) {
	out := sampleOutcome()

	var jbuf, ybuf bytes.Buffer
	require.NoError(t, Outcome(&jbuf, FormatJSON, out))
	require.NoError(t, Outcome(&ybuf, FormatYAML, out))

	var fromJSON, fromYAML map[string]any
	require.NoError(t, json.Unmarshal(jbuf.Bytes(), &fromJSON))
	require.NoError(t, yaml.Unmarshal(ybuf.Bytes(), &fromYAML))
	require.Equal(t, "req-1", fromYAML["request_id"])
	require.Equal(t, fromJSON["success"], fromYAML["success"])
	require.Equal(t, []any{[]any{"steps", "2000"}, []any{"heart_rate", "61.5"}, []any{"note", ""}}, fromYAML["rows"])

	diag := fromYAML["diagnostics"].(map[string]any)
	require.Equal(t, 2, diag["attempts"])
}

func TestAttempts(t *testing.T) {
	recs := []types.AttemptRecord{
		{RequestID: "r1", AttemptNumber: 2, Timestamp: time.Date(2024, 12, 5, 9, 30, 0, 0, time.UTC), Client: "cli", Success: true, RowCount: 3, ElapsedMs: 40, SQL: "SELECT 1"},
		{RequestID: "r1", AttemptNumber: 1, Timestamp: time.Date(2024, 12, 5, 9, 29, 59, 0, time.UTC), Client: "cli", ElapsedMs: 20, SQL: "SELECT nope", ErrorMessage: "no such column: nope"},
	}
	var buf bytes.Buffer
	require.NoError(t, Attempts(&buf, FormatTable, recs))
	lines := bytes.Split(bytes.TrimRight(buf.Bytes(), "\n"), []byte("\n"))
	require.Len(t, lines, 4)
	require.Contains(t, string(lines[2]), "2024-12-05 09:30:00 | r1      | 2 | cli    | true  | 3    | 40 | SELECT 1")
	require.Contains(t, string(lines[3]), "no such column: nope")

	require.Error(t, Attempts(&buf, "csv", recs))
}

func TestClip(t *testing.T) {
	require.Equal(t, "abc", clip("abc", 5))
	require.Equal(t, "ab...", clip("abcdefgh", 5))
}

func TestTableRejectsStructuredFormats(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Table(&buf, FormatMarkdown, []string{"name"}, [][]string{{"data_query"}}))
	require.Equal(t, "| name |\n| --- |\n| data_query |\n", buf.String())
	require.Error(t, Table(&buf, FormatJSON, []string{"name"}, nil))
}
