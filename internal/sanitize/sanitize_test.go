package sanitize

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

var sqlCases = []struct {
	name string
	raw  string
	want string
}{
	{"bare", "SELECT * FROM t", "SELECT * FROM t"},
	{"fenced", "```sql\nSELECT * FROM t\n```", "SELECT * FROM t"},
	{"fenced no tag", "```\nSELECT 1\n```", "SELECT 1"},
	{"fenced inline tag", "```sql SELECT 1```", "SELECT 1"},
	{"prose around fence", "Sure! Here's the SQL:\n```sql\nSELECT 2\n```\nHope that helps.", "SELECT 2"},
	{"unclosed fence", "```sql\nSELECT 3", "SELECT 3"},
	{"trailing fence", "SELECT 4\n```", "SELECT 4"},
	{"leading prose", "Here is the query:\nSELECT a\nFROM t", "SELECT a\nFROM t"},
	{"primed with", "SELECT WITH x AS (SELECT 1) SELECT * FROM x", "WITH x AS (SELECT 1) SELECT * FROM x"},
	{"primed twice", "SELECT SELECT WITH c AS (SELECT 1) SELECT * FROM c", "WITH c AS (SELECT 1) SELECT * FROM c"},
	{"explanation after blank", "SELECT * FROM t;\n\nThis query returns all rows.", "SELECT * FROM t"},
	{"note line", "select *\nfrom t\nNote: uses the index", "select *\nfrom t"},
	{"prose after terminator", "SELECT 1; this returns one", "SELECT 1"},
	{"blank line inside statement", "SELECT a\n\nFROM t\nWHERE a > 1", "SELECT a\n\nFROM t\nWHERE a > 1"},
	{"terminators", "SELECT 1;;; ", "SELECT 1"},
	{"second statement kept", "SELECT 1; DROP TABLE x;", "SELECT 1; DROP TABLE x"},
	{"trailing comment", "SELECT 1 -- total", "SELECT 1 -- total"},
	{"empty", "   ", ""},
}

func TestSQL(t *testing.T) {
	for _, tc := range sqlCases {
		t.Run(tc.name, func(t *testing.T) {
			if diff := cmp.Diff(tc.want, SQL(tc.raw)); diff != "" {
				t.Fatalf("SQL(%q) mismatch (-want +got):\n%s", tc.raw, diff)
			}
		})
	}
}

func TestSQLIdempotent(t *testing.T) {
	for _, tc := range sqlCases {
		once := SQL(tc.raw)
		if twice := SQL(once); twice != once {
			t.Fatalf("SQL not idempotent for %q: %q then %q", tc.raw, once, twice)
		}
	}
}

func TestSanitizedSecondStatementIsRejected(t *testing.T) {
	if err := CheckReadOnly(SQL("SELECT 1; DROP TABLE x;")); err == nil {
		t.Fatal("expected unsafe statement error")
	}
}

func FuzzSQL(f *testing.F) {
	for _, tc := range sqlCases {
		f.Add(tc.raw)
	}
	f.Fuzz(func(t *testing.T, raw string) {
		once := SQL(raw)
		if twice := SQL(once); twice != once {
			t.Fatalf("SQL not idempotent: %q -> %q -> %q", raw, once, twice)
		}
	})
}
