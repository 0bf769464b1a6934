package sanitize

import (
	"fmt"
	"strings"
)

// UnsafeStatementError marks generated text that is not a single read-only
// SELECT. Such text is never sent to the query engine.
type UnsafeStatementError struct {
	Reason string
}

func (e *UnsafeStatementError) Error() string {
	return "unsafe statement: " + e.Reason
}

var writeKeywords = map[string]struct{}{
	"INSERT": {}, "UPDATE": {}, "DELETE": {}, "DROP": {}, "CREATE": {},
	"ALTER": {}, "ATTACH": {}, "DETACH": {}, "PRAGMA": {}, "VACUUM": {},
	"REINDEX": {}, "REPLACE": {}, "TRUNCATE": {}, "GRANT": {}, "COPY": {},
}

// CheckReadOnly accepts exactly one statement that starts with SELECT or
// WITH and carries no write or DDL keyword outside literals and comments.
func CheckReadOnly(sql string) error {
	var stmts []statement
	for _, st := range splitStatements(sql) {
		if len(st.words) > 0 || st.hasCode {
			stmts = append(stmts, st)
		}
	}
	switch len(stmts) {
	case 0:
		return &UnsafeStatementError{Reason: "empty statement"}
	case 1:
	default:
		return &UnsafeStatementError{Reason: fmt.Sprintf("expected a single statement, found %d", len(stmts))}
	}
	st := stmts[0]
	if len(st.words) == 0 {
		return &UnsafeStatementError{Reason: "no SELECT keyword"}
	}
	first := strings.ToUpper(st.words[0].text)
	if first != "SELECT" && first != "WITH" {
		return &UnsafeStatementError{Reason: fmt.Sprintf("statement starts with %s, only SELECT is allowed", first)}
	}
	for _, w := range st.words {
		kw := strings.ToUpper(w.text)
		if _, ok := writeKeywords[kw]; !ok {
			continue
		}
		if kw == "REPLACE" && w.call {
			continue
		}
		return &UnsafeStatementError{Reason: fmt.Sprintf("%s is not allowed in a read-only query", kw)}
	}
	return nil
}

type word struct {
	text string
	// call is set when the word is directly followed by "(".
	call bool
}

type statement struct {
	start, end int
	words      []word
	// hasCode is set when the statement holds anything besides whitespace
	// and comments.
	hasCode bool
}

// splitStatements cuts sql at top-level semicolons. Quotes, brackets and
// comments are honoured; offsets exclude the terminator.
func splitStatements(sql string) []statement {
	var out []statement
	cur := statement{start: 0}
	i := 0
	n := len(sql)
	for i < n {
		c := sql[i]
		switch {
		case c == '-' && i+1 < n && sql[i+1] == '-':
			for i < n && sql[i] != '\n' {
				i++
			}
			continue
		case c == '/' && i+1 < n && sql[i+1] == '*':
			end := strings.Index(sql[i+2:], "*/")
			if end < 0 {
				i = n
			} else {
				i += end + 4
			}
			continue
		case c == '\'' || c == '"' || c == '`':
			cur.hasCode = true
			i = skipQuoted(sql, i, c)
			continue
		case c == '[':
			cur.hasCode = true
			if end := strings.IndexByte(sql[i:], ']'); end >= 0 {
				i += end + 1
			} else {
				i = n
			}
			continue
		case c == ';':
			cur.end = i
			out = append(out, cur)
			cur = statement{start: i + 1}
			i++
			continue
		case isWordStart(c):
			j := i + 1
			for j < n && isWordPart(sql[j]) {
				j++
			}
			w := word{text: sql[i:j]}
			k := j
			for k < n && (sql[k] == ' ' || sql[k] == '\t') {
				k++
			}
			w.call = k < n && sql[k] == '('
			cur.words = append(cur.words, w)
			cur.hasCode = true
			i = j
			continue
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
		default:
			cur.hasCode = true
		}
		i++
	}
	cur.end = n
	out = append(out, cur)
	return out
}

func skipQuoted(s string, i int, q byte) int {
	i++
	for i < len(s) {
		if s[i] == q {
			if i+1 < len(s) && s[i+1] == q {
				i += 2
				continue
			}
			return i + 1
		}
		i++
	}
	return i
}

func isWordStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isWordPart(c byte) bool {
	return isWordStart(c) || (c >= '0' && c <= '9') || c == '$'
}
