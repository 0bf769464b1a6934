// Package sanitize repairs raw model output into a bare SQL statement.
// It only looks at surface text, never at statement semantics.
package sanitize

import (
	"regexp"
	"strings"
)

const fence = "```"

var (
	// A backend primed with "SELECT" sometimes continues with a CTE.
	primedCTE = regexp.MustCompile(`(?is)^(?:select\s+)+(with\b)`)
	// First line of the actual statement when prose precedes it.
	statementLine = regexp.MustCompile(`(?im)^[ \t]*(select|with)\b`)
	explanation   = regexp.MustCompile(`(?i)^(explanation|note|notes|this query|the query|this sql|the sql|here is|here's|this will|this returns|it returns|i )\b`)
	sqlLine       = regexp.MustCompile(`(?i)^((select|with|insert|update|delete|drop|create|alter|attach|detach|pragma|replace|vacuum|reindex|values|explain|from|where|group|order|having|limit|offset|join|inner|left|right|full|cross|natural|on|and|or|not|union|intersect|except|as|case|when|then|else|end|window|partition|over)\b|--|/\*|\(|\)|,)`)
	trailingTerm  = regexp.MustCompile(`(?:\s*;)+\s*$`)
)

// SQL applies the repairs in order: unwrap fences and leading prose, drop a
// priming SELECT before WITH, cut trailing explanation, strip terminators.
// A blank line ends the statement unless more SQL follows it.
// It never fails and SQL(SQL(x)) == SQL(x).
func SQL(raw string) string {
	s := strings.TrimSpace(raw)
	s = unwrap(s)
	s = dropPrimedSelect(s)
	s = truncateExplanation(s)
	s = trimTerminators(s)
	return s
}

func unwrap(s string) string {
	switch strings.Count(s, fence) {
	case 0:
	case 1:
		i := strings.Index(s, fence)
		if before := strings.TrimSpace(s[:i]); before != "" {
			s = before
		} else {
			s = dropInfoString(s[i+len(fence):])
		}
	default:
		i := strings.Index(s, fence)
		rest := dropInfoString(s[i+len(fence):])
		if j := strings.Index(rest, fence); j >= 0 {
			rest = rest[:j]
		}
		s = rest
	}
	s = strings.TrimSpace(s)
	if !statementLine.MatchString(firstLine(s)) {
		if loc := statementLine.FindStringIndex(s); loc != nil {
			s = strings.TrimSpace(s[loc[0]:])
		}
	}
	return s
}

// dropInfoString removes a fence language tag such as "sql".
func dropInfoString(s string) string {
	line, rest, ok := strings.Cut(s, "\n")
	tag := strings.TrimSpace(line)
	if ok && !strings.ContainsAny(tag, " \t") && !statementLine.MatchString(tag) {
		return rest
	}
	lower := strings.ToLower(s)
	for _, t := range []string{"sqlite", "sql"} {
		if strings.HasPrefix(lower, t+" ") {
			return s[len(t)+1:]
		}
	}
	return s
}

func dropPrimedSelect(s string) string {
	if m := primedCTE.FindStringSubmatchIndex(s); m != nil {
		return s[m[2]:]
	}
	return s
}

func truncateExplanation(s string) string {
	lines := strings.Split(s, "\n")
	for i := 1; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])
		if explanation.MatchString(line) || (line == "" && !continuesSQL(lines[i+1:])) {
			s = strings.Join(lines[:i], "\n")
			break
		}
	}
	// Prose after a terminator: keep statements up to the first piece that
	// does not read as SQL.
	stmts := splitStatements(s)
	for k := 1; k < len(stmts); k++ {
		rest := strings.TrimSpace(s[stmts[k].start:stmts[k].end])
		if rest == "" || sqlLine.MatchString(rest) {
			continue
		}
		s = s[:stmts[k].start]
		break
	}
	return strings.TrimSpace(s)
}

// continuesSQL reports whether the first non-blank line reads as more SQL.
func continuesSQL(lines []string) bool {
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		return sqlLine.MatchString(l) && !explanation.MatchString(l)
	}
	return false
}

func trimTerminators(s string) string {
	return strings.TrimSpace(trailingTerm.ReplaceAllString(s, ""))
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
