package parser

import (
	"strconv"
	"strings"
	"unicode"
)

// Format renders q back into SRQL text. Parsing the output yields an equivalent query.
func Format(q *Query) string {
	parts := make([]string, 0, len(q.Clauses))
	for _, c := range q.Clauses {
		parts = append(parts, formatClause(c))
	}
	return strings.Join(parts, " ")
}

func formatClause(c Clause) string {
	switch c := c.(type) {
	case In:
		return "in:" + quoteIfNeeded(c.Entity)
	case TimeWindow:
		return "time:" + quoteIfNeeded(c.Spec.Raw)
	case Sort:
		return "sort:" + c.Field + ":" + c.Direction.String()
	case Limit:
		return "limit:" + strconv.Itoa(c.N)
	case RollupStat:
		return "rollup_stats:" + quoteIfNeeded(c.Kind)
	case Cursor:
		return "cursor:" + quoteIfNeeded(c.Token)
	case Stats:
		expr := c.Func + "(" + c.Field + ")"
		if c.Alias != "" && c.Alias != c.Func {
			expr += " as " + c.Alias
		}
		return "stats:" + quote(expr)
	case Filter:
		return formatFilter(c)
	}
	return ""
}

func formatFilter(f Filter) string {
	var sb strings.Builder
	if f.Negated {
		sb.WriteByte('!')
	}
	sb.WriteString(f.Field)
	sb.WriteByte(':')
	switch {
	case f.Op == OpIn:
		sb.WriteByte('(')
		for i, v := range f.Values {
			if i > 0 {
				sb.WriteByte(',')
			}
			if needsQuote(v) || strings.ContainsRune(v, ',') {
				sb.WriteString(quote(v))
			} else {
				sb.WriteString(v)
			}
		}
		sb.WriteByte(')')
	case f.Op.IsRange():
		sb.WriteString(string(f.Op))
		sb.WriteString(f.Value())
	case f.Op == OpDefault && strings.ContainsRune(f.Value(), '%'):
		// Unquoted, the value would read back as a pattern.
		sb.WriteString(quote(f.Value()))
	default:
		sb.WriteString(quoteIfNeeded(f.Value()))
	}
	return sb.String()
}

func needsQuote(s string) bool {
	if s == "" || strings.HasPrefix(s, ">") || strings.HasPrefix(s, "<") {
		return true
	}
	for _, r := range s {
		if unicode.IsSpace(r) || isQuote(r) || r == '\\' || r == '(' || r == ')' {
			return true
		}
	}
	return false
}

func quoteIfNeeded(s string) string {
	if needsQuote(s) {
		return quote(s)
	}
	return s
}

// quote wraps s in double quotes, escaping backslashes and double quotes.
func quote(s string) string {
	var sb strings.Builder
	sb.Grow(len(s) + 2)
	sb.WriteByte('"')
	for _, r := range s {
		if r == '"' || r == '\\' {
			sb.WriteByte('\\')
		}
		sb.WriteRune(r)
	}
	sb.WriteByte('"')
	return sb.String()
}
