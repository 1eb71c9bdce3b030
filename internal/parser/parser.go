// Package parser turns SRQL query text into an ordered list of clauses.
package parser

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ParseError reports malformed query text. Pos is the byte offset of the offending input.
type ParseError struct {
	Pos    int
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error at position %d: %s", e.Pos, e.Reason)
}

func errorf(pos int, format string, args ...any) *ParseError {
	return &ParseError{Pos: pos, Reason: fmt.Sprintf(format, args...)}
}

var statsPattern = regexp.MustCompile(`(?i)^\s*(count|sum|avg|min|max)\(\s*([a-z0-9_.*]*)\s*\)(?:\s+as\s+([a-z_][a-z0-9_]*))?\s*$`)

// Parse parses an SRQL query.
func Parse(input string) (*Query, error) {
	lx := &lexer{input: input}
	toks, err := lx.tokens()
	if err != nil {
		return nil, err
	}

	q := &Query{}
	seen := make(map[string]int)
	singleton := func(tok token, kind string) error {
		if prev, ok := seen[kind]; ok {
			return errorf(tok.pos, "duplicate %s clause (first at position %d)", kind, prev)
		}
		seen[kind] = tok.pos
		return nil
	}

	for _, tok := range toks {
		key := strings.ToLower(tok.key)
		if tok.value.empty() {
			return nil, errorf(tok.valPos, "missing value for %q", tok.key)
		}

		var c Clause
		switch key {
		case "in":
			if err := singleton(tok, "in"); err != nil {
				return nil, err
			}
			entity, err := scalar(tok)
			if err != nil {
				return nil, err
			}
			entity = strings.ToLower(strings.TrimSpace(entity))
			if entity == "" {
				return nil, errorf(tok.valPos, "empty in: value")
			}
			c = In{Entity: entity}

		case "time", "timeframe":
			if err := singleton(tok, "time"); err != nil {
				return nil, err
			}
			raw, err := scalar(tok)
			if err != nil {
				return nil, err
			}
			spec, err := ParseTimeSpec(raw)
			if err != nil {
				return nil, errorf(tok.valPos, "%v", err)
			}
			c = TimeWindow{Spec: spec}

		case "sort", "order":
			if err := singleton(tok, "sort"); err != nil {
				return nil, err
			}
			raw, err := scalar(tok)
			if err != nil {
				return nil, err
			}
			s, err := parseSort(tok.valPos, raw)
			if err != nil {
				return nil, err
			}
			c = s

		case "limit":
			if err := singleton(tok, "limit"); err != nil {
				return nil, err
			}
			raw, err := scalar(tok)
			if err != nil {
				return nil, err
			}
			n, err := strconv.Atoi(strings.TrimSpace(raw))
			if err != nil {
				return nil, errorf(tok.valPos, "invalid limit %q", raw)
			}
			if n <= 0 {
				return nil, errorf(tok.valPos, "limit must be a positive integer")
			}
			c = Limit{N: n}

		case "rollup_stats":
			if err := singleton(tok, "rollup_stats"); err != nil {
				return nil, err
			}
			kind, err := scalar(tok)
			if err != nil {
				return nil, err
			}
			c = RollupStat{Kind: strings.ToLower(strings.TrimSpace(kind))}

		case "cursor":
			if err := singleton(tok, "cursor"); err != nil {
				return nil, err
			}
			raw, err := scalar(tok)
			if err != nil {
				return nil, err
			}
			c = Cursor{Token: raw}

		case "stats":
			if err := singleton(tok, "stats"); err != nil {
				return nil, err
			}
			raw, err := scalar(tok)
			if err != nil {
				return nil, err
			}
			s, err := parseStats(tok.valPos, raw)
			if err != nil {
				return nil, err
			}
			c = s

		default:
			f, err := parseFilter(tok)
			if err != nil {
				return nil, err
			}
			c = f
		}
		q.Clauses = append(q.Clauses, c)
	}

	if _, ok := seen["in"]; !ok {
		return nil, errorf(len(input), "query must include an in:<entity> clause")
	}
	return q, nil
}

func scalar(tok token) (string, error) {
	if tok.value.isList {
		return "", errorf(tok.valPos, "%q does not accept a list value", tok.key)
	}
	return tok.value.text, nil
}

func parseSort(pos int, raw string) (Sort, error) {
	field, dir, hasDir := strings.Cut(strings.TrimSpace(raw), ":")
	field = strings.ToLower(strings.TrimSpace(field))
	if field == "" {
		return Sort{}, errorf(pos, "sort requires a field")
	}
	s := Sort{Field: field, Direction: Desc}
	if !hasDir {
		return s, nil
	}
	switch strings.ToLower(strings.TrimSpace(dir)) {
	case "asc":
		s.Direction = Asc
	case "desc":
		s.Direction = Desc
	default:
		return Sort{}, errorf(pos+len(field)+1, "invalid sort direction %q (expected asc or desc)", dir)
	}
	return s, nil
}

func parseStats(pos int, raw string) (Stats, error) {
	m := statsPattern.FindStringSubmatch(raw)
	if m == nil {
		return Stats{}, errorf(pos, "invalid stats expression %q", raw)
	}
	s := Stats{Func: strings.ToLower(m[1]), Field: strings.ToLower(m[2]), Alias: strings.ToLower(m[3])}
	if s.Field == "*" {
		s.Field = ""
	}
	if s.Func != "count" && s.Field == "" {
		return Stats{}, errorf(pos, "%s() requires a field", s.Func)
	}
	if s.Alias == "" {
		s.Alias = s.Func
	}
	return s, nil
}

func parseFilter(tok token) (Filter, error) {
	field := tok.key
	f := Filter{}
	if strings.HasPrefix(field, "!") {
		f.Negated = true
		field = field[1:]
	}
	f.Field = strings.ToLower(strings.TrimSpace(field))
	if f.Field == "" {
		return Filter{}, errorf(tok.pos, "missing field name")
	}

	v := tok.value
	switch {
	case v.isList:
		if len(v.list) == 0 {
			return Filter{}, errorf(tok.valPos, "empty list for %q", f.Field)
		}
		f.Op = OpIn
		f.Values = v.list
	case !v.quoted && rangePrefix(v.text) != "":
		op := rangePrefix(v.text)
		if f.Negated {
			return Filter{}, errorf(tok.pos, "range filter on %q cannot be negated", f.Field)
		}
		rest := strings.TrimSpace(v.text[len(op):])
		if rest == "" {
			return Filter{}, errorf(tok.valPos, "missing value after %q", op)
		}
		f.Op = Op(op)
		f.Values = []string{rest}
	case !v.quoted && strings.Contains(v.text, "%"):
		f.Op = OpLike
		f.Values = []string{v.text}
	default:
		f.Op = OpDefault
		f.Values = []string{v.text}
	}
	return f, nil
}

func rangePrefix(s string) string {
	for _, p := range []string{">=", "<=", ">", "<"} {
		if strings.HasPrefix(s, p) {
			return p
		}
	}
	return ""
}
