package parser

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// token is a single key:value pair with the byte offsets of its parts.
type token struct {
	pos    int
	key    string
	valPos int
	value  rawValue
}

type rawValue struct {
	text   string
	quoted bool
	isList bool
	list   []string
}

func (v rawValue) empty() bool {
	return !v.quoted && !v.isList && v.text == ""
}

type lexer struct {
	input string
	pos   int
}

func isQuote(r rune) bool {
	return r == '"' || r == '\'' || r == '`'
}

func (l *lexer) peek() (rune, int) {
	if l.pos >= len(l.input) {
		return utf8.RuneError, 0
	}
	return utf8.DecodeRuneInString(l.input[l.pos:])
}

func (l *lexer) eof() bool {
	return l.pos >= len(l.input)
}

func (l *lexer) skipSpace() {
	for !l.eof() {
		r, w := l.peek()
		if !unicode.IsSpace(r) {
			return
		}
		l.pos += w
	}
}

func (l *lexer) atBoundary() bool {
	if l.eof() {
		return true
	}
	r, _ := l.peek()
	return unicode.IsSpace(r)
}

// tokens splits the input into key:value tokens.
func (l *lexer) tokens() ([]token, error) {
	var out []token
	for {
		l.skipSpace()
		if l.eof() {
			return out, nil
		}
		tok, err := l.next()
		if err != nil {
			return nil, err
		}
		out = append(out, tok)
	}
}

func (l *lexer) next() (token, error) {
	start := l.pos
	for !l.eof() {
		r, w := l.peek()
		if r == ':' {
			break
		}
		if unicode.IsSpace(r) {
			return token{}, errorf(start, "expected key:value, got %q", l.input[start:l.pos])
		}
		l.pos += w
	}
	if l.eof() {
		return token{}, errorf(start, "expected key:value, got %q", l.input[start:l.pos])
	}
	key := l.input[start:l.pos]
	if key == "" || key == "!" {
		return token{}, errorf(start, "missing key before ':'")
	}
	l.pos++ // ':'

	valPos := l.pos
	val, err := l.value()
	if err != nil {
		return token{}, err
	}
	return token{pos: start, key: key, valPos: valPos, value: val}, nil
}

func (l *lexer) value() (rawValue, error) {
	r, _ := l.peek()
	switch {
	case l.eof():
		return rawValue{}, nil
	case isQuote(r):
		start := l.pos
		s, err := l.quoted()
		if err != nil {
			return rawValue{}, err
		}
		if !l.atBoundary() {
			return rawValue{}, errorf(l.pos, "unexpected character after quoted value starting at %d", start)
		}
		return rawValue{text: s, quoted: true}, nil
	case r == '(':
		items, err := l.list()
		if err != nil {
			return rawValue{}, err
		}
		if !l.atBoundary() {
			return rawValue{}, errorf(l.pos, "unexpected character after list")
		}
		return rawValue{isList: true, list: items}, nil
	default:
		start := l.pos
		for !l.atBoundary() {
			_, w := l.peek()
			l.pos += w
		}
		return rawValue{text: l.input[start:l.pos]}, nil
	}
}

// quoted reads a quoted string starting at the opening quote. A backslash escapes the next
// character.
func (l *lexer) quoted() (string, error) {
	start := l.pos
	q, w := l.peek()
	l.pos += w

	var sb strings.Builder
	for !l.eof() {
		r, w := l.peek()
		l.pos += w
		switch {
		case r == '\\':
			if l.eof() {
				return "", errorf(start, "unterminated quoted value")
			}
			esc, ew := l.peek()
			l.pos += ew
			sb.WriteRune(esc)
		case r == q:
			return sb.String(), nil
		default:
			sb.WriteRune(r)
		}
	}
	return "", errorf(start, "unterminated quoted value")
}

// list reads a parenthesized, comma separated list. Items may be quoted.
func (l *lexer) list() ([]string, error) {
	start := l.pos
	l.pos++ // '('

	var items []string
	var bare strings.Builder
	var quotedItem string
	hasQuoted := false
	flush := func() {
		switch {
		case hasQuoted:
			items = append(items, quotedItem)
		case strings.TrimSpace(bare.String()) != "":
			items = append(items, strings.TrimSpace(bare.String()))
		}
		bare.Reset()
		quotedItem, hasQuoted = "", false
	}

	for !l.eof() {
		r, w := l.peek()
		switch {
		case isQuote(r):
			if hasQuoted || strings.TrimSpace(bare.String()) != "" {
				return nil, errorf(l.pos, "unexpected quote inside list item")
			}
			s, err := l.quoted()
			if err != nil {
				return nil, err
			}
			quotedItem, hasQuoted = s, true
		case r == ',':
			l.pos += w
			flush()
		case r == ')':
			l.pos += w
			flush()
			return items, nil
		default:
			if hasQuoted && !unicode.IsSpace(r) {
				return nil, errorf(l.pos, "unexpected character after quoted list item")
			}
			l.pos += w
			bare.WriteRune(r)
		}
	}
	return nil, errorf(start, "unterminated list")
}
