package prototxt

import (
	"fmt"
	"strings"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokNumber
	tokString
	tokColon
	tokOpen
	tokClose
	tokSeparator
)

type token struct {
	kind tokenKind
	text string
	line int
	col  int
}

func (t token) String() string {
	switch t.kind {
	case tokEOF:
		return "end of input"
	case tokColon:
		return "':'"
	case tokOpen:
		return "'{'"
	case tokClose:
		return "'}'"
	case tokSeparator:
		return fmt.Sprintf("%q", t.text)
	case tokString:
		return fmt.Sprintf("string %q", t.text)
	default:
		return fmt.Sprintf("%q", t.text)
	}
}

type lexer struct {
	src  string
	pos  int
	line int
	col  int
}

func newLexer(src string) *lexer {
	return &lexer{src: src, line: 1, col: 1}
}

func (l *lexer) peek() byte {
	if l.pos >= len(l.src) {
		return 0
	}
	return l.src[l.pos]
}

func (l *lexer) bump() byte {
	c := l.src[l.pos]
	l.pos++
	if c == '\n' {
		l.line++
		l.col = 1
	} else {
		l.col++
	}
	return c
}

func (l *lexer) skipSpaceAndComments() {
	for l.pos < len(l.src) {
		c := l.peek()
		switch {
		case c == '#':
			for l.pos < len(l.src) && l.peek() != '\n' {
				l.bump()
			}
		case c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f' || c == '\v':
			l.bump()
		default:
			return
		}
	}
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9') || c == '.'
}

func isNumberPart(c byte) bool {
	return (c >= '0' && c <= '9') || c == '.' || c == 'e' || c == 'E' || c == '+' || c == '-' ||
		c == 'x' || c == 'X' || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func (l *lexer) next() (token, error) {
	l.skipSpaceAndComments()
	tok := token{line: l.line, col: l.col}
	if l.pos >= len(l.src) {
		tok.kind = tokEOF
		return tok, nil
	}

	c := l.peek()
	switch {
	case c == ':':
		l.bump()
		tok.kind = tokColon
	case c == '{' || c == '<':
		l.bump()
		tok.kind = tokOpen
	case c == '}' || c == '>':
		l.bump()
		tok.kind = tokClose
	case c == ';' || c == ',':
		tok.kind = tokSeparator
		tok.text = string(l.bump())
	case c == '"' || c == '\'':
		s, err := l.readString()
		if err != nil {
			return tok, err
		}
		tok.kind = tokString
		tok.text = s
	case isIdentStart(c):
		start := l.pos
		for l.pos < len(l.src) && isIdentPart(l.peek()) {
			l.bump()
		}
		tok.kind = tokIdent
		tok.text = l.src[start:l.pos]
	case c == '-' || c == '+' || c == '.' || (c >= '0' && c <= '9'):
		start := l.pos
		l.bump()
		// "-inf" style literals.
		if (c == '-' || c == '+') && isIdentStart(l.peek()) {
			for l.pos < len(l.src) && isIdentPart(l.peek()) {
				l.bump()
			}
		} else {
			for l.pos < len(l.src) && isNumberPart(l.peek()) {
				l.bump()
			}
		}
		tok.kind = tokNumber
		tok.text = l.src[start:l.pos]
	default:
		return tok, &SyntaxError{Line: l.line, Column: l.col, Msg: fmt.Sprintf("unexpected character %q", c)}
	}
	return tok, nil
}

func (l *lexer) readString() (string, error) {
	line, col := l.line, l.col
	quote := l.bump()
	var sb strings.Builder
	for {
		if l.pos >= len(l.src) {
			return "", &SyntaxError{Line: line, Column: col, Msg: "unterminated string"}
		}
		c := l.bump()
		switch {
		case c == quote:
			return sb.String(), nil
		case c == '\n':
			return "", &SyntaxError{Line: line, Column: col, Msg: "newline in string"}
		case c == '\\':
			if l.pos >= len(l.src) {
				return "", &SyntaxError{Line: line, Column: col, Msg: "unterminated escape"}
			}
			e := l.bump()
			switch e {
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			case 'r':
				sb.WriteByte('\r')
			case '\\', '\'', '"':
				sb.WriteByte(e)
			default:
				return "", &SyntaxError{Line: l.line, Column: l.col - 1, Msg: fmt.Sprintf("unknown escape \\%c", e)}
			}
		default:
			sb.WriteByte(c)
		}
	}
}
