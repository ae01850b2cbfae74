// Package prototxt parses the protobuf text format used by solver and net
// definition files.
//
// The parser is schema-less: it produces an ordered tree of fields that the
// config package maps onto typed parameters. Supported syntax:
//
//	# comment
//	name: "value"          string (single or double quotes, C escapes)
//	base_lr: 0.01          number
//	lr_policy: inv         identifier or enum
//	layer { ... }          nested message
//	param: { ... }         nested message with optional colon
//	a: 1; b: 2, c: 3       optional separators
//
// Adjacent string literals are concatenated, as in the protobuf grammar.
package prototxt

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind identifies what a field holds.
type Kind int

const (
	// Scalar fields hold a single token (number, identifier or string).
	Scalar Kind = iota
	// Nested fields hold a message.
	Nested
)

// Field is a single `name: value` or `name { ... }` entry.
type Field struct {
	Name    string
	Kind    Kind
	Value   string   // raw scalar text, unquoted for strings
	Quoted  bool     // Value came from a string literal
	Message *Message // set when Kind == Nested
	Line    int
	Column  int
}

// Message is an ordered list of fields. Repeated fields appear once per value.
type Message struct {
	Fields []*Field
}

// SyntaxError reports a parse failure with its position.
type SyntaxError struct {
	Line   int
	Column int
	Msg    string
}

// Error implements the error interface.
func (e *SyntaxError) Error() string {
	return fmt.Sprintf("prototxt:%d:%d: %s", e.Line, e.Column, e.Msg)
}

// Parse parses text into a message.
func Parse(text string) (*Message, error) {
	p := &parser{lex: newLexer(text)}
	if err := p.advance(); err != nil {
		return nil, err
	}
	msg, err := p.parseMessage(false)
	if err != nil {
		return nil, err
	}
	return msg, nil
}

type parser struct {
	lex *lexer
	tok token
}

func (p *parser) advance() error {
	tok, err := p.lex.next()
	if err != nil {
		return err
	}
	p.tok = tok
	return nil
}

func (p *parser) errorf(format string, args ...any) error {
	return &SyntaxError{Line: p.tok.line, Column: p.tok.col, Msg: fmt.Sprintf(format, args...)}
}

// parseMessage reads fields until EOF (top level) or a closing brace.
func (p *parser) parseMessage(nested bool) (*Message, error) {
	msg := &Message{}
	for {
		switch p.tok.kind {
		case tokEOF:
			if nested {
				return nil, p.errorf("unexpected end of input, missing '}'")
			}
			return msg, nil
		case tokClose:
			if !nested {
				return nil, p.errorf("unexpected '}'")
			}
			return msg, nil
		case tokSeparator:
			if err := p.advance(); err != nil {
				return nil, err
			}
			continue
		case tokIdent:
		default:
			return nil, p.errorf("expected field name, got %s", p.tok)
		}

		field := &Field{Name: p.tok.text, Line: p.tok.line, Column: p.tok.col}
		if err := p.advance(); err != nil {
			return nil, err
		}

		hasColon := false
		if p.tok.kind == tokColon {
			hasColon = true
			if err := p.advance(); err != nil {
				return nil, err
			}
		}

		switch p.tok.kind {
		case tokOpen:
			if err := p.advance(); err != nil {
				return nil, err
			}
			sub, err := p.parseMessage(true)
			if err != nil {
				return nil, err
			}
			// Consume the closing brace.
			if err := p.advance(); err != nil {
				return nil, err
			}
			field.Kind = Nested
			field.Message = sub
		case tokIdent, tokNumber, tokString:
			if !hasColon {
				return nil, p.errorf("expected ':' after field %q", field.Name)
			}
			field.Kind = Scalar
			field.Value = p.tok.text
			field.Quoted = p.tok.kind == tokString
			if err := p.advance(); err != nil {
				return nil, err
			}
			for field.Quoted && p.tok.kind == tokString {
				field.Value += p.tok.text
				if err := p.advance(); err != nil {
					return nil, err
				}
			}
		default:
			return nil, p.errorf("expected value for field %q, got %s", field.Name, p.tok)
		}

		msg.Fields = append(msg.Fields, field)
	}
}

// Has reports whether the message contains at least one field with name.
func (m *Message) Has(name string) bool {
	return m.first(name) != nil
}

// Count returns how many times a field occurs.
func (m *Message) Count(name string) int {
	n := 0
	for _, f := range m.Fields {
		if f.Name == name {
			n++
		}
	}
	return n
}

func (m *Message) first(name string) *Field {
	if m == nil {
		return nil
	}
	for _, f := range m.Fields {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// last returns the final occurrence; protobuf semantics for singular fields.
func (m *Message) last(name string) *Field {
	if m == nil {
		return nil
	}
	for i := len(m.Fields) - 1; i >= 0; i-- {
		if m.Fields[i].Name == name {
			return m.Fields[i]
		}
	}
	return nil
}

func (m *Message) all(name string) []*Field {
	if m == nil {
		return nil
	}
	var out []*Field
	for _, f := range m.Fields {
		if f.Name == name {
			out = append(out, f)
		}
	}
	return out
}

// FieldError reports a field with a value of the wrong type, or one the
// message does not define.
type FieldError struct {
	Field  string
	Line   int
	Column int
	Msg    string
}

// Error implements the error interface.
func (e *FieldError) Error() string {
	return fmt.Sprintf("prototxt:%d:%d: field %q: %s", e.Line, e.Column, e.Field, e.Msg)
}

func scalar(f *Field) (string, error) {
	if f.Kind != Scalar {
		return "", &FieldError{Field: f.Name, Line: f.Line, Column: f.Column, Msg: "expected scalar, got message"}
	}
	return f.Value, nil
}

// String returns a singular string field, or def when absent.
func (m *Message) String(name, def string) (string, error) {
	f := m.last(name)
	if f == nil {
		return def, nil
	}
	return scalar(f)
}

// Float returns a singular float field, or def when absent.
func (m *Message) Float(name string, def float64) (float64, error) {
	f := m.last(name)
	if f == nil {
		return def, nil
	}
	return parseFloat(f)
}

// Int returns a singular integer field, or def when absent.
func (m *Message) Int(name string, def int) (int, error) {
	f := m.last(name)
	if f == nil {
		return def, nil
	}
	return parseInt(f)
}

// Bool returns a singular bool field, or def when absent.
func (m *Message) Bool(name string, def bool) (bool, error) {
	f := m.last(name)
	if f == nil {
		return def, nil
	}
	return parseBool(f)
}

// Message returns a singular nested message, or nil when absent.
func (m *Message) Message(name string) (*Message, error) {
	f := m.last(name)
	if f == nil {
		return nil, nil
	}
	if f.Kind != Nested {
		return nil, &FieldError{Field: f.Name, Line: f.Line, Column: f.Column, Msg: "expected message, got scalar"}
	}
	return f.Message, nil
}

// Messages returns every occurrence of a repeated message field.
func (m *Message) Messages(name string) ([]*Message, error) {
	fields := m.all(name)
	out := make([]*Message, 0, len(fields))
	for _, f := range fields {
		if f.Kind != Nested {
			return nil, &FieldError{Field: f.Name, Line: f.Line, Column: f.Column, Msg: "expected message, got scalar"}
		}
		out = append(out, f.Message)
	}
	return out, nil
}

// Strings returns every occurrence of a repeated string field.
func (m *Message) Strings(name string) ([]string, error) {
	fields := m.all(name)
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		s, err := scalar(f)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// Floats returns every occurrence of a repeated float field.
func (m *Message) Floats(name string) ([]float64, error) {
	fields := m.all(name)
	out := make([]float64, 0, len(fields))
	for _, f := range fields {
		v, err := parseFloat(f)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Ints returns every occurrence of a repeated integer field.
func (m *Message) Ints(name string) ([]int, error) {
	fields := m.all(name)
	out := make([]int, 0, len(fields))
	for _, f := range fields {
		v, err := parseInt(f)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func parseFloat(f *Field) (float64, error) {
	s, err := scalar(f)
	if err != nil {
		return 0, err
	}
	text := strings.TrimSuffix(strings.TrimSuffix(s, "f"), "F")
	switch strings.ToLower(text) {
	case "inf", "infinity":
		text = "+Inf"
	case "-inf", "-infinity":
		text = "-Inf"
	}
	v, perr := strconv.ParseFloat(text, 64)
	if perr != nil {
		return 0, &FieldError{Field: f.Name, Line: f.Line, Column: f.Column, Msg: fmt.Sprintf("invalid number %q", s)}
	}
	return v, nil
}

func parseInt(f *Field) (int, error) {
	s, err := scalar(f)
	if err != nil {
		return 0, err
	}
	v, perr := strconv.ParseInt(s, 0, 64)
	if perr != nil {
		return 0, &FieldError{Field: f.Name, Line: f.Line, Column: f.Column, Msg: fmt.Sprintf("invalid integer %q", s)}
	}
	return int(v), nil
}

func parseBool(f *Field) (bool, error) {
	s, err := scalar(f)
	if err != nil {
		return false, err
	}
	switch s {
	case "true", "True", "t", "1":
		return true, nil
	case "false", "False", "f", "0":
		return false, nil
	}
	return false, &FieldError{Field: f.Name, Line: f.Line, Column: f.Column, Msg: fmt.Sprintf("invalid bool %q", s)}
}
