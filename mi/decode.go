package mi

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedRecord reports an MI line that starts like a record but
// cannot be parsed to completion.
var ErrMalformedRecord = errors.New("malformed MI record")

// IsMalformedRecord reports whether err wraps ErrMalformedRecord.
func IsMalformedRecord(err error) bool {
	return errors.Is(err, ErrMalformedRecord)
}

// DecodeLine decodes one line of GDB/MI output. Lines that carry no MI
// sigil (version banners, the "(gdb)" prompt, target chatter) are not an
// error: they decode to a console-stream record whose Class is the raw
// line. Lines that do carry a sigil but are structurally broken fail with
// ErrMalformedRecord.
func DecodeLine(line string) (Record, error) {
	line = strings.TrimRight(line, "\r\n")

	p := &parser{input: line}
	token := p.token()

	kind, ok := kindForSigil(p.peek())
	if !ok {
		// No sigil: passthrough, token digits (if any) were just text.
		return Record{Kind: KindConsoleStream, Token: -1, Class: line}, nil
	}
	p.pos++

	switch kind {
	case KindConsoleStream, KindTargetStream, KindLogStream:
		text, err := p.cstring()
		if err != nil {
			return Record{}, decodeErr(line, err)
		}
		if p.pos != len(p.input) {
			return Record{}, decodeErr(line, fmt.Errorf("trailing data at offset %d", p.pos))
		}
		return Record{Kind: kind, Token: -1, Class: text}, nil
	}

	class := p.ident()
	if class == "" {
		return Record{}, decodeErr(line, fmt.Errorf("missing class after sigil"))
	}
	rec := Record{Kind: kind, Token: token, Class: class}
	if kind != KindResult {
		rec.Token = -1
	}
	if p.pos < len(p.input) {
		if p.input[p.pos] != ',' {
			return Record{}, decodeErr(line, fmt.Errorf("unexpected character %q after class", p.input[p.pos]))
		}
		p.pos++
		results, err := p.results()
		if err != nil {
			return Record{}, decodeErr(line, err)
		}
		rec.Results = results
	}
	if p.pos != len(p.input) {
		return Record{}, decodeErr(line, fmt.Errorf("trailing data at offset %d", p.pos))
	}
	return rec, nil
}

func decodeErr(line string, err error) error {
	return fmt.Errorf("%w: %v in %s", ErrMalformedRecord, err, line)
}

func kindForSigil(c byte) (Kind, bool) {
	switch c {
	case '^':
		return KindResult, true
	case '*':
		return KindExecAsync, true
	case '+':
		return KindStatusAsync, true
	case '=':
		return KindNotifyAsync, true
	case '~':
		return KindConsoleStream, true
	case '@':
		return KindTargetStream, true
	case '&':
		return KindLogStream, true
	}
	return 0, false
}

type parser struct {
	input string
	pos   int
}

func (p *parser) peek() byte {
	if p.pos >= len(p.input) {
		return 0
	}
	return p.input[p.pos]
}

// token consumes an optional leading decimal token. Returns -1 when the
// line carries none.
func (p *parser) token() int {
	start := p.pos
	n := 0
	for p.pos < len(p.input) && p.input[p.pos] >= '0' && p.input[p.pos] <= '9' {
		n = n*10 + int(p.input[p.pos]-'0')
		p.pos++
	}
	if p.pos == start {
		return -1
	}
	if _, ok := kindForSigil(p.peek()); !ok {
		// Digits not followed by a sigil are ordinary text.
		p.pos = start
		return -1
	}
	return n
}

func (p *parser) ident() string {
	start := p.pos
	for p.pos < len(p.input) {
		c := p.input[p.pos]
		if c == ',' || c == '=' || c == '{' || c == '[' || c == '"' {
			break
		}
		p.pos++
	}
	return p.input[start:p.pos]
}

func (p *parser) results() (Tuple, error) {
	t := Tuple{}
	for {
		key, val, err := p.keyValue()
		if err != nil {
			return nil, err
		}
		t[key] = val
		if p.pos >= len(p.input) || p.input[p.pos] != ',' {
			return t, nil
		}
		p.pos++
	}
}

func (p *parser) keyValue() (string, any, error) {
	key := p.ident()
	if key == "" {
		return "", nil, fmt.Errorf("empty variable name at offset %d", p.pos)
	}
	if p.peek() != '=' {
		return "", nil, fmt.Errorf("expected '=' after %q", key)
	}
	p.pos++
	val, err := p.value()
	if err != nil {
		return "", nil, err
	}
	return key, val, nil
}

func (p *parser) value() (any, error) {
	switch p.peek() {
	case '"':
		return p.cstring()
	case '{':
		return p.tuple()
	case '[':
		return p.list()
	case 0:
		return nil, fmt.Errorf("unexpected end of line, expected value")
	default:
		return nil, fmt.Errorf("unexpected character %q at offset %d, expected value", p.input[p.pos], p.pos)
	}
}

func (p *parser) tuple() (Tuple, error) {
	p.pos++ // '{'
	t := Tuple{}
	if p.peek() == '}' {
		p.pos++
		return t, nil
	}
	for {
		key, val, err := p.keyValue()
		if err != nil {
			return nil, err
		}
		t[key] = val
		switch p.peek() {
		case ',':
			p.pos++
		case '}':
			p.pos++
			return t, nil
		default:
			return nil, fmt.Errorf("unterminated tuple at offset %d", p.pos)
		}
	}
}

func (p *parser) list() (List, error) {
	p.pos++ // '['
	l := List{}
	if p.peek() == ']' {
		p.pos++
		return l, nil
	}
	for {
		var elem any
		var err error
		switch p.peek() {
		case '"', '{', '[':
			elem, err = p.value()
		default:
			// key=value element; the key is presentation only.
			_, elem, err = p.keyValue()
		}
		if err != nil {
			return nil, err
		}
		l = append(l, elem)
		switch p.peek() {
		case ',':
			p.pos++
		case ']':
			p.pos++
			return l, nil
		default:
			return nil, fmt.Errorf("unterminated list at offset %d", p.pos)
		}
	}
}

func (p *parser) cstring() (string, error) {
	if p.peek() != '"' {
		return "", fmt.Errorf("expected '\"' at offset %d", p.pos)
	}
	p.pos++
	var b strings.Builder
	for p.pos < len(p.input) {
		c := p.input[p.pos]
		p.pos++
		switch c {
		case '"':
			return b.String(), nil
		case '\\':
			if p.pos >= len(p.input) {
				return "", fmt.Errorf("dangling escape at end of line")
			}
			e := p.input[p.pos]
			p.pos++
			switch e {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case 'r':
				b.WriteByte('\r')
			case '"', '\\':
				b.WriteByte(e)
			default:
				// Keep unrecognized escapes verbatim.
				b.WriteByte('\\')
				b.WriteByte(e)
			}
		default:
			b.WriteByte(c)
		}
	}
	return "", fmt.Errorf("unterminated string constant")
}
