// Package action parses action text: a whitespace separated sequence of calls
// such as `String("logon ops") Enter Wait(10, Output)`.
package action

import (
	"strconv"
	"strings"

	"pkt.systems/blockterm/schema"
)

// Call is one parsed action invocation.
type Call struct {
	Name string
	Args []string
}

// Key returns the lookup key of the action name.
func (c Call) Key() string {
	return strings.ToLower(c.Name)
}

// String renders the call in a form Parse accepts.
func (c Call) String() string {
	if len(c.Args) == 0 {
		return c.Name + "()"
	}
	quoted := make([]string, len(c.Args))
	for i, arg := range c.Args {
		quoted[i] = Quote(arg)
	}
	return c.Name + "(" + strings.Join(quoted, ",") + ")"
}

// Parse parses action text. An empty text yields no calls.
func Parse(text string) ([]Call, error) {
	p := parser{src: text}
	var calls []Call
	for {
		p.skipSpace()
		if p.eof() {
			return calls, nil
		}
		call, err := p.call()
		if err != nil {
			return nil, err
		}
		calls = append(calls, call)
	}
}

// Quote returns s as a quoted argument when it would not survive as a bare one.
func Quote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\r\n\",()\\") {
		return s
	}
	var b strings.Builder
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '"', '\\':
			b.WriteByte('\\')
			b.WriteByte(c)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		case 0x1b:
			b.WriteString(`\e`)
		default:
			if c < 0x20 || c == 0x7f {
				b.WriteString(`\x`)
				b.WriteString(strconv.FormatUint(uint64(c)>>4, 16))
				b.WriteString(strconv.FormatUint(uint64(c)&0xf, 16))
				continue
			}
			b.WriteByte(c)
		}
	}
	b.WriteByte('"')
	return b.String()
}

type parser struct {
	src string
	pos int
}

func (p *parser) eof() bool { return p.pos >= len(p.src) }

func (p *parser) skipSpace() {
	for p.pos < len(p.src) && isSpace(p.src[p.pos]) {
		p.pos++
	}
}

func (p *parser) errorf(format string, args ...any) error {
	return schema.TaskError("parse action", schema.ErrActionSyntax, "column %d: "+format, append([]any{p.pos + 1}, args...)...)
}

func (p *parser) call() (Call, error) {
	start := p.pos
	for p.pos < len(p.src) && isNameByte(p.src[p.pos]) {
		p.pos++
	}
	if p.pos == start {
		return Call{}, p.errorf("expected action name, found %q", p.src[p.pos])
	}
	call := Call{Name: p.src[start:p.pos]}
	if first := call.Name[0]; first >= '0' && first <= '9' {
		p.pos = start
		return Call{}, p.errorf("action name %q must start with a letter", call.Name)
	}

	save := p.pos
	p.skipSpace()
	if p.eof() || p.src[p.pos] != '(' {
		p.pos = save
		return call, nil
	}
	p.pos++

	for {
		p.skipSpace()
		if p.eof() {
			return Call{}, p.errorf("missing ')' after %s arguments", call.Name)
		}
		if p.src[p.pos] == ')' {
			p.pos++
			return call, nil
		}
		if len(call.Args) > 0 {
			if p.src[p.pos] != ',' {
				return Call{}, p.errorf("expected ',' or ')' in %s arguments", call.Name)
			}
			p.pos++
			p.skipSpace()
		}
		arg, err := p.arg(call.Name)
		if err != nil {
			return Call{}, err
		}
		call.Args = append(call.Args, arg)
	}
}

func (p *parser) arg(name string) (string, error) {
	if p.eof() {
		return "", p.errorf("missing argument in %s", name)
	}
	if p.src[p.pos] == '"' {
		return p.quoted()
	}
	start := p.pos
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		if isSpace(c) || c == ',' || c == ')' || c == '(' || c == '"' {
			break
		}
		p.pos++
	}
	if p.pos == start {
		return "", p.errorf("empty argument in %s", name)
	}
	return p.src[start:p.pos], nil
}

func (p *parser) quoted() (string, error) {
	p.pos++
	var b strings.Builder
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		p.pos++
		switch c {
		case '"':
			return b.String(), nil
		case '\\':
			if p.eof() {
				return "", p.errorf("unterminated escape")
			}
			esc := p.src[p.pos]
			p.pos++
			switch esc {
			case '"', '\\':
				b.WriteByte(esc)
			case 'n':
				b.WriteByte('\n')
			case 'r':
				b.WriteByte('\r')
			case 't':
				b.WriteByte('\t')
			case 'e':
				b.WriteByte(0x1b)
			case 'x':
				if p.pos+2 > len(p.src) {
					return "", p.errorf("short \\x escape")
				}
				v, err := strconv.ParseUint(p.src[p.pos:p.pos+2], 16, 8)
				if err != nil {
					return "", p.errorf("invalid \\x escape %q", p.src[p.pos:p.pos+2])
				}
				b.WriteByte(byte(v))
				p.pos += 2
			default:
				b.WriteByte('\\')
				b.WriteByte(esc)
			}
		default:
			b.WriteByte(c)
		}
	}
	return "", p.errorf("unterminated string")
}

func isNameByte(c byte) bool {
	return c == '_' || c == '-' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}
