package parsers

import (
	"strings"
	"unicode"

	"github.com/pkg/errors"

	"simple-stm/pkg/protos"
)

/*
<command>  := <type>
			| <type> <args>
<args>     := <arg> <args>
			| <arg>
<arg>      := <string>
			| <digits>
<string>   := " ( [^"\] | \" | \\ | \n | \t )* "
*/

type argKind int

const (
	quoted argKind = iota
	digits
)

// grammar lists the arguments each request takes, in order.
var grammar = map[protos.CommandType][]argKind{
	protos.Get:    {quoted},
	protos.Del:    {quoted},
	protos.Put:    {quoted, quoted},
	protos.Await:  {quoted, quoted},
	protos.Scan:   {quoted, digits},
	protos.Begin:  nil,
	protos.Commit: nil,
	protos.Abort:  nil,
}

var escapes = map[byte]byte{
	'"':  '"',
	'\\': '\\',
	'n':  '\n',
	't':  '\t',
}

type Parser struct {
	Input  string
	Length int
}

func NewParser() *Parser {
	return &Parser{}
}

func (p *Parser) Parse(input string) (*protos.Command, error) {
	p.Input = strings.TrimSpace(input)
	p.Length = len(p.Input)

	t, next, err := p.getType(0)
	if err != nil {
		return nil, err
	}
	args, ok := grammar[t]
	if !ok {
		return nil, errors.Errorf("invalid type:\n%s", p.errorOn(next-1))
	}

	var content []string
	for _, kind := range args {
		if next, err = p.dropSpaces(next); err != nil {
			return nil, err
		}

		var arg string
		switch kind {
		case quoted:
			arg, next, err = p.getString(next)
		case digits:
			arg, next, err = p.getDigits(next)
		}
		if err != nil {
			return nil, err
		}
		content = append(content, arg)
	}

	if next != p.Length {
		next, _ = p.dropSpaces(next)
	}
	if next != p.Length {
		return nil, errors.Errorf("command should be terminated here:\n%s", p.errorOn(next))
	}

	return protos.NewCommand(t, content), nil
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t'
}

func (p *Parser) dropSpaces(i int) (int, error) {
	if i >= p.Length {
		return i, errors.Errorf("should not be terminated here:\n%s", p.errorOn(i))
	}
	if !isSpace(p.Input[i]) {
		return i, errors.Errorf("a white space needed here:\n%s", p.errorOn(i))
	}

	for i++; i < p.Length && isSpace(p.Input[i]); i++ {
	}
	return i, nil
}

func (p *Parser) getString(i int) (string, int, error) {
	if i >= p.Length {
		return "", i, errors.Errorf("should not be terminated here:\n%s", p.errorOn(i))
	}
	if p.Input[i] != '"' {
		return "", i, errors.Errorf("a quotation mark needed here:\n%s", p.errorOn(i))
	}

	var sb strings.Builder
	for j := i + 1; j < p.Length; j++ {
		switch c := p.Input[j]; c {
		case '"':
			return sb.String(), j + 1, nil
		case '\\':
			if j+1 >= p.Length {
				return "", j, errors.Errorf("an escaped character needed here:\n%s", p.errorOn(j+1))
			}
			e, ok := escapes[p.Input[j+1]]
			if !ok {
				return "", j, errors.Errorf("unknown escape sequence:\n%s", p.errorOn(j))
			}
			sb.WriteByte(e)
			j++
		default:
			sb.WriteByte(c)
		}
	}
	return "", p.Length, errors.Errorf("a quotation mark needed here:\n%s", p.errorOn(p.Length))
}

func (p *Parser) getDigits(i int) (string, int, error) {
	count, next, err := p.getChars(i, unicode.IsDigit)
	if err != nil {
		return "", next, err
	}
	if count == "" {
		return "", next, errors.Errorf("a count needed here:\n%s", p.errorOn(next))
	}
	return count, next, nil
}

func (p *Parser) getType(i int) (protos.CommandType, int, error) {
	t, next, err := p.getChars(i, unicode.IsLetter)
	if err != nil {
		return protos.Invalid, i, err
	}
	return protos.ToCommandType(t), next, nil
}

func (p *Parser) getChars(i int, check func(rune) bool) (string, int, error) {
	if i >= p.Length {
		return "", i, errors.Errorf("should not be terminated here:\n%s", p.errorOn(i))
	}

	j := i
	for j < p.Length && check(rune(p.Input[j])) {
		j++
	}
	return p.Input[i:j], j, nil
}

func (p *Parser) errorOn(idx int) string {
	if idx < 0 {
		idx = 0
	}
	return p.Input + "\n" + strings.Repeat(" ", idx) + "^"
}
