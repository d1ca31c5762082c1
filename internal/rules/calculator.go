// Package rules implements the rule evaluator for CoachPipe.
//
// The evaluator is a pure function over a rule and a variable snapshot:
// no I/O, no shared mutable state, safe to call concurrently from many
// scheduler workers.
package rules

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/BTreeMap/CoachPipe/internal/models"
)

// Calculate evaluates a small arithmetic formula over decimal numbers.
// Supported syntax: + - * /, parentheses, unary minus, and the functions
// inrange(x, lo, hi) and position(x, v1, v2, ...). Anything else fails
// with a parse error wrapping models.ErrParseFailure.
func Calculate(input string) (float64, error) {
	p := &calcParser{input: input}
	v, err := p.parseExpression()
	if err != nil {
		return 0, err
	}
	p.skipSpace()
	if p.pos < len(p.input) {
		return 0, fmt.Errorf("%w: unexpected %q at position %d", models.ErrParseFailure, p.input[p.pos], p.pos)
	}
	return v, nil
}

// FormatNumber renders a calculated value the way rules store it: no
// exponent, no trailing zeros.
func FormatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// calcParser is a recursive-descent parser over a single formula string.
type calcParser struct {
	input string
	pos   int
}

func (p *calcParser) skipSpace() {
	for p.pos < len(p.input) && unicode.IsSpace(rune(p.input[p.pos])) {
		p.pos++
	}
}

func (p *calcParser) peek() byte {
	if p.pos < len(p.input) {
		return p.input[p.pos]
	}
	return 0
}

// parseExpression handles addition and subtraction.
func (p *calcParser) parseExpression() (float64, error) {
	left, err := p.parseTerm()
	if err != nil {
		return 0, err
	}
	for {
		p.skipSpace()
		switch p.peek() {
		case '+':
			p.pos++
			right, err := p.parseTerm()
			if err != nil {
				return 0, err
			}
			left += right
		case '-':
			p.pos++
			right, err := p.parseTerm()
			if err != nil {
				return 0, err
			}
			left -= right
		default:
			return left, nil
		}
	}
}

// parseTerm handles multiplication and division.
func (p *calcParser) parseTerm() (float64, error) {
	left, err := p.parseFactor()
	if err != nil {
		return 0, err
	}
	for {
		p.skipSpace()
		switch p.peek() {
		case '*':
			p.pos++
			right, err := p.parseFactor()
			if err != nil {
				return 0, err
			}
			left *= right
		case '/':
			p.pos++
			right, err := p.parseFactor()
			if err != nil {
				return 0, err
			}
			if right == 0 {
				return 0, fmt.Errorf("%w: division by zero", models.ErrParseFailure)
			}
			left /= right
		default:
			return left, nil
		}
	}
}

// parseFactor handles numbers, parentheses, unary minus, and function calls.
func (p *calcParser) parseFactor() (float64, error) {
	p.skipSpace()
	switch {
	case p.peek() == '-':
		p.pos++
		v, err := p.parseFactor()
		return -v, err
	case p.peek() == '(':
		p.pos++
		v, err := p.parseExpression()
		if err != nil {
			return 0, err
		}
		p.skipSpace()
		if p.peek() != ')' {
			return 0, fmt.Errorf("%w: missing closing parenthesis", models.ErrParseFailure)
		}
		p.pos++
		return v, nil
	case isDigit(p.peek()) || p.peek() == '.':
		return p.parseNumber()
	case isIdentStart(p.peek()):
		return p.parseFunction()
	default:
		return 0, fmt.Errorf("%w: unexpected input at position %d", models.ErrParseFailure, p.pos)
	}
}

func (p *calcParser) parseNumber() (float64, error) {
	start := p.pos
	for p.pos < len(p.input) && (isDigit(p.input[p.pos]) || p.input[p.pos] == '.') {
		p.pos++
	}
	v, err := strconv.ParseFloat(p.input[start:p.pos], 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid number %q", models.ErrParseFailure, p.input[start:p.pos])
	}
	return v, nil
}

func (p *calcParser) parseFunction() (float64, error) {
	start := p.pos
	for p.pos < len(p.input) && isIdentPart(p.input[p.pos]) {
		p.pos++
	}
	name := strings.ToLower(p.input[start:p.pos])
	p.skipSpace()
	if p.peek() != '(' {
		return 0, fmt.Errorf("%w: unknown symbol %q", models.ErrParseFailure, name)
	}
	p.pos++
	args, err := p.parseArgs()
	if err != nil {
		return 0, err
	}
	switch name {
	case "inrange":
		if len(args) != 3 {
			return 0, fmt.Errorf("%w: inrange expects 3 arguments, got %d", models.ErrParseFailure, len(args))
		}
		if args[0] >= args[1] && args[0] <= args[2] {
			return 1, nil
		}
		return 0, nil
	case "position":
		if len(args) < 2 {
			return 0, fmt.Errorf("%w: position expects a value and a list", models.ErrParseFailure)
		}
		for i, candidate := range args[1:] {
			if candidate == args[0] {
				return float64(i + 1), nil
			}
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("%w: unknown function %q", models.ErrParseFailure, name)
	}
}

// parseArgs consumes a comma-separated argument list up to the closing
// parenthesis, which it also consumes.
func (p *calcParser) parseArgs() ([]float64, error) {
	var args []float64
	for {
		v, err := p.parseExpression()
		if err != nil {
			return nil, err
		}
		args = append(args, v)
		p.skipSpace()
		switch p.peek() {
		case ',':
			p.pos++
		case ')':
			p.pos++
			return args, nil
		default:
			return nil, fmt.Errorf("%w: malformed argument list", models.ErrParseFailure)
		}
	}
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isIdentStart(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '_'
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || isDigit(c)
}
