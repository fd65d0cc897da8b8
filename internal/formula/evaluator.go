// Package formula evaluates user-defined arithmetic expressions for derived
// widget fields. The parser is a hand-written recursive-descent parser over
// `+ - * / % ( )`, decimal numerals and field references; nothing is ever
// handed to a general-purpose expression engine, so user input cannot reach
// anything beyond arithmetic.
//
// Every failure mode (unknown reference, division by zero, overflow, parse
// error) is recoverable: callers map the returned error to a null field
// value, never to a failed row.
package formula

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	apperrors "market-gateway/internal/common/errors"
)

// maxSafeMagnitude mirrors the safe-integer bound of the original widget
// runtime; results beyond it are treated as evaluation failures.
const maxSafeMagnitude = 1 << 53

type tokenKind int

const (
	tokenNumber tokenKind = iota
	tokenIdent
	tokenPlus
	tokenMinus
	tokenStar
	tokenSlash
	tokenPercent
	tokenLParen
	tokenRParen
	tokenEOF
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

// lex splits the expression into tokens, rejecting any character outside the
// arithmetic subset before anything is evaluated.
func lex(expr string) ([]token, error) {
	var tokens []token
	i := 0
	for i < len(expr) {
		ch := expr[i]
		switch {
		case ch == ' ' || ch == '\t':
			i++

		case ch >= '0' && ch <= '9' || ch == '.':
			start := i
			seenDot := false
			for i < len(expr) && (expr[i] >= '0' && expr[i] <= '9' || expr[i] == '.') {
				if expr[i] == '.' {
					if seenDot {
						return nil, apperrors.FormulaError(fmt.Sprintf("malformed number at position %d", start))
					}
					seenDot = true
				}
				i++
			}
			tokens = append(tokens, token{tokenNumber, expr[start:i], start})

		case isIdentStart(ch):
			start := i
			for i < len(expr) && isIdentPart(expr[i]) {
				i++
			}
			tokens = append(tokens, token{tokenIdent, expr[start:i], start})

		case ch == '+':
			tokens = append(tokens, token{tokenPlus, "+", i})
			i++
		case ch == '-':
			tokens = append(tokens, token{tokenMinus, "-", i})
			i++
		case ch == '*':
			tokens = append(tokens, token{tokenStar, "*", i})
			i++
		case ch == '/':
			tokens = append(tokens, token{tokenSlash, "/", i})
			i++
		case ch == '%':
			tokens = append(tokens, token{tokenPercent, "%", i})
			i++
		case ch == '(':
			tokens = append(tokens, token{tokenLParen, "(", i})
			i++
		case ch == ')':
			tokens = append(tokens, token{tokenRParen, ")", i})
			i++

		default:
			return nil, apperrors.FormulaError(fmt.Sprintf("illegal character %q at position %d", ch, i))
		}
	}

	tokens = append(tokens, token{tokenEOF, "", len(expr)})
	return tokens, nil
}

func isIdentStart(ch byte) bool {
	return ch >= 'a' && ch <= 'z' || ch >= 'A' && ch <= 'Z' || ch == '_'
}

func isIdentPart(ch byte) bool {
	return isIdentStart(ch) || ch >= '0' && ch <= '9'
}

// parser is a three-level recursive-descent parser:
//
//	expression → term (('+' | '-') term)*
//	term       → factor (('*' | '/' | '%') factor)*
//	factor     → number | identifier | '(' expression ')' | ('+' | '-') factor
type parser struct {
	tokens  []token
	pos     int
	context map[string]interface{}
}

func (p *parser) peek() token {
	return p.tokens[p.pos]
}

func (p *parser) next() token {
	t := p.tokens[p.pos]
	if t.kind != tokenEOF {
		p.pos++
	}
	return t
}

func (p *parser) expression() (float64, error) {
	left, err := p.term()
	if err != nil {
		return 0, err
	}

	for {
		switch p.peek().kind {
		case tokenPlus:
			p.next()
			right, err := p.term()
			if err != nil {
				return 0, err
			}
			left += right
		case tokenMinus:
			p.next()
			right, err := p.term()
			if err != nil {
				return 0, err
			}
			left -= right
		default:
			return left, nil
		}
	}
}

func (p *parser) term() (float64, error) {
	left, err := p.factor()
	if err != nil {
		return 0, err
	}

	for {
		switch p.peek().kind {
		case tokenStar:
			p.next()
			right, err := p.factor()
			if err != nil {
				return 0, err
			}
			left *= right
		case tokenSlash:
			p.next()
			right, err := p.factor()
			if err != nil {
				return 0, err
			}
			if right == 0 {
				return 0, apperrors.FormulaError("division by zero")
			}
			left /= right
		case tokenPercent:
			p.next()
			right, err := p.factor()
			if err != nil {
				return 0, err
			}
			if right == 0 {
				return 0, apperrors.FormulaError("modulo by zero")
			}
			left = math.Mod(left, right)
		default:
			return left, nil
		}
	}
}

func (p *parser) factor() (float64, error) {
	t := p.next()
	switch t.kind {
	case tokenNumber:
		v, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return 0, apperrors.FormulaError(fmt.Sprintf("malformed number %q", t.text))
		}
		return v, nil

	case tokenIdent:
		raw, ok := p.context[t.text]
		if !ok {
			return 0, apperrors.FormulaError(fmt.Sprintf("unknown field %q", t.text))
		}
		v, ok := CoerceNumber(raw)
		if !ok {
			return 0, apperrors.FormulaError(fmt.Sprintf("field %q is not numeric", t.text))
		}
		return v, nil

	case tokenLParen:
		v, err := p.expression()
		if err != nil {
			return 0, err
		}
		if p.next().kind != tokenRParen {
			return 0, apperrors.FormulaError("missing closing parenthesis")
		}
		return v, nil

	case tokenPlus:
		return p.factor()

	case tokenMinus:
		v, err := p.factor()
		if err != nil {
			return 0, err
		}
		return -v, nil

	default:
		return 0, apperrors.FormulaError(fmt.Sprintf("unexpected token %q at position %d", t.text, t.pos))
	}
}

// Evaluate computes the formula against the given field context. Identifier
// tokens are resolved from context; strings are coerced to numbers by
// stripping non-numeric characters. Any failure returns a typed formula
// error, which callers surface as a null field value.
func Evaluate(expr string, context map[string]interface{}) (float64, error) {
	tokens, err := lex(expr)
	if err != nil {
		return 0, err
	}
	if len(tokens) == 1 {
		return 0, apperrors.FormulaError("empty formula")
	}

	p := &parser{tokens: tokens, context: context}
	v, err := p.expression()
	if err != nil {
		return 0, err
	}
	if p.peek().kind != tokenEOF {
		t := p.peek()
		return 0, apperrors.FormulaError(fmt.Sprintf("unexpected token %q at position %d", t.text, t.pos))
	}

	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, apperrors.FormulaError("result is not a finite number")
	}
	if math.Abs(v) > maxSafeMagnitude {
		return 0, apperrors.FormulaError("result exceeds safe magnitude")
	}
	return v, nil
}

// ExtractReferences returns the distinct field names a formula references, in
// order of first appearance. Invalid formulas yield no references.
func ExtractReferences(expr string) []string {
	tokens, err := lex(expr)
	if err != nil {
		return nil
	}

	seen := make(map[string]struct{})
	var refs []string
	for _, t := range tokens {
		if t.kind != tokenIdent {
			continue
		}
		if _, dup := seen[t.text]; dup {
			continue
		}
		seen[t.text] = struct{}{}
		refs = append(refs, t.text)
	}
	return refs
}

// CoerceNumber converts a context value to a float64. Strings are cleaned of
// currency symbols, thousands separators and percent signs first, so "1.67%"
// and "$1,000" both coerce.
func CoerceNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		cleaned := cleanNumeric(n)
		if cleaned == "" {
			return 0, false
		}
		parsed, err := strconv.ParseFloat(cleaned, 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}

func cleanNumeric(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if ch >= '0' && ch <= '9' || ch == '.' || (ch == '-' && b.Len() == 0) {
			b.WriteByte(ch)
		}
	}
	return b.String()
}
