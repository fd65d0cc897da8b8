package formula

import (
	"fmt"
	"strings"

	apperrors "market-gateway/internal/common/errors"
)

// deniedFragments are substrings that only appear when someone tries to smuggle
// code rather than arithmetic into a formula. The lexer would reject most of
// them anyway, but checking up front gives editors a precise message.
var deniedFragments = []string{
	"eval", "exec", "function", "return",
	"import", "require", "process", "global",
	"window", "document", "alert", "prompt",
	"constructor", "prototype", "__",
	"=>", "=", ";", "[", "]", "{", "}",
	"'", "\"", "`",
}

// Validate reports whether a formula is structurally usable before any data is
// bound to it: charset, suspicious fragments, balanced parentheses and grammar
// are all checked. Evaluation can still fail later on missing or non-numeric
// fields; Validate only guarantees the formula itself is well-formed.
func Validate(expr string) error {
	trimmed := strings.TrimSpace(expr)
	if trimmed == "" {
		return apperrors.FormulaError("formula is empty")
	}

	lowered := strings.ToLower(trimmed)
	for _, fragment := range deniedFragments {
		if strings.Contains(lowered, fragment) {
			return apperrors.FormulaError(fmt.Sprintf("disallowed fragment %q", fragment))
		}
	}

	tokens, err := lex(trimmed)
	if err != nil {
		return err
	}

	depth := 0
	for _, t := range tokens {
		switch t.kind {
		case tokenLParen:
			depth++
		case tokenRParen:
			depth--
			if depth < 0 {
				return apperrors.FormulaError(fmt.Sprintf("unmatched ')' at position %d", t.pos))
			}
		}
	}
	if depth != 0 {
		return apperrors.FormulaError("unbalanced parentheses")
	}

	// Grammar check with every reference bound to a placeholder value, so
	// only structural problems surface.
	placeholder := make(map[string]interface{})
	for _, ref := range ExtractReferences(trimmed) {
		placeholder[ref] = 1.0
	}
	p := &parser{tokens: tokens, context: placeholder}
	if _, err := p.expression(); err != nil {
		// Arithmetic outcomes like division by zero are data concerns, not
		// structural ones; with all references pinned to 1 they can still
		// occur from literal zeros, which is fine to report.
		return err
	}
	if p.peek().kind != tokenEOF {
		t := p.peek()
		return apperrors.FormulaError(fmt.Sprintf("unexpected token %q at position %d", t.text, t.pos))
	}
	return nil
}
