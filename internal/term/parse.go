package term

import (
	"fmt"
	"strings"
)

// ParsePattern parses the compact textual pattern forms accepted by the
// query surface:
//
//	Functor(?x, a)      functional notation
//	[?x pred obj]       bracketed triple, meaning pred(?x, obj)
//	(?x pred obj)       parenthesized triple, same meaning
//
// Arguments starting with ? are variables, everything else is an atom.
// Nested compounds are accepted in functional notation.
func ParsePattern(input string) (Term, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return Term{}, fmt.Errorf("empty pattern")
	}

	if (strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]")) ||
		(strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") && !looksFunctional(s)) {
		return parseTriple(s[1 : len(s)-1])
	}

	t, rest, err := parseTerm(s)
	if err != nil {
		return Term{}, fmt.Errorf("parse pattern %q: %w", input, err)
	}
	if strings.TrimSpace(rest) != "" {
		return Term{}, fmt.Errorf("parse pattern %q: trailing input %q", input, rest)
	}
	return t, nil
}

// looksFunctional distinguishes f(...) from the triple form (s p o):
// a functional pattern has no space before the opening parenthesis.
func looksFunctional(s string) bool {
	i := strings.IndexByte(s, '(')
	return i > 0 && !strings.ContainsAny(s[:i], " \t")
}

func parseTriple(body string) (Term, error) {
	parts := strings.Fields(body)
	if len(parts) != 3 {
		return Term{}, fmt.Errorf("triple pattern needs 3 elements, got %d", len(parts))
	}
	pred := parts[1]
	if strings.HasPrefix(pred, "?") {
		return Term{}, fmt.Errorf("triple predicate must be ground, got %q", pred)
	}
	return Compound(pred, simpleTerm(parts[0]), simpleTerm(parts[2])), nil
}

func simpleTerm(tok string) Term {
	if strings.HasPrefix(tok, "?") {
		return Var(tok)
	}
	return Atom(strings.Trim(tok, `"`))
}

// parseTerm consumes one term from the front of s and returns the remainder.
func parseTerm(s string) (Term, string, error) {
	s = strings.TrimLeft(s, " \t")
	if s == "" {
		return Term{}, "", fmt.Errorf("unexpected end of input")
	}

	if s[0] == '?' {
		name, rest := readIdent(s[1:])
		if name == "" {
			return Term{}, "", fmt.Errorf("variable marker without a name")
		}
		return Var(name), rest, nil
	}

	if s[0] == '"' {
		end := strings.IndexByte(s[1:], '"')
		if end < 0 {
			return Term{}, "", fmt.Errorf("unterminated string literal")
		}
		return Atom(s[1 : 1+end]), s[end+2:], nil
	}

	name, rest := readIdent(s)
	if name == "" {
		return Term{}, "", fmt.Errorf("expected identifier at %q", s)
	}

	rest = strings.TrimLeft(rest, " \t")
	if rest == "" || rest[0] != '(' {
		return Atom(name), rest, nil
	}

	// Compound: consume arguments until the closing parenthesis.
	rest = rest[1:]
	var args []Term
	for {
		rest = strings.TrimLeft(rest, " \t")
		if rest == "" {
			return Term{}, "", fmt.Errorf("unterminated argument list for %s", name)
		}
		if rest[0] == ')' {
			return Compound(name, args...), rest[1:], nil
		}
		arg, r, err := parseTerm(rest)
		if err != nil {
			return Term{}, "", err
		}
		args = append(args, arg)
		rest = strings.TrimLeft(r, " \t")
		if strings.HasPrefix(rest, ",") {
			rest = rest[1:]
		}
	}
}

func readIdent(s string) (ident, rest string) {
	i := 0
	for i < len(s) {
		c := s[i]
		if c == '(' || c == ')' || c == ',' || c == ' ' || c == '\t' {
			break
		}
		i++
	}
	return s[:i], s[i:]
}
