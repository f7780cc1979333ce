package env

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// SyntaxError reports a binding statement that could not be evaluated.
type SyntaxError struct {
	Line int
	Msg  string
}

// Error implements the error interface.
func (e *SyntaxError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Msg)
}

// Eval evaluates a block of binding statements and returns the bound names.
//
// The grammar is deliberately small; it never executes code:
//
//	statement := name "=" expr
//	expr      := term { "+" term }
//	term      := string | int | float | bool | null | name
//
// Strings use single or double quotes. Booleans are true/false (or
// True/False), null is null or None. A name refers to a binding made earlier
// in the same block. "+" concatenates strings and adds numbers. Names with a
// leading underscore are usable within the block but not exported.
func Eval(src string) (map[string]any, error) {
	scope := make(map[string]any)

	for i, raw := range strings.Split(src, "\n") {
		lineNum := i + 1
		toks, err := tokenize(raw)
		if err != nil {
			return nil, &SyntaxError{Line: lineNum, Msg: err.Error()}
		}
		if len(toks) == 0 {
			continue
		}

		if len(toks) < 3 || toks[0].kind != tokName || toks[1].kind != tokAssign {
			return nil, &SyntaxError{Line: lineNum, Msg: "expected name = expression"}
		}

		v, err := evalExpr(toks[2:], scope)
		if err != nil {
			return nil, &SyntaxError{Line: lineNum, Msg: err.Error()}
		}
		scope[toks[0].text] = v
	}

	out := make(map[string]any, len(scope))
	for k, v := range scope {
		if !strings.HasPrefix(k, "_") {
			out[k] = v
		}
	}
	return out, nil
}

type tokKind int

const (
	tokName tokKind = iota
	tokAssign
	tokPlus
	tokString
	tokNumber
)

type token struct {
	kind tokKind
	text string
}

func tokenize(line string) ([]token, error) {
	var toks []token
	rs := []rune(line)

	for i := 0; i < len(rs); {
		c := rs[i]
		switch {
		case unicode.IsSpace(c):
			i++
		case c == '#':
			return toks, nil
		case c == '=':
			toks = append(toks, token{kind: tokAssign})
			i++
		case c == '+':
			toks = append(toks, token{kind: tokPlus})
			i++
		case c == '"' || c == '\'':
			s, n, err := scanString(rs[i:])
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{kind: tokString, text: s})
			i += n
		case unicode.IsDigit(c) || (c == '-' && i+1 < len(rs) && unicode.IsDigit(rs[i+1])):
			j := i + 1
			for j < len(rs) && (unicode.IsDigit(rs[j]) || rs[j] == '.' || rs[j] == '_') {
				j++
			}
			toks = append(toks, token{kind: tokNumber, text: string(rs[i:j])})
			i = j
		case c == '_' || unicode.IsLetter(c):
			j := i + 1
			for j < len(rs) && (rs[j] == '_' || unicode.IsLetter(rs[j]) || unicode.IsDigit(rs[j])) {
				j++
			}
			toks = append(toks, token{kind: tokName, text: string(rs[i:j])})
			i = j
		default:
			return nil, fmt.Errorf("unexpected character %q", c)
		}
	}
	return toks, nil
}

func scanString(rs []rune) (string, int, error) {
	quote := rs[0]
	var b strings.Builder

	for i := 1; i < len(rs); i++ {
		c := rs[i]
		switch {
		case c == quote:
			return b.String(), i + 1, nil
		case c == '\\' && i+1 < len(rs):
			i++
			switch rs[i] {
			case 'n':
				b.WriteRune('\n')
			case 't':
				b.WriteRune('\t')
			default:
				b.WriteRune(rs[i])
			}
		default:
			b.WriteRune(c)
		}
	}
	return "", 0, fmt.Errorf("unterminated string")
}

func evalExpr(toks []token, scope map[string]any) (any, error) {
	if len(toks) == 0 {
		return nil, fmt.Errorf("missing expression")
	}

	acc, err := evalTerm(toks[0], scope)
	if err != nil {
		return nil, err
	}

	for i := 1; i < len(toks); i += 2 {
		if toks[i].kind != tokPlus || i+1 >= len(toks) {
			return nil, fmt.Errorf("expected '+' between terms")
		}
		rhs, err := evalTerm(toks[i+1], scope)
		if err != nil {
			return nil, err
		}
		if acc, err = add(acc, rhs); err != nil {
			return nil, err
		}
	}
	return acc, nil
}

func evalTerm(tok token, scope map[string]any) (any, error) {
	switch tok.kind {
	case tokString:
		return tok.text, nil
	case tokNumber:
		clean := strings.ReplaceAll(tok.text, "_", "")
		if !strings.Contains(clean, ".") {
			n, err := strconv.ParseInt(clean, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid integer %q", tok.text)
			}
			return n, nil
		}
		f, err := strconv.ParseFloat(clean, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", tok.text)
		}
		return f, nil
	case tokName:
		switch tok.text {
		case "true", "True":
			return true, nil
		case "false", "False":
			return false, nil
		case "null", "None":
			return nil, nil
		}
		v, ok := scope[tok.text]
		if !ok {
			return nil, fmt.Errorf("name %q is not defined", tok.text)
		}
		return v, nil
	default:
		return nil, fmt.Errorf("unexpected token")
	}
}

func add(a, b any) (any, error) {
	switch x := a.(type) {
	case string:
		if y, ok := b.(string); ok {
			return x + y, nil
		}
	case int64:
		switch y := b.(type) {
		case int64:
			return x + y, nil
		case float64:
			return float64(x) + y, nil
		}
	case float64:
		switch y := b.(type) {
		case int64:
			return x + float64(y), nil
		case float64:
			return x + y, nil
		}
	}
	return nil, fmt.Errorf("unsupported operand types for +: %T and %T", a, b)
}
