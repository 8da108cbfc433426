package config

import (
	"fmt"
	"strconv"
	"strings"
)

// EvalMaxDocks evaluates the max_docks expression in a restricted namespace
// exposing exactly the five identifiers spec.md §3 names: ram_bytes,
// swap_bytes, ncpus, max_dock_mem, max_dock_swap. The grammar is the
// small arithmetic/identifier language spec.md §9 calls for in place of a
// general expression evaluator:
//
//	expr   := term (('+' | '-') term)*
//	term   := factor (('*' | '/') factor)*
//	factor := NUMBER | IDENT | '(' expr ')' | '-' factor
func EvalMaxDocks(expr string, facts HostFacts, maxDockMem, maxDockSwap int64) (int, error) {
	vars := map[string]float64{
		"ram_bytes":     float64(facts.RAMBytes),
		"swap_bytes":    float64(facts.SwapBytes),
		"ncpus":         float64(facts.NCPUs),
		"max_dock_mem":  float64(maxDockMem),
		"max_dock_swap": float64(maxDockSwap),
	}
	p := &exprParser{tokens: tokenize(expr), vars: vars}
	v, err := p.parseExpr()
	if err != nil {
		return 0, err
	}
	if !p.atEnd() {
		return 0, fmt.Errorf("unexpected trailing input at token %d", p.pos)
	}
	return int(v), nil
}

type token struct {
	kind string // "num", "ident", "op", "lparen", "rparen"
	text string
}

func tokenize(expr string) []token {
	var tokens []token
	i := 0
	for i < len(expr) {
		c := expr[i]
		switch {
		case c == ' ' || c == '\t':
			i++
		case c == '(':
			tokens = append(tokens, token{"lparen", "("})
			i++
		case c == ')':
			tokens = append(tokens, token{"rparen", ")"})
			i++
		case c == '+' || c == '-' || c == '*' || c == '/':
			tokens = append(tokens, token{"op", string(c)})
			i++
		case c >= '0' && c <= '9' || c == '.':
			j := i
			for j < len(expr) && (expr[j] >= '0' && expr[j] <= '9' || expr[j] == '.') {
				j++
			}
			tokens = append(tokens, token{"num", expr[i:j]})
			i = j
		case isIdentStart(c):
			j := i
			for j < len(expr) && isIdentChar(expr[j]) {
				j++
			}
			tokens = append(tokens, token{"ident", expr[i:j]})
			i = j
		default:
			tokens = append(tokens, token{"invalid", string(c)})
			i++
		}
	}
	return tokens
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentChar(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

type exprParser struct {
	tokens []token
	pos    int
	vars   map[string]float64
}

func (p *exprParser) atEnd() bool { return p.pos >= len(p.tokens) }

func (p *exprParser) peek() (token, bool) {
	if p.atEnd() {
		return token{}, false
	}
	return p.tokens[p.pos], true
}

func (p *exprParser) parseExpr() (float64, error) {
	v, err := p.parseTerm()
	if err != nil {
		return 0, err
	}
	for {
		tok, ok := p.peek()
		if !ok || tok.kind != "op" || (tok.text != "+" && tok.text != "-") {
			return v, nil
		}
		p.pos++
		rhs, err := p.parseTerm()
		if err != nil {
			return 0, err
		}
		if tok.text == "+" {
			v += rhs
		} else {
			v -= rhs
		}
	}
}

func (p *exprParser) parseTerm() (float64, error) {
	v, err := p.parseFactor()
	if err != nil {
		return 0, err
	}
	for {
		tok, ok := p.peek()
		if !ok || tok.kind != "op" || (tok.text != "*" && tok.text != "/") {
			return v, nil
		}
		p.pos++
		rhs, err := p.parseFactor()
		if err != nil {
			return 0, err
		}
		if tok.text == "*" {
			v *= rhs
		} else {
			if rhs == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			v /= rhs
		}
	}
}

func (p *exprParser) parseFactor() (float64, error) {
	tok, ok := p.peek()
	if !ok {
		return 0, fmt.Errorf("unexpected end of expression")
	}
	switch tok.kind {
	case "op":
		if tok.text == "-" {
			p.pos++
			v, err := p.parseFactor()
			return -v, err
		}
		return 0, fmt.Errorf("unexpected operator %q", tok.text)
	case "num":
		p.pos++
		v, err := strconv.ParseFloat(tok.text, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid number %q: %w", tok.text, err)
		}
		return v, nil
	case "ident":
		p.pos++
		v, ok := p.vars[strings.ToLower(tok.text)]
		if !ok {
			return 0, fmt.Errorf("unknown identifier %q", tok.text)
		}
		return v, nil
	case "lparen":
		p.pos++
		v, err := p.parseExpr()
		if err != nil {
			return 0, err
		}
		closing, ok := p.peek()
		if !ok || closing.kind != "rparen" {
			return 0, fmt.Errorf("missing closing parenthesis")
		}
		p.pos++
		return v, nil
	default:
		return 0, fmt.Errorf("unexpected token %q", tok.text)
	}
}
