package expr

import (
	"fmt"
	"strings"
)

// Parse compiles the text following a "start on"/"stop on" stanza into an
// Expr. Grammar (Upstart's, simplified to what the spec enumerates):
//
//	expr     := term (("and"|"or") term)*
//	term     := "(" expr ")" | operand
//	operand  := WORD (WORD)*
//
// "and" binds tighter than "or", matching Upstart's own precedence. The
// first word of an operand is the event name; subsequent words are either
// bare job-name matchers (treated as JOB=pattern, Upstart's "starting foo"
// shorthand) or KEY=VALUE/KEY=GLOB matchers.
func Parse(s string) (*Expr, error) {
	toks := tokenize(s)
	p := &parser{toks: toks}
	n, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.toks) {
		return nil, fmt.Errorf("expr: unexpected trailing token %q", p.toks[p.pos])
	}
	return &Expr{Root: n}, nil
}

func tokenize(s string) []string {
	var toks []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			toks = append(toks, cur.String())
			cur.Reset()
		}
	}
	for _, r := range s {
		switch r {
		case '(', ')':
			flush()
			toks = append(toks, string(r))
		case ' ', '\t', '\n':
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return toks
}

type parser struct {
	toks []string
	pos  int
}

func (p *parser) peek() string {
	if p.pos >= len(p.toks) {
		return ""
	}
	return p.toks[p.pos]
}

func (p *parser) next() string {
	t := p.peek()
	p.pos++
	return t
}

func (p *parser) parseOr() (Node, error) {
	first, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	nodes := []Node{first}
	for strings.EqualFold(p.peek(), "or") {
		p.next()
		n, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	if len(nodes) == 1 {
		return nodes[0], nil
	}
	return &Or{Nodes: nodes}, nil
}

func (p *parser) parseAnd() (Node, error) {
	first, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	nodes := []Node{first}
	for strings.EqualFold(p.peek(), "and") {
		p.next()
		n, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	if len(nodes) == 1 {
		return nodes[0], nil
	}
	return &And{Nodes: nodes}, nil
}

func (p *parser) parseTerm() (Node, error) {
	if p.peek() == "(" {
		p.next()
		n, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.next() != ")" {
			return nil, fmt.Errorf("expr: missing closing paren")
		}
		return n, nil
	}
	return p.parseOperand()
}

func (p *parser) parseOperand() (Node, error) {
	event := p.next()
	if event == "" || event == ")" {
		return nil, fmt.Errorf("expr: expected event name")
	}
	op := &Operand{Event: event}
	for {
		w := p.peek()
		if w == "" || w == ")" || strings.EqualFold(w, "and") || strings.EqualFold(w, "or") {
			break
		}
		p.next()
		if i := strings.IndexByte(w, '='); i > 0 {
			op.Matchers = append(op.Matchers, Matcher{Key: w[:i], Pattern: w[i+1:]})
		} else {
			// Bare word: Upstart's "starting foo" shorthand for JOB=foo.
			op.Matchers = append(op.Matchers, Matcher{Key: "JOB", Pattern: w})
		}
	}
	return op, nil
}
