// Package expr implements the boolean event-expression evaluator that
// backs a job class's "start on"/"stop on" attributes: a tree of AND/OR
// nodes over operands of the form EVENT_NAME [KEY=VALUE|KEY=GLOB]*.
package expr

import (
	"path"
	"strings"
)

// Emission is the subset of an event emission's data the evaluator needs:
// its name and its environment, ordered KEY=VALUE pairs.
type Emission struct {
	Name string
	Env  []string
	// ID identifies the emission for callers that need to recover which
	// emissions caused a satisfaction (see Expr.Satisfied).
	ID string
}

// lookup returns the value of key in env, and whether it was present.
func lookup(env []string, key string) (string, bool) {
	prefix := key + "="
	for _, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			return kv[len(prefix):], true
		}
	}
	return "", false
}

// Matcher is a single KEY=VALUE or KEY=GLOB constraint on an operand. The
// special key JOB matches against the emission's job-name argument (the
// first positional word after the event name in "starting foo").
type Matcher struct {
	Key     string
	Pattern string
}

func (m Matcher) match(e Emission) bool {
	if m.Key == "JOB" {
		job, ok := lookup(e.Env, "JOB")
		if !ok {
			return false
		}
		ok, _ = path.Match(m.Pattern, job)
		return ok
	}
	v, ok := lookup(e.Env, m.Key)
	if !ok {
		return false
	}
	ok, _ = path.Match(m.Pattern, v)
	return ok
}

// Operand is a leaf of the expression tree: an event name plus zero or
// more matchers. It is stateful across a "cycle" (see Expr.Reset):
// once it matches an emission, it stays matched ("sticky") until the
// expression fires or is reset.
type Operand struct {
	Event    string
	Matchers []Matcher

	matched  bool
	cause    Emission
}

// try evaluates the operand against e, latching matched/cause on success.
// It never un-latches: stickiness is the caller's (Expr's) responsibility
// via Reset.
func (o *Operand) try(e Emission) bool {
	if o.matched {
		return true
	}
	if o.Event != e.Name {
		return false
	}
	for _, m := range o.Matchers {
		if !m.match(e) {
			return false
		}
	}
	o.matched = true
	o.cause = e
	return true
}

// Node is a boolean-tree element: *Operand, *And, or *Or.
type Node interface {
	eval() bool
	reset()
	// causes appends, in left-to-right AST order, the emissions that
	// contributed to this node's current (true) evaluation.
	causes(out *[]Emission)
	// operands appends every Operand leaf reachable from this node, in
	// left-to-right order, used by check-config reachability scans.
	operands(out *[]*Operand)
}

// And is a boolean AND of two or more nodes.
type And struct{ Nodes []Node }

func (n *And) eval() bool {
	for _, c := range n.Nodes {
		if !c.eval() {
			return false
		}
	}
	return len(n.Nodes) > 0
}

func (n *And) reset() {
	for _, c := range n.Nodes {
		c.reset()
	}
}

func (n *And) causes(out *[]Emission) {
	for _, c := range n.Nodes {
		c.causes(out)
	}
}

func (n *And) operands(out *[]*Operand) {
	for _, c := range n.Nodes {
		c.operands(out)
	}
}

// Or is a boolean OR of two or more nodes. Evaluation is left-to-right and
// short-circuits: causes() only descends into the first child that
// evaluates true, matching the "OR short-circuited" tie-break the spec
// pins for simultaneous-arrival ordering.
type Or struct{ Nodes []Node }

func (n *Or) eval() bool {
	ok := false
	for _, c := range n.Nodes {
		if c.eval() {
			ok = true
		}
	}
	return ok
}

func (n *Or) reset() {
	for _, c := range n.Nodes {
		c.reset()
	}
}

func (n *Or) causes(out *[]Emission) {
	for _, c := range n.Nodes {
		if c.eval() {
			c.causes(out)
			return
		}
	}
}

func (n *Or) operands(out *[]*Operand) {
	for _, c := range n.Nodes {
		c.operands(out)
	}
}

func (o *Operand) eval() bool { return o.matched }
func (o *Operand) reset()     { o.matched = false; o.cause = Emission{} }
func (o *Operand) causes(out *[]Emission) {
	if o.matched {
		*out = append(*out, o.cause)
	}
}
func (o *Operand) operands(out *[]*Operand) { *out = append(*out, o) }

// Expr is a compiled "start on"/"stop on" expression.
type Expr struct {
	Root Node
}

// Feed evaluates every operand of the expression against e, latching any
// operand that matches. It returns whether the whole expression is now
// satisfied (it may already have been, from a previous Feed in the same
// cycle: satisfaction is sticky until Reset).
func (x *Expr) Feed(e Emission) bool {
	if x.Root == nil {
		return false
	}
	var ops []*Operand
	x.Root.operands(&ops)
	for _, o := range ops {
		o.try(e)
	}
	return x.Root.eval()
}

// Satisfied reports whether the expression currently evaluates true without
// feeding a new emission.
func (x *Expr) Satisfied() bool {
	if x.Root == nil {
		return false
	}
	return x.Root.eval()
}

// Causes returns the emissions that caused the current satisfaction, one
// per operand that contributed, in left-to-right AST order with OR
// short-circuiting on the first satisfied branch.
func (x *Expr) Causes() []Emission {
	if x.Root == nil {
		return nil
	}
	var out []Emission
	x.Root.causes(&out)
	return out
}

// Reset clears every operand's latched match, ending the current cycle.
// Callers reset an instance's start-on expression exactly when the
// instance returns to "waiting" (see internal/supervisor's afterTransition).
func (x *Expr) Reset() {
	if x.Root != nil {
		x.Root.reset()
	}
}

// Operands returns every operand leaf in left-to-right order, used by
// check-config to flag operands whose event name is never emitted by any
// known class and whose JOB matcher (if any) names no known class.
func (x *Expr) Operands() []*Operand {
	if x.Root == nil {
		return nil
	}
	var out []*Operand
	x.Root.operands(&out)
	return out
}

// TriggerEnv concatenates the environments of the emissions in causes,
// left to right, first occurrence of each key wins, matching §8 invariant 6.
func TriggerEnv(causes []Emission) []string {
	seen := make(map[string]bool)
	var out []string
	for _, c := range causes {
		for _, kv := range c.Env {
			key := kv
			if i := strings.IndexByte(kv, '='); i >= 0 {
				key = kv[:i]
			}
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, kv)
		}
	}
	return out
}
