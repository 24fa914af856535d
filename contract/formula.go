package contract

// Formula is a modal mu-calculus formula over a model's reachable
// state-transition graph, with the temporal sugar from §4.5: always,
// eventually, until, box ([a]phi), diamond (<a>phi), and the usual
// boolean connectives plus atomic state propositions. There is no predicate
// atom: a formula can only test the propositions attached to states.
type Formula interface {
	eval(g *graph, s State, props map[State]map[string]bool) bool
}

type litFormula bool

func (f litFormula) eval(*graph, State, map[State]map[string]bool) bool { return bool(f) }

// True and False are the boolean literal formulas.
var (
	True  Formula = litFormula(true)
	False Formula = litFormula(false)
)

// Prop is an atomic state proposition: true at a state iff that state's
// declared proposition set contains Name.
type Prop struct{ Name string }

func (p Prop) eval(g *graph, s State, props map[State]map[string]bool) bool {
	return props[s][p.Name]
}

// Not negates a formula.
type Not struct{ F Formula }

func (n Not) eval(g *graph, s State, props map[State]map[string]bool) bool {
	return !n.F.eval(g, s, props)
}

// And is conjunction.
type And struct{ L, R Formula }

func (a And) eval(g *graph, s State, props map[State]map[string]bool) bool {
	return a.L.eval(g, s, props) && a.R.eval(g, s, props)
}

// Or is disjunction.
type Or struct{ L, R Formula }

func (o Or) eval(g *graph, s State, props map[State]map[string]bool) bool {
	return o.L.eval(g, s, props) || o.R.eval(g, s, props)
}

// Implies is logical implication.
type Implies struct{ L, R Formula }

func (i Implies) eval(g *graph, s State, props map[State]map[string]bool) bool {
	return !i.L.eval(g, s, props) || i.R.eval(g, s, props)
}

// Box is `[a]phi`: phi holds at every a-labelled (or, if Action == "", every)
// successor of s. An empty successor set vacuously satisfies Box.
type Box struct {
	Action string
	F      Formula
}

func (b Box) eval(g *graph, s State, props map[State]map[string]bool) bool {
	for _, succ := range g.successors(s, b.Action) {
		if !b.F.eval(g, succ, props) {
			return false
		}
	}
	return true
}

// Diamond is `<a>phi`: some a-labelled (or, if Action == "", any) successor
// of s satisfies phi.
type Diamond struct {
	Action string
	F      Formula
}

func (d Diamond) eval(g *graph, s State, props map[State]map[string]bool) bool {
	for _, succ := range g.successors(s, d.Action) {
		if d.F.eval(g, succ, props) {
			return true
		}
	}
	return false
}

// Always is `always phi = gfp X. phi and [.]X`: phi holds at every state
// reachable from s (inclusive), computed as the greatest fixed point over
// the finite state set.
type Always struct{ F Formula }

func (a Always) eval(g *graph, s State, props map[State]map[string]bool) bool {
	cur := fixpoint(g, props, true, func(st State, x map[State]bool) bool {
		return a.F.eval(g, st, props) && allSuccessors(g, st, "", x)
	})
	return cur[s]
}

// Eventually is `eventually phi = lfp X. phi or <.>X`: phi holds somewhere
// reachable from s (inclusive), computed as the least fixed point.
type Eventually struct{ F Formula }

func (e Eventually) eval(g *graph, s State, props map[State]map[string]bool) bool {
	cur := fixpoint(g, props, false, func(st State, x map[State]bool) bool {
		return e.F.eval(g, st, props) || anySuccessor(g, st, "", x)
	})
	return cur[s]
}

// Until is `phi until psi = lfp X. psi or (phi and <.>X)`.
type Until struct{ Phi, Psi Formula }

func (u Until) eval(g *graph, s State, props map[State]map[string]bool) bool {
	cur := fixpoint(g, props, false, func(st State, x map[State]bool) bool {
		return u.Psi.eval(g, st, props) ||
			(u.Phi.eval(g, st, props) && anySuccessor(g, st, "", x))
	})
	return cur[s]
}

func allSuccessors(g *graph, s State, action string, x map[State]bool) bool {
	for _, succ := range g.successors(s, action) {
		if !x[succ] {
			return false
		}
	}
	return true
}

func anySuccessor(g *graph, s State, action string, x map[State]bool) bool {
	for _, succ := range g.successors(s, action) {
		if x[succ] {
			return true
		}
	}
	return false
}

// fixpoint computes a least (greatest, if gfp) fixed point of step over the
// finite state set, iterating until stable. Bounded by |states| iterations
// since each monotone step can only flip each state's membership once.
func fixpoint(g *graph, props map[State]map[string]bool, gfp bool, step func(State, map[State]bool) bool) map[State]bool {
	cur := make(map[State]bool, len(g.states))
	for _, s := range g.states {
		cur[s] = gfp
	}
	for i := 0; i < len(g.states)+1; i++ {
		next := make(map[State]bool, len(g.states))
		changed := false
		for _, s := range g.states {
			v := step(s, cur)
			next[s] = v
			if v != cur[s] {
				changed = true
			}
		}
		cur = next
		if !changed {
			break
		}
	}
	return cur
}

// graph is the finite state-transition structure a formula evaluates over,
// built once per Model so repeated formula checks against the same model
// (e.g. every accumulated rule, for every candidate witness) share the
// adjacency computation.
type graph struct {
	states    []State
	adjacency map[State][]Transition
}

func newGraph(m Model) *graph {
	g := &graph{adjacency: make(map[State][]Transition)}
	for _, s := range m.AllStates() {
		g.states = append(g.states, s)
	}
	for _, t := range m.Transitions {
		g.adjacency[t.From] = append(g.adjacency[t.From], t)
	}
	return g
}

func (g *graph) successors(s State, action string) []State {
	var out []State
	for _, t := range g.adjacency[s] {
		if action == "" || t.ActionLabel == action {
			out = append(out, t.To)
		}
	}
	return out
}

// Satisfies reports whether model satisfies formula at its initial state
// (§4.5 "Formula semantics"). props supplies each state's atomic
// proposition set; a nil map means no state declares any propositions
// beyond what Prop formulas explicitly test (which then all evaluate
// false).
func Satisfies(model Model, formula Formula, props map[State]map[string]bool) bool {
	g := newGraph(model)
	return formula.eval(g, model.Initial, props)
}
