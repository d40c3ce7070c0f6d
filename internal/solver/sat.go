package solver

// Literals are non-zero ints: +v asserts variable v, -v denies it.
// Variables are allocated densely from 1.

type lbool int8

const (
	unknown lbool = 0
	isTrue  lbool = 1
	isFalse lbool = -1
)

type constr interface {
	// propagate is called when lit became true and this constraint was
	// watching it. It must re-register its watches and enqueue any
	// implied literals; false signals a conflict in this constraint.
	propagate(s *Solver, lit int) bool
	// calcReason returns the true literals that implied lit, or the
	// literals behind the conflict when lit is 0.
	calcReason(s *Solver, lit int) []int
}

// Solver is a deterministic CDCL SAT solver with two constraint forms:
// union clauses (at least one literal true) and named at-most-one
// groups over positive literals.
type Solver struct {
	nvars    int
	assigns  []lbool
	level    []int
	reasons  []constr
	trail    []int
	trailLim []int
	qhead    int
	watches  map[int][]constr
	undos    map[int][]*atMostOne
	atMost   []*atMostOne
	unsat    bool
}

// NewSolver returns an empty solver.
func NewSolver() *Solver {
	return &Solver{
		assigns: []lbool{0},
		level:   []int{-1},
		reasons: []constr{nil},
		watches: make(map[int][]constr),
		undos:   make(map[int][]*atMostOne),
	}
}

// NewVar allocates a fresh variable.
func (s *Solver) NewVar() int {
	s.nvars++
	s.assigns = append(s.assigns, unknown)
	s.level = append(s.level, -1)
	s.reasons = append(s.reasons, nil)
	return s.nvars
}

func litVar(lit int) int {
	if lit < 0 {
		return -lit
	}
	return lit
}

func (s *Solver) value(lit int) lbool {
	v := s.assigns[litVar(lit)]
	if lit < 0 {
		return -v
	}
	return v
}

// Assigned reports the current boolean value of a literal; false when
// unassigned.
func (s *Solver) Assigned(lit int) bool { return s.value(lit) == isTrue }

func (s *Solver) watch(lit int, c constr) {
	s.watches[lit] = append(s.watches[lit], c)
}

func (s *Solver) decisionLevel() int { return len(s.trailLim) }

func (s *Solver) enqueue(lit int, from constr) bool {
	switch s.value(lit) {
	case isTrue:
		return true
	case isFalse:
		return false
	}
	v := litVar(lit)
	if lit > 0 {
		s.assigns[v] = isTrue
	} else {
		s.assigns[v] = isFalse
	}
	s.level[v] = s.decisionLevel()
	s.reasons[v] = from
	s.trail = append(s.trail, lit)
	return true
}

func (s *Solver) propagate() constr {
	for s.qhead < len(s.trail) {
		lit := s.trail[s.qhead]
		s.qhead++
		pending := s.watches[lit]
		s.watches[lit] = nil
		for i, c := range pending {
			if !c.propagate(s, lit) {
				// conflict: keep the rest of the watch list intact
				s.watches[lit] = append(s.watches[lit], pending[i+1:]...)
				s.qhead = len(s.trail)
				return c
			}
		}
	}
	return nil
}

func (s *Solver) undoOne() {
	lit := s.trail[len(s.trail)-1]
	s.trail = s.trail[:len(s.trail)-1]
	v := litVar(lit)
	for _, amo := range s.undos[v] {
		if amo.current == lit {
			amo.current = 0
		}
	}
	delete(s.undos, v)
	s.assigns[v] = unknown
	s.level[v] = -1
	s.reasons[v] = nil
}

func (s *Solver) cancelUntil(level int) {
	for s.decisionLevel() > level {
		bound := s.trailLim[len(s.trailLim)-1]
		for len(s.trail) > bound {
			s.undoOne()
		}
		s.trailLim = s.trailLim[:len(s.trailLim)-1]
	}
	s.qhead = len(s.trail)
}

func (s *Solver) assume(lit int) bool {
	s.trailLim = append(s.trailLim, len(s.trail))
	return s.enqueue(lit, nil)
}

// analyze walks the implication graph back to the first unique
// implication point and returns the learned clause plus the backtrack
// level. learnt[0] is the asserting literal.
func (s *Solver) analyze(confl constr) ([]int, int) {
	seen := make(map[int]bool)
	counter := 0
	btLevel := 0
	learnt := []int{0}
	p := 0

	for {
		for _, q := range confl.calcReason(s, p) {
			v := litVar(q)
			if seen[v] {
				continue
			}
			seen[v] = true
			switch {
			case s.level[v] == s.decisionLevel():
				counter++
			case s.level[v] > 0:
				learnt = append(learnt, -q)
				if s.level[v] > btLevel {
					btLevel = s.level[v]
				}
			}
		}
		for {
			p = s.trail[len(s.trail)-1]
			confl = s.reasons[litVar(p)]
			s.undoOne()
			if seen[litVar(p)] {
				break
			}
		}
		counter--
		if counter == 0 {
			break
		}
	}
	learnt[0] = -p
	// place the deepest remaining literal second so it is watched
	if len(learnt) > 2 {
		best := 1
		for i := 2; i < len(learnt); i++ {
			if s.level[litVar(learnt[i])] > s.level[litVar(learnt[best])] {
				best = i
			}
		}
		learnt[1], learnt[best] = learnt[best], learnt[1]
	}
	return learnt, btLevel
}

func (s *Solver) record(learnt []int) bool {
	c := &unionClause{lits: learnt}
	if len(learnt) > 1 {
		s.watch(-learnt[0], c)
		s.watch(-learnt[1], c)
	}
	return s.enqueue(learnt[0], c)
}

type unionClause struct {
	lits []int
}

func (c *unionClause) propagate(s *Solver, lit int) bool {
	// the falsified watched literal moves to position 1
	if c.lits[0] == -lit {
		c.lits[0], c.lits[1] = c.lits[1], c.lits[0]
	}
	if s.value(c.lits[0]) == isTrue {
		s.watch(lit, c)
		return true
	}
	for i := 2; i < len(c.lits); i++ {
		if s.value(c.lits[i]) != isFalse {
			c.lits[1], c.lits[i] = c.lits[i], c.lits[1]
			s.watch(-c.lits[1], c)
			return true
		}
	}
	s.watch(lit, c)
	return s.enqueue(c.lits[0], c)
}

func (c *unionClause) calcReason(s *Solver, lit int) []int {
	out := make([]int, 0, len(c.lits))
	for _, l := range c.lits {
		if lit != 0 && l == lit {
			continue
		}
		out = append(out, -l)
	}
	return out
}

type atMostOne struct {
	name    string
	lits    []int
	current int
}

func (c *atMostOne) propagate(s *Solver, lit int) bool {
	s.watch(lit, c)
	if c.current != 0 && c.current != lit {
		return false
	}
	c.current = lit
	v := litVar(lit)
	s.undos[v] = append(s.undos[v], c)
	for _, l := range c.lits {
		if l == lit {
			continue
		}
		if !s.enqueue(-l, c) {
			return false
		}
	}
	return true
}

func (c *atMostOne) calcReason(s *Solver, lit int) []int {
	if lit != 0 {
		return []int{c.current}
	}
	// conflict: two literals of the group hold
	out := make([]int, 0, 2)
	for _, l := range c.lits {
		if s.value(l) == isTrue {
			out = append(out, l)
			if len(out) == 2 {
				break
			}
		}
	}
	return out
}

// AddUnion requires at least one of the literals to hold.
func (s *Solver) AddUnion(lits ...int) {
	if s.unsat {
		return
	}
	// drop duplicates, keep caller order
	seen := make(map[int]bool, len(lits))
	kept := lits[:0:0]
	for _, l := range lits {
		if seen[-l] {
			return // tautology
		}
		if !seen[l] {
			seen[l] = true
			kept = append(kept, l)
		}
	}
	switch len(kept) {
	case 0:
		s.unsat = true
	case 1:
		if !s.enqueue(kept[0], nil) {
			s.unsat = true
		}
	default:
		c := &unionClause{lits: kept}
		s.watch(-kept[0], c)
		s.watch(-kept[1], c)
	}
}

// AddAtMostOne allows at most one of the positive literals to hold and
// names the group for the solution map.
func (s *Solver) AddAtMostOne(name string, lits ...int) {
	c := &atMostOne{name: name, lits: lits}
	s.atMost = append(s.atMost, c)
	for _, l := range lits {
		s.watch(l, c)
	}
}

// defaultDecide picks the first unassigned literal of the earliest
// undecided at-most-one group; groups added first win ties.
func (s *Solver) defaultDecide() int {
	for _, c := range s.atMost {
		if c.current != 0 {
			continue
		}
		for _, l := range c.lits {
			if s.value(l) == unknown {
				return l
			}
		}
	}
	for v := 1; v <= s.nvars; v++ {
		if s.assigns[v] == unknown {
			return -v
		}
	}
	return 0
}

// Solve searches for a model. decide may be nil to use the default
// group-order heuristic. The result maps each group name to its chosen
// literal; groups left empty are omitted. A nil map means unsatisfiable.
func (s *Solver) Solve(decide func(*Solver) int) map[string]int {
	if s.unsat || len(s.atMost) == 0 {
		return nil
	}
	if decide == nil {
		decide = (*Solver).defaultDecide
	}
	for {
		if confl := s.propagate(); confl != nil {
			if s.decisionLevel() == 0 {
				return nil
			}
			learnt, btLevel := s.analyze(confl)
			s.cancelUntil(btLevel)
			if !s.record(learnt) {
				return nil
			}
			continue
		}
		lit := decide(s)
		if lit == 0 {
			break
		}
		if !s.assume(lit) {
			return nil
		}
	}
	out := make(map[string]int)
	for _, c := range s.atMost {
		if c.current != 0 {
			out[c.name] = c.current
		}
	}
	return out
}
