package core

// Graph is the validated stage dependency DAG with a precomputed topological
// order. Immutable after BuildGraph; rebuild whenever a definition is reloaded.
type Graph struct {
	nodes map[string]*graphNode
	order []string
}

type graphNode struct {
	name       string
	index      int // position in the definition, dispatch tie-breaker
	deps       []string
	dependents []string
}

// BuildGraph validates stage dependency edges and computes the execution
// order. Fails with a *GraphError wrapping ErrUnresolvedReference when a
// dependsOn entry names no stage, or ErrCycle when the edges form a cycle.
func BuildGraph(p *Pipeline) (*Graph, error) {
	g := &Graph{nodes: make(map[string]*graphNode, len(p.Stages))}

	for i, s := range p.Stages {
		g.nodes[s.Name] = &graphNode{name: s.Name, index: i, deps: s.DependsOn}
	}
	for _, s := range p.Stages {
		for _, dep := range s.DependsOn {
			dn, ok := g.nodes[dep]
			if !ok {
				return nil, &GraphError{
					Stage: s.Name,
					Err:   ErrUnresolvedReference,
					Msg:   "dependsOn " + dep,
				}
			}
			dn.dependents = append(dn.dependents, s.Name)
		}
	}

	// Kahn's algorithm, breaking ties by definition position so the order is
	// deterministic across runs.
	pending := make(map[string]int, len(g.nodes))
	for name, n := range g.nodes {
		pending[name] = len(n.deps)
	}
	for len(g.order) < len(g.nodes) {
		next := ""
		for _, s := range p.Stages {
			if pending[s.Name] == 0 {
				next = s.Name
				break
			}
		}
		if next == "" {
			return nil, &GraphError{Stage: firstCycleMember(p, pending), Err: ErrCycle}
		}
		g.order = append(g.order, next)
		pending[next] = -1 // emitted
		for _, d := range g.nodes[next].dependents {
			pending[d]--
		}
	}
	return g, nil
}

// firstCycleMember names a stage still blocked when Kahn's algorithm stalls.
func firstCycleMember(p *Pipeline, pending map[string]int) string {
	for _, s := range p.Stages {
		if pending[s.Name] > 0 {
			return s.Name
		}
	}
	return ""
}

// Order returns the topological execution order.
func (g *Graph) Order() []string { return g.order }

// Dependencies returns the direct dependencies of a stage.
func (g *Graph) Dependencies(name string) []string {
	if n, ok := g.nodes[name]; ok {
		return n.deps
	}
	return nil
}

// Dependents returns the stages that directly depend on the given stage.
func (g *Graph) Dependents(name string) []string {
	if n, ok := g.nodes[name]; ok {
		return n.dependents
	}
	return nil
}

// ParallelEligible reports whether two stages have no dependency path between
// them in either direction and may therefore execute concurrently.
func (g *Graph) ParallelEligible(a, b string) bool {
	if a == b {
		return false
	}
	return !g.reaches(a, b) && !g.reaches(b, a)
}

// reaches reports whether to is downstream of from.
func (g *Graph) reaches(from, to string) bool {
	stack := []string{from}
	seen := map[string]bool{from: true}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, d := range g.nodes[cur].dependents {
			if d == to {
				return true
			}
			if !seen[d] {
				seen[d] = true
				stack = append(stack, d)
			}
		}
	}
	return false
}
