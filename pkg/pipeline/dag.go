package pipeline

// dag builds the stage dependency graph and derives execution order from
// it, grounded on the source system's pipeline/dag.py (networkx-backed)
// reimplemented with plain graph algorithms: Kahn's algorithm for layering,
// depth-first coloring for cycle detection, and a longest-path sweep for the
// critical path.

// layers computes the "parallel groups": layer 0 is every stage with no
// dependencies; layer k+1 is every stage whose dependencies are all within
// layers 0..k.
func layers(stages []StageConfig) [][]string {
	indegree := make(map[string]int, len(stages))
	dependents := make(map[string][]string, len(stages))
	for _, s := range stages {
		if _, ok := indegree[s.Name]; !ok {
			indegree[s.Name] = 0
		}
		indegree[s.Name] += len(s.Dependencies)
		for _, dep := range s.Dependencies {
			dependents[dep] = append(dependents[dep], s.Name)
		}
	}

	var current []string
	for name, deg := range indegree {
		if deg == 0 {
			current = append(current, name)
		}
	}

	var result [][]string
	remaining := indegree
	for len(current) > 0 {
		sortStrings(current)
		result = append(result, current)
		var next []string
		for _, name := range current {
			for _, dep := range dependents[name] {
				remaining[dep]--
				if remaining[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		current = next
	}
	return result
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// executionOrder flattens the layered order into a single topological
// ordering.
func executionOrder(stages []StageConfig) []string {
	var order []string
	for _, layer := range layers(stages) {
		order = append(order, layer...)
	}
	return order
}

// findCycles reports the cycles in the stage dependency graph to
// CyclicDependencyError so construction failures are actionable rather
// than a bare "not a DAG". It records one cycle per back edge found by a
// depth-first search; when cycles share stages, not every simple cycle is
// listed, though a cyclic graph always yields at least one.
func findCycles(stages []StageConfig) [][]string {
	adjacency := make(map[string][]string, len(stages))
	for _, s := range stages {
		for _, dep := range s.Dependencies {
			// edge dep -> s.Name (dependency must run before dependent)
			adjacency[dep] = append(adjacency[dep], s.Name)
		}
	}

	var cycles [][]string
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int)
	var stack []string

	var visit func(node string)
	visit = func(node string) {
		color[node] = gray
		stack = append(stack, node)
		for _, next := range adjacency[node] {
			switch color[next] {
			case white:
				visit(next)
			case gray:
				// found a back-edge; extract the cycle from the stack
				for i, n := range stack {
					if n == next {
						cycle := append([]string(nil), stack[i:]...)
						cycles = append(cycles, cycle)
						break
					}
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[node] = black
	}

	names := make([]string, 0, len(stages))
	for _, s := range stages {
		names = append(names, s.Name)
	}
	sortStrings(names)
	for _, n := range names {
		if color[n] == white {
			visit(n)
		}
	}
	return cycles
}

// dependents maps each stage to the stages that directly depend on it.
func dependents(stages []StageConfig) map[string][]string {
	out := make(map[string][]string, len(stages))
	for _, s := range stages {
		for _, dep := range s.Dependencies {
			out[dep] = append(out[dep], s.Name)
		}
	}
	return out
}

// dependencies maps each stage name to its StageConfig for O(1) lookup.
func dependencies(stages []StageConfig) map[string]StageConfig {
	out := make(map[string]StageConfig, len(stages))
	for _, s := range stages {
		out[s.Name] = s
	}
	return out
}

// criticalPath returns the stage names on the longest dependency chain,
// counted in stages (timeouts are not weighed), a coarse estimate of the
// pipeline's slowest path through the DAG.
func criticalPath(stages []StageConfig) []string {
	byName := dependencies(stages)
	memo := make(map[string][]string, len(stages))

	var longest func(name string) []string
	longest = func(name string) []string {
		if path, ok := memo[name]; ok {
			return path
		}
		s := byName[name]
		best := []string{}
		for _, dep := range s.Dependencies {
			if p := longest(dep); len(p) > len(best) {
				best = p
			}
		}
		path := append(append([]string(nil), best...), name)
		memo[name] = path
		return path
	}

	var overall []string
	for _, s := range stages {
		if p := longest(s.Name); len(p) > len(overall) {
			overall = p
		}
	}
	return overall
}
