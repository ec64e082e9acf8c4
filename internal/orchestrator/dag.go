package orchestrator

import (
	"fmt"

	"github.com/fairyhunter13/flowpipe/internal/domain"
)

// dag is the validated dependency graph of one definition. Dependencies per
// stage come from dependsOn, or the gather sources, or the previous stage in
// list order.
type dag struct {
	order      []string
	deps       map[string][]string
	dependents map[string][]string
	entries    []string
}

// buildDAG validates the definition structure and topologically sorts it.
// Duplicate names, unknown dependencies, cycles, and graphs without an entry
// stage are configuration errors.
func buildDAG(def *domain.PipelineDefinition) (*dag, error) {
	names := map[string]struct{}{}
	for i := range def.Stages {
		name := def.Stages[i].Name
		if _, dup := names[name]; dup {
			return nil, fmt.Errorf("%w: duplicate stage name %q", domain.ErrConfiguration, name)
		}
		names[name] = struct{}{}
	}

	g := &dag{
		deps:       map[string][]string{},
		dependents: map[string][]string{},
	}
	for i := range def.Stages {
		st := &def.Stages[i]
		deps := stageDependencies(def, i)
		for _, d := range deps {
			if _, ok := names[d]; !ok {
				return nil, fmt.Errorf("%w: stage %q depends on unknown stage %q", domain.ErrConfiguration, st.Name, d)
			}
			if d == st.Name {
				return nil, fmt.Errorf("%w: stage %q depends on itself", domain.ErrConfiguration, st.Name)
			}
		}
		g.deps[st.Name] = deps
		if len(deps) == 0 {
			g.entries = append(g.entries, st.Name)
		}
		for _, d := range deps {
			g.dependents[d] = append(g.dependents[d], st.Name)
		}
	}
	if len(g.entries) == 0 {
		return nil, fmt.Errorf("%w: pipeline %q has no entry stage", domain.ErrConfiguration, def.Name)
	}

	// Kahn's algorithm; anything left over sits on a cycle.
	indegree := map[string]int{}
	for name, deps := range g.deps {
		indegree[name] = len(deps)
	}
	queue := append([]string{}, g.entries...)
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		g.order = append(g.order, name)
		for _, dep := range g.dependents[name] {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	if len(g.order) != len(def.Stages) {
		return nil, fmt.Errorf("%w: pipeline %q has a dependency cycle", domain.ErrConfiguration, def.Name)
	}
	return g, nil
}

// stageDependencies derives the edges for the stage at index i.
func stageDependencies(def *domain.PipelineDefinition, i int) []string {
	st := &def.Stages[i]
	if len(st.DependsOn) > 0 {
		return dedupe(st.DependsOn)
	}
	if sources := st.Gather.SourceStages(); len(sources) > 0 {
		return dedupe(sources)
	}
	if i > 0 {
		return []string{def.Stages[i-1].Name}
	}
	return nil
}

func dedupe(in []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// depsSatisfied reports whether every dependency of the stage is completed.
func (g *dag) depsSatisfied(name string, done func(string) bool) bool {
	for _, d := range g.deps[name] {
		if !done(d) {
			return false
		}
	}
	return true
}
