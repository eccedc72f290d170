package state

import (
	"fmt"
	"strings"

	wferrors "github.com/aromcp/workflow-server/pkg/workflow/errors"
)

// ErrorPolicy controls what happens when a computed transform fails.
type ErrorPolicy string

const (
	// PolicyUseFallback substitutes the declared fallback value.
	PolicyUseFallback ErrorPolicy = "use_fallback"
	// PolicyPropagate marks the field as errored; reads surface the error.
	PolicyPropagate ErrorPolicy = "propagate"
	// PolicyIgnore leaves the previous value intact.
	PolicyIgnore ErrorPolicy = "ignore"
)

// ComputedField declares one derived state value.
type ComputedField struct {
	Name      string
	Deps      []string // dotted paths rooted in state, inputs, or computed
	Transform string   // expression over the flattened view
	OnError   ErrorPolicy
	Fallback  any
}

// graph holds the precomputed evaluation machinery for a fixed field list.
type graph struct {
	fields []ComputedField
	topo   []int // field indices in dependency order

	// sourceDeps[i] is the transitive closure of non-computed dependency
	// paths for field i: the inverted index answering "which fields does a
	// write to path p invalidate".
	sourceDeps [][]Path
}

// buildGraph validates acyclicity, computes a topological order, and
// expands each field's dependencies through computed references down to
// source (inputs/state) paths.
func buildGraph(fields []ComputedField) (*graph, error) {
	byName := make(map[string]int, len(fields))
	for i, f := range fields {
		byName[f.Name] = i
	}

	// adjacency: field -> computed fields it depends on
	adj := make([][]int, len(fields))
	direct := make([][]Path, len(fields))
	for i, f := range fields {
		for _, dep := range f.Deps {
			path, err := ParsePath(dep)
			if err != nil {
				return nil, err
			}
			if path.Root() == "computed" {
				if len(path) < 2 {
					return nil, wferrors.Newf(wferrors.KindValidation, "computed field %q: dependency %q names no field", f.Name, dep)
				}
				j, ok := byName[path[1]]
				if !ok {
					return nil, wferrors.Newf(wferrors.KindValidation, "computed field %q depends on undeclared computed field %q", f.Name, path[1])
				}
				adj[i] = append(adj[i], j)
			} else {
				direct[i] = append(direct[i], path)
			}
		}
	}

	topo, err := topoSort(fields, adj)
	if err != nil {
		return nil, err
	}

	// Transitive source dependencies, in topo order so upstream sets are
	// complete before they are folded into downstream fields.
	sourceDeps := make([][]Path, len(fields))
	for _, i := range topo {
		seen := map[string]bool{}
		var paths []Path
		add := func(p Path) {
			key := p.String()
			if !seen[key] {
				seen[key] = true
				paths = append(paths, p)
			}
		}
		for _, p := range direct[i] {
			add(p)
		}
		for _, j := range adj[i] {
			for _, p := range sourceDeps[j] {
				add(p)
			}
		}
		sourceDeps[i] = paths
	}

	return &graph{fields: fields, topo: topo, sourceDeps: sourceDeps}, nil
}

// topoSort orders field indices so dependencies come first. Cycles are a
// validation error naming the fields involved.
func topoSort(fields []ComputedField, adj [][]int) ([]int, error) {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make([]int, len(fields))
	var order []int
	var stack []string

	var visit func(i int) error
	visit = func(i int) error {
		switch color[i] {
		case black:
			return nil
		case gray:
			cycle := append(stack, fields[i].Name)
			return wferrors.Newf(wferrors.KindValidation,
				"circular computed dependency: %s", strings.Join(cycle, " -> "))
		}
		color[i] = gray
		stack = append(stack, fields[i].Name)
		for _, j := range adj[i] {
			if err := visit(j); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		color[i] = black
		order = append(order, i)
		return nil
	}

	for i := range fields {
		if err := visit(i); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// affected returns the indices of fields whose transitive source
// dependencies intersect any of the written paths, in topological order.
// Fields downstream of an affected computed field are affected too.
func (g *graph) affected(written []Path) []int {
	dirty := make([]bool, len(g.fields))
	for i := range g.fields {
		for _, dep := range g.sourceDeps[i] {
			for _, w := range written {
				if dep.Intersects(w) {
					dirty[i] = true
				}
			}
		}
	}
	// Propagate dirtiness through computed -> computed edges.
	nameDirty := map[string]bool{}
	var out []int
	for _, i := range g.topo {
		if !dirty[i] {
			for _, dep := range g.fields[i].Deps {
				path, err := ParsePath(dep)
				if err == nil && path.Root() == "computed" && len(path) >= 2 && nameDirty[path[1]] {
					dirty[i] = true
					break
				}
			}
		}
		if dirty[i] {
			nameDirty[g.fields[i].Name] = true
			out = append(out, i)
		}
	}
	return out
}

// ValidateComputedGraph checks acyclicity without building a store. The
// loader calls this so cycles surface as load-time validation errors.
func ValidateComputedGraph(fields []ComputedField) error {
	_, err := buildGraph(fields)
	return err
}

func (f ComputedField) String() string {
	return fmt.Sprintf("computed.%s <- %v", f.Name, f.Deps)
}
