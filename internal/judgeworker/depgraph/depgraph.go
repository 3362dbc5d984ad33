// Package depgraph implements the dependency graph (C5): a topological
// scheduler over subtask names that issues ready nodes in a stable,
// deterministic order and propagates skips along unresolved edges.
package depgraph

import (
	"fmt"
	"sort"

	appErr "github.com/FouGuai/fuzoj-judge-worker/pkg/errors"
)

// Skipped describes one node that was never issued, with a human-readable
// reason naming its unsatisfied dependencies.
type Skipped struct {
	Name   string
	Reason string
}

type node struct {
	index      int
	name       string
	dependsOn  []string // names this node depends on
	dependents []string // names that depend on this node
	remaining  int      // count of not-yet-satisfied dependencies
	dropped    bool     // reported successful
}

// Graph is C5. Nodes are subtask names; an edge A->B means "A depends on
// B". Not safe for concurrent use — one Graph drives one submission.
type Graph struct {
	nodes   map[string]*node
	order   []string // names by ascending input-order index
	ready   []string // names currently in the ready set, kept sorted by index
	issued  []string // not populated; Report pops the head of ready directly
}

// New constructs a Graph from an ordered list of subtask names and an
// optional dependency map {name: [dependency names]}. Unknown names
// referenced by the dependency map are rejected.
func New(names []string, dependencies map[string][]string) (*Graph, error) {
	g := &Graph{nodes: make(map[string]*node, len(names))}
	for i, name := range names {
		if _, exists := g.nodes[name]; exists {
			return nil, appErr.Newf(appErr.DependencyGraphInvalid, "duplicate subtask name: %s", name)
		}
		g.nodes[name] = &node{index: i, name: name}
		g.order = append(g.order, name)
	}

	for name, deps := range dependencies {
		n, ok := g.nodes[name]
		if !ok {
			return nil, appErr.Newf(appErr.DependencyGraphInvalid, "dependency entry for unknown subtask: %s", name)
		}
		for _, dep := range deps {
			depNode, ok := g.nodes[dep]
			if !ok {
				return nil, appErr.Newf(appErr.DependencyGraphInvalid, "%s depends on unknown subtask: %s", name, dep)
			}
			n.dependsOn = append(n.dependsOn, dep)
			depNode.dependents = append(depNode.dependents, name)
			n.remaining++
		}
	}

	for _, name := range g.order {
		if g.nodes[name].remaining == 0 {
			g.insertReady(name)
		}
	}
	return g, nil
}

func (g *Graph) insertReady(name string) {
	idx := g.nodes[name].index
	pos := sort.Search(len(g.ready), func(i int) bool {
		return g.nodes[g.ready[i]].index >= idx
	})
	g.ready = append(g.ready, "")
	copy(g.ready[pos+1:], g.ready[pos:])
	g.ready[pos] = name
}

// PeekNext returns the smallest-indexed node currently in the ready set, or
// "" if none remain ready. It does not remove the node; Report pops it.
func (g *Graph) PeekNext() (string, bool) {
	if len(g.ready) == 0 {
		return "", false
	}
	return g.ready[0], true
}

// Report pops the node returned by the last PeekNext. If ok, it decrements
// the out-degree of every dependent and enqueues those whose counter
// reaches zero, in ascending-index order.
func (g *Graph) Report(ok bool) {
	if len(g.ready) == 0 {
		return
	}
	name := g.ready[0]
	g.ready = g.ready[1:]
	n := g.nodes[name]

	if !ok {
		return
	}
	n.dropped = true

	newlyReady := make([]string, 0, len(n.dependents))
	for _, dependentName := range n.dependents {
		dependent := g.nodes[dependentName]
		dependent.remaining--
		if dependent.remaining == 0 {
			newlyReady = append(newlyReady, dependentName)
		}
	}
	sort.Slice(newlyReady, func(i, j int) bool {
		return g.nodes[newlyReady[i]].index < g.nodes[newlyReady[j]].index
	})
	for _, name := range newlyReady {
		g.insertReady(name)
	}
}

// Skipped reports every node never dropped (never issued as a success),
// each with a reason naming its unsatisfied dependencies.
func (g *Graph) Skipped() []Skipped {
	var out []Skipped
	for _, name := range g.order {
		n := g.nodes[name]
		if n.dropped {
			continue
		}
		out = append(out, Skipped{Name: name, Reason: skipReason(n)})
	}
	return out
}

func skipReason(n *node) string {
	switch len(n.dependsOn) {
	case 0:
		return "not scheduled"
	case 1:
		return fmt.Sprintf("Skipped for failing `%s`", n.dependsOn[0])
	default:
		return fmt.Sprintf("Skipped for failing %v", n.dependsOn)
	}
}
