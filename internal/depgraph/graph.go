// Package depgraph mirrors the board's task-dependency edge set and guards
// its one invariant: the graph stays acyclic. Edge inserts are checked with a
// reachability walk before anything is persisted; how the board stores edges
// is irrelevant to the check.
package depgraph

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/gammazero/toposort"
)

var (
	// ErrCycle means the requested edge would close a cycle.
	ErrCycle = errors.New("dependency edge would create a cycle")

	// ErrSelfDependency means a task was asked to depend on itself.
	ErrSelfDependency = errors.New("task cannot depend on itself")
)

// Edge is a directed blocked-by relationship: TaskID depends on DependsOnID.
type Edge struct {
	TaskID      string
	DependsOnID string
}

// Graph is an adjacency structure over dependency edges. Safe for concurrent
// use.
type Graph struct {
	mu    sync.RWMutex
	deps  map[string][]string // task -> tasks it depends on
	edges int
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{deps: make(map[string][]string)}
}

// FromEdges builds a graph from an existing edge set, e.g. the board's
// current dependency listing. Fails if the listing itself contains a cycle.
func FromEdges(edges []Edge) (*Graph, error) {
	g := New()
	for _, e := range edges {
		if err := g.AddEdge(e.TaskID, e.DependsOnID); err != nil {
			return nil, fmt.Errorf("edge %s -> %s: %w", e.TaskID, e.DependsOnID, err)
		}
	}
	return g, nil
}

// AddEdge inserts taskID -> dependsOnID after verifying the edge keeps the
// graph acyclic. The check runs before any mutation: a rejected edge leaves
// the graph untouched.
func (g *Graph) AddEdge(taskID, dependsOnID string) error {
	if taskID == dependsOnID {
		return ErrSelfDependency
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	for _, existing := range g.deps[taskID] {
		if existing == dependsOnID {
			return nil // already present, idempotent
		}
	}

	// The new edge closes a cycle exactly when taskID is already reachable
	// from dependsOnID through existing edges.
	if g.reachable(dependsOnID, taskID) {
		return fmt.Errorf("%s -> %s: %w", taskID, dependsOnID, ErrCycle)
	}

	g.deps[taskID] = append(g.deps[taskID], dependsOnID)
	g.edges++
	return nil
}

// WouldCycle reports whether inserting taskID -> dependsOnID would be
// rejected, without mutating the graph.
func (g *Graph) WouldCycle(taskID, dependsOnID string) bool {
	if taskID == dependsOnID {
		return true
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.reachable(dependsOnID, taskID)
}

// reachable walks existing edges breadth-first from start looking for target.
// Caller holds at least a read lock.
func (g *Graph) reachable(start, target string) bool {
	seen := map[string]struct{}{start: {}}
	queue := []string{start}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, next := range g.deps[current] {
			if next == target {
				return true
			}
			if _, ok := seen[next]; ok {
				continue
			}
			seen[next] = struct{}{}
			queue = append(queue, next)
		}
	}
	return false
}

// DependsOn returns a copy of the tasks taskID directly depends on, sorted
// for stable output.
func (g *Graph) DependsOn(taskID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	deps := append([]string(nil), g.deps[taskID]...)
	sort.Strings(deps)
	return deps
}

// Len returns the number of edges.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.edges
}

// Order returns a dependency-respecting order over every task mentioned in
// the graph, dependencies first. Runs a full topological sort, so it also
// revalidates acyclicity over edge sets loaded from elsewhere.
func (g *Graph) Order() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var edges []toposort.Edge
	for taskID, deps := range g.deps {
		if len(deps) == 0 {
			edges = append(edges, toposort.Edge{nil, taskID})
			continue
		}
		for _, depID := range deps {
			// depID must come before taskID.
			edges = append(edges, toposort.Edge{depID, taskID})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCycle, err)
	}

	order := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}
	return order, nil
}
