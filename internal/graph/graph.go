// Package graph implements the Transfer Graph (C4): a directed weighted
// multigraph of filesystems, whose edges are transfer routes, with
// shortest-path planning under the "bottleneck" cost rule described in
// §4.4 — a path's weight is the maximum cost over its edges, not the sum.
package graph

import (
	"container/heap"
	"sort"
	"strings"

	"github.com/rudderlabs/rudder-go-kit/logger"

	"github.com/wtsi-hgi/shepherd/pkg/shepherdapi"
)

// Route is one directed edge: a named transfer from Source to Target,
// carrying the transformation pipeline and script template the Task
// Expander will use to realise it, and a Cost interpreted as the
// polynomial degree k in O(n^k) (§4.4, GLOSSARY).
type Route struct {
	Name             string
	Source           string
	Target           string
	Transformations  []string
	ScriptTemplate   string
	Cost             int
}

// Graph is the directed multigraph of filesystems (by name) and routes.
// It is built once per job and never mutated concurrently with planning.
type Graph struct {
	filesystems map[string]struct{}
	routes      map[string]*Route   // by route name
	outgoing    map[string][]*Route // by source filesystem name
	logger      logger.Logger
}

// New returns an empty Graph.
func New() *Graph {
	return &Graph{
		filesystems: make(map[string]struct{}),
		routes:      make(map[string]*Route),
		outgoing:    make(map[string][]*Route),
		logger:      logger.NewLogger().Child("graph"),
	}
}

// AddFilesystem registers a vertex. Re-adding an existing name is a
// ConfigurationError (§4.4: "duplicate-name rejection").
func (g *Graph) AddFilesystem(name string) error {
	if _, exists := g.filesystems[name]; exists {
		return shepherdapi.New(shepherdapi.KindConfiguration, "filesystem %q already added to transfer graph", name)
	}
	g.filesystems[name] = struct{}{}
	return nil
}

// HasFilesystem reports whether name is a known vertex.
func (g *Graph) HasFilesystem(name string) bool {
	_, ok := g.filesystems[name]
	return ok
}

// AddRoute registers an edge. Both endpoints must already be known
// filesystems, and route.Name must be unique across the whole graph.
func (g *Graph) AddRoute(route Route) error {
	if !g.HasFilesystem(route.Source) {
		return shepherdapi.New(shepherdapi.KindConfiguration, "route %q: source filesystem %q is not registered", route.Name, route.Source)
	}
	if !g.HasFilesystem(route.Target) {
		return shepherdapi.New(shepherdapi.KindConfiguration, "route %q: target filesystem %q is not registered", route.Name, route.Target)
	}
	if _, exists := g.routes[route.Name]; exists {
		return shepherdapi.New(shepherdapi.KindConfiguration, "route %q already registered", route.Name)
	}
	if route.Cost < 1 {
		return shepherdapi.New(shepherdapi.KindConfiguration, "route %q: cost must be >= 1, got %d", route.Name, route.Cost)
	}

	r := route
	g.routes[r.Name] = &r
	g.outgoing[r.Source] = append(g.outgoing[r.Source], &r)
	return nil
}

// RouteByName returns the named route, or false if unknown — used by the
// Named-Route Resolver to look up each hop of a pre-declared route.
func (g *Graph) RouteByName(name string) (*Route, bool) {
	r, ok := g.routes[name]
	return r, ok
}

// planState is one node of the search frontier: the best-known way to
// reach Vertex so far.
type planState struct {
	vertex   string
	maxCost  int
	length   int
	path     []*Route
	nameSeq  string // cached lexicographic key, route names joined by '\x00'
	index    int    // heap index
}

// less implements the ordering described in §4.4: minimise the maximum
// edge cost over the path; tie-break by shorter path length; tie-break
// again by lexicographic route-name sequence.
func (a *planState) less(b *planState) bool {
	if a.maxCost != b.maxCost {
		return a.maxCost < b.maxCost
	}
	if a.length != b.length {
		return a.length < b.length
	}
	return a.nameSeq < b.nameSeq
}

type planQueue []*planState

func (q planQueue) Len() int            { return len(q) }
func (q planQueue) Less(i, j int) bool  { return q[i].less(q[j]) }
func (q planQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i]; q[i].index = i; q[j].index = j }
func (q *planQueue) Push(x any) {
	s := x.(*planState)
	s.index = len(*q)
	*q = append(*q, s)
}
func (q *planQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*q = old[:n-1]
	return item
}

// Plan finds the best ordered sequence of routes from src to tgt, per the
// weight rule in §4.4, and fails with shepherdapi.KindNoRoute if no path
// exists. Repeated calls on an unmodified graph return the same sequence
// (the "idempotent plan" law, §8), since Dijkstra-style exploration here is
// fully deterministic: edges from a vertex are visited in a fixed,
// name-sorted order and ties are broken explicitly rather than left to map
// iteration.
func (g *Graph) Plan(src, tgt string) ([]*Route, error) {
	if !g.HasFilesystem(src) {
		return nil, shepherdapi.New(shepherdapi.KindNoRoute, "unknown source filesystem %q", src)
	}
	if !g.HasFilesystem(tgt) {
		return nil, shepherdapi.New(shepherdapi.KindNoRoute, "unknown target filesystem %q", tgt)
	}
	if src == tgt {
		return nil, shepherdapi.New(shepherdapi.KindNoRoute, "source and target filesystem are both %q", src)
	}

	best := map[string]*planState{
		src: {vertex: src, maxCost: 0, length: 0, path: nil, nameSeq: ""},
	}

	pq := &planQueue{}
	heap.Init(pq)
	heap.Push(pq, best[src])

	finalized := make(map[string]bool)

	for pq.Len() > 0 {
		current := heap.Pop(pq).(*planState)
		if finalized[current.vertex] {
			continue
		}
		// Stale entries may linger in the queue after a vertex was
		// relaxed to something better; skip anything that doesn't
		// match the authoritative best-known state.
		if best[current.vertex] != current {
			continue
		}
		finalized[current.vertex] = true

		if current.vertex == tgt {
			return current.path, nil
		}

		edges := append([]*Route(nil), g.outgoing[current.vertex]...)
		sort.Slice(edges, func(i, j int) bool { return edges[i].Name < edges[j].Name })

		for _, edge := range edges {
			if finalized[edge.Target] {
				continue
			}
			candidateCost := current.maxCost
			if edge.Cost > candidateCost {
				candidateCost = edge.Cost
			}
			candidate := &planState{
				vertex:  edge.Target,
				maxCost: candidateCost,
				length:  current.length + 1,
				path:    append(append([]*Route(nil), current.path...), edge),
			}
			candidate.nameSeq = routeNameSeq(candidate.path)

			existing, seen := best[edge.Target]
			if !seen || candidate.less(existing) {
				best[edge.Target] = candidate
				heap.Push(pq, candidate)
			}
		}
	}

	return nil, shepherdapi.New(shepherdapi.KindNoRoute, "no route from %q to %q", src, tgt)
}

func routeNameSeq(path []*Route) string {
	names := make([]string, len(path))
	for i, r := range path {
		names[i] = r.Name
	}
	return strings.Join(names, "\x00")
}
