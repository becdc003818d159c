// Package route implements the Named-Route Resolver (C5): validation and
// materialisation of a pre-declared multi-hop route, including per-hop
// extra transformations templated against the effective variable
// environment.
package route

import (
	"fmt"

	"github.com/wtsi-hgi/shepherd/internal/graph"
	"github.com/wtsi-hgi/shepherd/internal/template"
	"github.com/wtsi-hgi/shepherd/pkg/shepherdapi"
)

// Hop is one declared step of a named route: a reference to a graph Route
// plus extra transformations layered on top of the route's own (§4.5).
type Hop struct {
	RouteName           string
	ExtraTransformations []string
	// Options are per-hop extra configuration, rendered against the
	// effective environment at resolution time (§4.5) before being
	// frozen; values here may themselves contain `{{ }}` references.
	Options map[string]string
}

// Definition is a pre-declared, ordered sequence of hops, as configured
// under `named_routes` (§6).
type Definition struct {
	Name string
	Hops []Hop
}

// ResolvedHop is one hop of a resolved named route: the underlying graph
// Route plus the extra transformations to apply after the route's own, and
// the per-hop options with all templates rendered and frozen.
type ResolvedHop struct {
	Route                *graph.Route
	ExtraTransformations []string
	Options              map[string]string
}

// Resolver validates and materialises Definitions against a Graph.
type Resolver struct {
	graph    *graph.Graph
	engine   *template.Engine
	defs     map[string]Definition
}

// NewResolver returns a Resolver bound to g (for route lookups) and engine
// (for per-hop option templating).
func NewResolver(g *graph.Graph, engine *template.Engine) *Resolver {
	return &Resolver{graph: g, engine: engine, defs: make(map[string]Definition)}
}

// Declare registers a named-route definition, ready to be resolved later.
// Duplicate names are a ConfigurationError.
func (r *Resolver) Declare(def Definition) error {
	if _, exists := r.defs[def.Name]; exists {
		return shepherdapi.New(shepherdapi.KindConfiguration, "named route %q already declared", def.Name)
	}
	r.defs[def.Name] = def
	return nil
}

// Resolve materialises the named route: it looks up each hop's underlying
// graph Route, checks the adjacency invariant route[i+1].source ==
// route[i].target (§4.4), and templates each hop's options against env.
// A broken adjacency is InvalidNamedRoute; a missing template variable is
// UnresolvedVariable, citing the variable name and the named route/hop.
func (r *Resolver) Resolve(name string, env shepherdapi.Env) ([]ResolvedHop, error) {
	def, ok := r.defs[name]
	if !ok {
		return nil, shepherdapi.New(shepherdapi.KindInvalidNamedRoute, "named route %q is not declared", name)
	}
	if len(def.Hops) == 0 {
		return nil, shepherdapi.New(shepherdapi.KindInvalidNamedRoute, "named route %q has no hops", name)
	}

	resolved := make([]ResolvedHop, 0, len(def.Hops))
	var previous *graph.Route

	for i, hop := range def.Hops {
		rt, ok := r.graph.RouteByName(hop.RouteName)
		if !ok {
			return nil, shepherdapi.New(shepherdapi.KindInvalidNamedRoute,
				"named route %q hop %d references unknown route %q", name, i, hop.RouteName)
		}
		if previous != nil && rt.Source != previous.Target {
			return nil, shepherdapi.New(shepherdapi.KindInvalidNamedRoute,
				"named route %q: hop %d (%s: %s->%s) does not chain from hop %d's target %q",
				name, i, rt.Name, rt.Source, rt.Target, i-1, previous.Target)
		}

		options := make(map[string]string, len(hop.Options))
		for k, v := range hop.Options {
			rendered, err := r.engine.Render(v, env)
			if err != nil {
				return nil, shepherdapi.Wrap(shepherdapi.KindUnresolvedVariable, err,
					"named route %q hop %d option %q", name, i, k)
			}
			options[k] = rendered
		}

		resolved = append(resolved, ResolvedHop{
			Route:                rt,
			ExtraTransformations: hop.ExtraTransformations,
			Options:              options,
		})
		previous = rt
	}

	return resolved, nil
}

// Routes extracts the plain graph.Route sequence from a resolved hop list,
// for callers (the Task Expander) that only need the routing shape.
func Routes(hops []ResolvedHop) []*graph.Route {
	out := make([]*graph.Route, len(hops))
	for i, h := range hops {
		out[i] = h.Route
	}
	return out
}

// String renders a hop sequence as "a->b->c" for error messages and logs.
func String(hops []ResolvedHop) string {
	s := ""
	for i, h := range hops {
		if i > 0 {
			s += " -> "
		}
		s += fmt.Sprintf("%s(%s)", h.Route.Name, h.Route.Target)
	}
	return s
}
