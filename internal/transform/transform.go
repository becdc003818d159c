// Package transform implements shepherd's Transformer Registry (C3): named
// pure address-rewriters applied, left to right, to a (source, target)
// address pair mid transfer-pipeline. Transformers never perform I/O —
// they only compute the next hop's addresses from the current ones.
package transform

import (
	"strconv"
	"strings"

	"github.com/wtsi-hgi/shepherd/pkg/shepherdapi"
)

// Pair is the (source, target) address tuple a Transformer receives and
// returns; both are opaque strings from the core's perspective (§4.3).
type Pair struct {
	Source shepherdapi.Address
	Target shepherdapi.Address
}

// Transformer rewrites a (source, target) pair given the effective
// variable environment. Options are templated and frozen at
// route-resolution time (§4.3), so by the time a Transformer runs it is a
// pure function of its inputs.
type Transformer func(Pair, shepherdapi.Env) (Pair, error)

// Registry is the immutable-after-load set of named transformers available
// to routes and named-route hops.
type Registry struct {
	transformers map[string]Transformer
}

// NewRegistry returns a Registry seeded with the built-ins named in §4.3:
// prefix, strip_common_path, last_n_components, plus a no-op debug/telemetry
// wrapper.
func NewRegistry() *Registry {
	r := &Registry{transformers: make(map[string]Transformer)}
	r.Register("noop", Noop)
	r.Register("debug", Noop)
	return r
}

// Register adds or replaces a named transformer. Duplicate registration is
// allowed (unlike filesystems/routes) since built-ins are commonly
// shadowed by configuration-supplied variants sharing a name.
func (r *Registry) Register(name string, t Transformer) {
	r.transformers[name] = t
}

// Lookup returns the named transformer. A name not already registered is
// tried against the "ctor:arg" convention for the parameterised built-ins
// (prefix:PATH, strip_common_path:BASE, last_n_components:N) — the same
// driver_key-style dynamic dispatch §9 describes for filesystem drivers —
// and, if it parses, the constructed Transformer is registered under that
// exact name so a route's or hop's Transformations list can simply name it
// directly in configuration, and repeat lookups are free.
func (r *Registry) Lookup(name string) (Transformer, bool) {
	if t, ok := r.transformers[name]; ok {
		return t, true
	}
	t, ok := parameterisedBuiltin(name)
	if !ok {
		return nil, false
	}
	r.transformers[name] = t
	return t, true
}

// parameterisedBuiltin parses a "ctor:arg" spec into one of the
// parameterised built-in Transformers, or reports false if name doesn't
// match the convention or names an unknown constructor.
func parameterisedBuiltin(name string) (Transformer, bool) {
	ctor, arg, ok := strings.Cut(name, ":")
	if !ok {
		return nil, false
	}
	switch ctor {
	case "prefix":
		return Prefix(arg), true
	case "strip_common_path":
		return StripCommonPath(arg), true
	case "last_n_components":
		n, err := strconv.Atoi(arg)
		if err != nil {
			return nil, false
		}
		return LastNComponents(n), true
	default:
		return nil, false
	}
}

// Pipeline composes a sequence of named transformers into a single
// Transformer, applied strictly left to right, per §4.3.
func (r *Registry) Pipeline(names ...string) (Transformer, error) {
	fns := make([]Transformer, 0, len(names))
	for _, name := range names {
		fn, ok := r.Lookup(name)
		if !ok {
			return nil, shepherdapi.New(shepherdapi.KindConfiguration, "unknown transformer %q", name)
		}
		fns = append(fns, fn)
	}
	return func(p Pair, env shepherdapi.Env) (Pair, error) {
		var err error
		for _, fn := range fns {
			p, err = fn(p, env)
			if err != nil {
				return Pair{}, err
			}
		}
		return p, nil
	}, nil
}

// Noop forwards its input unchanged; used for the debug/telemetry wrapper
// slots named in §4.3.
func Noop(p Pair, _ shepherdapi.Env) (Pair, error) { return p, nil }

// Prefix returns a Transformer that rewrites the target address by
// prepending path to the pair's current target (or to its source, when no
// target has been set yet), joined with a single "/", so it builds on the
// output of any earlier stage in a Pipeline.
func Prefix(path string) Transformer {
	path = strings.TrimSuffix(path, "/")
	return func(p Pair, _ shepherdapi.Env) (Pair, error) {
		current := p.Target
		if current == "" {
			current = p.Source
		}
		p.Target = shepherdapi.Address(path + "/" + strings.TrimPrefix(string(current), "/"))
		return p, nil
	}
}

// StripCommonPath returns a Transformer that removes the longest common
// path prefix (measured in "/"-delimited components) between the source
// and the given base from the source address, before assigning it as the
// target.
func StripCommonPath(base string) Transformer {
	baseComponents := splitPath(base)
	return func(p Pair, _ shepherdapi.Env) (Pair, error) {
		srcComponents := splitPath(string(p.Source))
		i := 0
		for i < len(baseComponents) && i < len(srcComponents) && baseComponents[i] == srcComponents[i] {
			i++
		}
		p.Target = shepherdapi.Address("/" + strings.Join(srcComponents[i:], "/"))
		return p, nil
	}
}

// LastNComponents returns a Transformer that keeps only the last n
// "/"-delimited components of the source address as the target.
func LastNComponents(n int) Transformer {
	return func(p Pair, _ shepherdapi.Env) (Pair, error) {
		components := splitPath(string(p.Source))
		if n < len(components) {
			components = components[len(components)-n:]
		}
		p.Target = shepherdapi.Address("/" + strings.Join(components, "/"))
		return p, nil
	}
}

func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}
