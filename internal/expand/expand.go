// Package expand implements the Task Expander (C6): given a planned
// sequence of hops and a set of source addresses, it synthesises the
// chained per-file tasks described in §4.6, rendering each hop's script
// and handing the whole per-file chain to a Persister as a single atomic
// unit.
package expand

import (
	"context"
	"fmt"

	"github.com/rudderlabs/rudder-go-kit/logger"

	"github.com/wtsi-hgi/shepherd/internal/graph"
	"github.com/wtsi-hgi/shepherd/internal/template"
	"github.com/wtsi-hgi/shepherd/internal/transform"
	"github.com/wtsi-hgi/shepherd/pkg/shepherdapi"
)

// Hop is one step of the planned route, plus any extra transformations
// layered on top of the route's own (only non-empty for named routes,
// §4.5/§4.6).
type Hop struct {
	Route                *graph.Route
	ExtraTransformations []string
}

// FromRoutes wraps a plain route sequence (the "from A to B" automatic
// planning case) with no extra transformations.
func FromRoutes(routes []*graph.Route) []Hop {
	hops := make([]Hop, len(routes))
	for i, r := range routes {
		hops[i] = Hop{Route: r}
	}
	return hops
}

// TaskInsert is one task of a per-file chain, ready to persist.
type TaskInsert struct {
	SourceFilesystem string
	SourceAddress    shepherdapi.Address
	TargetFilesystem string
	TargetAddress    shepherdapi.Address
	Script           string
	// DependsOnPrevious is true for every task but the first in a
	// chain (§3: dependency=task_{i-1}.id for i>0, else null).
	DependsOnPrevious bool
}

// Persister is the narrow slice of the State Store the expander needs: it
// must insert an entire per-file task chain atomically (§4.6: "Task
// insertion for one file is atomic (all-or-none)").
type Persister interface {
	InsertTaskChain(ctx context.Context, jobID string, chain []TaskInsert) error
}

// Expander synthesises and persists task chains.
type Expander struct {
	transforms *transform.Registry
	engine     *template.Engine
	logger     logger.Logger
}

// New returns an Expander using registry for transformation lookups and
// engine for script rendering.
func New(registry *transform.Registry, engine *template.Engine) *Expander {
	return &Expander{
		transforms: registry,
		engine:     engine,
		logger:     logger.NewLogger().Child("expand"),
	}
}

// Expand synthesises a chain of len(hops) tasks for each address in
// sources and persists each file's chain atomically via persister. env is
// the effective variable environment (CLI/env/variables-file/defaults);
// `source`/`target` keys in it are overwritten per hop, never read from it
// (§4.1: they are reserved and supplied by the expander itself).
//
// If any hop's rendered script references unavailable source/target
// attributes, expansion for that file fails fatally before anything is
// persisted for it (§4.6); other files already processed in the same call
// are unaffected, since persistence happens per file.
func (x *Expander) Expand(ctx context.Context, jobID string, hops []Hop, sources []shepherdapi.Address, env shepherdapi.Env, persister Persister) error {
	if len(hops) == 0 {
		return shepherdapi.New(shepherdapi.KindConfiguration, "cannot expand an empty route")
	}

	pipelines := make([]transform.Transformer, len(hops))
	for i, hop := range hops {
		names := append(append([]string(nil), hop.Route.Transformations...), hop.ExtraTransformations...)
		pipeline, err := x.transforms.Pipeline(names...)
		if err != nil {
			return shepherdapi.Wrap(shepherdapi.KindConfiguration, err, "hop %d (route %q)", i, hop.Route.Name)
		}
		pipelines[i] = pipeline
	}

	for _, source := range sources {
		chain, err := x.expandOne(hops, pipelines, source, env)
		if err != nil {
			return err
		}
		if err := persister.InsertTaskChain(ctx, jobID, chain); err != nil {
			return shepherdapi.Wrap(shepherdapi.KindConfiguration, err, "persisting task chain for %q", source)
		}
	}
	return nil
}

func (x *Expander) expandOne(hops []Hop, pipelines []transform.Transformer, source shepherdapi.Address, baseEnv shepherdapi.Env) ([]TaskInsert, error) {
	chain := make([]TaskInsert, len(hops))
	s := source

	for i, hop := range hops {
		pair, err := pipelines[i](transform.Pair{Source: s, Target: s}, baseEnv)
		if err != nil {
			return nil, shepherdapi.Wrap(shepherdapi.KindConfiguration, err, "hop %d (route %q): transformation pipeline", i, hop.Route.Name)
		}

		env := baseEnv.Merge(shepherdapi.Env{
			"source.filesystem": hop.Route.Source,
			"source.address":    string(s),
			"target.filesystem": hop.Route.Target,
			"target.address":    string(pair.Target),
		})

		script, err := x.engine.Render(hop.Route.ScriptTemplate, env)
		if err != nil {
			return nil, shepherdapi.Wrap(shepherdapi.KindUnresolvedVariable, err,
				"hop %d (route %q) script for source %q", i, hop.Route.Name, source)
		}

		chain[i] = TaskInsert{
			SourceFilesystem:  hop.Route.Source,
			SourceAddress:     s,
			TargetFilesystem:  hop.Route.Target,
			TargetAddress:     pair.Target,
			Script:            script,
			DependsOnPrevious: i > 0,
		}

		if chain[i].SourceFilesystem == chain[i].TargetFilesystem && chain[i].SourceAddress == chain[i].TargetAddress {
			return nil, shepherdapi.New(shepherdapi.KindConfiguration,
				"hop %d (route %q): source and target are identical (%s:%s)", i, hop.Route.Name, chain[i].SourceFilesystem, chain[i].SourceAddress)
		}

		s = pair.Target
	}

	return chain, nil
}

// String is a small debugging helper used by tests and logs.
func (t TaskInsert) String() string {
	return fmt.Sprintf("%s:%s -> %s:%s", t.SourceFilesystem, t.SourceAddress, t.TargetFilesystem, t.TargetAddress)
}
