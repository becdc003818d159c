package route_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wtsi-hgi/shepherd/internal/graph"
	"github.com/wtsi-hgi/shepherd/internal/route"
	"github.com/wtsi-hgi/shepherd/internal/template"
	"github.com/wtsi-hgi/shepherd/pkg/shepherdapi"
)

func buildGraph(t *testing.T) *graph.Graph {
	t.Helper()
	g := graph.New()
	require.NoError(t, g.AddFilesystem("lustre"))
	require.NoError(t, g.AddFilesystem("staging"))
	require.NoError(t, g.AddFilesystem("irods"))
	require.NoError(t, g.AddRoute(graph.Route{Name: "lustre-to-staging", Source: "lustre", Target: "staging", Cost: 1}))
	require.NoError(t, g.AddRoute(graph.Route{Name: "staging-to-irods", Source: "staging", Target: "irods", Cost: 1}))
	return g
}

func TestResolveValidChain(t *testing.T) {
	g := buildGraph(t)
	r := route.NewResolver(g, template.New())
	require.NoError(t, r.Declare(route.Definition{
		Name: "archive",
		Hops: []route.Hop{
			{RouteName: "lustre-to-staging"},
			{RouteName: "staging-to-irods", Options: map[string]string{"zone": "{{ zone }}"}},
		},
	}))

	hops, err := r.Resolve("archive", shepherdapi.Env{"zone": "humgen"})
	require.NoError(t, err)
	require.Len(t, hops, 2)
	assert.Equal(t, "humgen", hops[1].Options["zone"])
}

func TestResolveFailsOnBrokenAdjacency(t *testing.T) {
	g := buildGraph(t)
	require.NoError(t, g.AddFilesystem("tape"))
	require.NoError(t, g.AddRoute(graph.Route{Name: "tape-to-irods", Source: "tape", Target: "irods", Cost: 1}))

	r := route.NewResolver(g, template.New())
	require.NoError(t, r.Declare(route.Definition{
		Name: "broken",
		Hops: []route.Hop{
			{RouteName: "lustre-to-staging"},
			{RouteName: "tape-to-irods"}, // does not chain: staging != tape
		},
	}))

	_, err := r.Resolve("broken", shepherdapi.Env{})
	require.Error(t, err)
	assert.Equal(t, shepherdapi.KindInvalidNamedRoute, shepherdapi.KindOf(err))
}

func TestResolveFailsOnUnresolvedHopOption(t *testing.T) {
	g := buildGraph(t)
	r := route.NewResolver(g, template.New())
	require.NoError(t, r.Declare(route.Definition{
		Name: "archive",
		Hops: []route.Hop{
			{RouteName: "lustre-to-staging", Options: map[string]string{"missing": "{{ nope }}"}},
		},
	}))

	_, err := r.Resolve("archive", shepherdapi.Env{})
	require.Error(t, err)
	assert.Equal(t, shepherdapi.KindUnresolvedVariable, shepherdapi.KindOf(err))
}

func TestResolveUnknownNameIsInvalidNamedRoute(t *testing.T) {
	g := buildGraph(t)
	r := route.NewResolver(g, template.New())
	_, err := r.Resolve("does-not-exist", shepherdapi.Env{})
	require.Error(t, err)
	assert.Equal(t, shepherdapi.KindInvalidNamedRoute, shepherdapi.KindOf(err))
}
