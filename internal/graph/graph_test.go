package graph_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wtsi-hgi/shepherd/internal/graph"
	"github.com/wtsi-hgi/shepherd/pkg/shepherdapi"
)

func mustAddFS(t *testing.T, g *graph.Graph, names ...string) {
	t.Helper()
	for _, n := range names {
		require.NoError(t, g.AddFilesystem(n))
	}
}

func TestAddFilesystemRejectsDuplicates(t *testing.T) {
	g := graph.New()
	require.NoError(t, g.AddFilesystem("A"))
	err := g.AddFilesystem("A")
	require.Error(t, err)
	assert.Equal(t, shepherdapi.KindConfiguration, shepherdapi.KindOf(err))
}

func TestAddRouteRejectsDuplicateNames(t *testing.T) {
	g := graph.New()
	mustAddFS(t, g, "A", "B")
	require.NoError(t, g.AddRoute(graph.Route{Name: "a-to-b", Source: "A", Target: "B", Cost: 1}))
	err := g.AddRoute(graph.Route{Name: "a-to-b", Source: "A", Target: "B", Cost: 1})
	require.Error(t, err)
	assert.Equal(t, shepherdapi.KindConfiguration, shepherdapi.KindOf(err))
}

// TestRoutingPropertyPrefersLowerMaxCost is the literal property from §8:
// given A→B cost 1, A→C cost 2, C→B cost 1, plan(A,B) chooses A→B directly
// because its max-cost (1) beats the two-hop route's max-cost (2).
func TestRoutingPropertyPrefersLowerMaxCost(t *testing.T) {
	g := graph.New()
	mustAddFS(t, g, "A", "B", "C")
	require.NoError(t, g.AddRoute(graph.Route{Name: "direct", Source: "A", Target: "B", Cost: 1}))
	require.NoError(t, g.AddRoute(graph.Route{Name: "a-to-c", Source: "A", Target: "C", Cost: 2}))
	require.NoError(t, g.AddRoute(graph.Route{Name: "c-to-b", Source: "C", Target: "B", Cost: 1}))

	route, err := g.Plan("A", "B")
	require.NoError(t, err)
	require.Len(t, route, 1)
	assert.Equal(t, "direct", route[0].Name)
}

func TestPlanTieBreaksByShorterLength(t *testing.T) {
	g := graph.New()
	mustAddFS(t, g, "A", "B", "C")
	// Both paths have max-cost 1: direct (1 hop) vs via C (2 hops).
	require.NoError(t, g.AddRoute(graph.Route{Name: "direct", Source: "A", Target: "B", Cost: 1}))
	require.NoError(t, g.AddRoute(graph.Route{Name: "a-to-c", Source: "A", Target: "C", Cost: 1}))
	require.NoError(t, g.AddRoute(graph.Route{Name: "c-to-b", Source: "C", Target: "B", Cost: 1}))

	route, err := g.Plan("A", "B")
	require.NoError(t, err)
	require.Len(t, route, 1)
	assert.Equal(t, "direct", route[0].Name)
}

func TestPlanTieBreaksLexicographically(t *testing.T) {
	g := graph.New()
	mustAddFS(t, g, "A", "B")
	require.NoError(t, g.AddRoute(graph.Route{Name: "zzz", Source: "A", Target: "B", Cost: 1}))
	require.NoError(t, g.AddRoute(graph.Route{Name: "aaa", Source: "A", Target: "B", Cost: 1}))

	route, err := g.Plan("A", "B")
	require.NoError(t, err)
	require.Len(t, route, 1)
	assert.Equal(t, "aaa", route[0].Name)
}

func TestPlanFailsWithNoRoute(t *testing.T) {
	g := graph.New()
	mustAddFS(t, g, "A", "B")
	_, err := g.Plan("A", "B")
	require.Error(t, err)
	assert.Equal(t, shepherdapi.KindNoRoute, shepherdapi.KindOf(err))
}

func TestPlanIsIdempotent(t *testing.T) {
	g := graph.New()
	mustAddFS(t, g, "A", "B", "C", "D")
	require.NoError(t, g.AddRoute(graph.Route{Name: "a-b", Source: "A", Target: "B", Cost: 2}))
	require.NoError(t, g.AddRoute(graph.Route{Name: "a-c", Source: "A", Target: "C", Cost: 1}))
	require.NoError(t, g.AddRoute(graph.Route{Name: "c-d", Source: "C", Target: "D", Cost: 1}))
	require.NoError(t, g.AddRoute(graph.Route{Name: "d-b", Source: "D", Target: "B", Cost: 1}))

	first, err := g.Plan("A", "B")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := g.Plan("A", "B")
		require.NoError(t, err)
		require.Equal(t, len(first), len(again))
		for i := range first {
			assert.Equal(t, first[i].Name, again[i].Name)
		}
	}
}
