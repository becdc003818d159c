package template_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wtsi-hgi/shepherd/internal/template"
	"github.com/wtsi-hgi/shepherd/pkg/shepherdapi"
)

func TestRenderSubstitutesKnownVariables(t *testing.T) {
	e := template.New()
	out, err := e.Render("cp {{ source }} {{ target }}", shepherdapi.Env{
		"source": "/a/foo", "target": "/b/foo",
	})
	require.NoError(t, err)
	assert.Equal(t, "cp /a/foo /b/foo", out)
}

func TestRenderFailsOnUnresolvedVariable(t *testing.T) {
	e := template.New()
	_, err := e.Render("cp {{ source }} {{ missing }}", shepherdapi.Env{"source": "/a/foo"})
	require.Error(t, err)
	assert.Equal(t, shepherdapi.KindUnresolvedVariable, shepherdapi.KindOf(err))
}

func TestRenderNeverSubstitutesEmptyString(t *testing.T) {
	e := template.New()
	_, err := e.Render("{{ nope }}", shepherdapi.Env{})
	require.Error(t, err, "an unresolved reference must fail, never render as empty")
}

func TestRenderAppliesFilterChainLeftToRight(t *testing.T) {
	e := template.New()
	out, err := e.Render("{{ path | dirname | to_lowercase }}", shepherdapi.Env{
		"path": "/DATA/Foo/BAR.cram",
	})
	require.NoError(t, err)
	assert.Equal(t, "/data/foo", out)
}

func TestShellEscapeQuotesSpecialCharacters(t *testing.T) {
	out := template.ShellEscape(`it's a "test" $HOME`)
	assert.Equal(t, `"it's a \"test\" \$HOME"`, out)
}

func TestDirnameAndBasename(t *testing.T) {
	assert.Equal(t, "/a/b", template.Dirname("/a/b/c.txt"))
	assert.Equal(t, ".", template.Dirname("c.txt"))
	assert.Equal(t, "c.txt", template.Basename("/a/b/c.txt"))
}

func TestUsedVarsIgnoresFilters(t *testing.T) {
	vars := template.UsedVars("{{ source | dirname }} {{ target }}")
	assert.ElementsMatch(t, []string{"source", "target"}, vars)
}

func TestTemplateRoundTripLaw(t *testing.T) {
	text := "{{ source }}-{{ target | basename }}"
	e := template.New()

	env1 := shepherdapi.Env{"source": "X", "target": "/p/q.txt", "unused": "1"}
	env2 := shepherdapi.Env{"source": "X", "target": "/p/q.txt", "unused": "2"}

	out1, err := e.Render(text, env1)
	require.NoError(t, err)
	out2, err := e.Render(text, env2)
	require.NoError(t, err)
	assert.Equal(t, out1, out2, "render must agree when envs agree on used_vars(t)")
}
