package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/wtsi-hgi/shepherd/pkg/shepherdapi"
)

func TestParseCLIVariables(t *testing.T) {
	vars, err := parseCLIVariables([]string{"foo=bar", "baz=qux=extra"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"foo": "bar", "baz": "qux=extra"}, vars)
}

func TestParseCLIVariablesRejectsMissingEquals(t *testing.T) {
	_, err := parseCLIVariables([]string{"not-a-pair"})
	assert.Error(t, err)
}

func TestExpandConfigPathsPassesThroughFiles(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "a.yaml")
	require.NoError(t, os.WriteFile(file, []byte("filesystems: []"), 0o644))

	out, err := expandConfigPaths([]string{file})
	require.NoError(t, err)
	assert.Equal(t, []string{file}, out)
}

func TestExpandConfigPathsSortsDirectoryEntries(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.yaml", "a.yml", "c.yaml"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("{}"), 0o644))
	}

	out, err := expandConfigPaths([]string{dir})
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, filepath.Join(dir, "a.yml"), out[0])
	assert.Equal(t, filepath.Join(dir, "b.yaml"), out[1])
	assert.Equal(t, filepath.Join(dir, "c.yaml"), out[2])
}

func TestExpandConfigPathsRejectsMissingPath(t *testing.T) {
	_, err := expandConfigPaths([]string{"/does/not/exist"})
	assert.Error(t, err)
}

func TestExitCodeForPrefersCLIExitCoder(t *testing.T) {
	err := cli.Exit("bad usage", exitUsage)
	assert.Equal(t, exitUsage, exitCodeFor(err))
}

func TestExitCodeForMapsShepherdKinds(t *testing.T) {
	cases := []struct {
		kind shepherdapi.Kind
		want int
	}{
		{shepherdapi.KindConfiguration, exitConfiguration},
		{shepherdapi.KindUnresolvedVariable, exitConfiguration},
		{shepherdapi.KindUnsupportedPredicate, exitConfiguration},
		{shepherdapi.KindSchemaMismatch, exitConfiguration},
		{shepherdapi.KindNoRoute, exitUnresolvedRoute},
		{shepherdapi.KindInvalidNamedRoute, exitUnresolvedRoute},
		{shepherdapi.KindTerminalFailure, exitPartialFailure},
		{shepherdapi.KindTransientStore, exitInternal},
		{shepherdapi.KindUnknown, exitInternal},
	}
	for _, c := range cases {
		err := shepherdapi.New(c.kind, "boom")
		assert.Equal(t, c.want, exitCodeFor(err), "kind %s", c.kind)
	}
}

func TestRunHelpWithNoSubjectSucceeds(t *testing.T) {
	assert.NoError(t, runHelp(nil))
}

func TestRunHelpWithKnownSubjectSucceeds(t *testing.T) {
	assert.NoError(t, runHelp([]string{"query"}))
}

func TestRunHelpWithUnknownSubjectStillSucceeds(t *testing.T) {
	assert.NoError(t, runHelp([]string{"nonsense"}))
}
