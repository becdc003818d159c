package migrations_test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wtsi-hgi/shepherd/internal/state/migrations"
)

// Test_EmbeddedSQL guards against a migration file added on disk but
// forgotten in the //go:embed directive, or vice versa.
func Test_EmbeddedSQL(t *testing.T) {
	entries, err := migrations.FS.ReadDir(".")
	require.NoError(t, err)

	var embedFiles []string
	for _, e := range entries {
		if !e.IsDir() {
			embedFiles = append(embedFiles, e.Name())
		}
	}

	diskEntries, err := os.ReadDir(".")
	require.NoError(t, err)

	var diskFiles []string
	for _, e := range diskEntries {
		if e.IsDir() {
			continue
		}
		switch e.Name() {
		case "embed.go", "embed_test.go":
			continue
		}
		diskFiles = append(diskFiles, e.Name())
	}

	require.ElementsMatch(t, diskFiles, embedFiles)
}
