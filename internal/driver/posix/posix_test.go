package posix_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wtsi-hgi/shepherd/internal/driver/posix"
	"github.com/wtsi-hgi/shepherd/internal/query"
	"github.com/wtsi-hgi/shepherd/pkg/shepherdapi"
)

func writeTree(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "small.txt"), []byte("hi"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "big.txt"), make([]byte, 2048), 0o600))
	return dir
}

func drain(t *testing.T, out <-chan shepherdapi.DataItemStub, errs <-chan error) ([]shepherdapi.DataItemStub, error) {
	t.Helper()
	var stubs []shepherdapi.DataItemStub
	for s := range out {
		stubs = append(stubs, s)
	}
	return stubs, <-errs
}

func TestQueryWalksRootAndFiltersBySize(t *testing.T) {
	dir := writeTree(t)
	drv, err := posix.New(nil)
	require.NoError(t, err)

	q, err := query.Parse("take " + dir + " where size > 1k")
	require.NoError(t, err)

	out, errs := drv.Query(context.Background(), shepherdapi.Address(dir), q)
	stubs, err := drain(t, out, errs)
	require.NoError(t, err)
	require.Len(t, stubs, 1)
	assert.Equal(t, filepath.Join(dir, "big.txt"), string(stubs[0].Address))
}

func TestQueryWithoutCriteriaReturnsEverything(t *testing.T) {
	dir := writeTree(t)
	drv, err := posix.New(nil)
	require.NoError(t, err)

	out, errs := drv.Query(context.Background(), shepherdapi.Address(dir), nil)
	stubs, err := drain(t, out, errs)
	require.NoError(t, err)
	assert.Len(t, stubs, 2)
}

func TestStatReportsSizeAndMTime(t *testing.T) {
	dir := writeTree(t)
	drv, err := posix.New(nil)
	require.NoError(t, err)

	stat, err := drv.Stat(context.Background(), shepherdapi.Address(filepath.Join(dir, "small.txt")))
	require.NoError(t, err)
	require.NotNil(t, stat.Size)
	assert.Equal(t, int64(2), *stat.Size)
}

func TestChecksumRejectsUnsupportedAlgorithm(t *testing.T) {
	dir := writeTree(t)
	drv := &posix.Driver{}
	_, err := drv.Checksum("md5", shepherdapi.Address(filepath.Join(dir, "small.txt")))
	require.Error(t, err)
	assert.Equal(t, shepherdapi.KindConfiguration, shepherdapi.KindOf(err))
}

func TestChecksumComputesSHA256(t *testing.T) {
	dir := writeTree(t)
	drv := &posix.Driver{}
	sum, err := drv.Checksum("sha256", shepherdapi.Address(filepath.Join(dir, "small.txt")))
	require.NoError(t, err)
	assert.Equal(t, "sha256", sum.Algorithm)
	assert.NotEmpty(t, sum.Digest)
}
