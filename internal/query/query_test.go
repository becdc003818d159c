package query_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wtsi-hgi/shepherd/internal/query"
	"github.com/wtsi-hgi/shepherd/pkg/shepherdapi"
)

func TestParseSimpleRootQuery(t *testing.T) {
	q, err := query.Parse(`take /data/project1 where size > 1G`)
	require.NoError(t, err)
	assert.Equal(t, []string{"/data/project1"}, q.Source.Roots)
	require.IsType(t, &query.Predicate{}, q.Where)
	pred := q.Where.(*query.Predicate)
	assert.Equal(t, query.AttrSize, pred.Attribute)
	assert.Equal(t, float64(1<<30), pred.Value)
}

func TestParseFromFileWithCompressedAndDelimiter(t *testing.T) {
	q, err := query.Parse(`take from manifest.fofn.gz compressed delimited by ,`)
	require.NoError(t, err)
	assert.True(t, q.Source.IsFile)
	assert.Equal(t, "manifest.fofn.gz", q.Source.FromFile)
	assert.True(t, q.Source.Compressed)
	assert.Equal(t, byte(','), q.Source.DelimitedBy)
}

func TestParseAndOrChainAndParentheses(t *testing.T) {
	q, err := query.Parse(`take /data where ( size > 1k and name = foo ) or owner = bar`)
	require.NoError(t, err)
	require.IsType(t, &query.Or{}, q.Where)
}

func TestParseNegatedPredicate(t *testing.T) {
	q, err := query.Parse(`take /data where not owner = root`)
	require.NoError(t, err)
	pred := q.Where.(*query.Predicate)
	assert.True(t, pred.Negate)
}

func TestParseRejectsUnknownAttribute(t *testing.T) {
	_, err := query.Parse(`take /data where bogus = 1`)
	require.Error(t, err)
	assert.Equal(t, shepherdapi.KindUnsupportedPredicate, shepherdapi.KindOf(err))
}

func TestParseCustomMetadataKey(t *testing.T) {
	q, err := query.Parse(`take /data where :project = shepherd`)
	require.NoError(t, err)
	pred := q.Where.(*query.Predicate)
	assert.True(t, pred.IsMetadata)
	assert.Equal(t, "project", pred.MetaKey)
}

func TestEvaluateSizeAndNamePredicate(t *testing.T) {
	q, err := query.Parse(`take /data where size > 1k and name = report.txt`)
	require.NoError(t, err)

	size := int64(2048)
	ok, err := query.Evaluate(q.Where, query.Candidate{
		Address: "/data/report.txt",
		Stat:    &shepherdapi.Stat{Size: &size},
	})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluateFailsUnsupportedWhenStatMissing(t *testing.T) {
	q, err := query.Parse(`take /data where size > 1k`)
	require.NoError(t, err)

	_, err = query.Evaluate(q.Where, query.Candidate{Address: "/data/report.txt"})
	require.Error(t, err)
	assert.Equal(t, shepherdapi.KindUnsupportedPredicate, shepherdapi.KindOf(err))
}

func TestEvaluateDurationUnitComparesAgainstAge(t *testing.T) {
	q, err := query.Parse(`take /data where mtime > 1 day`)
	require.NoError(t, err)

	old := time.Now().Add(-48 * time.Hour)
	ok, err := query.Evaluate(q.Where, query.Candidate{
		Address: "/data/old.txt",
		Stat:    &shepherdapi.Stat{MTime: &old},
	})
	require.NoError(t, err)
	assert.True(t, ok, "a file modified 2 days ago is older than 1 day")
}
