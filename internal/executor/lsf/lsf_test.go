package lsf

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wtsi-hgi/shepherd/pkg/shepherdapi"
)

func newTestDispatcher(t *testing.T, run func(ctx context.Context, name string, args ...string) ([]byte, error)) *Dispatcher {
	return &Dispatcher{
		sentinelDir:  t.TempDir(),
		pollInterval: 10 * time.Millisecond,
		logger:       logger.NewLogger().Child("executor.lsf.test"),
		run:          run,
	}
}

func TestSubmitMapsResourcesToLSFFlags(t *testing.T) {
	var gotArgs []string
	d := newTestDispatcher(t, func(_ context.Context, name string, args ...string) ([]byte, error) {
		require.Equal(t, "bsub", name)
		gotArgs = args
		return []byte("Job <12345> is submitted to default queue <normal>.\n"), nil
	})

	future, err := d.Submit(context.Background(), "attempt-1", "echo hi", shepherdapi.ResourceRequest{
		Cores:  4,
		Memory: "4000",
		Group:  "/hgi",
	})
	require.NoError(t, err)

	assert.Contains(t, gotArgs, "-n")
	assert.Contains(t, gotArgs, "4")
	assert.Contains(t, gotArgs, "-M")
	assert.Contains(t, gotArgs, "4000")
	assert.Contains(t, gotArgs, "-G")
	assert.Contains(t, gotArgs, "/hgi")

	// Simulate the wrapped script finishing by writing the sentinel file
	// the submitted command would have written.
	sentinel := d.sentinelPath("attempt-1")
	require.NoError(t, os.WriteFile(sentinel, []byte("0\n"), 0o644))

	result := <-future
	assert.Equal(t, 0, result.ExitCode)
}

func TestSubmitFailsWhenJobIDCannotBeParsed(t *testing.T) {
	d := newTestDispatcher(t, func(_ context.Context, name string, args ...string) ([]byte, error) {
		return []byte("request rejected\n"), nil
	})

	_, err := d.Submit(context.Background(), "attempt-2", "echo hi", shepherdapi.ResourceRequest{})
	require.Error(t, err)
	assert.Equal(t, shepherdapi.KindConfiguration, shepherdapi.KindOf(err))
}

func TestSubmitFailsWhenBsubErrors(t *testing.T) {
	d := newTestDispatcher(t, func(_ context.Context, name string, args ...string) ([]byte, error) {
		return nil, assert.AnError
	})

	_, err := d.Submit(context.Background(), "attempt-3", "echo hi", shepherdapi.ResourceRequest{})
	require.Error(t, err)
	assert.Equal(t, shepherdapi.KindConfiguration, shepherdapi.KindOf(err))
}

func TestAwaitSentinelResolvesWithNonZeroExitCode(t *testing.T) {
	d := newTestDispatcher(t, nil)
	sentinel := filepath.Join(d.sentinelDir, "shepherd-attempt-4.exit")
	require.NoError(t, os.WriteFile(sentinel, []byte("17\n"), 0o644))

	future := make(chan shepherdapi.AttemptResult, 1)
	go d.awaitSentinel(context.Background(), "999", sentinel, time.Now(), future)

	result := <-future
	assert.Equal(t, 17, result.ExitCode)
}

func TestAwaitSentinelResolvesWhenContextCancelled(t *testing.T) {
	d := newTestDispatcher(t, nil)
	sentinel := d.sentinelPath("attempt-5")

	ctx, cancel := context.WithCancel(context.Background())
	future := make(chan shepherdapi.AttemptResult, 1)
	go d.awaitSentinel(ctx, "1000", sentinel, time.Now(), future)

	cancel()

	result := <-future
	assert.Equal(t, -1, result.ExitCode)
}
