// Package local implements the Dispatcher capability (§6) by running a
// rendered script directly on the calling node via bash -c, for
// single-node and development use where no batch scheduler is available.
package local

import (
	"bytes"
	"context"
	"os/exec"
	"time"

	"github.com/rudderlabs/rudder-go-kit/logger"

	"github.com/wtsi-hgi/shepherd/internal/capability"
	"github.com/wtsi-hgi/shepherd/pkg/shepherdapi"
)

// Dispatcher runs scripts in-process via bash -c, ignoring resource
// requests entirely — there is no scheduler here to hand them to.
type Dispatcher struct {
	logger logger.Logger
}

// New constructs a local dispatcher. options is unused; it exists so
// local satisfies capability.DispatcherFactory alongside lsf.
func New(_ map[string]any) (capability.Dispatcher, error) {
	return &Dispatcher{logger: logger.NewLogger().Child("executor.local")}, nil
}

// Submit runs script synchronously in a goroutine and resolves the
// returned future with its exit code once it completes.
func (d *Dispatcher) Submit(ctx context.Context, attemptID, script string, _ shepherdapi.ResourceRequest) (<-chan shepherdapi.AttemptResult, error) {
	future := make(chan shepherdapi.AttemptResult, 1)

	go func() {
		defer close(future)

		startedAt := time.Now()
		cmd := exec.CommandContext(ctx, "bash", "-c", script)

		var stderr bytes.Buffer
		cmd.Stderr = &stderr

		err := cmd.Run()
		exitCode := 0
		if err != nil {
			exitCode = -1
			if exitErr, ok := err.(*exec.ExitError); ok {
				exitCode = exitErr.ExitCode()
			}
			d.logger.Warnw("local attempt exited non-zero", "attemptID", attemptID, "stderr", stderr.String())
		}

		future <- shepherdapi.AttemptResult{
			ExitCode:   exitCode,
			StartedAt:  startedAt,
			FinishedAt: time.Now(),
		}
	}()

	return future, nil
}
