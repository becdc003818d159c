// Package lsf implements the Dispatcher capability (§6) over Platform LSF:
// each attempt's script is wrapped so its exit status lands in a sentinel
// file, submitted with `bsub`, and polled until that sentinel appears.
// Grounded on the reference LSF executor's bsub-flag mapping and
// `Job <id>` id extraction.
package lsf

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rudderlabs/rudder-go-kit/logger"

	"github.com/wtsi-hgi/shepherd/internal/capability"
	"github.com/wtsi-hgi/shepherd/pkg/shepherdapi"
)

var jobIDPattern = regexp.MustCompile(`Job <(\d+)>`)

// Dispatcher implements capability.Dispatcher by shelling out to bsub and
// polling for a sentinel exit-code file.
type Dispatcher struct {
	sentinelDir  string
	pollInterval time.Duration
	logger       logger.Logger
	run          func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// New constructs an LSF dispatcher. options may set "sentinelDir" (default
// os.TempDir()) and "pollIntervalSeconds" (default 5).
func New(options map[string]any) (capability.Dispatcher, error) {
	sentinelDir, _ := options["sentinelDir"].(string)
	if sentinelDir == "" {
		sentinelDir = os.TempDir()
	}

	pollSeconds := 5
	if v, ok := options["pollIntervalSeconds"].(int); ok && v > 0 {
		pollSeconds = v
	}

	return &Dispatcher{
		sentinelDir:  sentinelDir,
		pollInterval: time.Duration(pollSeconds) * time.Second,
		logger:       logger.NewLogger().Child("executor.lsf"),
		run:          runCommand,
	}, nil
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Submit wraps script so its exit status is written to a sentinel file,
// submits it via bsub with the resource request mapped to LSF flags
// (cores -> -n, memory -> -M, group -> -G), and returns a future that
// resolves once the sentinel appears.
func (d *Dispatcher) Submit(ctx context.Context, attemptID, script string, resources shepherdapi.ResourceRequest) (<-chan shepherdapi.AttemptResult, error) {
	sentinel := d.sentinelPath(attemptID)
	wrapped := fmt.Sprintf("%s; echo $? > %s", script, sentinel)

	args := []string{}
	if resources.Cores > 0 {
		args = append(args, "-n", strconv.Itoa(resources.Cores))
	}
	if resources.Memory != "" {
		args = append(args, "-M", resources.Memory,
			"-R", fmt.Sprintf("select[mem>%s] rusage[mem=%s]", resources.Memory, resources.Memory))
	}
	if resources.Group != "" {
		args = append(args, "-G", resources.Group)
	}
	args = append(args, "-J", "shepherd_"+attemptID, wrapped)

	output, err := d.run(ctx, "bsub", args...)
	if err != nil {
		return nil, shepherdapi.Wrap(shepherdapi.KindConfiguration, err, "bsub for attempt %s: %s", attemptID, output)
	}

	match := jobIDPattern.FindSubmatch(output)
	if match == nil {
		return nil, shepherdapi.New(shepherdapi.KindConfiguration, "could not parse LSF job id from bsub output: %s", output)
	}
	jobID := string(match[1])

	future := make(chan shepherdapi.AttemptResult, 1)
	startedAt := time.Now()

	go d.awaitSentinel(ctx, jobID, sentinel, startedAt, future)

	return future, nil
}

func (d *Dispatcher) sentinelPath(attemptID string) string {
	return d.sentinelDir + "/shepherd-" + attemptID + ".exit"
}

func (d *Dispatcher) awaitSentinel(ctx context.Context, jobID, sentinel string, startedAt time.Time, future chan<- shepherdapi.AttemptResult) {
	defer close(future)

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Warnw("context cancelled while awaiting LSF job", "jobID", jobID)
			future <- shepherdapi.AttemptResult{ExitCode: -1, StartedAt: startedAt, FinishedAt: time.Now()}
			return
		case <-ticker.C:
			contents, err := os.ReadFile(sentinel)
			if err != nil {
				continue
			}
			exitCode, err := strconv.Atoi(strings.TrimSpace(string(contents)))
			if err != nil {
				exitCode = -1
			}
			future <- shepherdapi.AttemptResult{ExitCode: exitCode, StartedAt: startedAt, FinishedAt: time.Now()}
			_ = os.Remove(sentinel)
			return
		}
	}
}
