// Package dispatch implements the Dispatch Loop (C8): it claims eligible
// tasks from the state store's todo view, hands each off to a Dispatcher
// capability, and records the outcome, retrying transient store
// contention with backoff the way the teacher retries its own migrations
// and uploads.
package dispatch

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"golang.org/x/sync/errgroup"

	"github.com/wtsi-hgi/shepherd/internal/capability"
	"github.com/wtsi-hgi/shepherd/internal/metrics"
	"github.com/wtsi-hgi/shepherd/internal/state"
	"github.com/wtsi-hgi/shepherd/pkg/shepherdapi"
)

const defaultPollInterval = 2 * time.Second

// Store is the subset of *state.Store the dispatch loop depends on, kept
// narrow so tests can supply a fake instead of a real database.
type Store interface {
	ClaimTasks(ctx context.Context, jobID string, limit int) ([]state.TodoRow, error)
	FinishAttempt(ctx context.Context, taskID string, exitCode int) error
	JobDone(ctx context.Context, jobID string) (bool, error)
}

// Loop drives one job's tasks from todo through to completion.
type Loop struct {
	Store        Store
	Dispatcher   capability.Dispatcher
	Resources    shepherdapi.ResourceRequest
	Concurrency  int
	PollInterval time.Duration
	Metrics      *metrics.Metrics

	logger logger.Logger
}

// New constructs a Loop. concurrency <= 0 is treated as 1.
func New(store Store, dispatcher capability.Dispatcher, resources shepherdapi.ResourceRequest, concurrency int, m *metrics.Metrics) *Loop {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Loop{
		Store:        store,
		Dispatcher:   dispatcher,
		Resources:    resources,
		Concurrency:  concurrency,
		PollInterval: defaultPollInterval,
		Metrics:      m,
		logger:       logger.NewLogger().Child("dispatch"),
	}
}

// Run fans out Concurrency workers against jobID, each claiming, running
// and finishing one task at a time, and returns once the job has no
// pending or running tasks left (§4.7, §8's todo-scenario property).
func (l *Loop) Run(ctx context.Context, jobID string) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < l.Concurrency; i++ {
		g.Go(func() error {
			return l.worker(ctx, jobID)
		})
	}
	return g.Wait()
}

func (l *Loop) worker(ctx context.Context, jobID string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		claimed, err := l.claimWithRetry(ctx, jobID)
		if err != nil {
			return err
		}
		l.Metrics.TasksClaimed(jobID, len(claimed))

		if len(claimed) == 0 {
			done, err := l.Store.JobDone(ctx, jobID)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(l.PollInterval):
			}
			continue
		}

		for _, task := range claimed {
			if err := l.runAttempt(ctx, task); err != nil {
				return err
			}
		}
	}
}

// runAttempt submits one claimed task and records its outcome. A
// Dispatcher.Submit error (submission rejected, not execution failure) is
// recorded as a failed attempt rather than aborting the worker — one bad
// task shouldn't stall the rest of the job.
func (l *Loop) runAttempt(ctx context.Context, task state.TodoRow) error {
	future, err := l.Dispatcher.Submit(ctx, task.TaskID, task.Script, l.Resources)
	if err != nil {
		l.logger.Errorw("submitting attempt failed", "taskID", task.TaskID, "error", err)
		l.Metrics.AttemptSubmitFailed(task.SourceFilesystem, task.TargetFilesystem)
		return l.finishWithRetry(ctx, task.TaskID, -1)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case result, ok := <-future:
		if !ok {
			return shepherdapi.New(shepherdapi.KindUnknown, "dispatcher closed attempt %q's result channel without a result", task.TaskID)
		}
		l.Metrics.AttemptFinished(task.SourceFilesystem, task.TargetFilesystem, result.ExitCode, result.FinishedAt.Sub(result.StartedAt))
		return l.finishWithRetry(ctx, task.TaskID, result.ExitCode)
	}
}

func (l *Loop) claimWithRetry(ctx context.Context, jobID string) ([]state.TodoRow, error) {
	var claimed []state.TodoRow
	operation := func() error {
		rows, err := l.Store.ClaimTasks(ctx, jobID, 1)
		if err != nil {
			if shepherdapi.KindOf(err) == shepherdapi.KindTransientStore {
				return err
			}
			return backoff.Permanent(err)
		}
		claimed = rows
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	err := backoff.RetryNotify(operation, b, func(err error, wait time.Duration) {
		l.logger.Warnw("retrying task claim after transient store error", "jobID", jobID, "wait", wait, "error", err)
	})
	return claimed, err
}

func (l *Loop) finishWithRetry(ctx context.Context, taskID string, exitCode int) error {
	operation := func() error {
		err := l.Store.FinishAttempt(ctx, taskID, exitCode)
		if err != nil {
			if shepherdapi.KindOf(err) == shepherdapi.KindTransientStore {
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	return backoff.RetryNotify(operation, b, func(err error, wait time.Duration) {
		l.logger.Warnw("retrying attempt finish after transient store error", "taskID", taskID, "wait", wait, "error", err)
	})
}
