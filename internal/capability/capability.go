// Package capability defines the narrow contracts (§6) through which the
// core calls out to concrete filesystem drivers and is, in turn, driven by
// an executor. Concrete implementations (POSIX, S3, iRODS, LSF, local) live
// under internal/driver and internal/executor; this package only names the
// interfaces they satisfy.
package capability

import (
	"context"

	"github.com/wtsi-hgi/shepherd/internal/query"
	"github.com/wtsi-hgi/shepherd/pkg/shepherdapi"
)

// FilesystemDriver is the capability a named filesystem exposes to the
// core: the ability to enumerate data matching a query, stat a single
// address, and report a sensible default concurrency cap.
type FilesystemDriver interface {
	// Query evaluates the targeting DSL (§6) against source (a root path
	// or a file-of-filenames address), per criteria, and streams back
	// stubs for every match. A driver that cannot satisfy part of
	// criteria must return an error wrapping
	// shepherdapi.KindUnsupportedPredicate naming the unsupported
	// predicate. criteria may be nil, meaning "every item under source".
	Query(ctx context.Context, source shepherdapi.Address, criteria *query.Query) (<-chan shepherdapi.DataItemStub, <-chan error)

	// Stat returns what the driver knows about a single address.
	Stat(ctx context.Context, address shepherdapi.Address) (*shepherdapi.Stat, error)

	// MaxConcurrencyDefault is used by the Filesystem Registry when a
	// filesystem's configuration omits an explicit max_concurrency.
	MaxConcurrencyDefault() int
}

// Dispatcher is the capability the executor (LSF, local, …) exposes to the
// Dispatch Loop: submit a rendered script for one attempt and await its
// outcome.
type Dispatcher interface {
	// Submit hands off script for asynchronous execution and returns a
	// future of its outcome. The returned error is only for submission
	// failures (e.g. the batch scheduler rejected the job); execution
	// failures are reported through the future's exit code.
	Submit(ctx context.Context, attemptID string, script string, resources shepherdapi.ResourceRequest) (<-chan shepherdapi.AttemptResult, error)
}

// DriverFactory constructs a FilesystemDriver from the `options` map
// declared for a filesystem in configuration — the registry keyed by
// driver_key referred to in §9 ("Dynamic capability dispatch").
type DriverFactory func(options map[string]any) (FilesystemDriver, error)

// DispatcherFactory constructs a Dispatcher from the `executor` config
// block.
type DispatcherFactory func(options map[string]any) (Dispatcher, error)
