package shepherdapi

import "time"

// Address is an opaque locator for a piece of data on a filesystem: a POSIX
// path, a URI, an iRODS logical name. The core never interprets it beyond
// equality and passing it to templates and drivers.
type Address string

// Env is the variable environment threaded through templating and
// transformers. Reserved names (§4.1, §9) are rejected by the config loader
// before an Env ever reaches the core.
type Env map[string]string

// ReservedNames are the names under which the core injects its own per-hop
// keys (source.address, source.filesystem, target.address,
// target.filesystem); config-supplied variables may not use them.
var ReservedNames = map[string]struct{}{
	"source": {},
	"target": {},
}

// Clone returns a shallow copy, so callers can extend an Env without
// mutating a shared base environment.
func (e Env) Clone() Env {
	out := make(Env, len(e))
	for k, v := range e {
		out[k] = v
	}
	return out
}

// Merge returns a new Env with other's keys overlaid on e's.
func (e Env) Merge(other Env) Env {
	out := e.Clone()
	for k, v := range other {
		out[k] = v
	}
	return out
}

// Stat is what a FilesystemDriver reports for an address (§6).
type Stat struct {
	Size     *int64
	MTime    *time.Time
	CTime    *time.Time
	ATime    *time.Time
	Owner    string
	Group    string
	Metadata map[string]string
}

// DataItemStub is what a FilesystemDriver's query() yields: enough to
// materialise a DataItem, without committing to persistence here.
type DataItemStub struct {
	Address Address
	Stat    *Stat
}

// Checksum is one (algorithm, digest) pair recorded against a DataItem.
type Checksum struct {
	Algorithm string
	Digest    string
}

// ResourceRequest is what the `phase` config block supplies to a Dispatcher
// (§6): cores/memory/group for the underlying batch scheduler.
type ResourceRequest struct {
	Cores  int
	Memory string
	Group  string
}

// AttemptResult is what a Dispatcher's submitted future resolves to.
type AttemptResult struct {
	ExitCode   int
	StartedAt  time.Time
	FinishedAt time.Time
}
