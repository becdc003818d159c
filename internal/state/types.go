package state

import "time"

// Job mirrors the jobs table.
type Job struct {
	ID          string
	ClientRef   string
	MaxAttempts int
	CreatedAt   time.Time
}

// JobPhase mirrors one row of job_phases: a job has a "prepare" row and a
// "transfer" row, each opened when the phase starts and closed when it
// finishes (§4.8).
type JobPhase struct {
	JobID  string
	Phase  string
	Start  time.Time
	Finish *time.Time
}

const (
	PhasePrepare  = "prepare"
	PhaseTransfer = "transfer"
)

// Filesystem mirrors the filesystems table: one row per filesystem
// declared for a job, scoped and cascade-deleted with it.
type Filesystem struct {
	ID              string
	JobID           string
	Name            string
	DriverKey       string
	Options         []byte // raw jsonb
	MaxConcurrency  int
}

// DataItem mirrors the data_items table: one row per (filesystem, address)
// pair ever referenced by a task, get-or-create by the expander.
type DataItem struct {
	ID           string
	FilesystemID string
	Address      string
	Size         *int64
}

// Task mirrors the tasks table.
type Task struct {
	ID               string
	JobID            string
	SourceDataID     string
	TargetDataID     string
	Script           string
	DependencyTaskID *string
	CreatedAt        time.Time
}

// Attempt mirrors the attempts table.
type Attempt struct {
	ID       string
	TaskID   string
	Start    time.Time
	Finish   *time.Time
	ExitCode *int
}

// TaskStatusRow mirrors one row of the task_status view.
type TaskStatusRow struct {
	TaskID    string
	JobID     string
	Attempt   int
	AttemptID *string
	Start     *time.Time
	Finish    *time.Time
	ExitCode  *int
	Succeeded bool
	Latest    bool
}

// JobStatusRow mirrors one row of the job_status view: counts of tasks in
// each terminal/non-terminal bucket for one (job, source_fs, target_fs)
// triple.
type JobStatusRow struct {
	JobID      string
	SourceFS   string
	TargetFS   string
	Succeeded  int64
	Running    int64
	Failed     int64
	Pending    int64
}

// JobThroughputRow mirrors one row of the job_throughput view.
type JobThroughputRow struct {
	JobID        string
	SourceFS     string
	TargetFS     string
	BytesPerSec  *float64
	FailureRate  *float64
}

// FilesystemStatusRow mirrors one row of the filesystem_status view.
type FilesystemStatusRow struct {
	JobID          string
	Filesystem     string
	MaxConcurrency int
	Concurrency    int
}

// TodoRow mirrors one row of the todo view: a single task eligible for
// dispatch right now (§4.7).
type TodoRow struct {
	TaskID           string
	JobID            string
	SourceFilesystem string
	TargetFilesystem string
	Script           string
	DependencyTaskID *string
	Size             *int64
	ETA              *float64
}
