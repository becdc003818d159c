// Package state implements the State Store (C7): the durable record of
// jobs, filesystems, data items, tasks and attempts, and the derived views
// the rest of the system reads its runtime picture from (§3).
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/rudderlabs/rudder-go-kit/logger"

	"github.com/wtsi-hgi/shepherd/internal/expand"
	"github.com/wtsi-hgi/shepherd/internal/state/migrations"
	"github.com/wtsi-hgi/shepherd/pkg/shepherdapi"
)

// schemaVersion is the migration version this binary expects schema_meta to
// record. Opening a store whose recorded version differs fails
// SchemaMismatch rather than silently running against a schema this build
// wasn't tested against.
const schemaVersion = "00001_init"

// Tx wraps *sql.Tx the way jobsdb's Tx wraps it: a thin type callers pass
// around instead of the raw database/sql handle, leaving room to attach
// side-effect hooks later without changing every call site's signature.
type Tx struct {
	*sql.Tx
}

// Store is the handle to the state store's Postgres database.
type Store struct {
	db     *sql.DB
	logger logger.Logger
}

// Open connects to dsn, verifies the schema version recorded in
// schema_meta matches schemaVersion (KindSchemaMismatch on mismatch or a
// store that was never migrated), and returns a ready Store.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, shepherdapi.Wrap(shepherdapi.KindConfiguration, err, "opening state store")
	}
	if err := db.Ping(); err != nil {
		return nil, shepherdapi.Wrap(shepherdapi.KindConfiguration, err, "connecting to state store")
	}

	s := &Store{db: db, logger: logger.NewLogger().Child("state")}

	version, err := s.recordedSchemaVersion(context.Background())
	if err != nil {
		return nil, err
	}
	if version != schemaVersion {
		return nil, shepherdapi.New(shepherdapi.KindSchemaMismatch,
			"state store schema is %q, this build expects %q (run Migrate first)", version, schemaVersion)
	}

	return s, nil
}

func (s *Store) recordedSchemaVersion(ctx context.Context) (string, error) {
	var version string
	err := s.db.QueryRowContext(ctx, `select version from schema_meta where singleton`).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return "", shepherdapi.New(shepherdapi.KindSchemaMismatch, "state store has no schema_meta row; has it been migrated?")
	}
	if err != nil {
		return "", shepherdapi.Wrap(shepherdapi.KindConfiguration, err, "reading schema_meta")
	}
	return version, nil
}

// Migrate applies every embedded migration up to the latest version. The
// shepherd CLI never calls it: the planning/dispatch path only calls Open,
// which expects the schema already in place.
func Migrate(dsn string) error {
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return shepherdapi.Wrap(shepherdapi.KindConfiguration, err, "loading embedded migrations")
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, dsn)
	if err != nil {
		return shepherdapi.Wrap(shepherdapi.KindConfiguration, err, "initialising migrator")
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return shepherdapi.Wrap(shepherdapi.KindConfiguration, err, "applying migrations")
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// WithTx runs f inside a transaction, committing on success and rolling
// back (surfacing the rollback error too, if any) on failure. Mirrors
// jobsdb's WithTx, generalised to return whatever f returns.
func (s *Store) WithTx(ctx context.Context, f func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err, "beginning transaction")
	}

	tx := &Tx{Tx: sqlTx}
	if err := f(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w; rollback also failed: %s", err, rbErr)
		}
		return err
	}
	return tx.Commit()
}

// CreateJob inserts a new job row and opens its prepare phase.
func (s *Store) CreateJob(ctx context.Context, clientRef string, maxAttempts int) (string, error) {
	id := uuid.NewString()
	err := s.WithTx(ctx, func(tx *Tx) error {
		if _, err := tx.ExecContext(ctx,
			`insert into jobs (id, client_ref, max_attempts) values ($1, $2, $3)`,
			id, clientRef, maxAttempts); err != nil {
			return classify(err, "inserting job")
		}
		if _, err := tx.ExecContext(ctx,
			`insert into job_phases (job_id, phase, start) values ($1, $2, now())`,
			id, PhasePrepare); err != nil {
			return classify(err, "opening prepare phase")
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// ClosePhase closes phase for job and, if phase is "prepare", opens
// "transfer" in the same transaction (§4.8: the two phases are contiguous).
func (s *Store) ClosePhase(ctx context.Context, jobID, phase string) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		res, err := tx.ExecContext(ctx,
			`update job_phases set finish = now() where job_id = $1 and phase = $2 and finish is null`,
			jobID, phase)
		if err != nil {
			return classify(err, "closing phase %q for job %q", phase, jobID)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return shepherdapi.New(shepherdapi.KindConfiguration, "phase %q for job %q is not open", phase, jobID)
		}

		if phase == PhasePrepare {
			if _, err := tx.ExecContext(ctx,
				`insert into job_phases (job_id, phase, start) values ($1, $2, now())`,
				jobID, PhaseTransfer); err != nil {
				return classify(err, "opening transfer phase for job %q", jobID)
			}
		}
		return nil
	})
}

// AddFilesystem registers a filesystem for a job, as configured under
// `filesystems` (§6).
func (s *Store) AddFilesystem(ctx context.Context, jobID, name, driverKey string, options map[string]any, maxConcurrency int) (string, error) {
	encoded, err := json.Marshal(options)
	if err != nil {
		return "", shepherdapi.Wrap(shepherdapi.KindConfiguration, err, "encoding options for filesystem %q", name)
	}

	id := uuid.NewString()
	_, err = s.db.ExecContext(ctx,
		`insert into filesystems (id, job_id, name, driver_key, options, max_concurrency) values ($1, $2, $3, $4, $5, $6)`,
		id, jobID, name, driverKey, encoded, maxConcurrency)
	if err != nil {
		return "", classify(err, "inserting filesystem %q", name)
	}
	return id, nil
}

// getOrCreateDataItem returns the id of the data_items row for
// (filesystemID, address), inserting it if absent. Must run inside tx: two
// concurrent expanders racing to create the same row rely on the unique
// constraint plus ON CONFLICT to converge on one id.
func getOrCreateDataItem(ctx context.Context, tx *Tx, filesystemID string, address shepherdapi.Address) (string, error) {
	id := uuid.NewString()
	var got string
	err := tx.QueryRowContext(ctx, `
		insert into data_items (id, filesystem_id, address) values ($1, $2, $3)
		on conflict (filesystem_id, address) do update set address = excluded.address
		returning id`,
		id, filesystemID, string(address)).Scan(&got)
	if err != nil {
		return "", classify(err, "get-or-create data item %s:%s", filesystemID, address)
	}
	return got, nil
}

func filesystemIDByName(ctx context.Context, tx *Tx, jobID, name string) (string, error) {
	var id string
	err := tx.QueryRowContext(ctx, `select id from filesystems where job_id = $1 and name = $2`, jobID, name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", shepherdapi.New(shepherdapi.KindConfiguration, "job %q has no filesystem named %q", jobID, name)
	}
	if err != nil {
		return "", classify(err, "looking up filesystem %q", name)
	}
	return id, nil
}

// InsertTaskChain implements expand.Persister: it get-or-creates every data
// item the chain touches and inserts the chain's tasks in one transaction,
// so a whole file's chain is persisted atomically (§4.6).
func (s *Store) InsertTaskChain(ctx context.Context, jobID string, chain []expand.TaskInsert) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		var previousTaskID *string

		for _, t := range chain {
			sourceFSID, err := filesystemIDByName(ctx, tx, jobID, t.SourceFilesystem)
			if err != nil {
				return err
			}
			targetFSID, err := filesystemIDByName(ctx, tx, jobID, t.TargetFilesystem)
			if err != nil {
				return err
			}

			sourceDataID, err := getOrCreateDataItem(ctx, tx, sourceFSID, t.SourceAddress)
			if err != nil {
				return err
			}
			targetDataID, err := getOrCreateDataItem(ctx, tx, targetFSID, t.TargetAddress)
			if err != nil {
				return err
			}

			taskID := uuid.NewString()
			var dependency any
			if t.DependsOnPrevious {
				dependency = previousTaskID
			}

			_, err = tx.ExecContext(ctx,
				`insert into tasks (id, job_id, source_data_id, target_data_id, script, dependency_task_id)
				 values ($1, $2, $3, $4, $5, $6)`,
				taskID, jobID, sourceDataID, targetDataID, t.Script, dependency)
			if err != nil {
				return classify(err, "inserting task %s", t)
			}

			previousTaskID = &taskID
		}
		return nil
	})
}

// Todo returns the scheduler's current eligibility set for jobID, ordered
// eta asc nulls last, then task id asc (§4.7, §9).
func (s *Store) Todo(ctx context.Context, jobID string, limit int) ([]TodoRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		select task_id, job_id, source_filesystem, target_filesystem, script, dependency_task_id, size, eta
		from todo
		where job_id = $1
		order by eta asc nulls last, task_id asc
		limit $2`,
		jobID, limit)
	if err != nil {
		return nil, classify(err, "querying todo for job %q", jobID)
	}
	defer rows.Close()

	var out []TodoRow
	for rows.Next() {
		var r TodoRow
		if err := rows.Scan(&r.TaskID, &r.JobID, &r.SourceFilesystem, &r.TargetFilesystem, &r.Script, &r.DependencyTaskID, &r.Size, &r.ETA); err != nil {
			return nil, classify(err, "scanning todo row")
		}
		out = append(out, r)
	}
	return out, classify(rows.Err(), "iterating todo rows")
}

// ClaimTasks locks up to limit eligible tasks for jobID and records a new
// attempt (start=now, no finish/exit_code) for each, using FOR UPDATE SKIP
// LOCKED so concurrent dispatchers never block on, or double-claim, the
// same task (§4.7/§5).
func (s *Store) ClaimTasks(ctx context.Context, jobID string, limit int) ([]TodoRow, error) {
	var claimed []TodoRow

	err := s.WithTx(ctx, func(tx *Tx) error {
		rows, err := tx.QueryContext(ctx, `
			select task_id, job_id, source_filesystem, target_filesystem, script, dependency_task_id, size, eta
			from todo
			where job_id = $1
			order by eta asc nulls last, task_id asc
			limit $2
			for update skip locked`,
			jobID, limit)
		if err != nil {
			return classify(err, "selecting claimable tasks for job %q", jobID)
		}

		for rows.Next() {
			var r TodoRow
			if err := rows.Scan(&r.TaskID, &r.JobID, &r.SourceFilesystem, &r.TargetFilesystem, &r.Script, &r.DependencyTaskID, &r.Size, &r.ETA); err != nil {
				rows.Close()
				return classify(err, "scanning claimable task row")
			}
			claimed = append(claimed, r)
		}
		if err := rows.Err(); err != nil {
			return classify(err, "iterating claimable task rows")
		}
		rows.Close()

		for _, r := range claimed {
			if _, err := tx.ExecContext(ctx,
				`insert into attempts (id, task_id, start) values ($1, $2, now())`,
				uuid.NewString(), r.TaskID); err != nil {
				return classify(err, "recording attempt for task %q", r.TaskID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// FinishAttempt records the outcome of the most recent open attempt for
// taskID.
func (s *Store) FinishAttempt(ctx context.Context, taskID string, exitCode int) error {
	res, err := s.db.ExecContext(ctx, `
		update attempts set finish = now(), exit_code = $2
		where id = (select id from attempts where task_id = $1 and finish is null order by start desc limit 1)`,
		taskID, exitCode)
	if err != nil {
		return classify(err, "finishing attempt for task %q", taskID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return shepherdapi.New(shepherdapi.KindConfiguration, "task %q has no open attempt to finish", taskID)
	}
	return nil
}

// JobStatus returns the job_status rows for jobID.
func (s *Store) JobStatus(ctx context.Context, jobID string) ([]JobStatusRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`select job_id, source_fs, target_fs, succeeded, running, failed, pending from job_status where job_id = $1`,
		jobID)
	if err != nil {
		return nil, classify(err, "querying job_status for job %q", jobID)
	}
	defer rows.Close()

	var out []JobStatusRow
	for rows.Next() {
		var r JobStatusRow
		if err := rows.Scan(&r.JobID, &r.SourceFS, &r.TargetFS, &r.Succeeded, &r.Running, &r.Failed, &r.Pending); err != nil {
			return nil, classify(err, "scanning job_status row")
		}
		out = append(out, r)
	}
	return out, classify(rows.Err(), "iterating job_status rows")
}

// JobDone reports whether jobID has no pending or running tasks left,
// across every (source, target) filesystem pair — the dispatch loop's
// termination signal.
func (s *Store) JobDone(ctx context.Context, jobID string) (bool, error) {
	var pending, running int64
	err := s.db.QueryRowContext(ctx,
		`select coalesce(sum(pending), 0), coalesce(sum(running), 0) from job_status where job_id = $1`,
		jobID).Scan(&pending, &running)
	if err != nil {
		return false, classify(err, "checking completion for job %q", jobID)
	}
	return pending == 0 && running == 0, nil
}
