package state

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wtsi-hgi/shepherd/internal/expand"
	"github.com/wtsi-hgi/shepherd/pkg/shepherdapi"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return &Store{db: db}, mock
}

func TestCreateJobInsertsJobAndOpensPreparePhase(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("insert into jobs").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into job_phases").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	id, err := s.CreateJob(context.Background(), "client-ref", 3)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateJobRollsBackOnFailure(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("insert into jobs").WillReturnError(assert.AnError)
	mock.ExpectRollback()

	_, err := s.CreateJob(context.Background(), "client-ref", 3)
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClosePhaseOpensTransferAfterPrepare(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("update job_phases set finish").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into job_phases").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.ClosePhase(context.Background(), "job-1", PhasePrepare)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClosePhaseFailsWhenNotOpen(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("update job_phases set finish").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.ClosePhase(context.Background(), "job-1", PhasePrepare)
	require.Error(t, err)
}

func TestInsertTaskChainPersistsEveryHopAtomically(t *testing.T) {
	s, mock := newMockStore(t)

	chain := []expand.TaskInsert{
		{SourceFilesystem: "lustre", SourceAddress: "/a", TargetFilesystem: "staging", TargetAddress: "/staging/a", Script: "cp"},
		{SourceFilesystem: "staging", SourceAddress: "/staging/a", TargetFilesystem: "irods", TargetAddress: "/irods/a", Script: "iput", DependsOnPrevious: true},
	}

	mock.ExpectBegin()
	mock.ExpectQuery("select id from filesystems").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("fs-lustre"))
	mock.ExpectQuery("select id from filesystems").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("fs-staging"))
	mock.ExpectQuery("insert into data_items").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("di-1"))
	mock.ExpectQuery("insert into data_items").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("di-2"))
	mock.ExpectExec("insert into tasks").WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectQuery("select id from filesystems").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("fs-staging"))
	mock.ExpectQuery("select id from filesystems").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("fs-irods"))
	mock.ExpectQuery("insert into data_items").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("di-2"))
	mock.ExpectQuery("insert into data_items").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("di-3"))
	mock.ExpectExec("insert into tasks").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.InsertTaskChain(context.Background(), "job-1", chain)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimTasksRecordsAnAttemptPerClaimedRow(t *testing.T) {
	s, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{"task_id", "job_id", "source_filesystem", "target_filesystem", "script", "dependency_task_id", "size", "eta"}).
		AddRow("task-1", "job-1", "lustre", "staging", "cp", nil, nil, nil)

	mock.ExpectBegin()
	mock.ExpectQuery("from todo").WillReturnRows(rows)
	mock.ExpectExec("insert into attempts").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	claimed, err := s.ClaimTasks(context.Background(), "job-1", 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "task-1", claimed[0].TaskID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFinishAttemptFailsWhenNoOpenAttempt(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("update attempts set finish").WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.FinishAttempt(context.Background(), "task-1", 0)
	require.Error(t, err)
	assert.Equal(t, shepherdapi.KindConfiguration, shepherdapi.KindOf(err))
}

func TestJobDoneReportsTrueWhenNoPendingOrRunning(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("from job_status").WillReturnRows(sqlmock.NewRows([]string{"pending", "running"}).AddRow(0, 0))

	done, err := s.JobDone(context.Background(), "job-1")
	require.NoError(t, err)
	assert.True(t, done)
}
