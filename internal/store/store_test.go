package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/jodafons/maestro/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "maestro.db")
	db, err := Connect(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db)
}

func TestSaveTaskAndParents(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	parent := &model.Task{Name: "user.alice.parent"}
	require.NoError(t, st.SaveTask(ctx, parent, nil))

	child := &model.Task{Name: "user.alice.child"}
	require.NoError(t, st.SaveTask(ctx, child, []string{parent.ID}))

	parents, err := st.TaskParents(ctx, child.ID)
	require.NoError(t, err)
	require.Equal(t, []string{parent.ID}, parents)

	status, err := st.TaskStatus(ctx, parent.ID)
	require.NoError(t, err)
	require.Equal(t, model.TaskPreRegistered, status)
}

func TestQueueableJobsOrdering(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	task := &model.Task{Name: "user.alice.t1"}
	require.NoError(t, st.SaveTask(ctx, task, nil))

	low := &model.Job{TaskID: task.ID, Index: 0, Status: model.JobAssigned, Priority: 1}
	high := &model.Job{TaskID: task.ID, Index: 1, Status: model.JobAssigned, Priority: 5}
	require.NoError(t, st.WithTaskLock(ctx, task.ID, func(tx *sqlx.Tx) error {
		if err := st.InsertJob(ctx, tx, low); err != nil {
			return err
		}
		return st.InsertJob(ctx, tx, high)
	}))

	jobs, err := st.QueueableJobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	require.Equal(t, high.ID, jobs[0].ID)
	require.Equal(t, low.ID, jobs[1].ID)
}

func TestResetJobForRetryClearsBackendID(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	task := &model.Task{Name: "user.alice.t2"}
	require.NoError(t, st.SaveTask(ctx, task, nil))

	job := &model.Job{TaskID: task.ID, Status: model.JobRunning, BackendJobID: 42}
	require.NoError(t, st.WithTaskLock(ctx, task.ID, func(tx *sqlx.Tx) error {
		return st.InsertJob(ctx, tx, job)
	}))

	require.NoError(t, st.WithTaskLock(ctx, task.ID, func(tx *sqlx.Tx) error {
		return st.ResetJobForRetry(ctx, tx, job.ID, model.JobAssigned, 1)
	}))

	got, err := st.JobByID(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobAssigned, got.Status)
	require.Equal(t, 1, got.Retry)
	require.Equal(t, model.UnboundBackendJobID, got.BackendJobID)
}

func TestStartupReconciliationBulkOps(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	task := &model.Task{Name: "user.alice.t3"}
	require.NoError(t, st.SaveTask(ctx, task, nil))

	running := &model.Job{TaskID: task.ID, Status: model.JobRunning, BackendJobID: 1}
	killing := &model.Job{TaskID: task.ID, Index: 1, Status: model.JobKill, BackendJobID: 2}
	require.NoError(t, st.WithTaskLock(ctx, task.ID, func(tx *sqlx.Tx) error {
		if err := st.InsertJob(ctx, tx, running); err != nil {
			return err
		}
		return st.InsertJob(ctx, tx, killing)
	}))

	require.NoError(t, st.ResetRunningJobsToAssigned(ctx))
	require.NoError(t, st.ResetKillJobsToKilled(ctx))
	require.NoError(t, st.ClearAssignedBackendIDs(ctx))

	got, err := st.JobByID(ctx, running.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobAssigned, got.Status)
	require.Equal(t, model.UnboundBackendJobID, got.BackendJobID)

	got, err = st.JobByID(ctx, killing.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobKilled, got.Status)
	require.Equal(t, model.UnboundBackendJobID, got.BackendJobID)
}
