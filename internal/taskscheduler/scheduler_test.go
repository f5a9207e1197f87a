package taskscheduler

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/jodafons/maestro/internal/config"
	"github.com/jodafons/maestro/internal/model"
	"github.com/jodafons/maestro/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "maestro.db")
	db, err := store.Connect(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return store.New(db)
}

func seedTaskWithJobs(t *testing.T, st *store.Store, n int) *model.Task {
	t.Helper()
	ctx := context.Background()
	task := &model.Task{Name: "user.alice.t1", Status: model.TaskRegistered}
	require.NoError(t, st.SaveTask(ctx, task, nil))

	require.NoError(t, st.WithTaskLock(ctx, task.ID, func(tx *sqlx.Tx) error {
		for i := 0; i < n; i++ {
			job := &model.Job{TaskID: task.ID, Index: i, Status: model.JobRegistered}
			if err := st.InsertJob(ctx, tx, job); err != nil {
				return err
			}
		}
		return nil
	}))
	return task
}

func TestStepRegisteredToAssigned(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	task := seedTaskWithJobs(t, st, 2)

	sched, err := New(st, &config.Config{})
	require.NoError(t, err)

	terminal, err := sched.Step(ctx, task.ID)
	require.NoError(t, err)
	require.False(t, terminal)

	status, err := st.TaskStatus(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, model.TaskAssigned, status)

	jobs, err := st.JobsByTask(ctx, task.ID)
	require.NoError(t, err)
	for _, j := range jobs {
		require.Equal(t, model.JobAssigned, j.Status)
	}
}

func TestStepRunningToCompletedWhenAllJobsDone(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	task := seedTaskWithJobs(t, st, 2)

	require.NoError(t, st.WithTaskLock(ctx, task.ID, func(tx *sqlx.Tx) error {
		return st.UpdateTaskStatus(ctx, tx, task.ID, model.TaskRunning)
	}))
	jobs, err := st.JobsByTask(ctx, task.ID)
	require.NoError(t, err)
	require.NoError(t, st.WithTaskLock(ctx, task.ID, func(tx *sqlx.Tx) error {
		for _, j := range jobs {
			if err := st.UpdateJobStatus(ctx, tx, j.ID, model.JobCompleted); err != nil {
				return err
			}
		}
		return nil
	}))

	sched, err := New(st, &config.Config{})
	require.NoError(t, err)

	terminal, err := sched.Step(ctx, task.ID)
	require.NoError(t, err)
	require.True(t, terminal)

	status, err := st.TaskStatus(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, model.TaskCompleted, status)
}

func TestStepRunningRetriesFailedJobBelowMaxRetry(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	task := seedTaskWithJobs(t, st, 1)

	jobs, err := st.JobsByTask(ctx, task.ID)
	require.NoError(t, err)
	job := jobs[0]

	require.NoError(t, st.WithTaskLock(ctx, task.ID, func(tx *sqlx.Tx) error {
		if err := st.UpdateTaskStatus(ctx, tx, task.ID, model.TaskRunning); err != nil {
			return err
		}
		return st.UpdateJobStatus(ctx, tx, job.ID, model.JobFailed)
	}))

	sched, err := New(st, &config.Config{})
	require.NoError(t, err)

	terminal, err := sched.Step(ctx, task.ID)
	require.NoError(t, err)
	require.False(t, terminal)

	status, err := st.TaskStatus(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, model.TaskRunning, status)

	got, err := st.JobByID(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobAssigned, got.Status)
	require.Equal(t, 1, got.Retry)
}

func TestStepKillTriggerMovesRunningJobsToKillAndOthersToKilled(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	task := seedTaskWithJobs(t, st, 2)

	jobs, err := st.JobsByTask(ctx, task.ID)
	require.NoError(t, err)

	require.NoError(t, st.WithTaskLock(ctx, task.ID, func(tx *sqlx.Tx) error {
		if err := st.UpdateTaskStatus(ctx, tx, task.ID, model.TaskRunning); err != nil {
			return err
		}
		if err := st.UpdateJobStatus(ctx, tx, jobs[0].ID, model.JobRunning); err != nil {
			return err
		}
		return st.UpdateJobStatus(ctx, tx, jobs[1].ID, model.JobAssigned)
	}))
	require.NoError(t, st.UpdateTaskExternalState(ctx, task.ID, model.TaskStateKill))

	sched, err := New(st, &config.Config{})
	require.NoError(t, err)

	terminal, err := sched.Step(ctx, task.ID)
	require.NoError(t, err)
	require.False(t, terminal)

	status, err := st.TaskStatus(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, model.TaskKill, status)

	running, err := st.JobByID(ctx, jobs[0].ID)
	require.NoError(t, err)
	require.Equal(t, model.JobKill, running.Status)

	assigned, err := st.JobByID(ctx, jobs[1].ID)
	require.NoError(t, err)
	require.Equal(t, model.JobKilled, assigned.Status)
}

func TestTestingModeIsolatesFirstJob(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	task := seedTaskWithJobs(t, st, 3)

	sched, err := New(st, &config.Config{TestingMode: true})
	require.NoError(t, err)

	terminal, err := sched.Step(ctx, task.ID) // REGISTERED -> ASSIGNED
	require.NoError(t, err)
	require.False(t, terminal)

	terminal, err = sched.Step(ctx, task.ID) // ASSIGNED -> TESTING
	require.NoError(t, err)
	require.False(t, terminal)

	status, err := st.TaskStatus(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, model.TaskTesting, status)

	jobs, err := st.JobsByTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobAssigned, jobs[0].Status)
	for _, j := range jobs[1:] {
		require.Equal(t, model.JobRegistered, j.Status)
	}
}

func TestStartTaskAndIsLive(t *testing.T) {
	st := newTestStore(t)
	task := seedTaskWithJobs(t, st, 1)

	sched, err := New(st, &config.Config{})
	require.NoError(t, err)

	require.False(t, sched.IsLive(task.ID))
	require.NoError(t, sched.StartTask(task.ID))
	require.True(t, sched.IsLive(task.ID))
	require.NoError(t, sched.Shutdown())
}
