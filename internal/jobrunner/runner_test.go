package jobrunner

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/jodafons/maestro/internal/config"
	"github.com/jodafons/maestro/internal/contentio"
	"github.com/jodafons/maestro/internal/model"
	"github.com/jodafons/maestro/internal/store"
)

func newTestRunner(t *testing.T) (*Runner, *store.Store, *contentio.Volume) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "maestro.db")
	db, err := store.Connect(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	st := store.New(db)
	vol := contentio.New(t.TempDir())
	cfg := &config.Config{MemoryGuardPct: 0.8}
	return New(st, vol, cfg), st, vol
}

// fakeContainerExec writes a wrapper script standing in for
// container-exec: it drops the `--nv --writable-tmpfs --bind ...`
// flags container-exec would normally consume and runs the trailing
// `bash <entrypoint>` invocation directly.
func fakeContainerExec(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-container-exec.sh")
	script := "#!/bin/bash\nexec \"${@: -2}\"\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestRunPublishesOutputOnSuccess(t *testing.T) {
	ctx := context.Background()
	runner, st, vol := newTestRunner(t)

	image := &model.Dataset{Name: "user.alice.image", Kind: model.DatasetImage}
	require.NoError(t, st.SaveDataset(ctx, image))
	_, err := vol.EnsureDataset(image.ID, model.DatasetImage)
	require.NoError(t, err)
	require.NoError(t, st.AppendFile(ctx, &model.File{DatasetID: image.ID, Filename: "image.sif"}))
	require.NoError(t, os.WriteFile(filepath.Join(vol.DatasetPath(image.ID, model.DatasetImage), "image.sif"), []byte("x"), 0o644))

	outDataset := &model.Dataset{Name: "user.alice.t1.result.txt", Kind: model.DatasetFiles}
	require.NoError(t, st.SaveDataset(ctx, outDataset))
	_, err = vol.EnsureDataset(outDataset.ID, model.DatasetFiles)
	require.NoError(t, err)

	task := &model.Task{Name: "user.alice.t1"}
	require.NoError(t, task.SetSpec(model.TaskSpec{
		Command: "echo hi > %OUT",
		Image:   "user.alice.image",
		Outputs: map[string]string{"OUT": "result.txt"},
	}))
	require.NoError(t, st.SaveTask(ctx, task, nil))

	job := &model.Job{TaskID: task.ID, Status: model.JobRegistered, BackendJobID: model.UnboundBackendJobID}
	require.NoError(t, st.WithTaskLock(ctx, task.ID, func(tx *sqlx.Tx) error {
		return st.InsertJob(ctx, tx, job)
	}))

	ContainerExec = fakeContainerExec(t)
	t.Cleanup(func() { ContainerExec = "container-exec" })

	require.NoError(t, runner.Run(ctx, job.ID))

	got, err := st.JobByID(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobCompleted, got.Status)

	files, err := st.FilesByDataset(ctx, outDataset.ID)
	require.NoError(t, err)
	require.Len(t, files, 0) // publish moves the raw file in; cataloging the File row is an (external) ingest step

	entries, err := os.ReadDir(vol.DatasetPath(outDataset.ID, model.DatasetFiles))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestRunFailsWhenContainerExitsNonZero(t *testing.T) {
	ctx := context.Background()
	runner, st, vol := newTestRunner(t)

	image := &model.Dataset{Name: "user.alice.image", Kind: model.DatasetImage}
	require.NoError(t, st.SaveDataset(ctx, image))
	_, err := vol.EnsureDataset(image.ID, model.DatasetImage)
	require.NoError(t, err)
	require.NoError(t, st.AppendFile(ctx, &model.File{DatasetID: image.ID, Filename: "image.sif"}))
	require.NoError(t, os.WriteFile(filepath.Join(vol.DatasetPath(image.ID, model.DatasetImage), "image.sif"), []byte("x"), 0o644))

	outDataset := &model.Dataset{Name: "user.alice.t2.result.txt", Kind: model.DatasetFiles}
	require.NoError(t, st.SaveDataset(ctx, outDataset))
	_, err = vol.EnsureDataset(outDataset.ID, model.DatasetFiles)
	require.NoError(t, err)

	task := &model.Task{Name: "user.alice.t2"}
	require.NoError(t, task.SetSpec(model.TaskSpec{
		Command: "exit 1",
		Image:   "user.alice.image",
		Outputs: map[string]string{"OUT": "result.txt"},
	}))
	require.NoError(t, st.SaveTask(ctx, task, nil))

	job := &model.Job{TaskID: task.ID, Status: model.JobRegistered, BackendJobID: model.UnboundBackendJobID}
	require.NoError(t, st.WithTaskLock(ctx, task.ID, func(tx *sqlx.Tx) error {
		return st.InsertJob(ctx, tx, job)
	}))

	ContainerExec = fakeContainerExec(t)
	t.Cleanup(func() { ContainerExec = "container-exec" })

	require.NoError(t, runner.Run(ctx, job.ID))

	got, err := st.JobByID(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobFailed, got.Status)
}

func TestMemoryMonitorBreachesWithoutDynamicGrowth(t *testing.T) {
	m := NewMemoryMonitor(0.8, false)
	healthy, growSys, growGPU := m.Sample(100, 0, 1000, 0)
	require.True(t, healthy) // first sample always passes (establishes baseline)

	healthy, growSys, growGPU = m.Sample(900, 0, 1000, 0)
	require.False(t, healthy)
	require.Zero(t, growSys)
	require.Zero(t, growGPU)
}

func TestMemoryMonitorDynamicGrowthAvoidsBreach(t *testing.T) {
	m := NewMemoryMonitor(0.8, true)
	m.WindowSeconds = 1
	_, _, _ = m.Sample(100, 0, 1000, 0)
	healthy, growSys, _ := m.Sample(900, 0, 1000, 0)
	require.True(t, healthy)
	require.Greater(t, growSys, 0)
}
