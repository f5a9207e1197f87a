package dagmanager

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/jodafons/maestro/internal/contentio"
	"github.com/jodafons/maestro/internal/dto"
	"github.com/jodafons/maestro/internal/model"
	"github.com/jodafons/maestro/internal/store"
)

func newTestManager(t *testing.T) (*Manager, *store.Store) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "maestro.db")
	db, err := store.Connect(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	st := store.New(db)
	vol := contentio.New(t.TempDir())
	return New(st, vol), st
}

func seedImage(t *testing.T, st *store.Store, name string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.SaveDataset(ctx, &model.Dataset{Name: name, Kind: model.DatasetImage}))
}

func baseTask(name string) dto.TaskInputs {
	return dto.TaskInputs{
		Name:    name,
		Command: "run %OUT",
		Image:   "user.alice.image",
		Outputs: map[string]string{"OUT": "result.txt"},
	}
}

func TestCreateTaskGroupAccepted(t *testing.T) {
	ctx := context.Background()
	mgr, st := newTestManager(t)
	seedImage(t, st, "user.alice.image")

	res, err := mgr.CreateTaskGroup(ctx, "owner-1", "alice", []dto.TaskInputs{baseTask("user.alice.t1")})
	require.NoError(t, err)
	require.Equal(t, "accepted", res.Status)
	require.Len(t, res.TaskIDs, 1)
	require.True(t, st.TaskExistsByName(ctx, "user.alice.t1"))
}

func TestCreateTaskGroupRejectsNameWithoutOwnerPrefix(t *testing.T) {
	ctx := context.Background()
	mgr, st := newTestManager(t)
	seedImage(t, st, "user.alice.image")

	_, err := mgr.CreateTaskGroup(ctx, "owner-1", "alice", []dto.TaskInputs{baseTask("user.bob.t1")})
	require.Error(t, err)
	require.False(t, st.TaskExistsByName(ctx, "user.bob.t1"))
}

func TestCreateTaskGroupRejectsMissingOutputPlaceholder(t *testing.T) {
	ctx := context.Background()
	mgr, st := newTestManager(t)
	seedImage(t, st, "user.alice.image")

	item := baseTask("user.alice.t1")
	item.Command = "run without placeholder"

	_, err := mgr.CreateTaskGroup(ctx, "owner-1", "alice", []dto.TaskInputs{item})
	require.Error(t, err)
}

func TestCreateTaskGroupResolvesInputAgainstGroupOutput(t *testing.T) {
	ctx := context.Background()
	mgr, st := newTestManager(t)
	seedImage(t, st, "user.alice.image")

	producer := baseTask("user.alice.producer")
	consumer := baseTask("user.alice.consumer")
	consumer.Input = "user.alice.producer.result.txt"
	consumer.Command = "run %IN %OUT"

	res, err := mgr.CreateTaskGroup(ctx, "owner-1", "alice", []dto.TaskInputs{producer, consumer})
	require.NoError(t, err)
	require.Len(t, res.TaskIDs, 2)

	consumerID, err := st.TaskIDByName(ctx, "user.alice.consumer")
	require.NoError(t, err)
	parents, err := st.TaskParents(ctx, consumerID)
	require.NoError(t, err)
	require.Len(t, parents, 1)

	producerID, err := st.TaskIDByName(ctx, "user.alice.producer")
	require.NoError(t, err)
	require.Equal(t, producerID, parents[0])
}

func TestMaterializeEnumeratesOneJobPerInputFile(t *testing.T) {
	ctx := context.Background()
	mgr, st := newTestManager(t)
	seedImage(t, st, "user.alice.image")

	inputDataset := &model.Dataset{Name: "user.alice.raw", Kind: model.DatasetFiles}
	require.NoError(t, st.SaveDataset(ctx, inputDataset))
	require.NoError(t, st.AppendFile(ctx, &model.File{DatasetID: inputDataset.ID, Filename: "a.txt"}))
	require.NoError(t, st.AppendFile(ctx, &model.File{DatasetID: inputDataset.ID, Filename: "b.txt"}))

	item := baseTask("user.alice.t1")
	item.Input = "user.alice.raw"
	item.Command = "run %IN %OUT"

	res, err := mgr.CreateTaskGroup(ctx, "owner-1", "alice", []dto.TaskInputs{item})
	require.NoError(t, err)
	taskID := res.TaskIDs[0]

	require.NoError(t, mgr.Materialize(ctx, taskID))

	jobs, err := st.JobsByTask(ctx, taskID)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	require.ElementsMatch(t, []string{"a.txt", "b.txt"}, filesOf(t, ctx, st, inputDataset.ID, jobs))

	status, err := st.TaskStatus(ctx, taskID)
	require.NoError(t, err)
	require.Equal(t, model.TaskRegistered, status)
}

func filesOf(t *testing.T, ctx context.Context, st *store.Store, datasetID string, jobs []model.Job) []string {
	t.Helper()
	files, err := st.FilesByDataset(ctx, datasetID)
	require.NoError(t, err)
	byID := map[string]string{}
	for _, f := range files {
		byID[f.ID] = f.Filename
	}
	var out []string
	for _, j := range jobs {
		out = append(out, byID[j.InputFileID])
	}
	return out
}

func TestParentsReadyFalseUntilParentCompleted(t *testing.T) {
	ctx := context.Background()
	mgr, st := newTestManager(t)
	seedImage(t, st, "user.alice.image")

	producer := baseTask("user.alice.producer")
	consumer := baseTask("user.alice.consumer")
	consumer.Input = "user.alice.producer.result.txt"
	consumer.Command = "run %IN %OUT"

	res, err := mgr.CreateTaskGroup(ctx, "owner-1", "alice", []dto.TaskInputs{producer, consumer})
	require.NoError(t, err)

	producerID, err := st.TaskIDByName(ctx, "user.alice.producer")
	require.NoError(t, err)
	consumerID := res.TaskIDs[1]

	ready, err := mgr.ParentsReady(ctx, consumerID)
	require.NoError(t, err)
	require.False(t, ready)

	require.NoError(t, st.WithTaskLock(ctx, producerID, func(tx *sqlx.Tx) error {
		return st.UpdateTaskStatus(ctx, tx, producerID, model.TaskCompleted)
	}))

	ready, err = mgr.ParentsReady(ctx, consumerID)
	require.NoError(t, err)
	require.True(t, ready)
}
