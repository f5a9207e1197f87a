// Package dagmanager is the DAG manager component (C7): validates a
// proposed task group in the seven ordered phases of §4.7, inserts
// accepted tasks as PRE_REGISTERED with their parent edges, and later
// materializes a single PRE_REGISTERED task into its job array,
// grounded on original_source/maestro/manager/task.py's
// create_task_group and run_task_group.
package dagmanager

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/jodafons/maestro/internal/contentio"
	"github.com/jodafons/maestro/internal/dto"
	"github.com/jodafons/maestro/internal/model"
	"github.com/jodafons/maestro/internal/store"
	"github.com/jodafons/maestro/pkg/log"
)

// Manager holds its two collaborators: the store, and the content
// volume (to create output dataset directories). It owns no state of
// its own.
type Manager struct {
	Store  *store.Store
	Volume *contentio.Volume
}

func New(st *store.Store, vol *contentio.Volume) *Manager {
	return &Manager{Store: st, Volume: vol}
}

// resolved is the per-group bookkeeping built during the seven phases:
// which task produces which derived output dataset name, so parent
// edges and input resolution can be computed without touching the
// store again.
type resolved struct {
	ids         map[string]string // task name -> freshly minted task id
	outputOwner map[string]string // derived dataset name -> task name
	outputKind  map[string]model.DatasetKind
}

// CreateTaskGroup runs the seven validation phases of §4.7 against
// items, atomically; on success every task is inserted as
// PRE_REGISTERED with parent edges resolved from the input/secondary
// -> producing-task mapping.
func (m *Manager) CreateTaskGroup(ctx context.Context, ownerID, ownerName string, items []dto.TaskInputs) (*dto.TaskGroupResult, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("dagmanager: empty task group")
	}

	for i, item := range items {
		if err := ValidateShape(item); err != nil {
			return nil, fmt.Errorf("task %d: %w", i, err)
		}
	}

	res := &resolved{
		ids:         map[string]string{},
		outputOwner: map[string]string{},
		outputKind:  map[string]model.DatasetKind{},
	}

	// Phase 1: collect.
	for _, item := range items {
		res.ids[item.Name] = store.NewID()
	}

	// Phase 2: name rule.
	prefix := fmt.Sprintf("user.%s.", ownerName)
	for _, item := range items {
		if !strings.HasPrefix(item.Name, prefix) {
			return nil, fmt.Errorf("dagmanager: task %q must begin with %q", item.Name, prefix)
		}
	}

	// Phase 3: uniqueness.
	seen := map[string]bool{}
	for _, item := range items {
		if seen[item.Name] {
			return nil, fmt.Errorf("dagmanager: duplicate task name %q in group", item.Name)
		}
		seen[item.Name] = true
		if m.Store.TaskExistsByName(ctx, item.Name) {
			return nil, fmt.Errorf("dagmanager: task name %q already exists", item.Name)
		}
	}

	// Phase 4: image.
	for _, item := range items {
		if !m.Store.DatasetExistsByName(ctx, item.Image) {
			return nil, fmt.Errorf("dagmanager: task %q: image dataset %q does not exist", item.Name, item.Image)
		}
	}

	// Phase 7 (outputs) runs its own existence/collision checks, but we
	// need the producing-task map populated before phase 5/6 can
	// resolve a reference against a group output, so walk it first.
	for _, item := range items {
		if len(item.Outputs) == 0 {
			return nil, fmt.Errorf("dagmanager: task %q declares no outputs", item.Name)
		}
		for key, filename := range item.Outputs {
			placeholder := "%" + key
			if !strings.Contains(item.Command, placeholder) {
				return nil, fmt.Errorf("dagmanager: task %q: command does not reference output placeholder %q", item.Name, placeholder)
			}
			derived := fmt.Sprintf("%s.%s", item.Name, filename)
			if m.Store.DatasetExistsByName(ctx, derived) {
				return nil, fmt.Errorf("dagmanager: task %q: output dataset %q already exists", item.Name, derived)
			}
			if owner, ok := res.outputOwner[derived]; ok {
				return nil, fmt.Errorf("dagmanager: output dataset %q produced by both %q and %q", derived, owner, item.Name)
			}
			res.outputOwner[derived] = item.Name
			res.outputKind[derived] = model.DatasetFiles
		}
	}

	// Phase 5: input.
	parents := make(map[string]map[string]bool, len(items)) // task name -> set of parent task names
	for _, item := range items {
		parents[item.Name] = map[string]bool{}
		if item.Input == "" {
			continue
		}
		if producer, ok := res.outputOwner[item.Input]; ok {
			parents[item.Name][producer] = true
			continue
		}
		if m.Store.DatasetExistsByName(ctx, item.Input) {
			continue
		}
		return nil, fmt.Errorf("dagmanager: task %q: input %q is neither an existing dataset nor a group output", item.Name, item.Input)
	}

	// Phase 6: secondary inputs.
	for _, item := range items {
		for key, dataset := range item.SecondaryData {
			placeholder := "%" + key
			if !strings.Contains(item.Command, placeholder) {
				return nil, fmt.Errorf("dagmanager: task %q: command does not reference secondary placeholder %q", item.Name, placeholder)
			}
			if producer, ok := res.outputOwner[dataset]; ok {
				parents[item.Name][producer] = true
				continue
			}
			if m.Store.DatasetExistsByName(ctx, dataset) {
				continue
			}
			return nil, fmt.Errorf("dagmanager: task %q: secondary input %q is neither an existing dataset nor a group output", item.Name, dataset)
		}
	}

	// All phases passed: insert atomically.
	tx, err := m.Store.DB.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("dagmanager: begin tx: %w", err)
	}

	for _, item := range items {
		spec := model.TaskSpec{
			Command:       item.Command,
			Image:         item.Image,
			Input:         item.Input,
			Outputs:       item.Outputs,
			SecondaryData: item.SecondaryData,
			Binds:         item.Binds,
			Envs:          item.Envs,
			Device:        model.DeviceKind(item.Device),
			CPUCores:      item.CPUCores,
			MemoryMB:      item.MemoryMB,
			GPUMemoryMB:   item.GPUMemoryMB,
		}

		task := &model.Task{
			ID:        res.ids[item.Name],
			Name:      item.Name,
			OwnerID:   ownerID,
			Partition: item.Partition,
			Priority:  item.Priority,
			Status:    model.TaskPreRegistered,
		}
		if err := task.SetSpec(spec); err != nil {
			_ = tx.Rollback()
			return nil, fmt.Errorf("dagmanager: encode spec for %q: %w", item.Name, err)
		}

		parentIDs := make([]string, 0, len(parents[item.Name]))
		for parentName := range parents[item.Name] {
			parentIDs = append(parentIDs, res.ids[parentName])
		}

		if _, err := tx.NamedExecContext(ctx, `INSERT INTO task
			(id, name, owner_id, "partition", priority, task_inputs, status, external_state, created_at, last_ping)
			VALUES
			(:id, :name, :owner_id, :partition, :priority, :task_inputs, :status, :external_state, datetime('now'), datetime('now'))`,
			map[string]interface{}{
				"id":             task.ID,
				"name":           task.Name,
				"owner_id":       task.OwnerID,
				"partition":      task.Partition,
				"priority":       task.Priority,
				"task_inputs":    task.SpecJSON,
				"status":         task.Status,
				"external_state": model.TaskStateWaiting,
			}); err != nil {
			_ = tx.Rollback()
			return nil, fmt.Errorf("dagmanager: insert task %q: %w", item.Name, err)
		}

		for _, parentID := range parentIDs {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO task_parent (child_id, parent_id) VALUES (?, ?)`, task.ID, parentID); err != nil {
				_ = tx.Rollback()
				return nil, fmt.Errorf("dagmanager: insert parent edge for %q: %w", item.Name, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("dagmanager: commit: %w", err)
	}

	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, res.ids[item.Name])
	}
	log.Printf("dagmanager: created task group of %d task(s) for %s", len(items), ownerName)
	return &dto.TaskGroupResult{TaskIDs: ids, Status: "accepted"}, nil
}

// ParentsReady reports whether every parent of taskID has reached
// {COMPLETED, FINALIZED}, the precondition materialization requires.
func (m *Manager) ParentsReady(ctx context.Context, taskID string) (bool, error) {
	parentIDs, err := m.Store.TaskParents(ctx, taskID)
	if err != nil {
		return false, err
	}
	for _, parentID := range parentIDs {
		status, err := m.Store.TaskStatus(ctx, parentID)
		if err != nil {
			return false, err
		}
		if status != model.TaskCompleted && status != model.TaskFinalized {
			return false, nil
		}
	}
	return true, nil
}

// Materialize turns a PRE_REGISTERED task into its job array: it
// rechecks input/secondary existence, creates an empty output dataset
// per declared output, enumerates one job per input file (or the
// sentinel "" when Input is empty), and flips the task to REGISTERED.
func (m *Manager) Materialize(ctx context.Context, taskID string) error {
	task, err := m.Store.TaskByID(ctx, taskID)
	if err != nil {
		return fmt.Errorf("dagmanager: load task %s: %w", taskID, err)
	}
	spec, err := task.Spec()
	if err != nil {
		return fmt.Errorf("dagmanager: decode spec for %s: %w", taskID, err)
	}

	if spec.Input != "" && !m.Store.DatasetExistsByName(ctx, spec.Input) {
		return fmt.Errorf("dagmanager: materialize %s: input %q no longer exists", task.Name, spec.Input)
	}
	for _, dataset := range spec.SecondaryData {
		if !m.Store.DatasetExistsByName(ctx, dataset) {
			return fmt.Errorf("dagmanager: materialize %s: secondary input %q no longer exists", task.Name, dataset)
		}
	}

	for key, filename := range spec.Outputs {
		derived := fmt.Sprintf("%s.%s", task.Name, filename)
		datasetID := store.NewID()
		if err := m.Store.SaveDataset(ctx, &model.Dataset{
			ID:    datasetID,
			Name:  derived,
			Kind:  model.DatasetFiles,
			Owner: task.OwnerID,
		}); err != nil {
			return fmt.Errorf("dagmanager: create output dataset for %s/%s: %w", task.Name, key, err)
		}
		if _, err := m.Volume.EnsureDataset(datasetID, model.DatasetFiles); err != nil {
			return fmt.Errorf("dagmanager: allocate output dataset dir for %s/%s: %w", task.Name, key, err)
		}
	}

	inputFiles, err := m.inputFiles(ctx, spec.Input)
	if err != nil {
		return fmt.Errorf("dagmanager: enumerate inputs for %s: %w", task.Name, err)
	}

	device := spec.Device
	if device == "" {
		device = model.DeviceCPU
	}
	memoryMB := spec.MemoryMB
	if memoryMB <= 0 {
		memoryMB = model.DefaultMemoryMB
	}
	gpuMemMB := 0
	if device == model.DeviceGPU {
		gpuMemMB = spec.GPUMemoryMB
		if gpuMemMB <= 0 {
			gpuMemMB = model.DefaultGPUMemoryMB
		}
	}

	return m.Store.WithTaskLock(ctx, taskID, func(tx *sqlx.Tx) error {
		for i, fileID := range inputFiles {
			job := &model.Job{
				ID:               store.NewID(),
				TaskID:           task.ID,
				Index:            i,
				Command:          spec.Command,
				Status:           model.JobRegistered,
				Priority:         task.Priority,
				Partition:        task.Partition,
				Device:           device,
				ReservedCPU:      spec.CPUCores,
				ReservedMemoryMB: memoryMB,
				ReservedGPUMemMB: gpuMemMB,
				BackendJobID:     model.UnboundBackendJobID,
				InputFileID:      fileID,
			}
			if err := m.Store.InsertJob(ctx, tx, job); err != nil {
				return fmt.Errorf("insert job %d for %s: %w", i, task.Name, err)
			}
		}
		return m.Store.UpdateTaskStatus(ctx, tx, task.ID, model.TaskRegistered)
	})
}

func (m *Manager) inputFiles(ctx context.Context, inputName string) ([]string, error) {
	if inputName == "" {
		return []string{""}, nil
	}
	datasetID, err := m.Store.DatasetIDByName(ctx, inputName)
	if err != nil {
		return nil, err
	}
	files, err := m.Store.FilesByDataset(ctx, datasetID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(files))
	for _, f := range files {
		ids = append(ids, f.ID)
	}
	return ids, nil
}
