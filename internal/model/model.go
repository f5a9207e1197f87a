// Package model holds the engine's durable entity types: User, Dataset,
// File, Task, and Job, as described in the Data Model. These are plain
// structs with `db` tags so that sqlx can scan rows into them directly,
// the same convention the teacher's schema package uses.
package model

import (
	"encoding/json"
	"time"
)

// User is a stable account identity. Created once; never destroyed by
// the engine.
type User struct {
	ID    string `db:"id"`
	Name  string `db:"name"`
	Token string `db:"token"`
}

// Dataset is a named, ordered collection of Files owned by a user.
type Dataset struct {
	ID    string      `db:"id"`
	Name  string      `db:"name"`
	Kind  DatasetKind `db:"kind"`
	Owner string      `db:"owner_id"`
}

// File is one entry of a Dataset's contents.
type File struct {
	ID        string          `db:"id"`
	DatasetID string          `db:"dataset_id"`
	Filename  string          `db:"filename"`
	MD5       string          `db:"md5"`
	Storage   FileStorageKind `db:"storage_kind"`
	// LinkPath is only meaningful when Storage == FileLink: the external
	// path the file points at instead of bytes copied into the dataset.
	LinkPath string `db:"link_path"`
}

// TaskSpec is the task specification of §3: command template, image
// dataset name, input dataset name, named outputs, named secondary
// inputs, binds, env vars and resource requests. It is stored as a
// single JSON column on Task (task_inputs), mirroring the teacher's
// `meta_data TEXT -- JSON` column convention.
type TaskSpec struct {
	Command       string            `json:"command"`
	Image         string            `json:"image"`
	Input         string            `json:"input"`
	Outputs       map[string]string `json:"outputs"`
	SecondaryData map[string]string `json:"secondary_data"`
	Binds         map[string]string `json:"binds"`
	Envs          map[string]string `json:"envs"`
	Device        DeviceKind        `json:"device"`
	CPUCores      int               `json:"cpu_cores"`
	MemoryMB      int               `json:"memory_mb"`
	GPUMemoryMB   int               `json:"gpu_memory_mb"`
}

// Task is a node of the DAG: one user-declared unit of work that fans
// out into a job array over its input dataset.
type Task struct {
	ID            string            `db:"id"`
	Name          string            `db:"name"`
	OwnerID       string            `db:"owner_id"`
	Partition     string            `db:"partition"`
	Priority      int               `db:"priority"`
	SpecJSON      []byte            `db:"task_inputs"`
	Status        TaskStatus        `db:"status"`
	ExternalState TaskExternalState `db:"external_state"`
	CreatedAt     time.Time         `db:"created_at"`
	LastPing      time.Time         `db:"last_ping"`
}

// Spec decodes the stored TaskSpec.
func (t *Task) Spec() (TaskSpec, error) {
	var s TaskSpec
	if len(t.SpecJSON) == 0 {
		return s, nil
	}
	err := json.Unmarshal(t.SpecJSON, &s)
	return s, err
}

// SetSpec encodes and stores a TaskSpec.
func (t *Task) SetSpec(s TaskSpec) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	t.SpecJSON = raw
	return nil
}

// Job is one element of a task's job array: one containerized command
// invocation over a single input file (or the sentinel "" input).
type Job struct {
	ID               string       `db:"id"`
	TaskID           string       `db:"task_id"`
	Index            int          `db:"job_index"`
	InputFileID      string       `db:"input_file_id"`
	Command          string       `db:"command"`
	Workarea         string       `db:"workarea"`
	Status           JobStatus    `db:"status"`
	Retry            int          `db:"retry"`
	Priority         int          `db:"priority"`
	Partition        string       `db:"partition"`
	Device           DeviceKind   `db:"device"`
	ReservedCPU      int          `db:"reserved_cpu_number"`
	ReservedMemoryMB int          `db:"reserved_sys_memory_mb"`
	ReservedGPUMemMB int          `db:"reserved_gpu_memory_mb"`
	UsedMemoryMB     int          `db:"used_sys_memory_mb"`
	UsedGPUMemMB     int          `db:"used_gpu_memory_mb"`
	BackendJobID     int64        `db:"backend_job_id"`
	BackendState     BackendState `db:"backend_state"`
	LastPing         time.Time    `db:"last_ping"`
	CreatedAt        time.Time    `db:"created_at"`
}

// UnboundBackendJobID is the sentinel backend job id of §3 invariant 3: a job
// without a bound backend slot always carries -1.
const UnboundBackendJobID int64 = -1

// Tag is the supplemental tag model pulled in from the teacher's own
// tag/jobtag tables and the original source's tag handling (SPEC_FULL
// §9). Tags are scoped to tasks.
type Tag struct {
	ID   int64  `db:"id"`
	Type string `db:"tag_type"`
	Name string `db:"tag_name"`
}

// TaskParent records one DAG edge: Task ChildID depends on Task
// ParentID's output. Normalizes the original's stringified parent-name
// list into a proper many-to-many edge table (§9 Design Notes).
type TaskParent struct {
	ChildID  string `db:"child_id"`
	ParentID string `db:"parent_id"`
}

// DefaultMemoryMB / DefaultGPUMemoryMB mirror the Python source's "5*GB"
// fallback resource reservation for tasks that don't specify one.
const (
	DefaultMemoryMB    = 5 * 1024
	DefaultGPUMemoryMB = 5 * 1024
)

// MaxRetry is the per-job retry bound of invariant 5.
const MaxRetry = 5

// StuckTimeout is the liveness reconciliation window of §4.3/§5.
const StuckTimeout = 5 * time.Minute

// MemoryGuardPercent is the PCT fraction of §4.5 step 4: a job is
// killed once its peak RSS/GPU usage exceeds reservation*PCT.
const MemoryGuardPercent = 0.8

// AdmissionProcsPerTick is the PROCS default of §4.4 step 3.
const AdmissionProcsPerTick = 10
