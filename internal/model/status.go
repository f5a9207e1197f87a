package model

// TaskStatus is the status of a Task as described in the Data Model.
type TaskStatus string

const (
	TaskPreRegistered TaskStatus = "PRE_REGISTERED"
	TaskRegistered    TaskStatus = "REGISTERED"
	TaskAssigned      TaskStatus = "ASSIGNED"
	TaskRunning       TaskStatus = "RUNNING"
	TaskTesting       TaskStatus = "TESTING"
	TaskCompleted     TaskStatus = "COMPLETED"
	TaskFinalized     TaskStatus = "FINALIZED"
	TaskFailed        TaskStatus = "FAILED"
	TaskKill          TaskStatus = "KILL"
	TaskKilled        TaskStatus = "KILLED"
	TaskBroken        TaskStatus = "BROKEN"
	TaskRemoved       TaskStatus = "REMOVED"
)

// TerminalTaskStatuses are the statuses from which no further automatic
// transition occurs; a per-task scheduler exits its loop on reaching one.
var TerminalTaskStatuses = map[TaskStatus]bool{
	TaskCompleted: true,
	TaskFinalized: true,
	TaskKilled:    true,
	TaskBroken:    true,
	TaskFailed:    true,
}

func (s TaskStatus) IsTerminal() bool {
	return TerminalTaskStatuses[s]
}

// TaskExternalState is the externally requested, trigger-style state
// consumed by the scheduler on its next tick.
type TaskExternalState string

const (
	TaskStateWaiting TaskExternalState = "WAITING"
	TaskStateRetry   TaskExternalState = "RETRY"
	TaskStateKill    TaskExternalState = "KILL"
	// TaskStateDelete is enumerated for wire-format forward compatibility
	// only; spec.md leaves dataset/task deletion out of scope, so no
	// transition acts on it (see DESIGN.md).
	TaskStateDelete TaskExternalState = "DELETE"
)

// JobStatus is the status of a single Job within a task's job array.
type JobStatus string

const (
	JobRegistered JobStatus = "REGISTERED"
	JobAssigned   JobStatus = "ASSIGNED"
	JobPending    JobStatus = "PENDING"
	JobRunning    JobStatus = "RUNNING"
	JobCompleted  JobStatus = "COMPLETED"
	JobFailed     JobStatus = "FAILED"
	JobKill       JobStatus = "KILL"
	JobKilled     JobStatus = "KILLED"
	JobBroken     JobStatus = "BROKEN"
)

// DatasetKind is the {FILES, IMAGE} data-kind tag of a Dataset.
type DatasetKind string

const (
	DatasetFiles DatasetKind = "FILES"
	DatasetImage DatasetKind = "IMAGE"
)

// FileStorageKind is the {DATA, LINK} storage-kind tag of a File.
type FileStorageKind string

const (
	FileData FileStorageKind = "DATA"
	FileLink FileStorageKind = "LINK"
)

// DeviceKind is the cpu/gpu device tag of a Job.
type DeviceKind string

const (
	DeviceCPU DeviceKind = "cpu"
	DeviceGPU DeviceKind = "gpu"
)

// BackendState is the state reported by the batch backend for a
// submitted job, distinct from JobStatus: it is the raw vocabulary the
// backend speaks (pending/running/completed/failed/cancelled/suspended)
// as described in the Backend interface (§6).
type BackendState string

const (
	BackendPending   BackendState = "pending"
	BackendRunning   BackendState = "running"
	BackendCompleted BackendState = "completed"
	BackendFailed    BackendState = "failed"
	BackendCancelled BackendState = "cancelled"
	BackendSuspended BackendState = "suspended"
)
