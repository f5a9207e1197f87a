// Package dto holds the explicit DTO types consumed at the (external,
// unimplemented) HTTP boundary, replacing the Python source's dynamic
// dicts-as-parameters with static types (§9 Design Notes).
package dto

import "encoding/json"

// TaskInputs is a single task's submission payload, one element of a
// task group submitted together (§6).
type TaskInputs struct {
	Name          string            `json:"name" jsonschema:"required"`
	Command       string            `json:"command" jsonschema:"required"`
	Image         string            `json:"image" jsonschema:"required"`
	Input         string            `json:"input"`
	Outputs       map[string]string `json:"outputs" jsonschema:"required"`
	SecondaryData map[string]string `json:"secondary_data"`
	Envs          map[string]string `json:"envs"`
	Binds         map[string]string `json:"binds"`
	Device        string            `json:"device"`
	MemoryMB      int               `json:"memory_mb"`
	GPUMemoryMB   int               `json:"gpu_memory_mb"`
	CPUCores      int               `json:"cpu_cores"`
	Partition     string            `json:"partition"`
	Priority      int               `json:"priority"`
}

// TaskInfo is the describe() response DTO: per-status job counts plus
// the task's own status, as returned by the original's
// TaskManager.describe.
type TaskInfo struct {
	TaskID  string         `json:"task_id"`
	Name    string         `json:"name"`
	OwnerID string         `json:"owner_id"`
	Status  string         `json:"status"`
	Jobs    []string       `json:"jobs"`
	Counts  map[string]int `json:"counts"`
	Retry   int            `json:"retry"`
}

// Dataset and File are wire-level mirrors of model.Dataset/model.File,
// kept distinct from the storage model so the boundary can evolve
// independently of the schema.
type Dataset struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Kind  string `json:"kind"`
	Owner string `json:"owner_id"`
}

type File struct {
	ID        string `json:"id"`
	DatasetID string `json:"dataset_id"`
	Filename  string `json:"filename"`
	MD5       string `json:"md5"`
}

// Credential is the minimal identity DTO the (external) auth layer
// would hand the engine: a resolved user id, never a raw token.
type Credential struct {
	UserID string `json:"user_id"`
}

// Envelope is the tagged union over operations described in §6's
// "Placeholder grammar" / §9's "wire format as a tagged union over
// operations" note: Op names the operation, Payload carries one of
// the types above, decoded by the (external) dispatch layer.
type Envelope struct {
	Op      string          `json:"op"`
	Payload json.RawMessage `json:"payload"`
}

// TaskGroupResult is the (task-id list, status, optional failure
// reason) DTO returned by a task-group submission. It carries no job
// counts; per-status counts are reported by TaskInfo.
type TaskGroupResult struct {
	TaskIDs []string `json:"task_ids"`
	Status  string   `json:"status"`
	Reason  string   `json:"reason,omitempty"`
}
