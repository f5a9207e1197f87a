// Package backend is the Backend adapter component (C3): the narrow
// interface §4.6/§6 describe, plus two implementations — SlurmBackend,
// which shells out to sbatch/squeue/scancel the way the original
// source's SlurmService does, and FakeBackend, an in-memory
// deterministic stand-in used by engine tests and local/dev runs.
package backend

import "github.com/jodafons/maestro/internal/model"

// Backend is the narrow interface of §4.6.
type Backend interface {
	// HasAvailable reports, within <1s, whether at least one node
	// holding partition satisfies both the cpu and memory bounds.
	HasAvailable(partition string, cpus, memoryMB int) bool

	// Submit constructs and submits a batch script for command, returning
	// the backend-assigned job id and its initial reported state.
	Submit(req SubmitRequest) (backendJobID int64, state model.BackendState, err error)

	// Status reports one of {pending, running, completed, failed,
	// cancelled, suspended} for a previously submitted job.
	Status(backendJobID int64) (model.BackendState, error)

	// Cancel must be safe to call against a non-existent id (no-op).
	Cancel(backendJobID int64) error

	// Describe returns backend-specific details about a job, used for
	// diagnostics; returns ok=false for an unknown id.
	Describe(backendJobID int64) (map[string]string, bool)

	// CancelWith cancels every job whose name carries prefix and whose
	// reported state equals state — used by startup reconciliation.
	CancelWith(namePrefix string, state model.BackendState) error
}

// SubmitRequest is the input to Submit, covering every field the
// admission loop's job-queueing step (§4.4 step 3) composes.
type SubmitRequest struct {
	Command   string
	CPUs      int
	MemoryMB  int
	Partition string
	JobName   string
	Workarea  string
	Envs      map[string]string
	Venv      string
}
