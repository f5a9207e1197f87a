package backend

import (
	"strings"
	"sync"

	"github.com/jodafons/maestro/internal/model"
)

// FakeBackend is a deterministic, in-memory Backend used by the
// engine's own tests (and viable for local/dev runs without a real
// cluster), mirroring the teacher's own swappable-backend pattern of
// choosing an implementation by a "kind" discriminator at startup.
type FakeBackend struct {
	mu          sync.Mutex
	nextID      int64
	states      map[int64]model.BackendState
	names       map[int64]string
	available   bool
	availableFn func(partition string, cpus, memoryMB int) bool
}

func NewFakeBackend() *FakeBackend {
	return &FakeBackend{
		states:    map[int64]model.BackendState{},
		names:     map[int64]string{},
		available: true,
	}
}

// SetAvailable toggles the default HasAvailable answer for tests that
// want to exercise the "transient backend error" retry path of §7.
func (f *FakeBackend) SetAvailable(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.available = v
}

// SetAvailableFunc installs a custom HasAvailable predicate, overriding
// the SetAvailable toggle.
func (f *FakeBackend) SetAvailableFunc(fn func(partition string, cpus, memoryMB int) bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.availableFn = fn
}

func (f *FakeBackend) HasAvailable(partition string, cpus, memoryMB int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.availableFn != nil {
		return f.availableFn(partition, cpus, memoryMB)
	}
	return f.available
}

func (f *FakeBackend) Submit(req SubmitRequest) (int64, model.BackendState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := f.nextID
	f.states[id] = model.BackendPending
	f.names[id] = req.JobName
	return id, model.BackendPending, nil
}

func (f *FakeBackend) Status(backendJobID int64) (model.BackendState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.states[backendJobID]
	if !ok {
		return model.BackendCompleted, nil
	}
	return state, nil
}

// SetState lets a test drive a submitted job through pending -> running
// -> completed/failed directly, standing in for what a real cluster
// scheduler would do on its own.
func (f *FakeBackend) SetState(backendJobID int64, state model.BackendState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[backendJobID] = state
}

func (f *FakeBackend) Cancel(backendJobID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.states[backendJobID]; ok {
		f.states[backendJobID] = model.BackendCancelled
	}
	return nil
}

func (f *FakeBackend) Describe(backendJobID int64) (map[string]string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name, ok := f.names[backendJobID]
	if !ok {
		return nil, false
	}
	return map[string]string{"job_name": name}, true
}

func (f *FakeBackend) CancelWith(namePrefix string, state model.BackendState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, name := range f.names {
		if strings.HasPrefix(name, namePrefix) && f.states[id] == state {
			f.states[id] = model.BackendCancelled
		}
	}
	return nil
}
