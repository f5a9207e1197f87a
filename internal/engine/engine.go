// Package engine wires the engine's per-process collaborators into one
// value, replacing the Python source's module-level get_*_service()
// singletons with a single Engine constructed once at startup and
// threaded explicitly, per §9 Design Notes ("Global state").
package engine

import (
	"context"
	"fmt"

	"github.com/jodafons/maestro/internal/admission"
	"github.com/jodafons/maestro/internal/backend"
	"github.com/jodafons/maestro/internal/config"
	"github.com/jodafons/maestro/internal/contentio"
	"github.com/jodafons/maestro/internal/dagmanager"
	"github.com/jodafons/maestro/internal/store"
	"github.com/jodafons/maestro/internal/taskscheduler"
	"github.com/jodafons/maestro/pkg/log"
)

// Engine owns the store handle, the content volume, the backend, the
// per-task scheduler, and the admission loop — the per-process state
// Design Notes calls out as needing to be "created/torn down as a
// unit".
type Engine struct {
	Cfg       *config.Config
	Store     *store.Store
	Volume    *contentio.Volume
	Backend   backend.Backend
	Manager   *dagmanager.Manager
	Scheduler *taskscheduler.Scheduler
	Admission *admission.Loop
}

// New constructs every collaborator from cfg but does not start any
// background loop — callers decide when to call Start.
func New(cfg *config.Config) (*Engine, error) {
	db, err := store.Connect(cfg.DBString)
	if err != nil {
		return nil, fmt.Errorf("engine: connect store: %w", err)
	}
	st := store.New(db)
	vol := contentio.New(cfg.Volume)

	be := chooseBackend(cfg)
	mgr := dagmanager.New(st, vol)

	sched, err := taskscheduler.New(st, cfg)
	if err != nil {
		return nil, fmt.Errorf("engine: build task scheduler: %w", err)
	}

	loop, err := admission.New(st, vol, be, mgr, sched, cfg)
	if err != nil {
		return nil, fmt.Errorf("engine: build admission loop: %w", err)
	}

	return &Engine{
		Cfg:       cfg,
		Store:     st,
		Volume:    vol,
		Backend:   be,
		Manager:   mgr,
		Scheduler: sched,
		Admission: loop,
	}, nil
}

// chooseBackend picks the Backend implementation from cfg.BackendKind,
// independent of cfg.TestingMode: TestingMode only gates the §4.3
// canary-first-job state transitions, not which backend executes jobs.
func chooseBackend(cfg *config.Config) backend.Backend {
	if cfg.BackendKind == config.BackendKindFake {
		return backend.NewFakeBackend()
	}
	return backend.NewSlurmBackend(cfg.Account, cfg.Reservation)
}

// Start runs startup reconciliation and then begins the admission loop
// (which in turn starts the shared per-task scheduler).
func (e *Engine) Start(ctx context.Context) error {
	log.Printf("engine: running startup reconciliation")
	if err := e.Admission.StartupReconciliation(ctx); err != nil {
		return fmt.Errorf("engine: startup reconciliation: %w", err)
	}
	return e.Admission.Start()
}

// Shutdown stops the admission loop and per-task scheduler.
func (e *Engine) Shutdown() error {
	return e.Admission.Shutdown()
}
