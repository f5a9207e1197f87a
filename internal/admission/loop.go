// Package admission is the admission loop component (C6): the single
// long-running thread that promotes PRE_REGISTERED tasks, starts
// per-task schedulers for newly REGISTERED tasks, and queues ASSIGNED
// jobs onto the backend, grounded on
// original_source/maestro/loop/scheduler.py's SchedulerFIFO.
package admission

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/go-co-op/gocron/v2"
	"golang.org/x/time/rate"

	"github.com/jodafons/maestro/internal/backend"
	"github.com/jodafons/maestro/internal/config"
	"github.com/jodafons/maestro/internal/contentio"
	"github.com/jodafons/maestro/internal/dagmanager"
	"github.com/jodafons/maestro/internal/model"
	"github.com/jodafons/maestro/internal/store"
	"github.com/jodafons/maestro/internal/taskscheduler"
	"github.com/jodafons/maestro/pkg/log"
)

// jobNamePrefix tags every backend submission so CancelWith can find
// them on restart, mirroring the original's "job-" literal.
const jobNamePrefix = "job-"

// Loop owns everything the admission tick touches: the store, the
// content volume, the backend, and the per-task scheduler. The loop's
// own gocron instance ticks every 10s; the per-task scheduler runs a
// separate gocron instance with a 1s tick per task.
type Loop struct {
	Store     *store.Store
	Volume    *contentio.Volume
	Backend   backend.Backend
	Manager   *dagmanager.Manager
	Scheduler *taskscheduler.Scheduler
	Cfg       *config.Config

	limiter *rate.Limiter
	cron    gocron.Scheduler
}

func New(st *store.Store, vol *contentio.Volume, be backend.Backend, mgr *dagmanager.Manager, sched *taskscheduler.Scheduler, cfg *config.Config) (*Loop, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}

	procs := cfg.ProcsPerTick
	if procs <= 0 {
		procs = model.AdmissionProcsPerTick
	}

	return &Loop{
		Store:     st,
		Volume:    vol,
		Backend:   be,
		Manager:   mgr,
		Scheduler: sched,
		Cfg:       cfg,
		// procs submission slots released per 10s tick (one per second
		// at the default of 10), burst sized to one full tick's worth
		// of jobs, so queueing never floods the backend even if
		// HasAvailable stays true for the whole batch.
		limiter: rate.NewLimiter(rate.Limit(procs)/10, procs),
		cron:    cron,
	}, nil
}

// StartupReconciliation runs once before the loop begins: it cancels
// backend jobs the previous process lifetime left RUNNING/PENDING,
// normalizes job rows left mid-flight, and revives a scheduler for
// every non-completed task, exactly as §4.4 "Startup reconciliation"
// describes.
func (l *Loop) StartupReconciliation(ctx context.Context) error {
	if err := l.Backend.CancelWith(jobNamePrefix, model.BackendRunning); err != nil {
		log.Errorf("admission: cancel_with running: %v", err)
	}
	if err := l.Backend.CancelWith(jobNamePrefix, model.BackendPending); err != nil {
		log.Errorf("admission: cancel_with pending: %v", err)
	}

	if err := l.Store.ResetKillJobsToKilled(ctx); err != nil {
		return fmt.Errorf("admission: reset kill jobs: %w", err)
	}
	if err := l.Store.ResetRunningJobsToAssigned(ctx); err != nil {
		return fmt.Errorf("admission: reset running jobs: %w", err)
	}
	if err := l.Store.ClearAssignedBackendIDs(ctx); err != nil {
		return fmt.Errorf("admission: clear assigned backend ids: %w", err)
	}

	taskIDs, err := l.Store.TasksNotStatus(ctx, model.TaskCompleted)
	if err != nil {
		return fmt.Errorf("admission: list non-completed tasks: %w", err)
	}
	for _, taskID := range taskIDs {
		log.Printf("admission: reviving scheduler for task %s", taskID)
		if err := l.Scheduler.StartTask(taskID); err != nil {
			log.Errorf("admission: revive task %s: %v", taskID, err)
		}
	}
	return nil
}

// Start registers the 10s admission tick and starts both gocron
// instances (the loop's own, and the per-task scheduler's).
func (l *Loop) Start() error {
	_, err := l.cron.NewJob(
		gocron.DurationJob(10*time.Second),
		gocron.NewTask(func() {
			if err := l.Tick(context.Background()); err != nil {
				log.Errorf("admission: tick failed: %v", err)
			}
		}),
	)
	if err != nil {
		return err
	}
	l.Scheduler.Start()
	l.cron.Start()
	return nil
}

func (l *Loop) Shutdown() error {
	if err := l.cron.Shutdown(); err != nil {
		return err
	}
	return l.Scheduler.Shutdown()
}

// Tick is one admission pass: promote, discover, queue — §4.4 steps
// 1-3. Step 4 (garbage-collecting dead per-task schedulers) happens
// inside taskscheduler.Scheduler itself, on the tick where a task's own
// transition lands on a terminal status.
func (l *Loop) Tick(ctx context.Context) error {
	log.Debugf("admission: tick")
	if err := l.PromotePreRegistered(ctx); err != nil {
		log.Errorf("admission: promote pre-registered: %v", err)
	}
	if err := l.DiscoverRegistered(ctx); err != nil {
		log.Errorf("admission: discover registered: %v", err)
	}
	if err := l.QueueJobs(ctx); err != nil {
		log.Errorf("admission: queue jobs: %v", err)
	}
	return nil
}

// PromotePreRegistered materializes every PRE_REGISTERED task whose
// parents are all {COMPLETED, FINALIZED}, per §4.4 step 1 / §4.7.
func (l *Loop) PromotePreRegistered(ctx context.Context) error {
	taskIDs, err := l.Store.TasksByStatus(ctx, model.TaskPreRegistered)
	if err != nil {
		return err
	}
	for _, taskID := range taskIDs {
		ready, err := l.Manager.ParentsReady(ctx, taskID)
		if err != nil {
			log.Errorf("admission: parents_ready(%s): %v", taskID, err)
			continue
		}
		if !ready {
			log.Debugf("admission: task %s: parent not ready", taskID)
			continue
		}
		if err := l.Manager.Materialize(ctx, taskID); err != nil {
			log.Errorf("admission: materialize(%s): %v", taskID, err)
		}
	}
	return nil
}

// DiscoverRegistered starts a per-task scheduler for every REGISTERED
// task not already driven by one, per §4.4 step 2.
func (l *Loop) DiscoverRegistered(ctx context.Context) error {
	taskIDs, err := l.Store.TasksByStatus(ctx, model.TaskRegistered)
	if err != nil {
		return err
	}
	for _, taskID := range taskIDs {
		if l.Scheduler.IsLive(taskID) {
			continue
		}
		if err := l.Scheduler.StartTask(taskID); err != nil {
			log.Errorf("admission: start task %s: %v", taskID, err)
		}
	}
	return nil
}

// QueueJobs fetches up to ProcsPerTick ASSIGNED, unbound jobs in
// priority order and hands each available one to the backend, per §4.4
// step 3.
func (l *Loop) QueueJobs(ctx context.Context) error {
	procs := l.Cfg.ProcsPerTick
	if procs <= 0 {
		procs = model.AdmissionProcsPerTick
	}

	jobs, err := l.Store.QueueableJobs(ctx, procs)
	if err != nil {
		return err
	}

	for _, job := range jobs {
		if !l.Backend.HasAvailable(job.Partition, job.ReservedCPU, job.ReservedMemoryMB) {
			continue
		}
		if err := l.limiter.Wait(ctx); err != nil {
			return err
		}
		if err := l.submitJob(ctx, job); err != nil {
			log.Errorf("admission: submit job %s: %v", job.ID, err)
		}
	}
	return nil
}

func (l *Loop) submitJob(ctx context.Context, job model.Job) error {
	workarea, err := l.Volume.JobWorkarea(job.ID)
	if err != nil {
		return fmt.Errorf("mkdir workarea: %w", err)
	}

	envs := map[string]string{
		"CUDA_VISIBLE_ORDER":   "PCI_BUS_ID",
		"TF_CPP_MIN_LOG_LEVEL": "3",
		"CUDA_VISIBLE_DEVICES": "-1",
	}
	if job.Device == model.DeviceGPU {
		envs["CUDA_VISIBLE_DEVICES"] = "0"
	}

	req := backend.SubmitRequest{
		Command:   job.Command,
		CPUs:      job.ReservedCPU,
		MemoryMB:  job.ReservedMemoryMB,
		Partition: job.Partition,
		JobName:   fmt.Sprintf("%s%s", jobNamePrefix, job.ID),
		Workarea:  workarea,
		Envs:      envs,
		Venv:      os.Getenv("VIRTUAL_ENV"),
	}

	backendJobID, state, err := l.Backend.Submit(req)
	if err != nil {
		// transient backend error: leave the job ASSIGNED/unbound for
		// the next tick to retry, per §7.
		return fmt.Errorf("backend submit: %w", err)
	}

	if err := l.Store.SetJobWorkarea(ctx, job.ID, workarea); err != nil {
		return err
	}
	if err := l.Store.BindJobToBackend(ctx, job.ID, backendJobID, state); err != nil {
		return err
	}
	return l.Store.PingJob(ctx, job.ID)
}
