// Package taskscheduler is the task scheduler component (C5): a
// per-task cooperative state machine driven by the transition table of
// §4.3, grounded on original_source/maestro/loop/task.py's
// TaskScheduler.compile()/loop(). Each live task registers one
// go-co-op/gocron/v2 job on a scheduler shared across every task,
// replacing the original's one-OS-thread-per-task with a single
// round-robin scheduler, per the Design Notes migration suggestion.
package taskscheduler

import (
	"context"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jmoiron/sqlx"

	"github.com/jodafons/maestro/internal/config"
	"github.com/jodafons/maestro/internal/model"
	"github.com/jodafons/maestro/internal/store"
	"github.com/jodafons/maestro/pkg/log"
)

// Guard decides whether a transition fires, given the jobs of the task
// currently under lock.
type Guard func(ctx context.Context, task *model.Task, jobs []model.Job) bool

// Action mutates job rows (and, rarely, the trigger state) as part of a
// matched transition. It runs inside the same transaction as the
// status write.
type Action func(ctx context.Context, tx *sqlx.Tx, st *store.Store, task *model.Task, jobs []model.Job) error

// Transition is one row of the table in §4.3: from a source status, if
// Guard holds, Action runs and the task moves to Target.
type Transition struct {
	Source model.TaskStatus
	Guard  Guard
	Action Action
	Target model.TaskStatus
}

func noopGuard(context.Context, *model.Task, []model.Job) bool { return true }
func noopAction(context.Context, *sqlx.Tx, *store.Store, *model.Task, []model.Job) error {
	return nil
}

func allJobs(jobs []model.Job, pred func(model.Job) bool) bool {
	for _, j := range jobs {
		if !pred(j) {
			return false
		}
	}
	return true
}

func anyJob(jobs []model.Job, pred func(model.Job) bool) bool {
	for _, j := range jobs {
		if pred(j) {
			return true
		}
	}
	return false
}

func statusIs(status model.JobStatus) func(model.Job) bool {
	return func(j model.Job) bool { return j.Status == status }
}

// trigger reports whether the task's external state equals want; it
// does not consume it — callers consume it as part of their Action,
// matching §4.3's "consumed (reset to WAITING) on success".
func trigger(want model.TaskExternalState) Guard {
	return func(_ context.Context, task *model.Task, _ []model.Job) bool {
		return task.ExternalState == want
	}
}

func consumeTrigger(ctx context.Context, tx *sqlx.Tx, taskID string) error {
	_, err := tx.ExecContext(ctx, `UPDATE task SET external_state = ? WHERE id = ?`, model.TaskStateWaiting, taskID)
	return err
}

func bulkAssign(ctx context.Context, tx *sqlx.Tx, st *store.Store, jobs []model.Job, status model.JobStatus, resetRetry bool) error {
	for _, j := range jobs {
		retry := j.Retry
		if resetRetry {
			retry = 0
		}
		if err := st.ResetJobForRetry(ctx, tx, j.ID, status, retry); err != nil {
			return err
		}
	}
	return nil
}

// Compile builds the transition table of §4.3 in top-to-bottom match
// order, optionally splicing in the testing-mode rows between rows 1
// and 2 when cfg.TestingMode is set (§9 Open Questions: testing mode is
// an implementation option gated by a flag, not part of the main
// graph).
func Compile(cfg *config.Config) []Transition {
	table := []Transition{
		{ // 1
			Source: model.TaskRegistered,
			Guard:  noopGuard,
			Action: func(ctx context.Context, tx *sqlx.Tx, st *store.Store, task *model.Task, jobs []model.Job) error {
				return bulkAssign(ctx, tx, st, jobs, model.JobAssigned, true)
			},
			Target: model.TaskAssigned,
		},
	}

	if cfg.TestingMode {
		table = append(table, testingTransitions()...)
	}

	table = append(table,
		Transition{ // 2
			Source: model.TaskAssigned,
			Guard:  noopGuard,
			Action: func(ctx context.Context, tx *sqlx.Tx, st *store.Store, task *model.Task, jobs []model.Job) error {
				return bulkAssign(ctx, tx, st, jobs, model.JobAssigned, true)
			},
			Target: model.TaskRunning,
		},
		Transition{ // 3
			Source: model.TaskRunning,
			Guard: func(_ context.Context, _ *model.Task, jobs []model.Job) bool {
				return allJobs(jobs, statusIs(model.JobCompleted))
			},
			Action: noopAction,
			Target: model.TaskCompleted,
		},
		Transition{ // 4
			Source: model.TaskRunning,
			Guard: func(_ context.Context, _ *model.Task, jobs []model.Job) bool {
				return allJobs(jobs, statusIs(model.JobBroken))
			},
			Action: noopAction,
			Target: model.TaskBroken,
		},
		Transition{ // 5
			Source: model.TaskRunning,
			Guard:  trigger(model.TaskStateKill),
			Action: func(ctx context.Context, tx *sqlx.Tx, st *store.Store, task *model.Task, jobs []model.Job) error {
				for _, j := range jobs {
					target := model.JobKilled
					if j.Status == model.JobRunning {
						target = model.JobKill
					}
					if err := st.UpdateJobStatus(ctx, tx, j.ID, target); err != nil {
						return err
					}
				}
				return consumeTrigger(ctx, tx, task.ID)
			},
			Target: model.TaskKill,
		},
		Transition{ // 6
			Source: model.TaskRunning,
			Guard: func(_ context.Context, _ *model.Task, jobs []model.Job) bool {
				return anyJob(jobs, func(j model.Job) bool {
					return j.Status == model.JobFailed && j.Retry < model.MaxRetry
				})
			},
			Action: func(ctx context.Context, tx *sqlx.Tx, st *store.Store, task *model.Task, jobs []model.Job) error {
				for _, j := range jobs {
					if j.Status == model.JobFailed && j.Retry < model.MaxRetry {
						if err := st.ResetJobForRetry(ctx, tx, j.ID, model.JobAssigned, j.Retry+1); err != nil {
							return err
						}
					}
				}
				return nil
			},
			Target: model.TaskRunning,
		},
		Transition{ // 7
			Source: model.TaskRunning,
			Guard: func(_ context.Context, _ *model.Task, jobs []model.Job) bool {
				stillActive := anyJob(jobs, func(j model.Job) bool {
					return j.Status == model.JobAssigned || j.Status == model.JobRunning
				})
				allCompleted := allJobs(jobs, statusIs(model.JobCompleted))
				return !stillActive && !allCompleted
			},
			Action: noopAction,
			Target: model.TaskFinalized,
		},
		Transition{ // 8
			Source: model.TaskFinalized,
			Guard:  trigger(model.TaskStateRetry),
			Action: func(ctx context.Context, tx *sqlx.Tx, st *store.Store, task *model.Task, jobs []model.Job) error {
				for _, j := range jobs {
					if j.Status != model.JobCompleted {
						if err := st.ResetJobForRetry(ctx, tx, j.ID, model.JobAssigned, 0); err != nil {
							return err
						}
					}
				}
				return consumeTrigger(ctx, tx, task.ID)
			},
			Target: model.TaskRunning,
		},
		Transition{ // 9
			Source: model.TaskBroken,
			Guard:  trigger(model.TaskStateRetry),
			Action: func(ctx context.Context, tx *sqlx.Tx, st *store.Store, task *model.Task, jobs []model.Job) error {
				if err := bulkAssign(ctx, tx, st, jobs, model.JobRegistered, true); err != nil {
					return err
				}
				return consumeTrigger(ctx, tx, task.ID)
			},
			Target: model.TaskRegistered,
		},
		Transition{ // 10
			Source: model.TaskKill,
			Guard: func(_ context.Context, _ *model.Task, jobs []model.Job) bool {
				return allJobs(jobs, statusIs(model.JobKilled))
			},
			Action: noopAction,
			Target: model.TaskKilled,
		},
		Transition{ // 11
			Source: model.TaskKilled,
			Guard:  trigger(model.TaskStateRetry),
			Action: func(ctx context.Context, tx *sqlx.Tx, st *store.Store, task *model.Task, jobs []model.Job) error {
				if err := bulkAssign(ctx, tx, st, jobs, model.JobRegistered, true); err != nil {
					return err
				}
				return consumeTrigger(ctx, tx, task.ID)
			},
			Target: model.TaskRegistered,
		},
	)

	return table
}

// testingTransitions implements the three rows §4.3 describes as
// inserted "between rows 1 and 2": the first job runs alone, at
// elevated priority, while its siblings wait; its outcome decides
// whether the rest of the array is released or the task is broken.
func testingTransitions() []Transition {
	const priorityBoost = 1000

	return []Transition{
		{
			Source: model.TaskAssigned,
			Guard:  noopGuard,
			Action: func(ctx context.Context, tx *sqlx.Tx, st *store.Store, task *model.Task, jobs []model.Job) error {
				for i, j := range jobs {
					if i == 0 {
						if _, err := tx.ExecContext(ctx,
							`UPDATE job SET status = ?, priority = priority + ?, retry = 0, backend_job_id = ? WHERE id = ?`,
							model.JobAssigned, priorityBoost, model.UnboundBackendJobID, j.ID); err != nil {
							return err
						}
						continue
					}
					if err := st.ResetJobForRetry(ctx, tx, j.ID, model.JobRegistered, j.Retry); err != nil {
						return err
					}
				}
				return nil
			},
			Target: model.TaskTesting,
		},
		{
			Source: model.TaskTesting,
			Guard: func(_ context.Context, _ *model.Task, jobs []model.Job) bool {
				return len(jobs) > 0 && jobs[0].Status == model.JobCompleted
			},
			Action: func(ctx context.Context, tx *sqlx.Tx, st *store.Store, task *model.Task, jobs []model.Job) error {
				for i, j := range jobs {
					if i == 0 {
						continue
					}
					if err := st.ResetJobForRetry(ctx, tx, j.ID, model.JobAssigned, 0); err != nil {
						return err
					}
				}
				return nil
			},
			Target: model.TaskRunning,
		},
		{
			Source: model.TaskTesting,
			Guard: func(_ context.Context, _ *model.Task, jobs []model.Job) bool {
				return len(jobs) > 0 && (jobs[0].Status == model.JobFailed || jobs[0].Status == model.JobBroken)
			},
			Action: noopAction,
			Target: model.TaskBroken,
		},
	}
}

// Scheduler runs one gocron job per live (non-terminal) task, each
// applying Step on its own 1s tick, sharing a single gocron.Scheduler
// instance instead of one goroutine per task.
type Scheduler struct {
	Store *store.Store
	Cfg   *config.Config

	cron  gocron.Scheduler
	table []Transition
	live  map[string]gocron.Job
}

func New(st *store.Store, cfg *config.Config) (*Scheduler, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		Store: st,
		Cfg:   cfg,
		cron:  cron,
		table: Compile(cfg),
		live:  map[string]gocron.Job{},
	}, nil
}

func (s *Scheduler) Start() { s.cron.Start() }

func (s *Scheduler) Shutdown() error { return s.cron.Shutdown() }

// IsLive reports whether taskID currently has a registered per-tick job.
func (s *Scheduler) IsLive(taskID string) bool {
	_, ok := s.live[taskID]
	return ok
}

// StartTask registers a new per-tick job for taskID if one is not
// already running; it deregisters itself once the task reaches a
// terminal status.
func (s *Scheduler) StartTask(taskID string) error {
	if s.IsLive(taskID) {
		return nil
	}

	job, err := s.cron.NewJob(
		gocron.DurationJob(time.Second),
		gocron.NewTask(func() {
			ctx := context.Background()
			terminal, err := s.Step(ctx, taskID)
			if err != nil {
				log.Errorf("taskscheduler: step %s: %v", taskID, err)
				return
			}
			if terminal {
				s.stopTask(taskID)
			}
		}),
	)
	if err != nil {
		return err
	}
	s.live[taskID] = job
	return nil
}

func (s *Scheduler) stopTask(taskID string) {
	job, ok := s.live[taskID]
	if !ok {
		return
	}
	if err := s.cron.RemoveJob(job.ID()); err != nil {
		log.Errorf("taskscheduler: remove job for %s: %v", taskID, err)
	}
	delete(s.live, taskID)
}

// Step applies liveness reconciliation followed by the first matching
// transition for taskID, all under one row lock. It returns true once
// the task has reached a terminal status.
func (s *Scheduler) Step(ctx context.Context, taskID string) (bool, error) {
	terminal := false

	err := s.Store.WithTaskLock(ctx, taskID, func(tx *sqlx.Tx) error {
		stuckTimeout := model.StuckTimeout
		if s.Cfg.StuckTimeoutSec > 0 {
			stuckTimeout = time.Duration(s.Cfg.StuckTimeoutSec) * time.Second
		}
		stuck, err := s.Store.JobsStuckTx(ctx, tx, taskID, stuckTimeout)
		if err != nil {
			return err
		}
		for _, j := range stuck {
			log.Printf("taskscheduler: reclaiming stuck job %s (task %s)", j.ID, taskID)
			if err := s.Store.ResetJobForRetry(ctx, tx, j.ID, model.JobAssigned, j.Retry); err != nil {
				return err
			}
		}

		var task model.Task
		if err := tx.GetContext(ctx, &task, `SELECT * FROM task WHERE id = ?`, taskID); err != nil {
			return err
		}
		if task.Status.IsTerminal() {
			terminal = true
			return nil
		}

		jobs, err := s.Store.JobsByTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}

		for _, t := range s.table {
			if t.Source != task.Status {
				continue
			}
			if !t.Guard(ctx, &task, jobs) {
				continue
			}
			if err := t.Action(ctx, tx, s.Store, &task, jobs); err != nil {
				return err
			}
			if err := s.Store.UpdateTaskStatus(ctx, tx, taskID, t.Target); err != nil {
				return err
			}
			terminal = t.Target.IsTerminal()
			break
		}
		return nil
	})

	return terminal, err
}
