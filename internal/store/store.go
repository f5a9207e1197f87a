// Package store is the Store component (C1): durable, transactional
// access to users, datasets/files, tasks and jobs, built the same way
// the teacher's repository package is — jmoiron/sqlx for scanning,
// Masterminds/squirrel for building queries (see job.go's
// sq.Select(...).From("job").Where(...) and r.DB.NamedExec calls).
package store

import (
	"context"
	"database/sql"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jodafons/maestro/internal/model"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Question)

// Store wraps a *sqlx.DB with the engine's entity operations. One
// Store is constructed per process (internal/engine.Engine owns it)
// and shared by every component instead of a package-level singleton.
type Store struct {
	DB *sqlx.DB

	// taskLocks provides the per-task pessimistic locking §4.1 requires:
	// concurrent scheduler steps on the same task serialize, on
	// different tasks they run in parallel. A real multi-writer backend
	// (Postgres/MySQL) would additionally take `SELECT ... FOR UPDATE`;
	// against sqlite (no row locking) this mutex is the only thing
	// providing that guarantee.
	taskLocks sync.Map // map[string]*sync.Mutex
}

func New(db *sqlx.DB) *Store {
	return &Store{DB: db}
}

func NewID() string { return uuid.NewString() }

func (s *Store) lockFor(taskID string) *sync.Mutex {
	v, _ := s.taskLocks.LoadOrStore(taskID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// WithTaskLock executes fn with the named task's row lock held for the
// duration of fn, matching §4.1's "reads of a task and its jobs, the
// decision, and the writes back must be one transaction" / §5's
// "exclusive row lock per step".
func (s *Store) WithTaskLock(ctx context.Context, taskID string, fn func(tx *sqlx.Tx) error) error {
	lock := s.lockFor(taskID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.DB.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	return tx.Commit()
}

// ---- Users -----------------------------------------------------------

func (s *Store) SaveUser(ctx context.Context, u *model.User) error {
	if u.ID == "" {
		u.ID = NewID()
	}
	_, err := s.DB.NamedExecContext(ctx,
		`INSERT INTO user (id, name, token) VALUES (:id, :name, :token)`, u)
	return err
}

func (s *Store) UserByToken(ctx context.Context, token string) (*model.User, error) {
	var u model.User
	err := s.DB.GetContext(ctx, &u, `SELECT * FROM user WHERE token = ?`, token)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) UserName(ctx context.Context, userID string) (string, error) {
	var name string
	err := s.DB.GetContext(ctx, &name, `SELECT name FROM user WHERE id = ?`, userID)
	return name, err
}

// ---- Datasets ----------------------------------------------------------

func (s *Store) SaveDataset(ctx context.Context, d *model.Dataset) error {
	if d.ID == "" {
		d.ID = NewID()
	}
	_, err := s.DB.NamedExecContext(ctx,
		`INSERT INTO dataset (id, name, kind, owner_id) VALUES (:id, :name, :kind, :owner_id)`, d)
	return err
}

func (s *Store) DatasetExistsByName(ctx context.Context, name string) bool {
	var n int
	_ = s.DB.GetContext(ctx, &n, `SELECT COUNT(*) FROM dataset WHERE name = ?`, name)
	return n > 0
}

func (s *Store) DatasetIDByName(ctx context.Context, name string) (string, error) {
	var id string
	err := s.DB.GetContext(ctx, &id, `SELECT id FROM dataset WHERE name = ?`, name)
	return id, err
}

func (s *Store) DatasetByID(ctx context.Context, id string) (*model.Dataset, error) {
	var d model.Dataset
	if err := s.DB.GetContext(ctx, &d, `SELECT * FROM dataset WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return &d, nil
}

// ---- Files ---------------------------------------------------------------

func (s *Store) AppendFile(ctx context.Context, f *model.File) error {
	if f.ID == "" {
		f.ID = NewID()
	}
	_, err := s.DB.NamedExecContext(ctx, `INSERT INTO file
		(id, dataset_id, filename, md5, storage_kind, link_path)
		VALUES (:id, :dataset_id, :filename, :md5, :storage_kind, :link_path)`, f)
	return err
}

func (s *Store) FileExists(ctx context.Context, datasetID, filename string) bool {
	var n int
	_ = s.DB.GetContext(ctx, &n, `SELECT COUNT(*) FROM file WHERE dataset_id = ? AND filename = ?`, datasetID, filename)
	return n > 0
}

// FilesByDataset returns the files of a dataset ordered by insertion
// (rowid), matching "an ordered collection of Files" in §3.
func (s *Store) FilesByDataset(ctx context.Context, datasetID string) ([]model.File, error) {
	var files []model.File
	err := s.DB.SelectContext(ctx, &files, `SELECT * FROM file WHERE dataset_id = ? ORDER BY rowid`, datasetID)
	return files, err
}

// ---- Tasks -----------------------------------------------------------------

func (s *Store) SaveTask(ctx context.Context, t *model.Task, parents []string) error {
	if t.ID == "" {
		t.ID = NewID()
	}
	if t.Status == "" {
		t.Status = model.TaskPreRegistered
	}
	if t.ExternalState == "" {
		t.ExternalState = model.TaskStateWaiting
	}
	now := time.Now()
	t.CreatedAt, t.LastPing = now, now

	return s.WithTaskLock(ctx, t.ID, func(tx *sqlx.Tx) error {
		_, err := tx.NamedExecContext(ctx, `INSERT INTO task
			(id, name, owner_id, "partition", priority, task_inputs, status, external_state, created_at, last_ping)
			VALUES (:id, :name, :owner_id, :partition, :priority, :task_inputs, :status, :external_state, :created_at, :last_ping)`, t)
		if err != nil {
			return err
		}
		for _, parentID := range parents {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO task_parent (child_id, parent_id) VALUES (?, ?)`, t.ID, parentID); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) TaskExists(ctx context.Context, taskID string) bool {
	var n int
	_ = s.DB.GetContext(ctx, &n, `SELECT COUNT(*) FROM task WHERE id = ?`, taskID)
	return n > 0
}

func (s *Store) TaskExistsByName(ctx context.Context, name string) bool {
	var n int
	_ = s.DB.GetContext(ctx, &n, `SELECT COUNT(*) FROM task WHERE name = ?`, name)
	return n > 0
}

func (s *Store) TaskIDByName(ctx context.Context, name string) (string, error) {
	var id string
	err := s.DB.GetContext(ctx, &id, `SELECT id FROM task WHERE name = ?`, name)
	return id, err
}

func (s *Store) TaskByID(ctx context.Context, taskID string) (*model.Task, error) {
	var t model.Task
	if err := s.DB.GetContext(ctx, &t, `SELECT * FROM task WHERE id = ?`, taskID); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) TaskStatus(ctx context.Context, taskID string) (model.TaskStatus, error) {
	var status model.TaskStatus
	err := s.DB.GetContext(ctx, &status, `SELECT status FROM task WHERE id = ?`, taskID)
	return status, err
}

func (s *Store) TaskOwner(ctx context.Context, taskID string) (string, error) {
	var owner string
	err := s.DB.GetContext(ctx, &owner, `SELECT owner_id FROM task WHERE id = ?`, taskID)
	return owner, err
}

func (s *Store) TaskParents(ctx context.Context, taskID string) ([]string, error) {
	var parents []string
	err := s.DB.SelectContext(ctx, &parents,
		`SELECT parent_id FROM task_parent WHERE child_id = ?`, taskID)
	return parents, err
}

// TasksByStatus lists task ids currently in the given status.
func (s *Store) TasksByStatus(ctx context.Context, status model.TaskStatus) ([]string, error) {
	var ids []string
	err := s.DB.SelectContext(ctx, &ids, `SELECT id FROM task WHERE status = ?`, status)
	return ids, err
}

// TasksNotStatus lists task ids NOT in the given status, used by
// startup reconciliation to revive every non-completed task.
func (s *Store) TasksNotStatus(ctx context.Context, status model.TaskStatus) ([]string, error) {
	var ids []string
	err := s.DB.SelectContext(ctx, &ids, `SELECT id FROM task WHERE status != ?`, status)
	return ids, err
}

// ListTaskNames performs the name-glob listing of §4.1, translating a
// shell-style '*' wildcard into a SQL LIKE pattern exactly like the
// original's TaskManager.list(match_with="*").
func (s *Store) ListTaskNames(ctx context.Context, match string) ([]string, error) {
	pattern := globToLike(match)
	var names []string
	err := s.DB.SelectContext(ctx, &names, `SELECT name FROM task WHERE name LIKE ?`, pattern)
	return names, err
}

func globToLike(match string) string {
	out := make([]rune, 0, len(match))
	for _, r := range match {
		if r == '*' {
			out = append(out, '%')
		} else {
			out = append(out, r)
		}
	}
	return string(out)
}

// UpdateTaskStatus writes a new status and pings the task row, as one
// update, the way §4.1 describes "update-status with ping".
func (s *Store) UpdateTaskStatus(ctx context.Context, tx *sqlx.Tx, taskID string, status model.TaskStatus) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE task SET status = ?, last_ping = ? WHERE id = ?`, status, time.Now(), taskID)
	return err
}

func (s *Store) UpdateTaskExternalState(ctx context.Context, taskID string, state model.TaskExternalState) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE task SET external_state = ? WHERE id = ?`, state, taskID)
	return err
}

func (s *Store) PingTask(ctx context.Context, tx *sqlx.Tx, taskID string) error {
	_, err := tx.ExecContext(ctx, `UPDATE task SET last_ping = ? WHERE id = ?`, time.Now(), taskID)
	return err
}

// ---- Tags (supplemented from original_source, SPEC_FULL §9) --------------

func (s *Store) CreateTag(ctx context.Context, tagType, tagName string) (int64, error) {
	res, err := s.DB.ExecContext(ctx,
		`INSERT INTO tag (tag_type, tag_name) VALUES (?, ?)`, tagType, tagName)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) TagID(ctx context.Context, tagType, tagName string) (int64, bool) {
	var id int64
	err := s.DB.GetContext(ctx, &id, `SELECT id FROM tag WHERE tag_type = ? AND tag_name = ?`, tagType, tagName)
	return id, err == nil
}

func (s *Store) AddTag(ctx context.Context, taskID string, tagID int64) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO tasktag (task_id, tag_id) VALUES (?, ?)`, taskID, tagID)
	return err
}

func (s *Store) AddTagOrCreate(ctx context.Context, taskID, tagType, tagName string) error {
	tagID, ok := s.TagID(ctx, tagType, tagName)
	if !ok {
		var err error
		tagID, err = s.CreateTag(ctx, tagType, tagName)
		if err != nil {
			return err
		}
	}
	return s.AddTag(ctx, taskID, tagID)
}

func (s *Store) TagsByTask(ctx context.Context, taskID string) ([]model.Tag, error) {
	var tags []model.Tag
	err := s.DB.SelectContext(ctx, &tags,
		`SELECT t.* FROM tag t JOIN tasktag tt ON tt.tag_id = t.id WHERE tt.task_id = ?`, taskID)
	return tags, err
}

// ---- Jobs ------------------------------------------------------------------

func (s *Store) InsertJob(ctx context.Context, tx *sqlx.Tx, j *model.Job) error {
	if j.ID == "" {
		j.ID = NewID()
	}
	if j.BackendJobID == 0 {
		j.BackendJobID = model.UnboundBackendJobID
	}
	now := time.Now()
	j.CreatedAt, j.LastPing = now, now

	_, err := tx.NamedExecContext(ctx, `INSERT INTO job
		(id, task_id, job_index, input_file_id, command, workarea, status, retry, priority, "partition", device,
		 reserved_cpu_number, reserved_sys_memory_mb, reserved_gpu_memory_mb,
		 used_sys_memory_mb, used_gpu_memory_mb, backend_job_id, backend_state, last_ping, created_at)
		VALUES
		(:id, :task_id, :job_index, :input_file_id, :command, :workarea, :status, :retry, :priority, :partition, :device,
		 :reserved_cpu_number, :reserved_sys_memory_mb, :reserved_gpu_memory_mb,
		 :used_sys_memory_mb, :used_gpu_memory_mb, :backend_job_id, :backend_state, :last_ping, :created_at)`, j)
	return err
}

func (s *Store) JobByID(ctx context.Context, jobID string) (*model.Job, error) {
	var j model.Job
	if err := s.DB.GetContext(ctx, &j, `SELECT * FROM job WHERE id = ?`, jobID); err != nil {
		return nil, err
	}
	return &j, nil
}

// JobsByTask returns a task's job array ordered by creation index
// (§3's "Task → Jobs is 1-to-many, ordered by creation index").
func (s *Store) JobsByTask(ctx context.Context, taskID string) ([]model.Job, error) {
	var jobs []model.Job
	err := s.DB.SelectContext(ctx, &jobs, `SELECT * FROM job WHERE task_id = ? ORDER BY job_index`, taskID)
	return jobs, err
}

func (s *Store) JobsByTaskTx(ctx context.Context, tx *sqlx.Tx, taskID string) ([]model.Job, error) {
	var jobs []model.Job
	err := tx.SelectContext(ctx, &jobs, `SELECT * FROM job WHERE task_id = ? ORDER BY job_index`, taskID)
	return jobs, err
}

// JobsByStatusTx finds jobs in one of the given statuses for a task,
// for use inside a WithTaskLock step (liveness reconciliation, §4.3).
func (s *Store) JobsByStatusTx(ctx context.Context, tx *sqlx.Tx, taskID string, statuses ...model.JobStatus) ([]model.Job, error) {
	q, args, err := sq.Select("*").From("job").
		Where(sq.Eq{"task_id": taskID}).
		Where(sq.Eq{"status": statuses}).
		PlaceholderFormat(sq.Question).ToSql()
	if err != nil {
		return nil, err
	}
	var jobs []model.Job
	err = tx.SelectContext(ctx, &jobs, q, args...)
	return jobs, err
}

// QueueableJobs implements §4.4 step 3's fetch: up to limit jobs in
// ASSIGNED with backend_job_id=-1, highest priority first, tied by
// insertion order (rowid), grounded on scheduler.py's
// `.order_by(priority.desc()).order_by(id)`.
func (s *Store) QueueableJobs(ctx context.Context, limit int) ([]model.Job, error) {
	q, args, err := psql.Select("*").From("job").
		Where(sq.Eq{"status": model.JobAssigned}).
		Where(sq.Eq{"backend_job_id": model.UnboundBackendJobID}).
		OrderBy("priority DESC", "rowid ASC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, err
	}
	var jobs []model.Job
	err = s.DB.SelectContext(ctx, &jobs, q, args...)
	return jobs, err
}

// UpdateJobStatus sets a job's status (and, on COMPLETED, FAILED,
// KILLED, BROKEN or REGISTERED, resets backend_job_id to -1 per
// invariant 3).
func (s *Store) UpdateJobStatus(ctx context.Context, tx *sqlx.Tx, jobID string, status model.JobStatus) error {
	query := `UPDATE job SET status = ?`
	args := []interface{}{status}
	if status == model.JobCompleted || status == model.JobFailed ||
		status == model.JobKilled || status == model.JobBroken || status == model.JobRegistered {
		query += `, backend_job_id = ?`
		args = append(args, model.UnboundBackendJobID)
	}
	query += ` WHERE id = ?`
	args = append(args, jobID)
	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

func (s *Store) ResetJobForRetry(ctx context.Context, tx *sqlx.Tx, jobID string, status model.JobStatus, retry int) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE job SET status = ?, retry = ?, backend_job_id = ? WHERE id = ?`,
		status, retry, model.UnboundBackendJobID, jobID)
	return err
}

func (s *Store) PingJob(ctx context.Context, jobID string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE job SET last_ping = ? WHERE id = ?`, time.Now(), jobID)
	return err
}

func (s *Store) BindJobToBackend(ctx context.Context, jobID string, backendJobID int64, backendState model.BackendState) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE job SET backend_job_id = ?, backend_state = ?, last_ping = ? WHERE id = ?`,
		backendJobID, backendState, time.Now(), jobID)
	return err
}

func (s *Store) SetJobWorkarea(ctx context.Context, jobID, workarea string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE job SET workarea = ? WHERE id = ?`, workarea, jobID)
	return err
}

func (s *Store) UpdateJobMemoryUsage(ctx context.Context, jobID string, sysMB, gpuMB int) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE job SET used_sys_memory_mb = ?, used_gpu_memory_mb = ? WHERE id = ?`, sysMB, gpuMB, jobID)
	return err
}

func (s *Store) GrowJobReservation(ctx context.Context, jobID string, deltaSysMB, deltaGPUMB int) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE job SET reserved_sys_memory_mb = reserved_sys_memory_mb + ?, reserved_gpu_memory_mb = reserved_gpu_memory_mb + ? WHERE id = ?`,
		deltaSysMB, deltaGPUMB, jobID)
	return err
}

// JobsStuckTx returns RUNNING/PENDING jobs of a task whose last_ping is
// older than timeout, the liveness reconciliation source set of §4.3.
func (s *Store) JobsStuckTx(ctx context.Context, tx *sqlx.Tx, taskID string, timeout time.Duration) ([]model.Job, error) {
	jobs, err := s.JobsByStatusTx(ctx, tx, taskID, model.JobRunning, model.JobPending)
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().Add(-timeout)
	var stuck []model.Job
	for _, j := range jobs {
		if j.LastPing.Before(cutoff) {
			stuck = append(stuck, j)
		}
	}
	return stuck, nil
}

// SetJobStatusLocked updates one job's status under its task's row
// lock, for callers (the job runner) that touch exactly one job at a
// time outside a per-task scheduler step.
func (s *Store) SetJobStatusLocked(ctx context.Context, taskID, jobID string, status model.JobStatus) error {
	return s.WithTaskLock(ctx, taskID, func(tx *sqlx.Tx) error {
		return s.UpdateJobStatus(ctx, tx, jobID, status)
	})
}

// ---- Startup reconciliation bulk operations (§4.4) ------------------------

// ResetKillJobsToKilled flips every job still in KILL to KILLED and
// clears its backend id, for jobs whose runner never observed the
// kill request before the engine restarted.
func (s *Store) ResetKillJobsToKilled(ctx context.Context) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE job SET status = ?, backend_job_id = ? WHERE status = ?`,
		model.JobKilled, model.UnboundBackendJobID, model.JobKill)
	return err
}

// ResetRunningJobsToAssigned reclaims every job left RUNNING by a
// previous process lifetime.
func (s *Store) ResetRunningJobsToAssigned(ctx context.Context) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE job SET status = ?, backend_job_id = ? WHERE status = ?`,
		model.JobAssigned, model.UnboundBackendJobID, model.JobRunning)
	return err
}

// ClearAssignedBackendIDs clears backend_job_id on every ASSIGNED job,
// forcing the admission loop to resubmit it.
func (s *Store) ClearAssignedBackendIDs(ctx context.Context) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE job SET backend_job_id = ? WHERE status = ?`,
		model.UnboundBackendJobID, model.JobAssigned)
	return err
}

var ErrNotFound = sql.ErrNoRows
