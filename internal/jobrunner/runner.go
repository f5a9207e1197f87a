// Package jobrunner is the job runner component (C4): the process
// started by the backend for exactly one job. It binds the job's
// context, stages inputs/outputs as symlinks, execs a containerized
// command, supervises memory usage, publishes outputs, and reports a
// final status, grounded on original_source/maestro/loop/job.py.
package jobrunner

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jodafons/maestro/internal/config"
	"github.com/jodafons/maestro/internal/contentio"
	"github.com/jodafons/maestro/internal/model"
	"github.com/jodafons/maestro/internal/store"
	"github.com/jodafons/maestro/pkg/log"
)

// ContainerExec names the container execution tool invoked in the Exec
// phase, overridable by tests.
var ContainerExec = "container-exec"

// stagedOutput is one output this job must publish on success: the
// dataset it belongs to and the file path the command was told to
// write it to.
type stagedOutput struct {
	datasetID   string
	datasetName string
	path        string
}

// Runner drives one job to completion. One Runner is constructed per
// job process (the "job" CLI mode of cmd/maestro).
type Runner struct {
	Store  *store.Store
	Volume *contentio.Volume
	Cfg    *config.Config
}

func New(st *store.Store, vol *contentio.Volume, cfg *config.Config) *Runner {
	return &Runner{Store: st, Volume: vol, Cfg: cfg}
}

// Run executes the full bind/stage/exec/supervise/publish/finish
// lifecycle of §4.5 for one job.
func (r *Runner) Run(ctx context.Context, jobID string) error {
	job, err := r.Store.JobByID(ctx, jobID)
	if err != nil {
		return fmt.Errorf("jobrunner: load job %s: %w", jobID, err)
	}

	if err := r.bind(ctx, job); err != nil {
		return fmt.Errorf("jobrunner: bind %s: %w", jobID, err)
	}

	task, err := r.Store.TaskByID(ctx, job.TaskID)
	if err != nil {
		return r.fail(ctx, job, err)
	}
	spec, err := task.Spec()
	if err != nil {
		return r.fail(ctx, job, err)
	}

	command, outputs, err := r.stage(ctx, task, spec, job)
	if err != nil {
		return r.fail(ctx, job, err)
	}

	cmd, err := r.exec(job, command)
	if err != nil {
		return r.fail(ctx, job, err)
	}

	status := r.supervise(ctx, job, cmd)
	if status != model.JobCompleted {
		return r.finish(ctx, job, status)
	}

	if err := r.publish(outputs); err != nil {
		log.Errorf("jobrunner: publish %s: %v", job.ID, err)
		return r.finish(ctx, job, model.JobFailed)
	}

	return r.finish(ctx, job, model.JobCompleted)
}

// bind flips the job to RUNNING and pings it, §4.5 step 1.
func (r *Runner) bind(ctx context.Context, job *model.Job) error {
	if err := r.Store.SetJobStatusLocked(ctx, job.TaskID, job.ID, model.JobRunning); err != nil {
		return err
	}
	if err := r.Store.PingJob(ctx, job.ID); err != nil {
		return err
	}
	job.Status = model.JobRunning
	return nil
}

// stage creates the workarea, symlinks the image/secondary/input data
// into it, and substitutes every %<key> placeholder in the command
// template, §4.5 step 2.
func (r *Runner) stage(ctx context.Context, task *model.Task, spec model.TaskSpec, job *model.Job) (string, []stagedOutput, error) {
	workarea, err := r.Volume.JobWorkarea(job.ID)
	if err != nil {
		return "", nil, err
	}
	if err := r.Store.SetJobWorkarea(ctx, job.ID, workarea); err != nil {
		return "", nil, err
	}

	command := spec.Command

	imageID, err := r.Store.DatasetIDByName(ctx, spec.Image)
	if err != nil {
		return "", nil, fmt.Errorf("resolve image dataset %q: %w", spec.Image, err)
	}
	imageFiles, err := r.Store.FilesByDataset(ctx, imageID)
	if err != nil || len(imageFiles) == 0 {
		return "", nil, fmt.Errorf("image dataset %q has no file", spec.Image)
	}
	if _, err := r.Volume.SymlinkImage(imageID, imageFiles[0].Filename, workarea); err != nil {
		return "", nil, err
	}

	for key, name := range spec.SecondaryData {
		datasetID, err := r.Store.DatasetIDByName(ctx, name)
		if err != nil {
			return "", nil, fmt.Errorf("resolve secondary dataset %q: %w", name, err)
		}
		link, err := r.Volume.SymlinkDatasetDir(datasetID, model.DatasetFiles, workarea, name)
		if err != nil {
			return "", nil, err
		}
		command = strings.ReplaceAll(command, "%"+key, link)
	}

	if spec.Input != "" && job.InputFileID != "" {
		datasetID, err := r.Store.DatasetIDByName(ctx, spec.Input)
		if err != nil {
			return "", nil, fmt.Errorf("resolve input dataset %q: %w", spec.Input, err)
		}
		files, err := r.Store.FilesByDataset(ctx, datasetID)
		if err != nil {
			return "", nil, err
		}
		var filename string
		for _, f := range files {
			if f.ID == job.InputFileID {
				filename = f.Filename
				break
			}
		}
		if filename == "" {
			return "", nil, fmt.Errorf("input file %s not found in dataset %q", job.InputFileID, spec.Input)
		}
		link, err := r.Volume.SymlinkInputFile(datasetID, model.DatasetFiles, filename, workarea, spec.Input+"."+filename)
		if err != nil {
			return "", nil, err
		}
		command = strings.ReplaceAll(command, "%IN", link)
	}

	var outputs []stagedOutput
	for key, filename := range spec.Outputs {
		derived := fmt.Sprintf("%s.%s", task.Name, filename)
		datasetID, err := r.Store.DatasetIDByName(ctx, derived)
		if err != nil {
			return "", nil, fmt.Errorf("resolve output dataset %q: %w", derived, err)
		}
		path := contentio.OutputFilepath(workarea, job.ID, filename)
		command = strings.ReplaceAll(command, "%"+key, path)
		outputs = append(outputs, stagedOutput{datasetID: datasetID, datasetName: derived, path: path})
	}

	entrypoint := filepath.Join(workarea, "entrypoint.sh")
	script := fmt.Sprintf("cd %s\n%s\n", workarea, command)
	if err := os.WriteFile(entrypoint, []byte(script), 0o755); err != nil {
		return "", nil, fmt.Errorf("write entrypoint: %w", err)
	}

	return entrypoint, outputs, nil
}

// exec spawns the container around the staged entrypoint, §4.5 step 3.
func (r *Runner) exec(job *model.Job, entrypoint string) (*exec.Cmd, error) {
	workarea := filepath.Dir(entrypoint)

	binds := fmt.Sprintf("--bind %s:%s", r.Volume.Root, r.Volume.Root)
	args := []string{"--nv", "--writable-tmpfs"}
	args = append(args, strings.Fields(binds)...)
	args = append(args, "bash", entrypoint)

	cmd := exec.Command(ContainerExec, args...)
	cmd.Dir = workarea
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	envs := map[string]string{
		"JOB_ID":               job.ID,
		"JOB_WORKAREA":         workarea,
		"TF_CPP_MIN_LOG_LEVEL": "3",
		"CUDA_VISIBLE_ORDER":   "PCI_BUS_ID",
		"CUDA_VISIBLE_DEVICES": "-1",
		"OMP_NUM_THREADS":      "4",
		"SLURM_CPUS_PER_TASK":  "4",
		"SLURM_MEM_PER_NODE":   "2048",
	}
	if job.Device == model.DeviceGPU {
		envs["CUDA_VISIBLE_DEVICES"] = "0"
	}
	cmd.Env = os.Environ()
	for k, v := range envs {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	outputLog, err := os.Create(filepath.Join(workarea, "output.log"))
	if err != nil {
		return nil, err
	}
	cmd.Stdout = outputLog
	cmd.Stderr = outputLog

	if err := cmd.Start(); err != nil {
		outputLog.Close()
		return nil, fmt.Errorf("start container exec: %w", err)
	}
	return cmd, nil
}

// supervise polls the child process every second (aggregating a memory
// sample every tick) and pings the job row every 5s, watching for an
// external KILL and for a memory-reservation breach, §4.5 step 4.
func (r *Runner) supervise(ctx context.Context, job *model.Job, cmd *exec.Cmd) model.JobStatus {
	monitor := NewMemoryMonitor(defaultPercentage(r.Cfg), r.Cfg.DynamicMemory)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	pingEvery := 5
	tick := 0

	for {
		select {
		case err := <-done:
			if err != nil {
				log.Errorf("jobrunner: job %s exited with error: %v", job.ID, err)
				return model.JobFailed
			}
			return model.JobCompleted

		case <-ticker.C:
			tick++
			sysMB, gpuMB := sampleProcessTree(cmd.Process.Pid)
			healthy, growSys, growGPU := monitor.Sample(sysMB, gpuMB, job.ReservedMemoryMB, job.ReservedGPUMemMB)

			if growSys > 0 || growGPU > 0 {
				job.ReservedMemoryMB += growSys
				job.ReservedGPUMemMB += growGPU
				if err := r.Store.GrowJobReservation(ctx, job.ID, growSys, growGPU); err != nil {
					log.Errorf("jobrunner: grow reservation for %s: %v", job.ID, err)
				}
			}

			if tick%pingEvery == 0 {
				if err := r.Store.UpdateJobMemoryUsage(ctx, job.ID, sysMB, gpuMB); err != nil {
					log.Errorf("jobrunner: update memory usage for %s: %v", job.ID, err)
				}
				if err := r.Store.PingJob(ctx, job.ID); err != nil {
					log.Errorf("jobrunner: ping %s: %v", job.ID, err)
				}

				if current, err := r.Store.JobByID(ctx, job.ID); err == nil && current.Status == model.JobKill {
					killProcessTree(cmd)
					<-done
					return model.JobKilled
				}
			}

			if !healthy {
				killProcessTree(cmd)
				<-done
				return model.JobFailed
			}
		}
	}
}

func defaultPercentage(cfg *config.Config) float64 {
	if cfg.MemoryGuardPct > 0 {
		return cfg.MemoryGuardPct
	}
	return model.MemoryGuardPercent
}

func killProcessTree(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}

// publish moves each output file into its target dataset directory,
// §4.5 step 5.
func (r *Runner) publish(outputs []stagedOutput) error {
	for _, out := range outputs {
		matches, err := filepath.Glob(out.path)
		if err != nil {
			return fmt.Errorf("glob %s: %w", out.path, err)
		}
		for _, path := range matches {
			if err := r.Volume.SaveIntoDataset(out.datasetID, model.DatasetFiles, path, filepath.Base(path)); err != nil {
				return fmt.Errorf("save %s into %s: %w", path, out.datasetName, err)
			}
		}
	}
	return nil
}

// finish writes the final status and last ping, §4.5 step 6.
func (r *Runner) finish(ctx context.Context, job *model.Job, status model.JobStatus) error {
	if err := r.Store.SetJobStatusLocked(ctx, job.TaskID, job.ID, status); err != nil {
		return err
	}
	return r.Store.PingJob(ctx, job.ID)
}

func (r *Runner) fail(ctx context.Context, job *model.Job, cause error) error {
	log.Errorf("jobrunner: job %s failed: %v", job.ID, cause)
	if err := r.finish(ctx, job, model.JobFailed); err != nil {
		return err
	}
	return cause
}

// sampleProcessTree reads /proc/<pid>/status for VmRSS of pid itself;
// the RSS of its child processes is not added. GPU memory has no
// driver available in this environment and is reported as zero (see
// DESIGN.md).
func sampleProcessTree(pid int) (sysMB, gpuMB int) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return 0, 0
	}
	for _, line := range bytes.Split(data, []byte("\n")) {
		if bytes.HasPrefix(line, []byte("VmRSS:")) {
			fields := strings.Fields(string(line))
			if len(fields) >= 2 {
				var kb int
				fmt.Sscanf(fields[1], "%d", &kb)
				return kb / 1024, 0
			}
		}
	}
	return 0, 0
}
