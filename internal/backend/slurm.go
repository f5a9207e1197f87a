package backend

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/jodafons/maestro/internal/model"
	"github.com/jodafons/maestro/internal/result"
	"github.com/jodafons/maestro/pkg/log"
)

// SlurmBackend submits shell scripts to a SLURM-like cluster, grounded
// on original_source/maestro/backend.py's SlurmService: a temp batch
// script with #SBATCH directives is written and handed to `sbatch`;
// the job id is parsed from stdout's last whitespace-separated token.
type SlurmBackend struct {
	Account     string
	Reservation string
	SubmitCmd   string // default "sbatch"
	CancelCmd   string // default "scancel"
	QueueCmd    string // default "squeue"

	mu   sync.Mutex
	jobs map[int64]SubmitRequest // remembered for CancelWith's name match
}

func NewSlurmBackend(account, reservation string) *SlurmBackend {
	return &SlurmBackend{
		Account:     account,
		Reservation: reservation,
		SubmitCmd:   "sbatch",
		CancelCmd:   "scancel",
		QueueCmd:    "squeue",
		jobs:        map[int64]SubmitRequest{},
	}
}

func (b *SlurmBackend) HasAvailable(partition string, cpus, memoryMB int) bool {
	out, err := exec.Command(b.QueueCmd, "--noheader", "-p", partition,
		"-o", "%C %m").Output()
	if err != nil {
		log.Errorf("backend: has_available query failed: %v", err)
		return false
	}

	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		availCPUs, _ := strconv.Atoi(fields[0])
		availMemMB, _ := strconv.Atoi(fields[1])
		if availCPUs >= cpus && availMemMB >= memoryMB {
			return true
		}
	}
	return false
}

func (b *SlurmBackend) Submit(req SubmitRequest) (int64, model.BackendState, error) {
	f, err := os.CreateTemp("", "maestro-job-*.sbatch")
	if err != nil {
		return 0, "", err
	}
	defer os.Remove(f.Name())

	script := b.renderScript(req)
	if _, err := f.WriteString(script); err != nil {
		f.Close()
		return 0, "", err
	}
	f.Close()

	out, err := exec.Command(b.SubmitCmd, f.Name()).Output()
	if err != nil {
		return 0, "", fmt.Errorf("backend: sbatch failed: %w", err)
	}

	parsed := parseSubmittedJobID(string(out))
	if parsed.IsFailure() {
		return 0, "", fmt.Errorf("backend: %s", parsed.Reason())
	}
	jobID := parsed.Value()

	b.mu.Lock()
	b.jobs[jobID] = req
	b.mu.Unlock()

	return jobID, model.BackendPending, nil
}

func (b *SlurmBackend) renderScript(req SubmitRequest) string {
	var sb strings.Builder
	sb.WriteString("#!/bin/bash\n")
	sb.WriteString("#SBATCH --ntasks=1\n")
	fmt.Fprintf(&sb, "#SBATCH --cpus-per-task=%d\n", req.CPUs)
	if b.Account != "" {
		fmt.Fprintf(&sb, "#SBATCH --account=%s\n", b.Account)
	}
	fmt.Fprintf(&sb, "#SBATCH --partition=%s\n", req.Partition)
	if b.Reservation != "" {
		fmt.Fprintf(&sb, "#SBATCH --reservation=%s\n", b.Reservation)
	}
	fmt.Fprintf(&sb, "#SBATCH --job-name=%s\n", req.JobName)
	fmt.Fprintf(&sb, "#SBATCH --output=%s/output.out\n", req.Workarea)
	fmt.Fprintf(&sb, "#SBATCH --error=%s/output.err\n", req.Workarea)
	cpus := req.CPUs
	if cpus <= 0 {
		cpus = 1
	}
	fmt.Fprintf(&sb, "#SBATCH --mem-per-cpu=%d\n", req.MemoryMB/cpus)

	for k, v := range req.Envs {
		fmt.Fprintf(&sb, "export %s='%s'\n", k, v)
	}
	if req.Venv != "" {
		fmt.Fprintf(&sb, "source %s/bin/activate\n", req.Venv)
	}

	fmt.Fprintf(&sb, "cd %s\n", req.Workarea)
	fmt.Fprintf(&sb, "%s > %s/output.log\n", req.Command, req.Workarea)
	sb.WriteString("wait\n")
	return sb.String()
}

// parseSubmittedJobID pulls the job id out of sbatch's stdout (its last
// whitespace-separated token), reported as a Result the way
// original_source/maestro/backend.py's SlurmService.submit reports a
// StatusCode.SUCCESS/FAILURE pair rather than raising.
func parseSubmittedJobID(output string) result.Result[int64] {
	fields := strings.Fields(strings.TrimSpace(output))
	if len(fields) == 0 {
		return result.Failure[int64]("empty sbatch output")
	}
	id, err := strconv.ParseInt(fields[len(fields)-1], 10, 64)
	if err != nil {
		return result.Failuref[int64]("could not parse job id from %q: %v", output, err)
	}
	return result.Success(id)
}

func (b *SlurmBackend) Status(backendJobID int64) (model.BackendState, error) {
	out, err := exec.Command(b.QueueCmd, "--noheader", "-j", strconv.FormatInt(backendJobID, 10),
		"-o", "%T").Output()
	if err != nil {
		return model.BackendCompleted, nil // squeue drops finished jobs quickly
	}
	state := strings.ToLower(strings.TrimSpace(string(out)))
	return normalizeState(state), nil
}

func normalizeState(raw string) model.BackendState {
	switch {
	case strings.Contains(raw, "pend"):
		return model.BackendPending
	case strings.Contains(raw, "run"):
		return model.BackendRunning
	case strings.Contains(raw, "complet"):
		return model.BackendCompleted
	case strings.Contains(raw, "fail"), strings.Contains(raw, "timeout"), strings.Contains(raw, "out_of_memory"):
		return model.BackendFailed
	case strings.Contains(raw, "cancel"):
		return model.BackendCancelled
	case strings.Contains(raw, "suspend"):
		return model.BackendSuspended
	default:
		return model.BackendPending
	}
}

func (b *SlurmBackend) Cancel(backendJobID int64) error {
	_ = exec.Command(b.CancelCmd, strconv.FormatInt(backendJobID, 10)).Run()
	return nil // safe no-op against a non-existent id per §6
}

func (b *SlurmBackend) Describe(backendJobID int64) (map[string]string, bool) {
	b.mu.Lock()
	req, ok := b.jobs[backendJobID]
	b.mu.Unlock()
	if !ok {
		return nil, false
	}
	return map[string]string{
		"job_name":  req.JobName,
		"partition": req.Partition,
		"workarea":  req.Workarea,
	}, true
}

func (b *SlurmBackend) CancelWith(namePrefix string, state model.BackendState) error {
	b.mu.Lock()
	candidates := make(map[int64]string, len(b.jobs))
	for id, req := range b.jobs {
		candidates[id] = req.JobName
	}
	b.mu.Unlock()

	for id, name := range candidates {
		if !strings.HasPrefix(name, namePrefix) {
			continue
		}
		current, err := b.Status(id)
		if err != nil || current != state {
			continue
		}
		if err := b.Cancel(id); err != nil {
			log.Errorf("backend: cancel_with failed for job %d: %v", id, err)
		}
	}
	return nil
}
