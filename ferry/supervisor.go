package ferry

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/kballard/go-shellquote"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/driveferry/driveferry/errors"
	"github.com/driveferry/driveferry/logger"
)

// SupervisorOptions configures how transfer processes are built and run
type SupervisorOptions struct {
	ExePath         string
	SourceRemote    string
	DestRemote      string
	Bucket          string
	Transfers       int
	Checkers        int
	Retries         int
	LowLevelRetries int
	StatsInterval   string
	BufferSize      string

	StopGrace  time.Duration // SIGTERM to SIGKILL
	MaxRuntime time.Duration // wall-clock ceiling per job
}

// Supervisor launches and watches transfer processes. Each job gets one
// process; the supervisor owns its full lifecycle from spawn to the final
// registry transition.
type Supervisor struct {
	opts      SupervisorOptions
	registry  *Registry
	manifests *ManifestBuilder
	guard     *Guard

	mu      sync.Mutex
	running map[string]*supervised
}

// supervised tracks one live transfer process
type supervised struct {
	cmd           *exec.Cmd
	cancel        context.CancelFunc
	stopRequested bool
}

// NewSupervisor creates a process supervisor
func NewSupervisor(opts SupervisorOptions, registry *Registry, manifests *ManifestBuilder, guard *Guard) *Supervisor {
	return &Supervisor{
		opts:      opts,
		registry:  registry,
		manifests: manifests,
		guard:     guard,
		running:   make(map[string]*supervised),
	}
}

// UpdateOptions swaps the tuning options; running processes keep the flags
// they were launched with. Used by config hot reload.
func (s *Supervisor) UpdateOptions(opts SupervisorOptions) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opts = opts
}

// buildArgs assembles the transfer command arguments for a job
func (s *Supervisor) buildArgs(job *Job, manifestPath string) []string {
	dst := fmt.Sprintf("%s:%s/%s", s.opts.DestRemote, s.opts.Bucket, job.DstPrefix)
	return []string{
		"copy",
		s.opts.SourceRemote + ":",
		dst,
		"--files-from", manifestPath,
		"--progress",
		"--transfers", fmt.Sprintf("%d", s.opts.Transfers),
		"--checkers", fmt.Sprintf("%d", s.opts.Checkers),
		"--retries", fmt.Sprintf("%d", s.opts.Retries),
		"--low-level-retries", fmt.Sprintf("%d", s.opts.LowLevelRetries),
		"--stats", s.opts.StatsInterval,
		"--buffer-size", s.opts.BufferSize,
	}
}

// Launch starts the transfer process for a job that already holds its guard
// slot and has a written manifest. extraEnv carries the per-job credential
// variables; the shared environment and tool config are never mutated.
//
// Launch returns once the process is started; supervision continues in the
// background. The guard slot and manifest are always released when the
// process exits, however it exits.
func (s *Supervisor) Launch(job *Job, manifestPath string, extraEnv []string) error {
	warnOnMemoryPressure(job.ID)

	opts := s.snapshotOptions()
	args := s.buildArgs(job, manifestPath)

	ctx, cancel := context.WithTimeout(context.Background(), opts.MaxRuntime)
	cmd := exec.CommandContext(ctx, opts.ExePath, args...)
	cmd.Env = append(os.Environ(), extraEnv...)
	cmd.WaitDelay = opts.StopGrace
	cmd.Cancel = func() error {
		// Graceful first; WaitDelay escalates to SIGKILL
		return cmd.Process.Signal(syscall.SIGTERM)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return errors.Wrap(errors.ErrSpawnFailed, err.Error())
	}
	cmd.Stderr = cmd.Stdout

	logger.Infow("Launching transfer",
		"job_id", job.ID,
		"command", shellquote.Join(append([]string{opts.ExePath}, args...)...))

	// The job only becomes running once the process actually exists; a
	// spawn error fails it straight from pending.
	if err := cmd.Start(); err != nil {
		cancel()
		s.registry.AppendLog(job.ID, "spawn failed: "+err.Error())
		s.finalize(job, nil, errors.Wrap(errors.ErrSpawnFailed, err.Error()))
		return errors.Wrap(errors.ErrSpawnFailed, err.Error())
	}

	if _, err := s.registry.MarkRunning(job.ID); err != nil {
		cancel()
		go func() {
			cmd.Wait()
			s.finalize(job, nil, err)
		}()
		return err
	}

	s.mu.Lock()
	s.running[job.ID] = &supervised{cmd: cmd, cancel: cancel}
	s.mu.Unlock()

	go s.watch(ctx, job, cmd, stdout, cancel)
	return nil
}

// watch consumes process output until exit, then finalizes the job
func (s *Supervisor) watch(ctx context.Context, job *Job, cmd *exec.Cmd, stdout io.Reader, cancel context.CancelFunc) {
	defer cancel()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	scanner.Split(scanLines)

	for scanner.Scan() {
		for _, line := range SplitOutputLines(scanner.Text()) {
			s.registry.AppendLog(job.ID, line)
			if update, ok := ParseProgress(line); ok {
				s.registry.RecordProgress(job.ID, update)
			}
		}
	}

	err := cmd.Wait()

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = errors.Newf("transfer exceeded maximum runtime of %s", s.snapshotOptions().MaxRuntime)
		}
	}

	s.registry.AppendLog(job.ID, fmt.Sprintf("EXIT %d", exitCode))
	s.finalize(job, &exitCode, err)
}

// finalize moves the job to its terminal state and releases everything the
// launch acquired. err is nil on a clean exit.
func (s *Supervisor) finalize(job *Job, exitCode *int, err error) {
	s.mu.Lock()
	sv := s.running[job.ID]
	delete(s.running, job.ID)
	s.mu.Unlock()

	s.manifests.Remove(job.ID)
	defer s.guard.Release(job.UserID, job.ID)

	stopRequested := sv != nil && sv.stopRequested

	switch {
	case stopRequested:
		if _, terr := s.registry.MarkStopped(job.ID, exitCode); terr != nil {
			logger.Errorw("Failed to mark job stopped", "job_id", job.ID, "error", terr)
		}
	case err == nil:
		if _, terr := s.registry.MarkCompleted(job.ID); terr != nil {
			logger.Errorw("Failed to mark job completed", "job_id", job.ID, "error", terr)
		}
	default:
		reason := err.Error()
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			reason = fmt.Sprintf("transfer exited with code %d", exitErr.ExitCode())
		}
		if _, terr := s.registry.MarkFailed(job.ID, exitCode, reason); terr != nil {
			logger.Errorw("Failed to mark job failed", "job_id", job.ID, "error", terr)
		}
	}
}

// Stop requests a graceful shutdown of a running transfer. The process gets
// SIGTERM, then SIGKILL after the grace period. The job lands in stopped.
func (s *Supervisor) Stop(jobID string) error {
	s.mu.Lock()
	sv, ok := s.running[jobID]
	if ok {
		sv.stopRequested = true
	}
	s.mu.Unlock()

	if !ok {
		return errors.NewNotFoundError("no running transfer for job %s", jobID)
	}

	logger.Infow("Stopping transfer", "job_id", jobID)
	sv.cancel()
	return nil
}

// RunningCount returns the number of live transfer processes
func (s *Supervisor) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// StopAll stops every running transfer; used during daemon shutdown
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	for id, sv := range s.running {
		sv.stopRequested = true
		logger.Infow("Stopping transfer for shutdown", "job_id", id)
		sv.cancel()
	}
	s.mu.Unlock()
}

func (s *Supervisor) snapshotOptions() SupervisorOptions {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts
}

// warnOnMemoryPressure logs when system memory is nearly exhausted before a
// launch. Advisory only; the transfer still starts.
func warnOnMemoryPressure(jobID string) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return
	}
	if vm.UsedPercent > 90 {
		logger.Warnw("Launching transfer under memory pressure",
			"job_id", jobID,
			"used_percent", fmt.Sprintf("%.1f", vm.UsedPercent))
	}
}

// scanLines splits on \n but also flushes long \r-only redraw chunks, which
// bufio.ScanLines would buffer until the next newline.
func scanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	for i, b := range data {
		if b == '\n' || b == '\r' {
			return i + 1, data[:i], nil
		}
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}
