package ferry

import (
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/time/rate"

	"github.com/driveferry/driveferry/errors"
	"github.com/driveferry/driveferry/logger"
)

// EventType identifies the kind of job event published to subscribers
type EventType string

const (
	EventProgress EventType = "progress"
	EventLogLine  EventType = "log_line"
	EventDone     EventType = "done"
)

// Event is published to registry subscribers as jobs make progress
type Event struct {
	JobID string    `json:"job_id"`
	Type  EventType `json:"type"`
	Job   *Job      `json:"job,omitempty"`  // snapshot, set for progress and done
	Line  string    `json:"line,omitempty"` // set for log_line
}

// Registry is the single authority over job state. All transitions go
// through it so that validation, persistence, and event publication stay
// consistent. It also owns per-job log files and their in-memory tails.
type Registry struct {
	store *Store

	logDir    string
	tailLines int

	// Progress events are coalesced per job so a chatty stats stream does
	// not flood the database or the websocket hub. State still merges on
	// every update; only persistence and publication are limited.
	progressRate rate.Limit

	mu       sync.RWMutex
	tails    map[string]*tailRing
	logFiles map[string]*os.File
	limiters map[string]*rate.Limiter

	subscribersMu sync.RWMutex
	subscribers   []chan Event
}

// NewRegistry creates a job registry writing per-job logs into logDir
func NewRegistry(store *Store, logDir string, tailLines, progressUpdatesSec int) (*Registry, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create log directory %s", logDir)
	}

	return &Registry{
		store:        store,
		logDir:       logDir,
		tailLines:    tailLines,
		progressRate: rate.Limit(progressUpdatesSec),
		tails:        make(map[string]*tailRing),
		logFiles:     make(map[string]*os.File),
		limiters:     make(map[string]*rate.Limiter),
	}, nil
}

// CreateOrGet returns the job for the given request, creating it if it does
// not exist. Submitting identical content always lands on the same job: a
// pending or running job is returned as-is, while a terminal one is reset
// to a fresh pending attempt under the same ID. The bool reports whether
// this call started a new attempt.
func (r *Registry) CreateOrGet(userID, dstPrefix string, items []string) (*Job, bool, error) {
	items, err := ValidateItems(items)
	if err != nil {
		return nil, false, err
	}

	job, err := NewJob(userID, dstPrefix, items)
	if err != nil {
		return nil, false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, err := r.store.GetJob(job.ID)
	if err == nil {
		if !existing.Status.IsTerminal() {
			return existing, false, nil
		}

		// A finished job resubmitted is a retry: same identity, clean
		// slate. This reset bypasses the transition table deliberately;
		// it is the one sanctioned way out of a terminal state.
		existing.Status = JobStatusPending
		existing.Progress = Progress{}
		existing.ExitCode = nil
		existing.Error = ""
		existing.LogPath = ""
		existing.StartedAt = nil
		existing.FinishedAt = nil
		if err := r.store.UpdateJob(existing); err != nil {
			return nil, false, err
		}

		logger.Infow("Reset finished job for a new attempt",
			"job_id", existing.ID,
			"user_id", existing.UserID)
		return existing, true, nil
	}
	if !errors.IsNotFoundError(err) {
		return nil, false, err
	}

	if err := r.store.CreateJob(job); err != nil {
		return nil, false, err
	}

	logger.Infow("Created transfer job",
		"job_id", job.ID,
		"user_id", job.UserID,
		"items", len(job.Items),
		"dst_prefix", job.DstPrefix)

	return job, true, nil
}

// Get retrieves a job by ID
func (r *Registry) Get(id string) (*Job, error) {
	return r.store.GetJob(id)
}

// List returns jobs, optionally filtered by status
func (r *Registry) List(status *JobStatus, limit int) ([]*Job, error) {
	return r.store.ListJobs(status, limit)
}

// ListByUser returns a user's jobs
func (r *Registry) ListByUser(userID string, limit int) ([]*Job, error) {
	return r.store.ListJobsByUser(userID, limit)
}

// CountActiveByUser returns the number of pending or running jobs for a user
func (r *Registry) CountActiveByUser(userID string) (int, error) {
	return r.store.CountActiveJobsByUser(userID)
}

// transition applies a validated state change and persists it. mutate runs
// with the job loaded fresh from the store.
func (r *Registry) transition(id string, to JobStatus, mutate func(*Job)) (*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, err := r.store.GetJob(id)
	if err != nil {
		return nil, err
	}

	if !CanTransition(job.Status, to) {
		return nil, errors.Wrapf(errors.ErrInvalidTransition,
			"job %s: %s -> %s", id, job.Status, to)
	}

	mutate(job)

	if err := r.store.UpdateJob(job); err != nil {
		return nil, err
	}

	return job, nil
}

// MarkRunning transitions a job to running and opens its log file
func (r *Registry) MarkRunning(id string) (*Job, error) {
	logPath := filepath.Join(r.logDir, id+".log")

	job, err := r.transition(id, JobStatusRunning, func(j *Job) {
		j.Start()
		j.LogPath = logPath
	})
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open job log %s", logPath)
	}

	r.mu.Lock()
	r.logFiles[id] = f
	r.tails[id] = newTailRing(r.tailLines)
	r.limiters[id] = rate.NewLimiter(r.progressRate, 1)
	r.mu.Unlock()

	logger.Infow("Job running", "job_id", id, "log_path", logPath)
	return job, nil
}

// MarkCompleted finishes a job successfully
func (r *Registry) MarkCompleted(id string) (*Job, error) {
	job, err := r.transition(id, JobStatusCompleted, func(j *Job) {
		j.Complete()
	})
	if err != nil {
		return nil, err
	}
	r.finish(job)
	return job, nil
}

// MarkFailed finishes a job with an error. exitCode may be nil when the
// process never started.
func (r *Registry) MarkFailed(id string, exitCode *int, reason string) (*Job, error) {
	job, err := r.transition(id, JobStatusFailed, func(j *Job) {
		j.Fail(exitCode, reason)
	})
	if err != nil {
		return nil, err
	}
	r.finish(job)
	return job, nil
}

// MarkStopped finishes a job that was stopped by user request. The last
// reported progress is kept as-is.
func (r *Registry) MarkStopped(id string, exitCode *int) (*Job, error) {
	job, err := r.transition(id, JobStatusStopped, func(j *Job) {
		j.Stop(exitCode)
	})
	if err != nil {
		return nil, err
	}
	r.finish(job)
	return job, nil
}

// finish releases per-job resources and publishes the done event
func (r *Registry) finish(job *Job) {
	r.mu.Lock()
	if f, ok := r.logFiles[job.ID]; ok {
		f.Close()
		delete(r.logFiles, job.ID)
	}
	delete(r.limiters, job.ID)
	r.mu.Unlock()

	logger.Infow("Job finished",
		"job_id", job.ID,
		"status", job.Status,
		"percent", job.Progress.Percent,
		"error", job.Error)

	r.publish(Event{JobID: job.ID, Type: EventDone, Job: job})
}

// RecordProgress merges a progress update into a running job. Persistence
// and publication are rate limited per job; the merged state is never lost
// because the final values are flushed when the job finishes.
func (r *Registry) RecordProgress(id string, update Progress) {
	r.mu.Lock()
	job, err := r.store.GetJob(id)
	if err != nil || job.Status != JobStatusRunning {
		r.mu.Unlock()
		return
	}

	merged := job.Progress.Merge(update)
	if merged == job.Progress {
		r.mu.Unlock()
		return
	}
	job.UpdateProgress(merged)

	// Always persist the merged snapshot; the limiter only gates event
	// publication so subscribers see at most a few updates per second.
	if err := r.store.UpdateJob(job); err != nil {
		logger.Warnw("Failed to persist progress", "job_id", id, "error", err)
	}

	limiter := r.limiters[id]
	allowed := limiter == nil || limiter.Allow()
	r.mu.Unlock()

	if allowed {
		r.publish(Event{JobID: id, Type: EventProgress, Job: job})
	}
}

// AppendLog appends one line to a job's log file and tail, and publishes it
func (r *Registry) AppendLog(id string, line string) {
	r.mu.Lock()
	if f, ok := r.logFiles[id]; ok {
		if _, err := f.WriteString(line + "\n"); err != nil {
			logger.Warnw("Failed to append job log", "job_id", id, "error", err)
		}
	}
	if tail, ok := r.tails[id]; ok {
		tail.append(line)
	}
	r.mu.Unlock()

	r.publish(Event{JobID: id, Type: EventLogLine, Line: line})
}

// Tail returns the most recent log lines held in memory for a job
func (r *Registry) Tail(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if tail, ok := r.tails[id]; ok {
		return tail.lines()
	}
	return nil
}

// ReadLog returns the full persisted log for a job
func (r *Registry) ReadLog(id string) (string, error) {
	job, err := r.store.GetJob(id)
	if err != nil {
		return "", err
	}
	if job.LogPath == "" {
		return "", nil
	}

	data, err := os.ReadFile(job.LogPath)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrapf(err, "failed to read job log %s", job.LogPath)
	}
	return string(data), nil
}

// RecoverOrphans fails any job left non-terminal by a previous process.
// Their transfer processes died with the daemon; nothing can be resumed.
func (r *Registry) RecoverOrphans() error {
	count, err := r.store.MarkOrphans("orphaned by restart")
	if err != nil {
		return err
	}
	if count > 0 {
		logger.Warnw("Recovered orphaned jobs", "count", count)
	}
	return nil
}

// Subscribe returns a channel receiving job events. The channel is buffered;
// slow subscribers drop events rather than blocking the engine.
func (r *Registry) Subscribe() chan Event {
	ch := make(chan Event, 64)
	r.subscribersMu.Lock()
	r.subscribers = append(r.subscribers, ch)
	r.subscribersMu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it
func (r *Registry) Unsubscribe(ch chan Event) {
	r.subscribersMu.Lock()
	defer r.subscribersMu.Unlock()
	for i, sub := range r.subscribers {
		if sub == ch {
			r.subscribers = append(r.subscribers[:i], r.subscribers[i+1:]...)
			close(ch)
			return
		}
	}
}

// publish delivers an event to all subscribers without blocking
func (r *Registry) publish(event Event) {
	r.subscribersMu.RLock()
	defer r.subscribersMu.RUnlock()
	for _, ch := range r.subscribers {
		select {
		case ch <- event:
		default:
			// Subscriber is not keeping up; drop rather than stall
		}
	}
}

// tailRing holds the most recent N log lines for a job
type tailRing struct {
	buf   []string
	next  int
	count int
}

func newTailRing(capacity int) *tailRing {
	if capacity <= 0 {
		capacity = 1
	}
	return &tailRing{buf: make([]string, capacity)}
}

func (t *tailRing) append(line string) {
	t.buf[t.next] = line
	t.next = (t.next + 1) % len(t.buf)
	if t.count < len(t.buf) {
		t.count++
	}
}

// lines returns the buffered lines oldest-first
func (t *tailRing) lines() []string {
	out := make([]string, 0, t.count)
	start := t.next - t.count
	if start < 0 {
		start += len(t.buf)
	}
	for i := 0; i < t.count; i++ {
		out = append(out, t.buf[(start+i)%len(t.buf)])
	}
	return out
}
