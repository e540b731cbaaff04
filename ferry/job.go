// Package ferry implements the transfer job engine: idempotent job
// creation, supervision of the external transfer process, progress
// parsing, and per-user launch admission.
package ferry

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/driveferry/driveferry/errors"
)

// JobStatus represents the current state of a transfer job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusStopped   JobStatus = "stopped"
)

// IsValidStatus returns true if the status string is a valid JobStatus
func IsValidStatus(s string) bool {
	switch JobStatus(s) {
	case JobStatusPending, JobStatusRunning,
		JobStatusCompleted, JobStatusFailed, JobStatusStopped:
		return true
	default:
		return false
	}
}

// IsTerminal returns true for states a job can never leave
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusStopped:
		return true
	default:
		return false
	}
}

// validTransitions defines the only legal state changes. Everything else is
// rejected with ErrInvalidTransition, including any move out of a terminal
// state.
var validTransitions = map[JobStatus][]JobStatus{
	JobStatusPending: {JobStatusRunning, JobStatusFailed, JobStatusStopped},
	JobStatusRunning: {JobStatusCompleted, JobStatusFailed, JobStatusStopped},
}

// CanTransition reports whether moving from one status to another is legal
func CanTransition(from, to JobStatus) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Progress represents transfer progress as last reported by the process
type Progress struct {
	Percent    int `json:"percent"`               // integer floor, 0-100
	FilesDone  int `json:"files_done,omitempty"`  // files transferred so far
	FilesTotal int `json:"files_total,omitempty"` // total files in the manifest
}

// Job represents one transfer of a set of source paths to a destination
// prefix on behalf of a user. The ID is derived from the request content,
// so submitting the same request twice yields the same job.
type Job struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	DstPrefix string    `json:"dst_prefix"`
	Items     []string  `json:"items"`
	Status    JobStatus `json:"status"`
	Progress  Progress  `json:"progress"`
	ExitCode  *int      `json:"exit_code,omitempty"` // nil until the process exits
	Error     string    `json:"error,omitempty"`
	LogPath   string    `json:"log_path,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// NewJob creates a pending job for the given request. Items are kept in the
// order submitted; the fingerprint is computed over that exact order, so the
// same items in a different order are a different job.
func NewJob(userID, dstPrefix string, items []string) (*Job, error) {
	if userID == "" {
		return nil, errors.New("userID cannot be empty")
	}
	if len(items) == 0 {
		return nil, errors.Wrap(errors.ErrEmptyManifest, "no items to transfer")
	}

	id, err := Fingerprint(userID, dstPrefix, items)
	if err != nil {
		return nil, err
	}

	return &Job{
		ID:        id,
		UserID:    userID,
		DstPrefix: dstPrefix,
		Items:     items,
		Status:    JobStatusPending,
		CreatedAt: time.Now(),
	}, nil
}

// Fingerprint derives the content-addressed job ID: the hex SHA-1 of the
// user ID, the JSON encoding of the item list, and the destination prefix.
func Fingerprint(userID, dstPrefix string, items []string) (string, error) {
	itemsJSON, err := json.Marshal(items)
	if err != nil {
		return "", errors.Wrap(err, "failed to encode items for fingerprint")
	}

	h := sha1.New()
	h.Write([]byte(userID))
	h.Write(itemsJSON)
	h.Write([]byte(dstPrefix))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Start marks the job as running
func (j *Job) Start() {
	now := time.Now()
	j.Status = JobStatusRunning
	j.StartedAt = &now
}

// Complete marks the job as completed with exit code 0 and full progress
func (j *Job) Complete() {
	now := time.Now()
	zero := 0
	j.Status = JobStatusCompleted
	j.ExitCode = &zero
	j.Progress.Percent = 100
	j.FinishedAt = &now
}

// Fail marks the job as failed. exitCode may be nil when the process never
// started or was lost to a daemon restart.
func (j *Job) Fail(exitCode *int, reason string) {
	now := time.Now()
	j.Status = JobStatusFailed
	j.ExitCode = exitCode
	j.Error = reason
	j.FinishedAt = &now
}

// Stop marks the job as stopped by user request. Progress is left at its
// last reported value.
func (j *Job) Stop(exitCode *int) {
	now := time.Now()
	j.Status = JobStatusStopped
	j.ExitCode = exitCode
	j.FinishedAt = &now
}

// UpdateProgress replaces the job's progress snapshot
func (j *Job) UpdateProgress(p Progress) {
	j.Progress = p
}

// MarshalItems converts the item list to its canonical JSON form for storage
func MarshalItems(items []string) (string, error) {
	data, err := json.Marshal(items)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal items")
	}
	return string(data), nil
}

// UnmarshalItems converts the stored JSON form back to an item list
func UnmarshalItems(data string) ([]string, error) {
	var items []string
	if err := json.Unmarshal([]byte(data), &items); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal items")
	}
	return items, nil
}
