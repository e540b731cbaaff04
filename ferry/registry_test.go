package ferry

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driveferry/driveferry/errors"
	itesting "github.com/driveferry/driveferry/internal/testing"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	store := NewStore(itesting.CreateMigratedTestDB(t))
	r, err := NewRegistry(store, filepath.Join(t.TempDir(), "logs"), 5, 100)
	require.NoError(t, err)
	return r
}

func TestRegistryCreateOrGetIdempotent(t *testing.T) {
	r := newTestRegistry(t)

	job, created, err := r.CreateOrGet("alice", "exports", []string{"a.txt"})
	require.NoError(t, err)
	assert.True(t, created)

	again, created, err := r.CreateOrGet("alice", "exports", []string{"a.txt"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, job.ID, again.ID)

	// Resubmission after the job finishes starts a fresh attempt on the
	// same identity
	_, err = r.MarkRunning(job.ID)
	require.NoError(t, err)
	_, err = r.MarkCompleted(job.ID)
	require.NoError(t, err)

	retry, created, err := r.CreateOrGet("alice", "exports", []string{"a.txt"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, job.ID, retry.ID)
	assert.Equal(t, JobStatusPending, retry.Status)
}

func TestRegistryResubmitAfterFailureResets(t *testing.T) {
	r := newTestRegistry(t)

	job, _, err := r.CreateOrGet("alice", "exports", []string{"a.txt"})
	require.NoError(t, err)
	_, err = r.MarkRunning(job.ID)
	require.NoError(t, err)
	r.RecordProgress(job.ID, Progress{Percent: 40, FilesDone: 1, FilesTotal: 3})
	code := 7
	_, err = r.MarkFailed(job.ID, &code, "transfer exited with code 7")
	require.NoError(t, err)

	retry, created, err := r.CreateOrGet("alice", "exports", []string{"a.txt"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, job.ID, retry.ID)
	assert.Equal(t, JobStatusPending, retry.Status)
	assert.Equal(t, Progress{}, retry.Progress)
	assert.Nil(t, retry.ExitCode)
	assert.Empty(t, retry.Error)
	assert.Nil(t, retry.StartedAt)
	assert.Nil(t, retry.FinishedAt)

	// The reset job runs through the state machine again like any new one
	_, err = r.MarkRunning(job.ID)
	require.NoError(t, err)
	_, err = r.MarkCompleted(job.ID)
	require.NoError(t, err)
}

func TestRegistryCreateOrGetNormalizesItems(t *testing.T) {
	r := newTestRegistry(t)

	a, _, err := r.CreateOrGet("alice", "exports", []string{"/a.txt"})
	require.NoError(t, err)
	b, created, err := r.CreateOrGet("alice", "exports", []string{" a.txt "})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, a.ID, b.ID)

	// A request with duplicates lands on the same job as the deduped one
	c, created, err := r.CreateOrGet("alice", "exports", []string{"a.txt", "onedrive:a.txt", "a.txt"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, a.ID, c.ID)
}

func TestRegistryTransitionValidation(t *testing.T) {
	r := newTestRegistry(t)
	job, _, err := r.CreateOrGet("alice", "exports", []string{"a.txt"})
	require.NoError(t, err)

	// pending -> completed skips running
	_, err = r.MarkCompleted(job.ID)
	assert.True(t, errors.Is(err, errors.ErrInvalidTransition))

	_, err = r.MarkRunning(job.ID)
	require.NoError(t, err)
	_, err = r.MarkStopped(job.ID, nil)
	require.NoError(t, err)

	// stopped is terminal
	_, err = r.MarkRunning(job.ID)
	assert.True(t, errors.Is(err, errors.ErrInvalidTransition))
	_, err = r.MarkFailed(job.ID, nil, "too late")
	assert.True(t, errors.Is(err, errors.ErrInvalidTransition))
}

func TestRegistryLogsAndTail(t *testing.T) {
	r := newTestRegistry(t)
	job, _, err := r.CreateOrGet("alice", "exports", []string{"a.txt"})
	require.NoError(t, err)

	running, err := r.MarkRunning(job.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, running.LogPath)

	for _, line := range []string{"one", "two", "three", "four", "five", "six", "seven"} {
		r.AppendLog(job.ID, line)
	}

	// Ring holds the last 5 lines, oldest first
	assert.Equal(t, []string{"three", "four", "five", "six", "seven"}, r.Tail(job.ID))

	// Full log hits disk
	full, err := r.ReadLog(job.ID)
	require.NoError(t, err)
	assert.Contains(t, full, "one\n")
	assert.Contains(t, full, "seven\n")

	_, err = r.MarkCompleted(job.ID)
	require.NoError(t, err)

	// Log survives the job finishing
	_, err = os.Stat(running.LogPath)
	assert.NoError(t, err)
}

func TestRegistryRecordProgress(t *testing.T) {
	r := newTestRegistry(t)
	job, _, err := r.CreateOrGet("alice", "exports", []string{"a.txt", "b.txt"})
	require.NoError(t, err)

	// Ignored before the job is running
	r.RecordProgress(job.ID, Progress{Percent: 10})
	got, err := r.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Progress.Percent)

	_, err = r.MarkRunning(job.ID)
	require.NoError(t, err)

	r.RecordProgress(job.ID, Progress{Percent: 30, FilesDone: 1, FilesTotal: 2})
	// Regressions are absorbed by the merge
	r.RecordProgress(job.ID, Progress{Percent: 5})

	got, err = r.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, 30, got.Progress.Percent)
	assert.Equal(t, 1, got.Progress.FilesDone)
}

func TestRegistryEvents(t *testing.T) {
	r := newTestRegistry(t)
	ch := r.Subscribe()
	defer r.Unsubscribe(ch)

	job, _, err := r.CreateOrGet("alice", "exports", []string{"a.txt"})
	require.NoError(t, err)
	_, err = r.MarkRunning(job.ID)
	require.NoError(t, err)

	r.AppendLog(job.ID, "hello")
	_, err = r.MarkCompleted(job.ID)
	require.NoError(t, err)

	var types []EventType
	timeout := time.After(2 * time.Second)
	for len(types) < 2 {
		select {
		case ev := <-ch:
			types = append(types, ev.Type)
			if ev.Type == EventDone {
				require.NotNil(t, ev.Job)
				assert.Equal(t, JobStatusCompleted, ev.Job.Status)
			}
		case <-timeout:
			t.Fatalf("timed out waiting for events, got %v", types)
		}
	}
	assert.Equal(t, []EventType{EventLogLine, EventDone}, types)
}

func TestRegistryRecoverOrphans(t *testing.T) {
	r := newTestRegistry(t)
	job, _, err := r.CreateOrGet("alice", "exports", []string{"a.txt"})
	require.NoError(t, err)
	_, err = r.MarkRunning(job.ID)
	require.NoError(t, err)

	require.NoError(t, r.RecoverOrphans())

	got, err := r.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailed, got.Status)
	assert.Equal(t, "orphaned by restart", got.Error)
}
