package ferry

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	itesting "github.com/driveferry/driveferry/internal/testing"
)

// writeFakeTransfer writes a shell script standing in for the transfer
// executable. The supervisor only cares about its output stream and exit
// code, so a script is a full substitute.
func writeFakeTransfer(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-rclone")
	script := "#!/bin/sh\n" + body + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

type supervisorFixture struct {
	registry   *Registry
	manifests  *ManifestBuilder
	guard      *Guard
	supervisor *Supervisor
}

func newSupervisorFixture(t *testing.T, exePath string, maxRuntime time.Duration) *supervisorFixture {
	t.Helper()

	store := NewStore(itesting.CreateMigratedTestDB(t))
	registry, err := NewRegistry(store, filepath.Join(t.TempDir(), "logs"), 50, 100)
	require.NoError(t, err)
	manifests, err := NewManifestBuilder(filepath.Join(t.TempDir(), "manifests"))
	require.NoError(t, err)
	guard := NewGuard(4)

	opts := SupervisorOptions{
		ExePath:         exePath,
		SourceRemote:    "onedrive",
		DestRemote:      "b2",
		Bucket:          "ferry-archive",
		Transfers:       8,
		Checkers:        8,
		Retries:         3,
		LowLevelRetries: 5,
		StatsInterval:   "1s",
		BufferSize:      "16M",
		StopGrace:       2 * time.Second,
		MaxRuntime:      maxRuntime,
	}

	return &supervisorFixture{
		registry:   registry,
		manifests:  manifests,
		guard:      guard,
		supervisor: NewSupervisor(opts, registry, manifests, guard),
	}
}

// launchJob stages a job the way the service does: manifest written and
// guard slot held before the supervisor takes over.
func (f *supervisorFixture) launchJob(t *testing.T, userID string, items []string) *Job {
	t.Helper()
	job, _, err := f.registry.CreateOrGet(userID, "exports/"+userID, items)
	require.NoError(t, err)
	manifestPath, err := f.manifests.Write(job.ID, job.Items)
	require.NoError(t, err)
	require.NoError(t, f.guard.Acquire(userID, job.ID))
	require.NoError(t, f.supervisor.Launch(job, manifestPath, nil))
	return job
}

func waitForTerminal(t *testing.T, r *Registry, jobID string) *Job {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		job, err := r.Get(jobID)
		require.NoError(t, err)
		if job.Status.IsTerminal() {
			return job
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("job %s never reached a terminal state", jobID)
	return nil
}

func TestBuildArgs(t *testing.T) {
	f := newSupervisorFixture(t, "/usr/bin/rclone", time.Minute)
	job := &Job{DstPrefix: "exports/alice"}

	args := f.supervisor.buildArgs(job, "/tmp/manifests/abc.txt")
	joined := strings.Join(args, " ")

	assert.Equal(t, "copy", args[0])
	assert.Equal(t, "onedrive:", args[1])
	assert.Equal(t, "b2:ferry-archive/exports/alice", args[2])
	assert.Contains(t, joined, "--files-from /tmp/manifests/abc.txt")
	assert.Contains(t, joined, "--transfers 8")
	assert.Contains(t, joined, "--checkers 8")
	assert.Contains(t, joined, "--retries 3")
	assert.Contains(t, joined, "--low-level-retries 5")
	assert.Contains(t, joined, "--stats 1s")
	assert.Contains(t, joined, "--buffer-size 16M")
	assert.Contains(t, joined, "--progress")
}

func TestSupervisorHappyPath(t *testing.T) {
	exe := writeFakeTransfer(t, `
echo "Transferred:   	  0 / 2, 0%"
echo "Transferred:   	  1 / 2, 50%"
echo "Transferred:   	  2 / 2, 100%"
exit 0`)
	f := newSupervisorFixture(t, exe, time.Minute)

	job := f.launchJob(t, "alice", []string{"a.txt", "b.txt"})
	final := waitForTerminal(t, f.registry, job.ID)

	assert.Equal(t, JobStatusCompleted, final.Status)
	require.NotNil(t, final.ExitCode)
	assert.Equal(t, 0, *final.ExitCode)
	assert.Equal(t, 100, final.Progress.Percent)

	// Process output and the exit marker land in the log
	log, err := f.registry.ReadLog(job.ID)
	require.NoError(t, err)
	assert.Contains(t, log, "1 / 2, 50%")
	assert.Contains(t, log, "EXIT 0")

	// Manifest removed and guard slot released
	_, err = os.Stat(f.manifests.Path(job.ID))
	assert.True(t, os.IsNotExist(err))
	assert.Eventually(t, func() bool { return f.guard.ActiveCount() == 0 },
		2*time.Second, 20*time.Millisecond)
	assert.Equal(t, 0, f.supervisor.RunningCount())
}

func TestSupervisorFailureExitCode(t *testing.T) {
	exe := writeFakeTransfer(t, `
echo "ERROR : remote rejected upload"
exit 3`)
	f := newSupervisorFixture(t, exe, time.Minute)

	job := f.launchJob(t, "alice", []string{"a.txt"})
	final := waitForTerminal(t, f.registry, job.ID)

	assert.Equal(t, JobStatusFailed, final.Status)
	require.NotNil(t, final.ExitCode)
	assert.Equal(t, 3, *final.ExitCode)
	assert.Contains(t, final.Error, "exited with code 3")

	log, err := f.registry.ReadLog(job.ID)
	require.NoError(t, err)
	assert.Contains(t, log, "EXIT 3")

	// Failed launches release the manifest too
	_, err = os.Stat(f.manifests.Path(job.ID))
	assert.True(t, os.IsNotExist(err))
}

func TestSupervisorStop(t *testing.T) {
	exe := writeFakeTransfer(t, `
echo "Transferred:   	  1 / 4, 25%"
exec sleep 30`)
	f := newSupervisorFixture(t, exe, time.Minute)

	job := f.launchJob(t, "alice", []string{"a.txt"})

	// Wait for the first progress line so we know the process is up
	assert.Eventually(t, func() bool {
		j, err := f.registry.Get(job.ID)
		return err == nil && j.Progress.Percent == 25
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, f.supervisor.Stop(job.ID))
	final := waitForTerminal(t, f.registry, job.ID)

	assert.Equal(t, JobStatusStopped, final.Status)
	// Progress survives the stop
	assert.Equal(t, 25, final.Progress.Percent)
	assert.Eventually(t, func() bool { return f.guard.ActiveCount() == 0 },
		2*time.Second, 20*time.Millisecond)
}

func TestSupervisorStopUnknownJob(t *testing.T) {
	f := newSupervisorFixture(t, "/usr/bin/true", time.Minute)
	err := f.supervisor.Stop("does-not-exist")
	assert.Error(t, err)
}

func TestSupervisorMaxRuntime(t *testing.T) {
	exe := writeFakeTransfer(t, `exec sleep 10`)
	f := newSupervisorFixture(t, exe, 300*time.Millisecond)

	job := f.launchJob(t, "alice", []string{"a.txt"})
	final := waitForTerminal(t, f.registry, job.ID)

	assert.Equal(t, JobStatusFailed, final.Status)
	assert.Contains(t, final.Error, "maximum runtime")
}

func TestSupervisorSpawnFailure(t *testing.T) {
	f := newSupervisorFixture(t, filepath.Join(t.TempDir(), "missing-binary"), time.Minute)

	job, _, err := f.registry.CreateOrGet("alice", "exports", []string{"a.txt"})
	require.NoError(t, err)
	manifestPath, err := f.manifests.Write(job.ID, job.Items)
	require.NoError(t, err)
	require.NoError(t, f.guard.Acquire("alice", job.ID))

	err = f.supervisor.Launch(job, manifestPath, nil)
	require.Error(t, err)

	final, err := f.registry.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailed, final.Status)

	// The job failed straight from pending: it never ran
	assert.Nil(t, final.StartedAt)
	assert.Empty(t, final.LogPath)
	require.NotNil(t, final.FinishedAt)

	// Guard is released so the user can try again
	assert.Eventually(t, func() bool { return f.guard.ActiveCount() == 0 },
		2*time.Second, 20*time.Millisecond)
}
