package ferry

import (
	"context"

	"github.com/driveferry/driveferry/credential"
	"github.com/driveferry/driveferry/errors"
	"github.com/driveferry/driveferry/logger"
)

// Service is the job engine's front door. It sequences a launch through
// the credential gate, manifest builder, admission guard, and supervisor,
// and exposes the read and stop operations the API surface needs.
type Service struct {
	registry   *Registry
	gate       *credential.Gate
	manifests  *ManifestBuilder
	guard      *Guard
	supervisor *Supervisor

	sourceRemote string
}

// NewService assembles the job engine
func NewService(registry *Registry, gate *credential.Gate, manifests *ManifestBuilder, guard *Guard, supervisor *Supervisor, sourceRemote string) *Service {
	return &Service{
		registry:     registry,
		gate:         gate,
		manifests:    manifests,
		guard:        guard,
		supervisor:   supervisor,
		sourceRemote: sourceRemote,
	}
}

// Submit creates (or finds) the job for a transfer request and launches it
// if it is not already underway. Identical requests always converge on the
// same job: a running or finished job is returned as-is, and a pending job
// gets another launch attempt. The bool reports whether this call created
// the job.
//
// The credential is verified end to end (fresh token plus a live probe of
// the source drive) before the job record exists, so requests from users
// without working access never leave any job state behind.
func (s *Service) Submit(ctx context.Context, userID, dstPrefix string, items []string) (*Job, bool, error) {
	cred, err := s.gate.CheckAccess(ctx, userID)
	if err != nil {
		return nil, false, err
	}

	job, created, err := s.registry.CreateOrGet(userID, dstPrefix, items)
	if err != nil {
		return nil, false, err
	}

	if !created && job.Status != JobStatusPending {
		logger.Debugw("Submit matched existing job",
			"job_id", job.ID,
			"status", job.Status)
		return job, false, nil
	}

	// Admission: failure here leaves the job pending so a later submit of
	// the same content can try again.
	if err := s.guard.Acquire(userID, job.ID); err != nil {
		return job, created, err
	}

	if err := s.launch(job, cred); err != nil {
		s.guard.Release(userID, job.ID)
		return job, created, err
	}

	return job, created, nil
}

// launch writes the manifest and hands the job to the supervisor. The guard
// slot is held; the supervisor releases it when the process exits.
func (s *Service) launch(job *Job, cred *credential.Credential) error {
	manifestPath, err := s.manifests.Write(job.ID, job.Items)
	if err != nil {
		// Cannot even stage the transfer; this job is dead
		if _, terr := s.registry.MarkFailed(job.ID, nil, err.Error()); terr != nil {
			logger.Errorw("Failed to mark job failed", "job_id", job.ID, "error", terr)
		}
		return err
	}

	env := credential.MaterializeEnv(s.sourceRemote, cred)

	if err := s.supervisor.Launch(job, manifestPath, env); err != nil {
		s.manifests.Remove(job.ID)
		return err
	}

	return nil
}

// Stop requests a graceful stop of a job. Returns true when a stop was
// initiated and false when the job had already finished; stopping a
// terminal job is a no-op, not an error. Unknown IDs still error.
func (s *Service) Stop(jobID string) (bool, error) {
	job, err := s.registry.Get(jobID)
	if err != nil {
		return false, err
	}

	switch {
	case job.Status.IsTerminal():
		return false, nil

	case job.Status == JobStatusRunning:
		if err := s.supervisor.Stop(jobID); err != nil {
			// The process exited between the status read and the stop
			// request; the supervisor is finalizing it already.
			if errors.IsNotFoundError(err) {
				return false, nil
			}
			return false, err
		}
		return true, nil

	default:
		// Pending: not yet handed to the supervisor, stop it in place
		if _, err := s.registry.MarkStopped(jobID, nil); err != nil {
			return false, err
		}
		return true, nil
	}
}

// Get returns a job by ID
func (s *Service) Get(jobID string) (*Job, error) {
	return s.registry.Get(jobID)
}

// List returns jobs, optionally filtered by status
func (s *Service) List(status *JobStatus, limit int) ([]*Job, error) {
	return s.registry.List(status, limit)
}

// ListByUser returns a user's jobs
func (s *Service) ListByUser(userID string, limit int) ([]*Job, error) {
	return s.registry.ListByUser(userID, limit)
}

// Tail returns the in-memory log tail for a job
func (s *Service) Tail(jobID string) []string {
	return s.registry.Tail(jobID)
}

// ReadLog returns the full persisted log for a job
func (s *Service) ReadLog(jobID string) (string, error) {
	return s.registry.ReadLog(jobID)
}

// Validate checks that a user can launch transfers: stored credential,
// fresh token, and a live probe against their drive.
func (s *Service) Validate(ctx context.Context, userID string) error {
	_, err := s.gate.CheckAccess(ctx, userID)
	return err
}

// Shutdown stops all running transfers and waits for nothing; the
// supervisor goroutines finalize each job as its process exits.
func (s *Service) Shutdown() {
	s.supervisor.StopAll()
}
