package ferry

import (
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/driveferry/driveferry/errors"
)

// Guard enforces launch admission: one active transfer per user, and a
// global ceiling across all users. Both checks happen atomically at launch
// so two concurrent requests for the same user cannot both pass.
type Guard struct {
	mu     sync.Mutex
	active map[string]string // userID -> jobID currently holding the slot

	global *semaphore.Weighted
}

// NewGuard creates a guard with the given global concurrency ceiling
func NewGuard(maxConcurrent int) *Guard {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Guard{
		active: make(map[string]string),
		global: semaphore.NewWeighted(int64(maxConcurrent)),
	}
}

// Acquire claims a launch slot for the job. Returns ErrAlreadyRunning
// (wrapped with the holding job's ID) when the user already has an active
// transfer, or ErrBusy when the global ceiling is reached.
func (g *Guard) Acquire(userID, jobID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if holder, ok := g.active[userID]; ok {
		return errors.Wrapf(errors.ErrAlreadyRunning, "user %s job %s", userID, holder)
	}

	if !g.global.TryAcquire(1) {
		return errors.Wrap(errors.ErrBusy, "global transfer limit reached")
	}

	g.active[userID] = jobID
	return nil
}

// Release frees the slot held by a job. Safe to call when the slot is not
// held or was taken over by a newer job.
func (g *Guard) Release(userID, jobID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if holder, ok := g.active[userID]; ok && holder == jobID {
		delete(g.active, userID)
		g.global.Release(1)
	}
}

// ActiveJob returns the job currently holding a user's slot, if any
func (g *Guard) ActiveJob(userID string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	jobID, ok := g.active[userID]
	return jobID, ok
}

// ActiveCount returns the number of users with an active transfer
func (g *Guard) ActiveCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.active)
}
