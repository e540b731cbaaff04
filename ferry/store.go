package ferry

import (
	"database/sql"
	"time"

	"github.com/driveferry/driveferry/errors"
)

// Store handles persistence of transfer jobs
type Store struct {
	db *sql.DB
}

// NewStore creates a new transfer job store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const jobSelectColumns = `id, user_id, dst_prefix, items_json, status,
	percent, files_done, files_total,
	exit_code, error, log_path,
	created_at, started_at, finished_at`

// CreateJob inserts a new job into the database
func (s *Store) CreateJob(job *Job) error {
	itemsJSON, err := MarshalItems(job.Items)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO transfer_jobs (
			id, user_id, dst_prefix, items_json, status,
			percent, files_done, files_total,
			error, log_path, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.Exec(query,
		job.ID,
		job.UserID,
		job.DstPrefix,
		itemsJSON,
		job.Status,
		job.Progress.Percent,
		job.Progress.FilesDone,
		job.Progress.FilesTotal,
		job.Error,
		job.LogPath,
		job.CreatedAt,
	)

	if err != nil {
		return errors.Wrap(err, "failed to create job")
	}

	return nil
}

// GetJob retrieves a job by ID
func (s *Store) GetJob(id string) (*Job, error) {
	query := `SELECT ` + jobSelectColumns + ` FROM transfer_jobs WHERE id = ?`

	job, err := scanJob(s.db.QueryRow(query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("job not found: %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get job")
	}

	return job, nil
}

// UpdateJob updates an existing job in the database
func (s *Store) UpdateJob(job *Job) error {
	query := `
		UPDATE transfer_jobs
		SET status = ?,
		    percent = ?,
		    files_done = ?,
		    files_total = ?,
		    exit_code = ?,
		    error = ?,
		    log_path = ?,
		    started_at = ?,
		    finished_at = ?
		WHERE id = ?
	`

	exitCode := sql.NullInt64{}
	if job.ExitCode != nil {
		exitCode = sql.NullInt64{Int64: int64(*job.ExitCode), Valid: true}
	}

	result, err := s.db.Exec(query,
		job.Status,
		job.Progress.Percent,
		job.Progress.FilesDone,
		job.Progress.FilesTotal,
		exitCode,
		job.Error,
		job.LogPath,
		job.StartedAt,
		job.FinishedAt,
		job.ID,
	)

	if err != nil {
		return errors.Wrap(err, "failed to update job")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.NewNotFoundError("job not found: %s", job.ID)
	}

	return nil
}

// ListJobs returns jobs ordered by creation time (newest first), optionally
// filtered by status
func (s *Store) ListJobs(status *JobStatus, limit int) ([]*Job, error) {
	var query string
	var args []interface{}

	baseQuery := `SELECT ` + jobSelectColumns + ` FROM transfer_jobs`
	if status != nil {
		query = baseQuery + ` WHERE status = ? ORDER BY created_at DESC LIMIT ?`
		args = []interface{}{*status, limit}
	} else {
		query = baseQuery + ` ORDER BY created_at DESC LIMIT ?`
		args = []interface{}{limit}
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	defer rows.Close()

	return scanJobs(rows, "jobs")
}

// ListJobsByUser returns a user's jobs, newest first
func (s *Store) ListJobsByUser(userID string, limit int) ([]*Job, error) {
	query := `SELECT ` + jobSelectColumns + `
		FROM transfer_jobs
		WHERE user_id = ?
		ORDER BY created_at DESC
		LIMIT ?`

	rows, err := s.db.Query(query, userID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs by user")
	}
	defer rows.Close()

	return scanJobs(rows, "user jobs")
}

// ListActiveJobs returns all jobs that are currently pending or running
func (s *Store) ListActiveJobs() ([]*Job, error) {
	query := `SELECT ` + jobSelectColumns + `
		FROM transfer_jobs
		WHERE status IN ('pending', 'running')
		ORDER BY created_at DESC`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list active jobs")
	}
	defer rows.Close()

	return scanJobs(rows, "active jobs")
}

// CountActiveJobsByUser returns the number of pending or running jobs a
// user currently has
func (s *Store) CountActiveJobsByUser(userID string) (int, error) {
	query := `SELECT COUNT(*) FROM transfer_jobs
		WHERE user_id = ? AND status IN ('pending', 'running')`

	var count int
	if err := s.db.QueryRow(query, userID).Scan(&count); err != nil {
		return 0, errors.Wrap(err, "failed to count active jobs")
	}
	return count, nil
}

// MarkOrphans moves any job left in a non-terminal state to failed. Called
// once at startup; a pending or running row at that point belonged to a
// previous process whose transfer is gone.
func (s *Store) MarkOrphans(reason string) (int, error) {
	query := `
		UPDATE transfer_jobs
		SET status = 'failed', error = ?, finished_at = ?
		WHERE status IN ('pending', 'running')
	`

	result, err := s.db.Exec(query, reason, time.Now())
	if err != nil {
		return 0, errors.Wrap(err, "failed to mark orphaned jobs")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}

	return int(rows), nil
}

// CleanupOldJobs removes terminal jobs older than the specified duration
func (s *Store) CleanupOldJobs(olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)

	query := `
		DELETE FROM transfer_jobs
		WHERE status IN ('completed', 'failed', 'stopped')
		  AND created_at < ?
	`

	result, err := s.db.Exec(query, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "failed to cleanup old jobs")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}

	return int(rows), nil
}

// rowScanner covers *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanJob reads one job row
func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var itemsJSON string
	var exitCode sql.NullInt64
	var startedAt, finishedAt sql.NullTime

	err := row.Scan(
		&job.ID,
		&job.UserID,
		&job.DstPrefix,
		&itemsJSON,
		&job.Status,
		&job.Progress.Percent,
		&job.Progress.FilesDone,
		&job.Progress.FilesTotal,
		&exitCode,
		&job.Error,
		&job.LogPath,
		&job.CreatedAt,
		&startedAt,
		&finishedAt,
	)
	if err != nil {
		return nil, err
	}

	items, err := UnmarshalItems(itemsJSON)
	if err != nil {
		return nil, err
	}
	job.Items = items

	if exitCode.Valid {
		code := int(exitCode.Int64)
		job.ExitCode = &code
	}
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		job.FinishedAt = &t
	}

	return &job, nil
}

// scanJobs is a helper that scans multiple jobs from query rows
func scanJobs(rows *sql.Rows, context string) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "error iterating %s", context)
	}

	return jobs, nil
}
