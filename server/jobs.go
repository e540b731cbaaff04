package server

import (
	"net/http"
	"strconv"

	"github.com/driveferry/driveferry/errors"
	"github.com/driveferry/driveferry/ferry"
	"github.com/driveferry/driveferry/version"
)

const defaultListLimit = 100

// submitRequest is the body for POST /api/jobs
type submitRequest struct {
	UserID    string   `json:"user_id"`
	DstPrefix string   `json:"dst_prefix"`
	Items     []string `json:"items"`
}

// HandleJobs handles GET /api/jobs (list) and POST /api/jobs (submit)
func (s *FerryServer) HandleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listJobs(w, r)
	case http.MethodPost:
		s.submitJob(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (s *FerryServer) listJobs(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}

	var jobs []*ferry.Job
	var err error

	if userID := r.URL.Query().Get("user"); userID != "" {
		jobs, err = s.service.ListByUser(userID, limit)
	} else if statusStr := r.URL.Query().Get("status"); statusStr != "" {
		if !ferry.IsValidStatus(statusStr) {
			writeError(w, http.StatusBadRequest, "Invalid status filter: "+statusStr)
			return
		}
		status := ferry.JobStatus(statusStr)
		jobs, err = s.service.List(&status, limit)
	} else {
		jobs, err = s.service.List(nil, limit)
	}

	if err != nil {
		s.logger.Errorw("Failed to list jobs", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to list jobs")
		return
	}

	if jobs == nil {
		jobs = []*ferry.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

func (s *FerryServer) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := readJSON(w, r, &req); err != nil {
		return
	}

	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if len(req.Items) == 0 {
		writeError(w, http.StatusBadRequest, "items cannot be empty")
		return
	}

	job, created, err := s.service.Submit(r.Context(), req.UserID, req.DstPrefix, req.Items)
	if err != nil {
		s.writeSubmitError(w, job, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}

	s.logger.Infow("Job submitted",
		"job_id", shortID(job.ID),
		"user_id", req.UserID,
		"created", created)

	writeJSON(w, status, map[string]interface{}{
		"job":     job,
		"created": created,
	})
}

// writeSubmitError maps engine errors onto HTTP status codes. When the
// request landed on an existing job (pending or held by the guard) that job
// rides along so clients can subscribe to it.
func (s *FerryServer) writeSubmitError(w http.ResponseWriter, job *ferry.Job, err error) {
	switch {
	case errors.Is(err, errors.ErrNoCredential):
		writeError(w, http.StatusUnauthorized, "No credential stored; complete authorization first")
	case errors.Is(err, errors.ErrRefreshFailed):
		writeError(w, http.StatusUnauthorized, "Credential refresh failed; re-authorization required")
	case errors.Is(err, errors.ErrAccessDenied):
		writeError(w, http.StatusForbidden, "Source access denied; administrator approval may be pending")
	case errors.Is(err, errors.ErrAlreadyRunning):
		resp := map[string]interface{}{"error": "A transfer is already running for this user"}
		if job != nil {
			resp["job"] = job
		}
		writeJSON(w, http.StatusConflict, resp)
	case errors.Is(err, errors.ErrBusy):
		w.Header().Set("Retry-After", "30")
		writeError(w, http.StatusServiceUnavailable, "Transfer engine at capacity, retry later")
	case errors.Is(err, errors.ErrEmptyManifest):
		writeError(w, http.StatusBadRequest, "No transferable items in request")
	case errors.Is(err, errors.ErrSpawnFailed):
		s.logger.Errorw("Transfer spawn failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to start transfer process")
	default:
		if errors.IsNotFoundError(err) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.logger.Errorw("Job submit failed", "error", err)
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

// HandleJob handles /api/jobs/{id} and its sub-resources:
//
//	GET  /api/jobs/{id}       - job details
//	GET  /api/jobs/{id}/logs  - log tail (or full log with ?full=1)
//	POST /api/jobs/{id}/stop  - request graceful stop
func (s *FerryServer) HandleJob(w http.ResponseWriter, r *http.Request) {
	parts := extractPathParts(r.URL.Path, "/api/jobs/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "Job ID required")
		return
	}
	jobID := parts[0]

	if len(parts) == 1 {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		s.getJob(w, jobID)
		return
	}

	switch parts[1] {
	case "logs":
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		s.getJobLogs(w, r, jobID)
	case "stop":
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		s.stopJob(w, jobID)
	default:
		writeError(w, http.StatusNotFound, "Unknown job resource: "+parts[1])
	}
}

func (s *FerryServer) getJob(w http.ResponseWriter, jobID string) {
	job, err := s.service.Get(jobID)
	if err != nil {
		if errors.IsNotFoundError(err) {
			writeError(w, http.StatusNotFound, "Job not found: "+jobID)
			return
		}
		s.logger.Errorw("Failed to get job", "job_id", jobID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to get job")
		return
	}

	writeJSON(w, http.StatusOK, job)
}

func (s *FerryServer) getJobLogs(w http.ResponseWriter, r *http.Request, jobID string) {
	job, err := s.service.Get(jobID)
	if err != nil {
		if errors.IsNotFoundError(err) {
			writeError(w, http.StatusNotFound, "Job not found: "+jobID)
			return
		}
		s.logger.Errorw("Failed to get job", "job_id", jobID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to get job")
		return
	}

	if r.URL.Query().Get("full") == "1" {
		content, err := s.service.ReadLog(jobID)
		if err != nil {
			s.logger.Errorw("Failed to read job log", "job_id", jobID, "error", err)
			writeError(w, http.StatusInternalServerError, "Failed to read job log")
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(content))
		return
	}

	tail := s.service.Tail(jobID)
	if tail == nil {
		tail = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"job_id": job.ID,
		"status": job.Status,
		"lines":  tail,
	})
}

func (s *FerryServer) stopJob(w http.ResponseWriter, jobID string) {
	stopped, err := s.service.Stop(jobID)
	if err != nil {
		if errors.IsNotFoundError(err) {
			writeError(w, http.StatusNotFound, "Job not found: "+jobID)
			return
		}
		s.logger.Errorw("Failed to stop job", "job_id", jobID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to stop job")
		return
	}

	// Stop is idempotent: a job that already finished reports so instead
	// of erroring.
	if !stopped {
		writeJSON(w, http.StatusOK, map[string]string{
			"job_id": jobID,
			"status": "already_stopped",
		})
		return
	}

	s.logger.Infow("Job stop requested", "job_id", shortID(jobID))
	writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id": jobID,
		"status": "stopping",
	})
}

// validateRequest is the body for POST /api/jobs/validate
type validateRequest struct {
	UserID string `json:"user_id"`
}

// HandleValidate checks a user's credential end to end without creating a
// job: stored token, refresh if stale, and a live probe against the drive.
func (s *FerryServer) HandleValidate(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	var req validateRequest
	if err := readJSON(w, r, &req); err != nil {
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	err := s.service.Validate(r.Context(), req.UserID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"user_id": req.UserID,
			"valid":   true,
		})
	case errors.Is(err, errors.ErrNoCredential):
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"user_id": req.UserID,
			"valid":   false,
			"reason":  "no_credential",
		})
	case errors.Is(err, errors.ErrRefreshFailed):
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"user_id": req.UserID,
			"valid":   false,
			"reason":  "refresh_failed",
		})
	case errors.Is(err, errors.ErrAccessDenied):
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"user_id": req.UserID,
			"valid":   false,
			"reason":  "access_denied",
		})
	default:
		s.logger.Errorw("Credential validation failed", "user_id", req.UserID, "error", err)
		writeError(w, http.StatusBadGateway, "Credential validation failed")
	}
}

// HandleHealth reports liveness and basic engine stats
func (s *FerryServer) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	s.mu.RLock()
	clients := len(s.clients)
	s.mu.RUnlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"version": version.Version,
		"clients": clients,
	})
}
