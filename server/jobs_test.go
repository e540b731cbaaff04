package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/driveferry/driveferry/config"
	"github.com/driveferry/driveferry/credential"
	"github.com/driveferry/driveferry/ferry"
	"github.com/driveferry/driveferry/internal/httpclient"
	itesting "github.com/driveferry/driveferry/internal/testing"
)

// serverFixture wires a full engine behind the HTTP handlers: real stores,
// a scripted transfer executable, and a local OAuth stand-in.
type serverFixture struct {
	server      *FerryServer
	registry    *ferry.Registry
	creds       *credential.Store
	probeStatus int
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()

	f := &serverFixture{probeStatus: http.StatusOK}

	oauth := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/token") {
			json.NewEncoder(w).Encode(map[string]interface{}{
				"access_token": "fresh-token",
				"expires_in":   3600,
			})
			return
		}
		w.WriteHeader(f.probeStatus)
	}))
	t.Cleanup(oauth.Close)

	exePath := filepath.Join(t.TempDir(), "fake-rclone")
	script := "#!/bin/sh\necho \"Transferred:   2 / 2, 100%\"\nexit 0\n"
	require.NoError(t, os.WriteFile(exePath, []byte(script), 0o755))

	conn := itesting.CreateMigratedTestDB(t)
	jobStore := ferry.NewStore(conn)
	registry, err := ferry.NewRegistry(jobStore, filepath.Join(t.TempDir(), "logs"), 50, 100)
	require.NoError(t, err)
	manifests, err := ferry.NewManifestBuilder(filepath.Join(t.TempDir(), "manifests"))
	require.NoError(t, err)
	guard := ferry.NewGuard(4)

	credStore := credential.NewStore(conn)
	provider := credential.NewProviderWithClient(credential.ProviderOptions{
		TokenURL: oauth.URL + "/token",
		ProbeURL: oauth.URL + "/me/drive",
		ClientID: "test-client",
	}, httpclient.WrapClient(oauth.Client()))
	gate := credential.NewGate(credStore, provider, 5*time.Minute)

	supervisor := ferry.NewSupervisor(ferry.SupervisorOptions{
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
		StopGrace:       time.Second,
		MaxRuntime:      time.Minute,
	}, registry, manifests, guard)

	service := ferry.NewService(registry, gate, manifests, guard, supervisor, "onedrive")

	f.server = NewServer(service, registry, &config.Config{}, zap.NewNop().Sugar())
	f.registry = registry
	f.creds = credStore
	return f
}

func (f *serverFixture) seedCredential(t *testing.T, userID string) {
	t.Helper()
	require.NoError(t, f.creds.Upsert(&credential.Credential{
		UserID:       userID,
		AccessToken:  "valid-token",
		RefreshToken: "valid-refresh",
		ExpiresAt:    time.Now().Add(time.Hour),
	}))
}

func postJSON(t *testing.T, handler http.HandlerFunc, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(string(data)))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	handler(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func (f *serverFixture) waitForTerminal(t *testing.T, jobID string) *ferry.Job {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		job, err := f.registry.Get(jobID)
		require.NoError(t, err)
		if job.Status.IsTerminal() {
			return job
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("job %s never finished", jobID)
	return nil
}

func TestHandleHealth(t *testing.T) {
	f := newServerFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	w := httptest.NewRecorder()
	f.server.HandleHealth(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "ok", body["status"])
}

func TestListJobsEmpty(t *testing.T) {
	f := newServerFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	w := httptest.NewRecorder()
	f.server.HandleJobs(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, float64(0), body["count"])
}

func TestListJobsInvalidStatusFilter(t *testing.T) {
	f := newServerFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/api/jobs?status=bogus", nil)
	w := httptest.NewRecorder()
	f.server.HandleJobs(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetJobMissing(t *testing.T) {
	f := newServerFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/api/jobs/deadbeef", nil)
	w := httptest.NewRecorder()
	f.server.HandleJob(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSubmitRequestValidation(t *testing.T) {
	f := newServerFixture(t)

	w := postJSON(t, f.server.HandleJobs, "/api/jobs",
		map[string]interface{}{"items": []string{"a.txt"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = postJSON(t, f.server.HandleJobs, "/api/jobs",
		map[string]interface{}{"user_id": "alice"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSubmitWithoutCredential(t *testing.T) {
	f := newServerFixture(t)

	w := postJSON(t, f.server.HandleJobs, "/api/jobs", map[string]interface{}{
		"user_id":    "stranger",
		"dst_prefix": "exports",
		"items":      []string{"a.txt"},
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// No job record was left behind
	req := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	lw := httptest.NewRecorder()
	f.server.HandleJobs(lw, req)
	assert.Equal(t, float64(0), decodeBody(t, lw)["count"])
}

func TestSubmitLifecycle(t *testing.T) {
	f := newServerFixture(t)
	f.seedCredential(t, "alice")

	body := map[string]interface{}{
		"user_id":    "alice",
		"dst_prefix": "exports/alice",
		"items":      []string{"a.txt", "b.txt"},
	}

	w := postJSON(t, f.server.HandleJobs, "/api/jobs", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	resp := decodeBody(t, w)
	assert.Equal(t, true, resp["created"])
	job := resp["job"].(map[string]interface{})
	jobID := job["id"].(string)
	require.NotEmpty(t, jobID)

	final := f.waitForTerminal(t, jobID)
	assert.Equal(t, ferry.JobStatusCompleted, final.Status)

	// Full log is served as plain text
	req := httptest.NewRequest(http.MethodGet, "/api/jobs/"+jobID+"/logs?full=1", nil)
	lw := httptest.NewRecorder()
	f.server.HandleJob(lw, req)
	assert.Equal(t, http.StatusOK, lw.Code)
	assert.Contains(t, lw.Header().Get("Content-Type"), "text/plain")
	assert.Contains(t, lw.Body.String(), "EXIT 0")

	// Job detail reflects the terminal state
	req = httptest.NewRequest(http.MethodGet, "/api/jobs/"+jobID, nil)
	gw := httptest.NewRecorder()
	f.server.HandleJob(gw, req)
	assert.Equal(t, http.StatusOK, gw.Code)
	detail := decodeBody(t, gw)
	assert.Equal(t, string(ferry.JobStatusCompleted), detail["status"])
	assert.Equal(t, float64(100), detail["progress"].(map[string]interface{})["percent"])

	// Identical resubmission of a finished job starts a fresh attempt on
	// the same identity
	w = postJSON(t, f.server.HandleJobs, "/api/jobs", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	resp = decodeBody(t, w)
	assert.Equal(t, true, resp["created"])
	again := resp["job"].(map[string]interface{})
	assert.Equal(t, jobID, again["id"])
	retry := f.waitForTerminal(t, jobID)
	assert.Equal(t, ferry.JobStatusCompleted, retry.Status)
}

func TestSubmitAccessDenied(t *testing.T) {
	f := newServerFixture(t)
	f.seedCredential(t, "alice")
	f.probeStatus = http.StatusForbidden

	w := postJSON(t, f.server.HandleJobs, "/api/jobs", map[string]interface{}{
		"user_id":    "alice",
		"dst_prefix": "exports",
		"items":      []string{"a.txt"},
	})
	assert.Equal(t, http.StatusForbidden, w.Code)

	// The denied submission left no job behind
	req := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	lw := httptest.NewRecorder()
	f.server.HandleJobs(lw, req)
	assert.Equal(t, float64(0), decodeBody(t, lw)["count"])
}

func TestStopJobIdempotent(t *testing.T) {
	f := newServerFixture(t)
	f.seedCredential(t, "alice")

	// Stopping an unknown job
	req := httptest.NewRequest(http.MethodPost, "/api/jobs/deadbeef/stop", nil)
	w := httptest.NewRecorder()
	f.server.HandleJob(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Stopping a finished job is a benign no-op, repeatable at will
	sw := postJSON(t, f.server.HandleJobs, "/api/jobs", map[string]interface{}{
		"user_id":    "alice",
		"dst_prefix": "exports",
		"items":      []string{"a.txt"},
	})
	require.Equal(t, http.StatusCreated, sw.Code)
	jobID := decodeBody(t, sw)["job"].(map[string]interface{})["id"].(string)
	f.waitForTerminal(t, jobID)

	for i := 0; i < 2; i++ {
		req = httptest.NewRequest(http.MethodPost, fmt.Sprintf("/api/jobs/%s/stop", jobID), nil)
		w = httptest.NewRecorder()
		f.server.HandleJob(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "already_stopped", decodeBody(t, w)["status"])
	}
}

func TestHandleValidate(t *testing.T) {
	f := newServerFixture(t)

	w := postJSON(t, f.server.HandleValidate, "/api/jobs/validate",
		map[string]string{"user_id": "stranger"})
	assert.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, false, body["valid"])
	assert.Equal(t, "no_credential", body["reason"])

	f.seedCredential(t, "alice")
	w = postJSON(t, f.server.HandleValidate, "/api/jobs/validate",
		map[string]string{"user_id": "alice"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decodeBody(t, w)["valid"])

	f.probeStatus = http.StatusForbidden
	w = postJSON(t, f.server.HandleValidate, "/api/jobs/validate",
		map[string]string{"user_id": "alice"})
	assert.Equal(t, http.StatusOK, w.Code)
	body = decodeBody(t, w)
	assert.Equal(t, false, body["valid"])
	assert.Equal(t, "access_denied", body["reason"])

	w = postJSON(t, f.server.HandleValidate, "/api/jobs/validate",
		map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
