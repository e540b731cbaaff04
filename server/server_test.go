package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/driveferry/driveferry/ferry"
)

func originRequest(origin string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	return req
}

func TestCheckOrigin(t *testing.T) {
	defer SetAllowedOrigins(nil)

	SetAllowedOrigins([]string{"https://app.example.com"})
	assert.True(t, checkOrigin(originRequest("https://app.example.com")))
	assert.True(t, checkOrigin(originRequest("HTTPS://APP.EXAMPLE.COM")))
	assert.False(t, checkOrigin(originRequest("https://evil.example.com")))

	// No Origin header means a non-browser client; allowed
	assert.True(t, checkOrigin(originRequest("")))

	SetAllowedOrigins([]string{"*"})
	assert.True(t, checkOrigin(originRequest("https://anything.example.com")))

	SetAllowedOrigins(nil)
	assert.False(t, checkOrigin(originRequest("https://app.example.com")))
}

func TestEventMessage(t *testing.T) {
	job := &ferry.Job{ID: "abc", Status: ferry.JobStatusRunning}

	msg := eventMessage(ferry.Event{JobID: "abc", Type: ferry.EventProgress, Job: job})
	assert.Equal(t, "progress", msg["type"])
	assert.Equal(t, "abc", msg["job_id"])
	assert.Equal(t, job, msg["job"])
	assert.NotContains(t, msg, "line")

	msg = eventMessage(ferry.Event{JobID: "abc", Type: ferry.EventLogLine, Line: "hello"})
	assert.Equal(t, "log_line", msg["type"])
	assert.Equal(t, "hello", msg["line"])
}

func TestExtractPathParts(t *testing.T) {
	assert.Equal(t, []string{"abc"}, extractPathParts("/api/jobs/abc", "/api/jobs/"))
	assert.Equal(t, []string{"abc", "logs"}, extractPathParts("/api/jobs/abc/logs", "/api/jobs/"))
	// Trailing slash yields a single empty segment, which handlers reject
	assert.Equal(t, []string{""}, extractPathParts("/api/jobs/", "/api/jobs/"))
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "abcdef12", shortID("abcdef1234567890"))
	assert.Equal(t, "short", shortID("short"))
}
