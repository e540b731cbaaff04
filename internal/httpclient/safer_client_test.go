package httpclient

import (
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateURLBlocksUnsafeTargets(t *testing.T) {
	client := NewSaferClient(5 * time.Second)

	blocked := []string{
		"ftp://example.com/file",
		"file:///etc/passwd",
		"http://localhost/admin",
		"http://localhost.localdomain/",
		"http://internal.localhost/",
		"http://127.0.0.1:8080/",
		"http://10.0.0.5/",
		"http://192.168.1.1/",
		"http://172.16.0.1/",
		"http://169.254.169.254/latest/meta-data/",
		"http://0.0.0.0/",
		"http://[::1]/",
		"http://evil.com@localhost/",
		"http:///missing-host",
	}
	for _, u := range blocked {
		_, err := client.ValidateURL(u)
		assert.Error(t, err, "expected %s to be blocked", u)
	}

	allowed := []string{
		"https://login.microsoftonline.com/common/oauth2/v2.0/token",
		"https://graph.microsoft.com/v1.0/me/drive",
		"http://example.com/",
	}
	for _, u := range allowed {
		_, err := client.ValidateURL(u)
		assert.NoError(t, err, "expected %s to be allowed", u)
	}
}

func TestIsBlockedIP(t *testing.T) {
	blocked := []string{
		"127.0.0.1", "10.1.2.3", "172.16.0.1", "192.168.0.1",
		"169.254.1.1", "0.0.0.0", "240.0.0.1", "255.255.255.255",
		"::1", "fe80::1", "2001:db8::1",
	}
	for _, s := range blocked {
		ip := net.ParseIP(s)
		require.NotNil(t, ip, s)
		assert.True(t, isBlockedIP(ip), "expected %s blocked", s)
	}

	public := []string{"8.8.8.8", "20.190.160.1", "2606:4700::1111"}
	for _, s := range public {
		ip := net.ParseIP(s)
		require.NotNil(t, ip, s)
		assert.False(t, isBlockedIP(ip), "expected %s allowed", s)
	}
}

func TestDoBlocksPrivateTargets(t *testing.T) {
	client := NewSaferClient(5 * time.Second)

	req, err := http.NewRequest(http.MethodGet, "http://127.0.0.1:9999/", nil)
	require.NoError(t, err)

	_, err = client.Do(req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "blocked")
}

func TestWrapClientAllowsLocalServers(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := WrapClient(server.Client())
	resp, err := client.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}
