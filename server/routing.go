package server

import (
	"net/http"
)

// setupHTTPRoutes configures all HTTP handlers
func (s *FerryServer) setupHTTPRoutes() {
	http.HandleFunc("/ws", s.corsMiddleware(s.HandleWebSocket))                // Job event stream
	http.HandleFunc("/api/health", s.corsMiddleware(s.HandleHealth))           // Liveness and engine stats (GET)
	http.HandleFunc("/api/jobs/validate", s.corsMiddleware(s.HandleValidate)) // Credential preflight (POST)
	http.HandleFunc("/api/jobs/", s.corsMiddleware(s.HandleJob))              // Individual job and sub-resources (GET, POST /stop)
	http.HandleFunc("/api/jobs", s.corsMiddleware(s.HandleJobs))              // List/submit jobs (GET/POST)
}

// corsMiddleware adds CORS headers using the configured allowed origins,
// matching the websocket origin policy.
func (s *FerryServer) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if origin != "" && checkOrigin(r) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}
