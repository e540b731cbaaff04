// Package server exposes the job engine over HTTP and WebSocket: the REST
// surface for submitting and inspecting transfers, and a push channel for
// progress, log, and completion events.
package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/driveferry/driveferry/config"
	"github.com/driveferry/driveferry/ferry"
)

// FerryServer serves the transfer API and fans job events out to
// websocket clients
type FerryServer struct {
	service  *ferry.Service
	registry *ferry.Registry
	logger   *zap.SugaredLogger
	cfg      *config.Config

	httpServer *http.Server
	upgrader   websocket.Upgrader

	mu         sync.RWMutex
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// allowedOrigins is set from config at startup and consulted by both the
// websocket upgrader and the CORS middleware
var (
	allowedOriginsMu sync.RWMutex
	allowedOrigins   []string
)

// SetAllowedOrigins configures which origins may connect
func SetAllowedOrigins(origins []string) {
	allowedOriginsMu.Lock()
	defer allowedOriginsMu.Unlock()
	allowedOrigins = origins
}

// checkOrigin validates the request origin against the configured list.
// Requests without an Origin header (curl, same-host tools) are allowed.
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	allowedOriginsMu.RLock()
	defer allowedOriginsMu.RUnlock()

	for _, allowed := range allowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// NewServer creates a transfer API server
func NewServer(service *ferry.Service, registry *ferry.Registry, cfg *config.Config, logger *zap.SugaredLogger) *FerryServer {
	ctx, cancel := context.WithCancel(context.Background())

	SetAllowedOrigins(cfg.Server.AllowedOrigins)

	return &FerryServer{
		service:  service,
		registry: registry,
		logger:   logger,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start begins serving. Blocks until the listener fails or Shutdown is
// called.
func (s *FerryServer) Start() error {
	s.setupHTTPRoutes()

	go s.run()
	s.startEventBroadcaster()

	port := config.DefaultServerPort
	if s.cfg.Server.Port != nil {
		port = *s.cfg.Server.Port
	}

	addr := fmt.Sprintf(":%d", port)
	s.httpServer = &http.Server{
		Addr:              addr,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Infow("Server listening", "addr", addr)

	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the server and disconnects all clients
func (s *FerryServer) Shutdown(ctx context.Context) error {
	s.cancel()

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}

	s.mu.Lock()
	for client := range s.clients {
		client.close()
		delete(s.clients, client)
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}

// run processes client registration until shutdown
func (s *FerryServer) run() {
	for {
		select {
		case <-s.ctx.Done():
			return

		case client := <-s.register:
			s.mu.Lock()
			s.clients[client] = true
			count := len(s.clients)
			s.mu.Unlock()
			s.logger.Infow("Client connected",
				"client_id", client.id,
				"total_clients", count)

		case client := <-s.unregister:
			s.mu.Lock()
			if _, ok := s.clients[client]; ok {
				delete(s.clients, client)
				client.close()
			}
			count := len(s.clients)
			s.mu.Unlock()
			s.logger.Infow("Client disconnected",
				"client_id", client.id,
				"total_clients", count)
		}
	}
}

// startEventBroadcaster subscribes to the registry and fans events out to
// interested clients
func (s *FerryServer) startEventBroadcaster() {
	events := s.registry.Subscribe()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.registry.Unsubscribe(events)

		for {
			select {
			case <-s.ctx.Done():
				return
			case event, ok := <-events:
				if !ok {
					return
				}
				s.broadcastEvent(event)
			}
		}
	}()

	s.logger.Infow("Job event broadcaster started")
}

// broadcastEvent sends an event to every client subscribed to its job.
// Slow clients drop events rather than blocking the broadcaster.
func (s *FerryServer) broadcastEvent(event ferry.Event) {
	msg := eventMessage(event)

	s.mu.RLock()
	clients := make([]*Client, 0, len(s.clients))
	for client := range s.clients {
		if client.wantsJob(event.JobID) {
			clients = append(clients, client)
		}
	}
	s.mu.RUnlock()

	sent := 0
	for _, client := range clients {
		select {
		case client.send <- msg:
			sent++
		default:
			// Channel full - skip
		}
	}

	if event.Type != ferry.EventLogLine {
		s.logger.Debugw("Broadcasted job event",
			"job_id", event.JobID,
			"type", event.Type,
			"clients", sent)
	}
}

// eventMessage shapes a registry event for the wire
func eventMessage(event ferry.Event) map[string]interface{} {
	msg := map[string]interface{}{
		"type":      string(event.Type),
		"job_id":    event.JobID,
		"timestamp": time.Now().Unix(),
	}
	if event.Job != nil {
		msg["job"] = event.Job
	}
	if event.Type == ferry.EventLogLine {
		msg["line"] = event.Line
	}
	return msg
}
