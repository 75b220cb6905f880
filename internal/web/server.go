// Package web implements the status dashboard (spec component: runtime
// observability): a single HTML page summarizing dispatch, bounce, and
// task-engine activity, backed by a WebSocket stream of the same
// internal/events the page renders on load. Grounded on the teacher's
// htmx-driven dashboard shape, re-pointed at package-tracking metrics
// instead of agent/session metrics.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/pts/internal/events"
)

// StatsSnapshot summarizes dispatch/bounce/task-engine activity for
// display on the dashboard and over /api/stats.
type StatsSnapshot struct {
	MessagesDispatched int64 `json:"messages_dispatched"`
	MessagesRejected   int64 `json:"messages_rejected"`
	CommandsProcessed  int64 `json:"commands_processed"`
	BouncesRecorded    int64 `json:"bounces_recorded"`
	AutoUnsubscribes   int64 `json:"auto_unsubscribes"`
	ActiveSubscribers  int64 `json:"active_subscribers"`
	JobsRunning        int64 `json:"jobs_running"`
	JobsCompleted      int64 `json:"jobs_completed"`
	JobsFailed         int64 `json:"jobs_failed"`
}

// HealthStatus reports the liveness of one subsystem.
type HealthStatus struct {
	OK        bool      `json:"ok"`
	Detail    string    `json:"detail,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// StatsFunc returns a fresh stats snapshot. Wired to the storage layer
// by the caller (cmd/statusweb).
type StatsFunc func() StatsSnapshot

// HealthFunc returns the current health of every monitored subsystem,
// keyed by subsystem name (e.g. "redis", "smtp", "imap:incoming").
type HealthFunc func() map[string]HealthStatus

// WebServer serves the status dashboard and its supporting JSON/WS
// endpoints.
type WebServer struct {
	address string
	port    int

	bus        *events.Bus
	statsFunc  StatsFunc
	healthFunc HealthFunc

	templates map[string]*template.Template
	logger    *slog.Logger
	server    *http.Server

	upgrader websocket.Upgrader
}

// NewServer creates a status dashboard server. statsFunc and
// healthFunc may be nil; the dashboard renders zero values until they
// are set with SetStatsFunc/SetHealthFunc.
func NewServer(address string, port int, bus *events.Bus, logger *slog.Logger) *WebServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebServer{
		address:   address,
		port:      port,
		bus:       bus,
		templates: loadTemplates(),
		logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// CheckOrigin is left nil: the default rejects cross-origin
			// upgrades, and the dashboard is same-origin only.
		},
	}
}

// SetStatsFunc configures the callback used to populate dashboard
// and /api/stats data.
func (s *WebServer) SetStatsFunc(f StatsFunc) { s.statsFunc = f }

// SetHealthFunc configures the callback used to populate dashboard
// and /healthz data.
func (s *WebServer) SetHealthFunc(f HealthFunc) { s.healthFunc = f }

// Start begins serving HTTP requests. It blocks until the context is
// canceled or the server errors, then shuts down gracefully.
func (s *WebServer) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /", s.handleDashboard)
	mux.HandleFunc("GET /api/stats", s.handleAPIStats)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /ws/events", s.handleWebSocket)

	addr := fmt.Sprintf("%s:%d", s.address, s.port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("status dashboard listening", "address", addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// handleAPIStats serves the current stats snapshot as JSON, for
// scripted polling; the dashboard page itself does not request it.
func (s *WebServer) handleAPIStats(w http.ResponseWriter, r *http.Request) {
	var snap StatsSnapshot
	if s.statsFunc != nil {
		snap = s.statsFunc()
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		s.logger.Debug("failed to write stats response", "error", err)
	}
}

// handleHealthz serves a liveness summary. Returns 503 if any
// subsystem reports unhealthy.
func (s *WebServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	statuses := map[string]HealthStatus{}
	if s.healthFunc != nil {
		statuses = s.healthFunc()
	}

	allOK := true
	for _, st := range statuses {
		if !st.OK {
			allOK = false
			break
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if !allOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(statuses); err != nil {
		s.logger.Debug("failed to write health response", "error", err)
	}
}

// handleWebSocket upgrades the connection and streams events.Bus
// events to the client as newline-delimited JSON until the client
// disconnects.
func (s *WebServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch := s.bus.Subscribe(64)
	defer s.bus.Unsubscribe(ch)

	// Drain client reads in the background so a closed connection is
	// noticed promptly; the dashboard doesn't send anything itself.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}
