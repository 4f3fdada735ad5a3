// Package diag implements the local diagnostics HTTP API: connection
// and presence snapshots, the journal, the inbox, operator responses,
// and a WebSocket stream of live bus events. It binds to loopback by
// default and carries no authentication; it is an operator surface,
// not a public one.
package diag

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/nugget/deskd/internal/buildinfo"
	"github.com/nugget/deskd/internal/events"
	"github.com/nugget/deskd/internal/journal"
	"github.com/nugget/deskd/internal/netmgr"
	"github.com/nugget/deskd/internal/presence"
	"github.com/nugget/deskd/internal/scan"
	"github.com/nugget/deskd/internal/unit"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the diagnostics HTTP server.
type Server struct {
	address string
	port    int

	manager *netmgr.Manager
	unit    *unit.Unit
	bus     *events.Bus

	detector  *presence.Detector
	scheduler *scan.Scheduler
	journal   *journal.Store

	logger *slog.Logger
	server *http.Server
}

// NewServer creates a diagnostics server over the required runtime
// pieces. Optional sources are wired with the setters.
func NewServer(address string, port int, mgr *netmgr.Manager, u *unit.Unit, bus *events.Bus, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		manager: mgr,
		unit:    u,
		bus:     bus,
		logger:  logger,
	}
}

// SetDetector wires the presence detector for presence endpoints.
func (s *Server) SetDetector(d *presence.Detector) {
	s.detector = d
}

// SetScheduler wires the scan scheduler for scan statistics.
func (s *Server) SetScheduler(sched *scan.Scheduler) {
	s.scheduler = sched
}

// SetJournal wires the journal store for history endpoints.
func (s *Server) SetJournal(store *journal.Store) {
	s.journal = store
}

func (s *Server) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)

	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("GET /v1/stats", s.handleStats)
	mux.HandleFunc("GET /v1/queue", s.handleQueue)
	mux.HandleFunc("GET /v1/presence", s.handlePresence)

	mux.HandleFunc("GET /v1/inbox", s.handleInbox)
	mux.HandleFunc("POST /v1/respond", s.handleRespond)

	mux.HandleFunc("GET /v1/journal", s.handleJournal)
	mux.HandleFunc("GET /v1/events", s.handleEvents)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests and blocks until the listener
// closes.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.address, s.port),
		Handler: s.handler(),
		// No global read/write timeouts: /v1/events holds its
		// connection open indefinitely. The event handler sets its own
		// per-message deadlines.
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	s.logger.Info("starting diagnostics server", "address", s.address, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "deskd",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.BuildInfo(), s.logger)
}

// handleHealth reports watchdog health: 503 means the tick loop has
// stalled, which is the one hard signal this system emits.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	healthy := s.manager.Healthy(time.Now())
	w.Header().Set("Content-Type", "application/json")
	if !healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	writeJSON(w, map[string]any{
		"healthy":       healthy,
		"link_state":    s.manager.LinkState().String(),
		"session_state": s.manager.SessionState().String(),
	}, s.logger)
}

type statusResponse struct {
	Manager  netmgr.Snapshot    `json:"manager"`
	Presence *presence.Snapshot `json:"presence,omitempty"`
	Scan     *scan.Stats        `json:"scan,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Manager: s.manager.Snapshot()}
	if s.detector != nil {
		snap := s.detector.Snapshot()
		resp.Presence = &snap
	}
	if s.scheduler != nil {
		stats := s.scheduler.Stats()
		resp.Scan = &stats
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, s.manager.Stats(), s.logger)
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	queued := s.manager.QueueSnapshot()
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"depth":    len(queued),
		"messages": queued,
	}, s.logger)
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	if s.detector == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "presence not configured")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, s.detector.Snapshot(), s.logger)
}

func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	messages := s.unit.Inbox()
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"count":    len(messages),
		"messages": messages,
	}, s.logger)
}

// RespondRequest is the body for POST /v1/respond.
type RespondRequest struct {
	MessageID string `json:"message_id"`
	Response  string `json:"response"`
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	var req RespondRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.unit.Respond(req.MessageID, req.Response); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"status":     "sent",
		"message_id": req.MessageID,
	}, s.logger)
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "journal not enabled")
		return
	}

	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = min(parsed, 500)
		}
	}

	entries, err := s.journal.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("journal query failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "journal query failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"count":   len(entries),
		"entries": entries,
	}, s.logger)
}
