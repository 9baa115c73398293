package control

import (
	"bytes"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/bepresent/presentd/internal/intention"
	"github.com/bepresent/presentd/internal/monitor"
	"github.com/bepresent/presentd/internal/session"
	"github.com/bepresent/presentd/internal/storage"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// Server is the local control HTTP API. It is the surface a device agent or
// companion app drives: session lifecycle, intention management, foreground
// events and verdict queries.
type Server struct {
	engine   *session.Engine
	tracker  *intention.Tracker
	monitor  *monitor.Monitor
	arbiter  *monitor.Arbiter
	state    storage.StateStore
	server   *http.Server
	router   *mux.Router
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
}

// NewServer creates a control server.
func NewServer(addr string, engine *session.Engine, tracker *intention.Tracker, mon *monitor.Monitor, arbiter *monitor.Arbiter, state storage.StateStore, logger zerolog.Logger) *Server {
	router := mux.NewRouter()

	s := &Server{
		engine:  engine,
		tracker: tracker,
		monitor: mon,
		arbiter: arbiter,
		state:   state,
		router:  router,
		logger:  logger.With().Str("component", "control").Logger(),
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.Use(LoggingMiddleware(s.logger))

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/sessions", s.handleStartSession).Methods("POST")
	api.HandleFunc("/sessions", s.handleListSessions).Methods("GET")
	api.HandleFunc("/sessions/active", s.handleActiveSession).Methods("GET")
	api.HandleFunc("/sessions/active/end", s.handleEndSession).Methods("POST")
	api.HandleFunc("/sessions/active/extend", s.handleExtendSession).Methods("POST")
	api.HandleFunc("/sessions/active/beast-mode", s.handleEngageBeastMode).Methods("POST")
	api.HandleFunc("/sessions/{id}", s.handleGetSession).Methods("GET")
	api.HandleFunc("/sessions/{id}/actions", s.handleSessionActions).Methods("GET")

	api.HandleFunc("/intentions", s.handleTrackIntention).Methods("POST")
	api.HandleFunc("/intentions", s.handleListIntentions).Methods("GET")
	api.HandleFunc("/intentions/{package}", s.handleGetIntention).Methods("GET")
	api.HandleFunc("/intentions/{package}", s.handleUntrackIntention).Methods("DELETE")

	api.HandleFunc("/state", s.handleGetState).Methods("GET")

	api.HandleFunc("/foreground", s.handleForeground).Methods("POST")
	api.HandleFunc("/verdict", s.handleVerdict).Methods("GET")
}

// SetListener sets a pre-created listener for systemd socket activation.
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the control server.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting control server")
	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated control listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Control server error")
		}
	}()
	return nil
}

// Stop stops the control server.
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping control server")
	return s.server.Close()
}

// LoggingMiddleware logs every request with its status and duration.
func LoggingMiddleware(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("remote_addr", r.RemoteAddr).
				Int("status", wrapped.statusCode).
				Dur("duration", time.Since(start)).
				Msg("Control request")
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(data); err != nil {
		http.Error(w, `{"error":"Internal Server Error","message":"Failed to encode response"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(buf.Bytes())
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	})
}

// writeStorageError maps store sentinel errors onto HTTP statuses.
func writeStorageError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrSessionConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, storage.ErrConstraint):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
