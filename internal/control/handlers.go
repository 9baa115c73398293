package control

import (
	"encoding/json"
	"net/http"

	"github.com/bepresent/presentd/internal/monitor"
	"github.com/bepresent/presentd/internal/session"
	"github.com/gorilla/mux"
)

// StartSessionRequest starts a focus session.
type StartSessionRequest struct {
	Name            string   `json:"name"`
	GoalMinutes     int      `json:"goalMinutes"`
	BeastMode       bool     `json:"beastMode"`
	BlockedPackages []string `json:"blockedPackages"`
}

// EndSessionRequest terminates the current session.
type EndSessionRequest struct {
	Reason string `json:"reason"`
}

// ExtendSessionRequest lengthens the current session's goal.
type ExtendSessionRequest struct {
	Minutes int `json:"minutes"`
}

// TrackIntentionRequest creates or reconfigures an intention.
type TrackIntentionRequest struct {
	PackageName        string `json:"packageName"`
	AppName            string `json:"appName"`
	AllowedOpensPerDay int    `json:"allowedOpensPerDay"`
	TimePerOpenMinutes int    `json:"timePerOpenMinutes"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req StartSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	sess, err := s.engine.Start(r.Context(), req.Name, req.GoalMinutes, req.BeastMode, req.BlockedPackages)
	if err != nil {
		writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.engine.List(r.Context())
	if err != nil {
		writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleActiveSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.engine.Active(r.Context())
	if err != nil {
		writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.engine.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSessionActions(w http.ResponseWriter, r *http.Request) {
	actions, err := s.engine.Actions(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, actions)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	var req EndSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	var reason session.EndReason
	switch req.Reason {
	case string(session.EndCompleted):
		reason = session.EndCompleted
	case string(session.EndAbandoned):
		reason = session.EndAbandoned
	default:
		writeError(w, http.StatusBadRequest, "Reason must be completed or abandoned")
		return
	}

	sess, err := s.engine.End(r.Context(), reason)
	if err != nil {
		writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleExtendSession(w http.ResponseWriter, r *http.Request) {
	var req ExtendSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	sess, err := s.engine.Extend(r.Context(), req.Minutes)
	if err != nil {
		writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleEngageBeastMode(w http.ResponseWriter, r *http.Request) {
	sess, err := s.engine.EngageBeastMode(r.Context())
	if err != nil {
		writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleTrackIntention(w http.ResponseWriter, r *http.Request) {
	var req TrackIntentionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.PackageName == "" {
		writeError(w, http.StatusBadRequest, "Package name is required")
		return
	}

	it, err := s.tracker.Track(r.Context(), req.PackageName, req.AppName, req.AllowedOpensPerDay, req.TimePerOpenMinutes)
	if err != nil {
		writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, it)
}

func (s *Server) handleListIntentions(w http.ResponseWriter, r *http.Request) {
	intentions, err := s.tracker.List(r.Context())
	if err != nil {
		writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, intentions)
}

func (s *Server) handleGetIntention(w http.ResponseWriter, r *http.Request) {
	it, err := s.tracker.Get(r.Context(), mux.Vars(r)["package"])
	if err != nil {
		writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, it)
}

func (s *Server) handleUntrackIntention(w http.ResponseWriter, r *http.Request) {
	if err := s.tracker.Untrack(r.Context(), mux.Vars(r)["package"]); err != nil {
		writeStorageError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	state, err := s.state.Get(r.Context())
	if err != nil {
		writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleForeground(w http.ResponseWriter, r *http.Request) {
	var ev monitor.ForegroundEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if ev.Package == "" {
		writeError(w, http.StatusBadRequest, "Package is required")
		return
	}
	if ev.Event != monitor.EventOpen && ev.Event != monitor.EventClose {
		writeError(w, http.StatusBadRequest, "Event must be open or close")
		return
	}

	verdict, err := s.monitor.Process(r.Context(), ev)
	if err != nil {
		writeStorageError(w, err)
		return
	}
	if verdict == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, verdict)
}

func (s *Server) handleVerdict(w http.ResponseWriter, r *http.Request) {
	pkg := r.URL.Query().Get("package")
	if pkg == "" {
		writeError(w, http.StatusBadRequest, "Query parameter package is required")
		return
	}

	verdict, err := s.arbiter.Probe(r.Context(), pkg)
	if err != nil {
		writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, verdict)
}
