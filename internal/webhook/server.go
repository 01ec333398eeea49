// internal/webhook/server.go
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"

	"github.com/user/agentgate/internal/gateway"
	"github.com/user/agentgate/internal/types"
)

// Runner is the part of the gateway the HTTP surface needs.
type Runner interface {
	Submit(ctx context.Context, req gateway.Request) (*gateway.Result, error)
	GetSession(ctx context.Context, ref string) (*types.Session, error)
	ListSessions(ctx context.Context) ([]*types.Session, error)
	StopSession(ctx context.Context, ref string) error
}

// Firer fires a trigger by id. *scheduler.Manager implements it.
type Firer interface {
	FireNow(ctx context.Context, id types.TriggerID) (*gateway.Result, error)
}

// Server is a lightweight HTTP handler over the gateway.
type Server struct {
	runs     Runner
	triggers Firer
	mux      *http.ServeMux
}

// NewServer creates a Server. triggers may be nil when scheduling is off.
func NewServer(runs Runner, triggers Firer) *Server {
	s := &Server{
		runs:     runs,
		triggers: triggers,
		mux:      http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /api/runs", s.handleRun)
	s.mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	s.mux.HandleFunc("GET /api/sessions/{ref}", s.handleGetSession)
	s.mux.HandleFunc("POST /api/sessions/{ref}/stop", s.handleStopSession)
	s.mux.HandleFunc("POST /api/triggers/{id}/fire", s.handleFire)
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req gateway.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "messages are required")
		return
	}

	res, err := s.runs.Submit(r.Context(), req)
	if err != nil {
		s.fail(w, "submit run", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type sessionResponse struct {
	*types.Session
	RunCount int `json:"run_count"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.runs.ListSessions(r.Context())
	if err != nil {
		s.fail(w, "list sessions", err)
		return
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
	})
	result := make([]sessionResponse, 0, len(sessions))
	for _, sess := range sessions {
		summary := sess.Clone()
		result = append(result, sessionResponse{Session: summary, RunCount: len(summary.Runs)})
		summary.Runs = nil
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.runs.GetSession(r.Context(), r.PathValue("ref"))
	if err != nil {
		s.fail(w, "get session", err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Session: sess, RunCount: len(sess.Runs)})
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	ref := r.PathValue("ref")
	if err := s.runs.StopSession(r.Context(), ref); err != nil {
		s.fail(w, "stop session", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped", "session": ref})
}

func (s *Server) handleFire(w http.ResponseWriter, r *http.Request) {
	if s.triggers == nil {
		writeError(w, http.StatusServiceUnavailable, "triggers not configured")
		return
	}
	res, err := s.triggers.FireNow(r.Context(), types.TriggerID(r.PathValue("id")))
	if err != nil {
		s.fail(w, "fire trigger", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		slog.Error("webhook "+op+" failed", "error", err)
		writeError(w, code, "internal server error")
		return
	}
	writeError(w, code, err.Error())
}

// statusFor maps the gateway's failure classes to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrInvalidRequest), errors.Is(err, types.ErrConfig):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrBusy):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
