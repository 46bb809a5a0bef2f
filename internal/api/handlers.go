package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/promptgate/promptgate/internal/history"
	"github.com/promptgate/promptgate/internal/session"
)

// handleHealth handles GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// handleInfo handles GET /.
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, InfoResponse{
		Service: s.cfg.Service.Name,
		Version: s.version,
		Endpoints: []string{
			"GET /health",
			"GET /status",
			"POST /completion",
			"GET /sessions",
			"GET /sessions/{id}",
			"GET /jobs",
			"GET /jobs/{id}",
			"GET /events",
		},
	})
}

// handleStatus handles GET /status: limiter snapshot plus uptime.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.limiter.Status()
	respondJSON(w, http.StatusOK, StatusResponse{
		Active:        snap.Active,
		Max:           snap.Max,
		Available:     snap.Available,
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	})
}

// handleListSessions handles GET /sessions.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	ids, err := s.store.List()
	if err != nil {
		s.logger.Error("failed to list sessions", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	if ids == nil {
		ids = []string{}
	}
	respondJSON(w, http.StatusOK, SessionListResponse{Sessions: ids})
}

// handleSessionDetail handles GET /sessions/{sessionID}. Query params:
// tail_lines (optional line count) and secure=true to include the secure root
// in the lookup.
func (s *Server) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	secure := r.URL.Query().Get("secure") == "true"

	tailLines := 0
	if raw := r.URL.Query().Get("tail_lines"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			tailLines = n
		}
	}

	detail, err := s.store.Detail(sessionID, secure, tailLines)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			s.writeError(w, http.StatusNotFound, "session not found")
			return
		}
		s.logger.Error("failed to load session detail", "session_id", sessionID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load session")
		return
	}

	summary, err := json.Marshal(detail.Summary)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to encode summary")
		return
	}

	respondJSON(w, http.StatusOK, SessionDetailResponse{
		SessionID: detail.SessionID,
		Summary:   summary,
		Tail:      detail.Tail,
		TailLines: detail.TailLines,
		LogDigest: detail.LogDigest,
	})
}

// handleListJobs handles GET /jobs.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		respondJSON(w, http.StatusOK, JobListResponse{Jobs: []JobResponse{}})
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}

	entries, err := s.ledger.List(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list jobs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}

	resp := JobListResponse{Jobs: make([]JobResponse, 0, len(entries))}
	for _, e := range entries {
		resp.Jobs = append(resp.Jobs, jobResponse(e))
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleGetJob handles GET /jobs/{jobID}.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}

	jobID := chi.URLParam(r, "jobID")
	entry, err := s.ledger.GetByID(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, history.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("failed to load job", "job_id", jobID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	respondJSON(w, http.StatusOK, jobResponse(*entry))
}

func jobResponse(e history.Entry) JobResponse {
	return JobResponse{
		JobID:       e.ID,
		SessionID:   e.SessionID,
		Model:       e.Model,
		Status:      string(e.Status),
		Attempts:    e.Attempts,
		ExitCode:    e.ExitCode,
		Error:       e.Error,
		DurationMs:  e.DurationMs,
		CreatedAt:   e.CreatedAt.UTC().Format(time.RFC3339),
		CompletedAt: e.CompletedAt.UTC().Format(time.RFC3339),
	}
}
