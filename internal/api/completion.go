package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/promptgate/promptgate/internal/events"
	"github.com/promptgate/promptgate/internal/history"
	"github.com/promptgate/promptgate/internal/runner"
	"github.com/promptgate/promptgate/internal/session"
)

// overloadRetryAfterSeconds is the retry hint returned with a 429.
const overloadRetryAfterSeconds = 1

// handleCompletion handles POST /completion. One request runs one external
// command under the concurrency budget: validate, admit, execute with
// retries, persist, respond. The limiter slot is held for the whole
// attempt-and-retry sequence and released on every exit path.
func (s *Server) handleCompletion(w http.ResponseWriter, r *http.Request) {
	req, errMsg := s.decodeCompletionRequest(w, r)
	if errMsg != "" {
		s.writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	prompt, err := derivePrompt(req)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		sessionID = session.NewSessionID()
	} else if err := session.ValidateID(sessionID); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if !s.limiter.TryAcquire() {
		s.hub.Publish(events.TypeJobOverload, map[string]any{"at": time.Now().UTC()})
		s.logger.Warn("rejecting request: concurrency budget exhausted")
		retryAfter := overloadRetryAfterSeconds
		respondJSON(w, http.StatusTooManyRequests, ErrorResponse{
			Error:      "too many concurrent requests",
			RetryAfter: &retryAfter,
		})
		return
	}
	defer s.limiter.Release()

	timeout := s.effectiveTimeout(req.TimeoutMs)
	model := req.Model
	if model == "" {
		model = s.cfg.Exec.DefaultModel
	}

	jobID := uuid.NewString()
	logger := s.logger.With("job_id", jobID, "session_id", sessionID)
	logger.Info("job admitted", "timeout", timeout, "model", model)
	s.hub.Publish(events.TypeJobAdmitted, map[string]any{
		"job_id":     jobID,
		"session_id": sessionID,
		"model":      model,
	})

	sessionDir, err := s.store.Prepare(sessionID, req.Secure)
	if err != nil {
		if errors.Is(err, session.ErrReservedID) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		logger.Error("failed to prepare session directory", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to prepare session storage")
		return
	}

	spec := runner.Spec{
		Prompt:           prompt,
		Model:            model,
		StructuredOutput: req.StructuredOutput,
		Env:              coerceEnv(req.Env),
		Timeout:          timeout,
	}

	started := time.Now()
	res, runErr := s.dispatcher.Run(r.Context(), spec)
	duration := time.Since(started)

	if runErr != nil {
		s.respondRunFailure(w, r, logger, runFailure{
			jobID:      jobID,
			sessionID:  sessionID,
			sessionDir: sessionDir,
			prompt:     prompt,
			model:      model,
			started:    started,
			duration:   duration,
			err:        runErr,
		})
		return
	}

	if err := s.store.Write(sessionDir, prompt, res.Stdout, optional(res.Stderr), res.ExitCode); err != nil {
		logger.Error("failed to persist session result", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to persist session result")
		return
	}

	attempts := res.Attempts
	if attempts < 1 {
		attempts = 1
	}
	s.recordHistory(r, history.Entry{
		ID:          jobID,
		SessionID:   sessionID,
		Model:       model,
		Status:      history.StatusSucceeded,
		Attempts:    attempts,
		ExitCode:    res.ExitCode,
		DurationMs:  duration.Milliseconds(),
		CreatedAt:   started,
		CompletedAt: started.Add(duration),
	})

	s.hub.Publish(events.TypeJobCompleted, map[string]any{
		"job_id":      jobID,
		"session_id":  sessionID,
		"duration_ms": duration.Milliseconds(),
	})
	logger.Info("job completed", "duration_ms", duration.Milliseconds())

	respondJSON(w, http.StatusOK, CompletionResponse{
		SessionID: sessionID,
		Model:     model,
		Output:    res.Stdout,
		Stderr:    res.Stderr,
		ExitCode:  res.ExitCode,
		LogDir:    sessionDir,
	})
}

// runFailure carries the job context needed to report a failed dispatch.
type runFailure struct {
	jobID      string
	sessionID  string
	sessionDir string
	prompt     string
	model      string
	started    time.Time
	duration   time.Duration
	err        error
}

// respondRunFailure maps a terminal run error onto the response taxonomy:
// timeout -> 408, execution failure -> 500 with stderr/exit code, anything
// else -> generic 500.
func (s *Server) respondRunFailure(w http.ResponseWriter, r *http.Request, logger *slog.Logger, f runFailure) {
	var timeoutErr *runner.TimeoutError
	if errors.As(f.err, &timeoutErr) {
		logger.Warn("job timed out", "timeout", timeoutErr.Timeout)
		s.recordHistory(r, history.Entry{
			ID:          f.jobID,
			SessionID:   f.sessionID,
			Model:       f.model,
			Status:      history.StatusTimedOut,
			Attempts:    1,
			Error:       optional(timeoutErr.Error()),
			DurationMs:  f.duration.Milliseconds(),
			CreatedAt:   f.started,
			CompletedAt: f.started.Add(f.duration),
		})
		s.hub.Publish(events.TypeJobTimedOut, map[string]any{
			"job_id":     f.jobID,
			"session_id": f.sessionID,
		})
		timeoutMs := timeoutErr.Timeout.Milliseconds()
		respondJSON(w, http.StatusRequestTimeout, ErrorResponse{
			Error:     "execution timed out",
			TimeoutMs: &timeoutMs,
			SessionID: f.sessionID,
		})
		return
	}

	var execErr *runner.ExecError
	if errors.As(f.err, &execErr) {
		logger.Error("job failed after retries", "exit_code", execErr.ExitCode)
		// Failed completions are persisted too, so the session log keeps the
		// last attempt's stderr and exit code.
		if werr := s.store.Write(f.sessionDir, f.prompt, execErr.Stdout, optional(execErr.Stderr), &execErr.ExitCode); werr != nil {
			logger.Error("failed to persist failed run", "error", werr)
		}
		s.recordHistory(r, history.Entry{
			ID:          f.jobID,
			SessionID:   f.sessionID,
			Model:       f.model,
			Status:      history.StatusFailed,
			Attempts:    s.cfg.Retry.MaxRetries + 1,
			ExitCode:    &execErr.ExitCode,
			Error:       optional(execErr.Stderr),
			DurationMs:  f.duration.Milliseconds(),
			CreatedAt:   f.started,
			CompletedAt: f.started.Add(f.duration),
		})
		s.hub.Publish(events.TypeJobFailed, map[string]any{
			"job_id":     f.jobID,
			"session_id": f.sessionID,
			"exit_code":  execErr.ExitCode,
		})
		respondJSON(w, http.StatusInternalServerError, ErrorResponse{
			Error:     "execution failed",
			Stderr:    execErr.Stderr,
			ExitCode:  &execErr.ExitCode,
			SessionID: f.sessionID,
		})
		return
	}

	// Safety net for unanticipated faults; no internal detail leaks.
	logger.Error("job failed with unexpected error", "error", f.err)
	s.writeError(w, http.StatusInternalServerError, "internal execution error")
}

// decodeCompletionRequest size-bounds and parses the body. The returned
// message is empty on success; oversize and malformed bodies are reported
// distinctly.
func (s *Server) decodeCompletionRequest(w http.ResponseWriter, r *http.Request) (CompletionRequest, string) {
	var req CompletionRequest

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.API.MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return CompletionRequest{}, fmt.Sprintf("request body exceeds %d bytes", s.cfg.API.MaxBodyBytes)
		}
		return CompletionRequest{}, "invalid JSON body"
	}
	return req, ""
}

// derivePrompt resolves the prompt text per the request invariant: exactly
// one of the raw prompt and the message sequence must yield non-empty text.
func derivePrompt(req CompletionRequest) (string, error) {
	raw := strings.TrimSpace(req.Prompt)

	var flattened string
	if len(req.Messages) > 0 {
		var lines []string
		for _, m := range req.Messages {
			content := strings.TrimSpace(m.Content)
			if content == "" {
				continue
			}
			role := strings.TrimSpace(m.Role)
			if role == "" {
				role = "user"
			}
			lines = append(lines, role+": "+content)
		}
		flattened = strings.Join(lines, "\n")
	}

	switch {
	case raw != "" && flattened != "":
		return "", fmt.Errorf("request must supply either prompt or messages, not both")
	case raw != "":
		return raw, nil
	case flattened != "":
		return flattened, nil
	default:
		return "", fmt.Errorf("request must supply a non-empty prompt or messages")
	}
}

// effectiveTimeout applies the floor/ceiling rule: the configured default is
// a floor, the configured max a ceiling.
func (s *Server) effectiveTimeout(requestedMs int64) time.Duration {
	timeout := time.Duration(requestedMs) * time.Millisecond
	if timeout < s.cfg.Exec.DefaultTimeout {
		timeout = s.cfg.Exec.DefaultTimeout
	}
	if timeout > s.cfg.Exec.MaxTimeout {
		timeout = s.cfg.Exec.MaxTimeout
	}
	return timeout
}

// coerceEnv flattens the request env overlay to strings. Non-string JSON
// values (numbers, bools) are rendered with their default formatting.
func coerceEnv(env map[string]any) map[string]string {
	if len(env) == 0 {
		return nil
	}
	out := make(map[string]string, len(env))
	for k, v := range env {
		if sv, ok := v.(string); ok {
			out[k] = sv
			continue
		}
		out[k] = fmt.Sprint(v)
	}
	return out
}

func (s *Server) recordHistory(r *http.Request, e history.Entry) {
	if s.ledger == nil {
		return
	}
	if err := s.ledger.Record(r.Context(), e); err != nil {
		s.logger.Error("failed to record history entry", "job_id", e.ID, "error", err)
	}
}

// optional returns nil for an empty string so absent and blank stay distinct
// in persisted records.
func optional(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
