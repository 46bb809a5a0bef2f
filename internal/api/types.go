package api

import "encoding/json"

// Message is one role/content pair of a structured prompt.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest is the POST /completion body. Exactly one of Prompt and
// Messages must resolve to non-empty text.
type CompletionRequest struct {
	Prompt           string         `json:"prompt,omitempty"`
	Messages         []Message      `json:"messages,omitempty"`
	Model            string         `json:"model,omitempty"`
	SessionID        string         `json:"session_id,omitempty"`
	TimeoutMs        int64          `json:"timeout_ms,omitempty"`
	StructuredOutput bool           `json:"structured_output,omitempty"`
	Secure           bool           `json:"secure,omitempty"`
	Env              map[string]any `json:"env,omitempty"`
}

// CompletionResponse is the successful /completion reply.
type CompletionResponse struct {
	SessionID string `json:"session_id"`
	Model     string `json:"model,omitempty"`
	Output    string `json:"output"`
	Stderr    string `json:"stderr,omitempty"`
	ExitCode  *int   `json:"exit_code,omitempty"`
	LogDir    string `json:"log_dir"`
}

// HealthResponse is the GET /health reply.
type HealthResponse struct {
	Status string `json:"status"`
}

// InfoResponse is the GET / reply.
type InfoResponse struct {
	Service   string   `json:"service"`
	Version   string   `json:"version"`
	Endpoints []string `json:"endpoints"`
}

// StatusResponse is the GET /status reply.
type StatusResponse struct {
	Active        int   `json:"active"`
	Max           int   `json:"max"`
	Available     int   `json:"available"`
	UptimeSeconds int64 `json:"uptime_seconds"`
}

// SessionListResponse is the GET /sessions reply.
type SessionListResponse struct {
	Sessions []string `json:"sessions"`
}

// SessionDetailResponse is the GET /sessions/{id} reply.
type SessionDetailResponse struct {
	SessionID string          `json:"session_id"`
	Summary   json.RawMessage `json:"summary"`
	Tail      string          `json:"tail"`
	TailLines int             `json:"tail_lines"`
	LogDigest string          `json:"log_digest,omitempty"`
}

// JobResponse is one execution-history row as returned by /jobs endpoints.
type JobResponse struct {
	JobID       string  `json:"job_id"`
	SessionID   string  `json:"session_id"`
	Model       string  `json:"model,omitempty"`
	Status      string  `json:"status"`
	Attempts    int     `json:"attempts"`
	ExitCode    *int    `json:"exit_code,omitempty"`
	Error       *string `json:"error,omitempty"`
	DurationMs  int64   `json:"duration_ms"`
	CreatedAt   string  `json:"created_at"`
	CompletedAt string  `json:"completed_at"`
}

// JobListResponse is the GET /jobs reply.
type JobListResponse struct {
	Jobs []JobResponse `json:"jobs"`
}

// ErrorResponse is the uniform JSON error body.
type ErrorResponse struct {
	Error      string `json:"error"`
	RetryAfter *int   `json:"retry_after,omitempty"`
	TimeoutMs  *int64 `json:"timeout_ms,omitempty"`
	Stderr     string `json:"stderr,omitempty"`
	ExitCode   *int   `json:"exit_code,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
}
