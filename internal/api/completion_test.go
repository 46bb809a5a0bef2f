package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/promptgate/promptgate/internal/config"
	"github.com/promptgate/promptgate/internal/events"
	"github.com/promptgate/promptgate/internal/history"
	"github.com/promptgate/promptgate/internal/limiter"
	"github.com/promptgate/promptgate/internal/log"
	"github.com/promptgate/promptgate/internal/runner"
	"github.com/promptgate/promptgate/internal/session"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	m.Run()
}

// fakeDispatcher implements Dispatcher for testing.
type fakeDispatcher struct {
	runFunc func(ctx context.Context, spec runner.Spec) (runner.Result, error)

	mu    sync.Mutex
	specs []runner.Spec
}

func (f *fakeDispatcher) Run(ctx context.Context, spec runner.Spec) (runner.Result, error) {
	f.mu.Lock()
	f.specs = append(f.specs, spec)
	f.mu.Unlock()
	if f.runFunc != nil {
		return f.runFunc(ctx, spec)
	}
	code := 0
	return runner.Result{Stdout: "ok", ExitCode: &code}, nil
}

func (f *fakeDispatcher) lastSpec(t *testing.T) runner.Spec {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.specs) == 0 {
		t.Fatal("dispatcher was never invoked")
	}
	return f.specs[len(f.specs)-1]
}

// fakeLedger implements HistoryLedger and records entries in memory.
type fakeLedger struct {
	mu      sync.Mutex
	entries []history.Entry
}

func (f *fakeLedger) Record(ctx context.Context, e history.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, e)
	return nil
}

func (f *fakeLedger) List(ctx context.Context, limit int) ([]history.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]history.Entry(nil), f.entries...), nil
}

func (f *fakeLedger) GetByID(ctx context.Context, id string) (*history.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.entries {
		if f.entries[i].ID == id {
			return &f.entries[i], nil
		}
	}
	return nil, history.ErrNotFound
}

func (f *fakeLedger) last(t *testing.T) history.Entry {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.entries) == 0 {
		t.Fatal("ledger has no entries")
	}
	return f.entries[len(f.entries)-1]
}

type testHarness struct {
	server *Server
	disp   *fakeDispatcher
	ledger *fakeLedger
	store  *session.Store
	cfg    *config.Config
}

func newTestHarness(t *testing.T, disp *fakeDispatcher) *testHarness {
	t.Helper()

	cfg := config.Defaults()
	cfg.Exec.DefaultTimeout = 2 * time.Second
	cfg.Exec.MaxTimeout = 10 * time.Second
	cfg.Exec.MaxConcurrent = 2
	cfg.API.MaxBodyBytes = 2048

	store, err := session.NewStore(session.Options{Roots: []string{t.TempDir()}})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	if disp == nil {
		disp = &fakeDispatcher{}
	}
	ledger := &fakeLedger{}

	srv := New(cfg, limiter.New(cfg.Exec.MaxConcurrent), disp, store, ledger,
		events.NewHub(16), log.WithComponent("api"), "test")

	return &testHarness{server: srv, disp: disp, ledger: ledger, store: store, cfg: cfg}
}

func (h *testHarness) post(t *testing.T, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/completion", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.server.setupRoutes().ServeHTTP(rr, req)
	return rr
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return resp
}

func TestCompletionSuccess(t *testing.T) {
	code := 0
	disp := &fakeDispatcher{
		runFunc: func(ctx context.Context, spec runner.Spec) (runner.Result, error) {
			return runner.Result{Stdout: "four", Stderr: "minor warning", ExitCode: &code}, nil
		},
	}
	h := newTestHarness(t, disp)

	rr := h.post(t, `{"prompt": "what is 2+2", "model": "opus"}`)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp CompletionResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Output != "four" {
		t.Fatalf("expected output %q, got %q", "four", resp.Output)
	}
	if resp.Stderr != "minor warning" {
		t.Fatalf("expected stderr passthrough, got %q", resp.Stderr)
	}
	if resp.ExitCode == nil || *resp.ExitCode != 0 {
		t.Fatalf("expected exit code 0, got %v", resp.ExitCode)
	}
	if !strings.HasPrefix(resp.SessionID, "session-") {
		t.Fatalf("expected generated session id, got %q", resp.SessionID)
	}
	if resp.Model != "opus" {
		t.Fatalf("expected model opus, got %q", resp.Model)
	}

	// Result persisted to the session store.
	detail, err := h.store.Detail(resp.SessionID, false, 0)
	if err != nil {
		t.Fatalf("session was not persisted: %v", err)
	}
	if detail.Summary["output"] != "four" {
		t.Fatalf("persisted output mismatch: %v", detail.Summary["output"])
	}

	// Terminal outcome recorded in history.
	entry := h.ledger.last(t)
	if entry.Status != history.StatusSucceeded {
		t.Fatalf("expected succeeded history entry, got %q", entry.Status)
	}
	if entry.SessionID != resp.SessionID {
		t.Fatalf("history session mismatch: %q vs %q", entry.SessionID, resp.SessionID)
	}
	if entry.Attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", entry.Attempts)
	}
}

func TestCompletionHistoryRecordsReportedAttempts(t *testing.T) {
	code := 0
	disp := &fakeDispatcher{
		runFunc: func(ctx context.Context, spec runner.Spec) (runner.Result, error) {
			return runner.Result{Stdout: "eventually", ExitCode: &code, Attempts: 3}, nil
		},
	}
	h := newTestHarness(t, disp)

	rr := h.post(t, `{"prompt": "hi"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	entry := h.ledger.last(t)
	if entry.Attempts != 3 {
		t.Fatalf("history must carry the dispatcher's attempt count, got %d", entry.Attempts)
	}
}

func TestCompletionSuppliedSessionIDReused(t *testing.T) {
	h := newTestHarness(t, nil)

	rr := h.post(t, `{"prompt": "hi", "session_id": "session-feedface00000000"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp CompletionResponse
	_ = json.NewDecoder(rr.Body).Decode(&resp)
	if resp.SessionID != "session-feedface00000000" {
		t.Fatalf("expected supplied session id, got %q", resp.SessionID)
	}
}

func TestCompletionValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{not json`},
		{"no prompt or messages", `{}`},
		{"blank prompt", `{"prompt": "   "}`},
		{"messages with only blank content", `{"messages": [{"role": "user", "content": "  "}]}`},
		{"both prompt and messages", `{"prompt": "a", "messages": [{"role": "user", "content": "b"}]}`},
		{"traversal session id", `{"prompt": "hi", "session_id": "../etc"}`},
		{"session id shadowing the secure root", `{"prompt": "hi", "session_id": "secure"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHarness(t, nil)
			rr := h.post(t, tt.body)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", rr.Code, rr.Body.String())
			}
			if resp := decodeError(t, rr); resp.Error == "" {
				t.Fatal("expected an error message")
			}
		})
	}
}

func TestCompletionOversizeBody(t *testing.T) {
	h := newTestHarness(t, nil)

	big := strings.Repeat("x", int(h.cfg.API.MaxBodyBytes)+1)
	rr := h.post(t, `{"prompt": "`+big+`"}`)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	resp := decodeError(t, rr)
	if !strings.Contains(resp.Error, "exceeds") {
		t.Fatalf("oversize body should be reported distinctly, got %q", resp.Error)
	}
}

func TestCompletionMessagesFlattened(t *testing.T) {
	h := newTestHarness(t, nil)

	rr := h.post(t, `{"messages": [
		{"role": "system", "content": "be brief"},
		{"role": "", "content": "hello"},
		{"role": "user", "content": "  "}
	]}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	spec := h.disp.lastSpec(t)
	want := "system: be brief\nuser: hello"
	if spec.Prompt != want {
		t.Fatalf("expected flattened prompt %q, got %q", want, spec.Prompt)
	}
}

func TestCompletionTimeoutClamp(t *testing.T) {
	tests := []struct {
		name      string
		timeoutMs int64
		want      time.Duration
	}{
		{"absent uses default", 0, 2 * time.Second},
		{"below default floors", 500, 2 * time.Second},
		{"within bounds passes", 5000, 5 * time.Second},
		{"above max ceilings", 60000, 10 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHarness(t, nil)

			body, _ := json.Marshal(CompletionRequest{Prompt: "hi", TimeoutMs: tt.timeoutMs})
			rr := h.post(t, string(body))
			if rr.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d", rr.Code)
			}

			if spec := h.disp.lastSpec(t); spec.Timeout != tt.want {
				t.Fatalf("expected effective timeout %v, got %v", tt.want, spec.Timeout)
			}
		})
	}
}

func TestCompletionOverload(t *testing.T) {
	h := newTestHarness(t, nil)

	// Saturate the budget out of band.
	for h.server.limiter.TryAcquire() {
	}

	rr := h.post(t, `{"prompt": "hi"}`)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	resp := decodeError(t, rr)
	if resp.RetryAfter == nil || *resp.RetryAfter <= 0 {
		t.Fatalf("expected positive retry_after, got %v", resp.RetryAfter)
	}
	if len(h.disp.specs) != 0 {
		t.Fatal("dispatcher must not run for rejected requests")
	}
}

func TestCompletionTimeoutResponse(t *testing.T) {
	disp := &fakeDispatcher{
		runFunc: func(ctx context.Context, spec runner.Spec) (runner.Result, error) {
			return runner.Result{}, &runner.TimeoutError{Timeout: spec.Timeout, Stderr: "partial"}
		},
	}
	h := newTestHarness(t, disp)

	rr := h.post(t, `{"prompt": "slow thing"}`)
	if rr.Code != http.StatusRequestTimeout {
		t.Fatalf("expected 408, got %d", rr.Code)
	}
	resp := decodeError(t, rr)
	if resp.TimeoutMs == nil || *resp.TimeoutMs != 2000 {
		t.Fatalf("expected timeout_ms 2000, got %v", resp.TimeoutMs)
	}
	if entry := h.ledger.last(t); entry.Status != history.StatusTimedOut {
		t.Fatalf("expected timed_out history entry, got %q", entry.Status)
	}
}

func TestCompletionExecFailureResponse(t *testing.T) {
	disp := &fakeDispatcher{
		runFunc: func(ctx context.Context, spec runner.Spec) (runner.Result, error) {
			return runner.Result{}, &runner.ExecError{Stdout: "", Stderr: "model crashed", ExitCode: 2}
		},
	}
	h := newTestHarness(t, disp)

	rr := h.post(t, `{"prompt": "hi"}`)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	resp := decodeError(t, rr)
	if resp.Stderr != "model crashed" {
		t.Fatalf("expected stderr in error body, got %q", resp.Stderr)
	}
	if resp.ExitCode == nil || *resp.ExitCode != 2 {
		t.Fatalf("expected exit code 2, got %v", resp.ExitCode)
	}
	if resp.SessionID == "" {
		t.Fatal("expected session id in error body")
	}

	// Failure is persisted so the stderr survives for read-back.
	detail, err := h.store.Detail(resp.SessionID, false, 0)
	if err != nil {
		t.Fatalf("failed run was not persisted: %v", err)
	}
	if detail.Summary["stderr"] != "model crashed" {
		t.Fatalf("persisted stderr mismatch: %v", detail.Summary["stderr"])
	}

	if entry := h.ledger.last(t); entry.Status != history.StatusFailed {
		t.Fatalf("expected failed history entry, got %q", entry.Status)
	}
}

func TestCompletionUnexpectedErrorIsGeneric(t *testing.T) {
	disp := &fakeDispatcher{
		runFunc: func(ctx context.Context, spec runner.Spec) (runner.Result, error) {
			return runner.Result{}, context.DeadlineExceeded
		},
	}
	h := newTestHarness(t, disp)

	rr := h.post(t, `{"prompt": "hi"}`)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	resp := decodeError(t, rr)
	if strings.Contains(resp.Error, "deadline") {
		t.Fatalf("internal detail leaked into response: %q", resp.Error)
	}
}

func TestCompletionReleasesSlotOnEveryPath(t *testing.T) {
	disp := &fakeDispatcher{
		runFunc: func(ctx context.Context, spec runner.Spec) (runner.Result, error) {
			return runner.Result{}, &runner.ExecError{ExitCode: 1}
		},
	}
	h := newTestHarness(t, disp)

	for i := 0; i < 5; i++ {
		h.post(t, `{"prompt": "hi"}`)
	}

	if s := h.server.limiter.Status(); s.Active != 0 {
		t.Fatalf("expected all slots released, got %d active", s.Active)
	}
}

func TestCompletionEnvOverlayForwarded(t *testing.T) {
	h := newTestHarness(t, nil)

	rr := h.post(t, `{"prompt": "hi", "env": {"A": "x", "N": 3, "B": true}}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	spec := h.disp.lastSpec(t)
	if spec.Env["A"] != "x" || spec.Env["N"] != "3" || spec.Env["B"] != "true" {
		t.Fatalf("unexpected env overlay: %v", spec.Env)
	}
}
