// Package session persists per-job records as filesystem sessions: one
// directory per session id holding a summary document and an append-only run
// log.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/zeebo/blake3"
)

const (
	summaryFile = "summary.json"
	logFile     = "run.log"
)

// ErrSessionNotFound reports an id absent from every configured root.
var ErrSessionNotFound = errors.New("session not found")

// ErrReservedID reports an id that would resolve onto the secure root.
var ErrReservedID = errors.New("session id is reserved")

// Store reads and writes sessions under one or more root directories.
type Store struct {
	roots       []string
	secureRoot  string
	defaultTail int
	maxTail     int
	now         func() time.Time
}

// Options configures a Store.
type Options struct {
	// Roots lists the session root directories; the first entry is primary.
	Roots []string
	// SecureRoot overrides the secure session root. Empty means
	// "<primary>/secure".
	SecureRoot  string
	DefaultTail int
	MaxTail     int
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Summary is the durable per-session record. Stderr and ExitCode are present
// in the file only when they were captured.
type Summary struct {
	Prompt    string  `json:"prompt"`
	Output    string  `json:"output"`
	Stderr    *string `json:"stderr,omitempty"`
	ExitCode  *int    `json:"exit_code,omitempty"`
	CreatedAt string  `json:"created_at"`
}

// Detail is a summary plus a tail of the run log. Summary is the raw summary
// document, or a minimal {"session_id": id} object when none exists yet.
type Detail struct {
	SessionID string
	Summary   map[string]any
	Tail      string
	TailLines int
	LogDigest string
}

// NewStore creates a session store over the given roots.
func NewStore(opts Options) (*Store, error) {
	if len(opts.Roots) == 0 {
		return nil, fmt.Errorf("session roots are empty")
	}
	roots := make([]string, 0, len(opts.Roots))
	for _, r := range opts.Roots {
		trimmed := strings.TrimSpace(r)
		if trimmed == "" {
			return nil, fmt.Errorf("session root is empty")
		}
		roots = append(roots, filepath.Clean(trimmed))
	}

	secureRoot := strings.TrimSpace(opts.SecureRoot)
	if secureRoot == "" {
		secureRoot = filepath.Join(roots[0], "secure")
	}

	defaultTail := opts.DefaultTail
	if defaultTail <= 0 {
		defaultTail = 200
	}
	maxTail := opts.MaxTail
	if maxTail <= 0 {
		maxTail = 2000
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Store{
		roots:       roots,
		secureRoot:  filepath.Clean(secureRoot),
		defaultTail: defaultTail,
		maxTail:     maxTail,
		now:         now,
	}, nil
}

// NewSessionID generates a fresh session identifier.
func NewSessionID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return "session-" + hex.EncodeToString(buf)
}

// Prepare ensures the session directory exists under the appropriate root and
// returns its path. Repeat calls with the same id are a no-op.
func (s *Store) Prepare(sessionID string, secure bool) (string, error) {
	dir, err := s.sessionPath(sessionID, secure)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create session directory for %q: %w", sessionID, err)
	}
	return dir, nil
}

// Write appends a timestamped block to the run log and rewrites the summary
// with the latest known fields. Stderr and exit code appear in the summary
// only when provided, so "no error captured" stays distinct from an explicit
// zero or blank.
func (s *Store) Write(sessionDir, prompt, output string, stderr *string, exitCode *int) error {
	now := s.now().UTC()
	stamp := now.Format(time.RFC3339)

	var block strings.Builder
	fmt.Fprintf(&block, "[%s] prompt: %s\n", stamp, prompt)
	fmt.Fprintf(&block, "[%s] output: %s\n", stamp, output)
	if stderr != nil {
		fmt.Fprintf(&block, "[%s] stderr: %s\n", stamp, *stderr)
	}
	if exitCode != nil {
		fmt.Fprintf(&block, "[%s] exit_code: %d\n", stamp, *exitCode)
	}

	logPath := filepath.Join(sessionDir, logFile)
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open run log: %w", err)
	}
	if _, err := f.WriteString(block.String()); err != nil {
		_ = f.Close()
		return fmt.Errorf("append run log: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close run log: %w", err)
	}

	summary := Summary{
		Prompt:    prompt,
		Output:    output,
		Stderr:    stderr,
		ExitCode:  exitCode,
		CreatedAt: stamp,
	}
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	summaryPath := filepath.Join(sessionDir, summaryFile)
	if err := os.WriteFile(summaryPath, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	return nil
}

// List scans every configured root for immediate subdirectories and returns
// the merged, deduplicated, sorted session ids. Missing roots are skipped.
func (s *Store) List() ([]string, error) {
	seen := make(map[string]struct{})
	candidates := append(append([]string(nil), s.roots...), s.secureRoot)

	for _, root := range candidates {
		entries, err := os.ReadDir(root)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read session root %q: %w", root, err)
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			// The secure root may nest under a session root; it is not
			// itself a session.
			if filepath.Join(root, entry.Name()) == s.secureRoot {
				continue
			}
			seen[entry.Name()] = struct{}{}
		}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Detail resolves sessionID against the candidate roots and loads its summary
// plus a log tail. requestedTail <= 0 selects the configured default; the
// effective value is clamped to the configured maximum and reported back in
// the result even when fewer lines exist.
func (s *Store) Detail(sessionID string, secure bool, requestedTail int) (Detail, error) {
	if err := ValidateID(sessionID); err != nil {
		return Detail{}, err
	}

	dir, err := s.resolve(sessionID, secure)
	if err != nil {
		return Detail{}, err
	}

	tailLines := requestedTail
	if tailLines <= 0 {
		tailLines = s.defaultTail
	}
	if tailLines > s.maxTail {
		tailLines = s.maxTail
	}

	summary := map[string]any{"session_id": sessionID}
	data, err := os.ReadFile(filepath.Join(dir, summaryFile))
	if err == nil {
		summary = make(map[string]any)
		if uerr := json.Unmarshal(data, &summary); uerr != nil {
			return Detail{}, fmt.Errorf("parse summary for %q: %w", sessionID, uerr)
		}
	} else if !os.IsNotExist(err) {
		return Detail{}, fmt.Errorf("read summary for %q: %w", sessionID, err)
	}

	tail, digest, err := s.tail(dir, tailLines)
	if err != nil {
		return Detail{}, err
	}

	return Detail{
		SessionID: sessionID,
		Summary:   summary,
		Tail:      tail,
		TailLines: tailLines,
		LogDigest: digest,
	}, nil
}

// tail reads the run log in full and returns the last n lines joined by
// newlines, plus a blake3 digest of the log contents. A missing log yields an
// empty tail and digest.
func (s *Store) tail(dir string, n int) (string, string, error) {
	data, err := os.ReadFile(filepath.Join(dir, logFile))
	if os.IsNotExist(err) {
		return "", "", nil
	}
	if err != nil {
		return "", "", fmt.Errorf("read run log: %w", err)
	}

	sum := blake3.Sum256(data)
	digest := hex.EncodeToString(sum[:])

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return "", digest, nil
	}
	if n < len(lines) {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n"), digest, nil
}

// resolve returns the directory holding sessionID, searching the secure root
// first when the secure flag is set, then the configured roots in order.
func (s *Store) resolve(sessionID string, secure bool) (string, error) {
	var candidates []string
	if secure {
		candidates = append(candidates, s.secureRoot)
	}
	candidates = append(candidates, s.roots...)

	for _, root := range candidates {
		dir := filepath.Join(root, sessionID)
		// The secure root itself is never a session directory.
		if dir == s.secureRoot {
			continue
		}
		info, err := os.Stat(dir)
		if err == nil && info.IsDir() {
			return dir, nil
		}
	}
	return "", ErrSessionNotFound
}

func (s *Store) sessionPath(sessionID string, secure bool) (string, error) {
	if err := ValidateID(sessionID); err != nil {
		return "", err
	}
	root := s.roots[0]
	if secure {
		root = s.secureRoot
	}
	dir := filepath.Join(root, sessionID)
	if dir == s.secureRoot {
		return "", fmt.Errorf("session id %q: %w", sessionID, ErrReservedID)
	}
	return dir, nil
}

// ValidateID rejects session ids that could escape the session roots.
func ValidateID(sessionID string) error {
	trimmed := strings.TrimSpace(sessionID)
	if trimmed == "" {
		return fmt.Errorf("session id is empty")
	}
	if trimmed == "." || trimmed == ".." {
		return fmt.Errorf("session id %q is invalid", sessionID)
	}
	if strings.Contains(trimmed, "/") || strings.Contains(trimmed, `\`) {
		return fmt.Errorf("session id %q must not contain path separators", sessionID)
	}
	if filepath.Clean(trimmed) != trimmed {
		return fmt.Errorf("session id %q is invalid", sessionID)
	}
	return nil
}
