package session

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	root := t.TempDir()
	store, err := NewStore(Options{
		Roots:       []string{root},
		DefaultTail: 5,
		MaxTail:     10,
		Now:         func() time.Time { return time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC) },
	})
	require.NoError(t, err)
	return store, root
}

func TestNewSessionIDFormat(t *testing.T) {
	id := NewSessionID()
	assert.True(t, strings.HasPrefix(id, "session-"))
	assert.Len(t, id, len("session-")+16)
	assert.NoError(t, ValidateID(id))
}

func TestPrepareIsIdempotent(t *testing.T) {
	store, root := newTestStore(t)

	dir1, err := store.Prepare("session-abc123", false)
	require.NoError(t, err)
	dir2, err := store.Prepare("session-abc123", false)
	require.NoError(t, err)

	assert.Equal(t, dir1, dir2)
	assert.Equal(t, filepath.Join(root, "session-abc123"), dir1)

	info, err := os.Stat(dir1)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestPrepareSecureUsesSecureRoot(t *testing.T) {
	store, root := newTestStore(t)

	dir, err := store.Prepare("session-abc123", true)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "secure", "session-abc123"), dir)
}

func TestWriteRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)

	dir, err := store.Prepare("session-abc123", false)
	require.NoError(t, err)

	stderr := "warning: deprecated flag"
	code := 0
	require.NoError(t, store.Write(dir, "what is 2+2", "4", &stderr, &code))

	detail, err := store.Detail("session-abc123", false, 0)
	require.NoError(t, err)

	assert.Equal(t, "session-abc123", detail.SessionID)
	assert.Equal(t, "what is 2+2", detail.Summary["prompt"])
	assert.Equal(t, "4", detail.Summary["output"])
	assert.Equal(t, "warning: deprecated flag", detail.Summary["stderr"])
	assert.Equal(t, float64(0), detail.Summary["exit_code"])
	assert.NotEmpty(t, detail.LogDigest)

	assert.Contains(t, detail.Tail, "prompt: what is 2+2")
	assert.Contains(t, detail.Tail, "output: 4")
	assert.Contains(t, detail.Tail, "stderr: warning: deprecated flag")
	assert.Contains(t, detail.Tail, "exit_code: 0")
	assert.Contains(t, detail.Tail, "[2026-03-14T09:26:53Z]")
}

func TestWriteOmitsAbsentStderrAndExitCode(t *testing.T) {
	store, _ := newTestStore(t)

	dir, err := store.Prepare("session-abc123", false)
	require.NoError(t, err)
	require.NoError(t, store.Write(dir, "p", "o", nil, nil))

	detail, err := store.Detail("session-abc123", false, 0)
	require.NoError(t, err)

	_, hasStderr := detail.Summary["stderr"]
	_, hasExit := detail.Summary["exit_code"]
	assert.False(t, hasStderr, "absent stderr must not appear in summary")
	assert.False(t, hasExit, "absent exit code must not appear in summary")
	assert.NotContains(t, detail.Tail, "stderr:")
	assert.NotContains(t, detail.Tail, "exit_code:")
}

func TestWriteAppendsAcrossRuns(t *testing.T) {
	store, _ := newTestStore(t)

	dir, err := store.Prepare("session-abc123", false)
	require.NoError(t, err)
	require.NoError(t, store.Write(dir, "first", "one", nil, nil))
	require.NoError(t, store.Write(dir, "second", "two", nil, nil))

	detail, err := store.Detail("session-abc123", false, 10)
	require.NoError(t, err)
	assert.Contains(t, detail.Tail, "prompt: first")
	assert.Contains(t, detail.Tail, "prompt: second")

	// Summary reflects the latest run only.
	assert.Equal(t, "second", detail.Summary["prompt"])
	assert.Equal(t, "two", detail.Summary["output"])
}

func TestDetailTailClamping(t *testing.T) {
	store, _ := newTestStore(t)

	dir, err := store.Prepare("session-abc123", false)
	require.NoError(t, err)

	var log strings.Builder
	for i := 1; i <= 20; i++ {
		fmt.Fprintf(&log, "line %d\n", i)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "run.log"), []byte(log.String()), 0o644))

	tests := []struct {
		name          string
		requested     int
		wantReported  int
		wantFirstLine string
	}{
		{"zero selects default", 0, 5, "line 16"},
		{"negative selects default", -3, 5, "line 16"},
		{"explicit within bounds", 3, 3, "line 18"},
		{"above max clamps to max", 50, 10, "line 11"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			detail, err := store.Detail("session-abc123", false, tt.requested)
			require.NoError(t, err)
			assert.Equal(t, tt.wantReported, detail.TailLines)

			lines := strings.Split(detail.Tail, "\n")
			assert.Equal(t, tt.wantFirstLine, lines[0])
			assert.Equal(t, "line 20", lines[len(lines)-1])
		})
	}
}

func TestDetailReportsRequestedTailWhenLogShorter(t *testing.T) {
	store, _ := newTestStore(t)

	dir, err := store.Prepare("session-abc123", false)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "run.log"), []byte("only line\n"), 0o644))

	detail, err := store.Detail("session-abc123", false, 8)
	require.NoError(t, err)
	assert.Equal(t, 8, detail.TailLines, "reported tail is the clamp result, not the line count")
	assert.Equal(t, "only line", detail.Tail)
}

func TestDetailMissingFilesYieldMinimalRecord(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Prepare("session-abc123", false)
	require.NoError(t, err)

	detail, err := store.Detail("session-abc123", false, 0)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"session_id": "session-abc123"}, detail.Summary)
	assert.Empty(t, detail.Tail)
	assert.Empty(t, detail.LogDigest)
}

func TestDetailUnknownSession(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Detail("session-missing", false, 0)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestListMergesAndDeduplicates(t *testing.T) {
	rootA := t.TempDir()
	rootB := t.TempDir()
	store, err := NewStore(Options{Roots: []string{rootA, rootB}})
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(filepath.Join(rootA, "session-b"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(rootA, "session-a"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(rootB, "session-a"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(rootB, "session-c"), 0o755))
	// Plain files in a root are not sessions.
	require.NoError(t, os.WriteFile(filepath.Join(rootB, "stray.txt"), []byte("x"), 0o644))

	ids, err := store.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"session-a", "session-b", "session-c"}, ids)
}

func TestListSkipsMissingRoots(t *testing.T) {
	rootA := t.TempDir()
	store, err := NewStore(Options{Roots: []string{rootA, filepath.Join(rootA, "never-created")}})
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(filepath.Join(rootA, "session-a"), 0o755))

	ids, err := store.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"session-a"}, ids)
}

func TestListIncludesSecureSessions(t *testing.T) {
	store, root := newTestStore(t)

	require.NoError(t, os.MkdirAll(filepath.Join(root, "secure", "session-s"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "session-p"), 0o755))

	ids, err := store.List()
	require.NoError(t, err)
	assert.Contains(t, ids, "session-s")
	assert.Contains(t, ids, "session-p")
	assert.NotContains(t, ids, "secure", "the secure root itself is not a session")
}

func TestValidateIDRejectsTraversal(t *testing.T) {
	bad := []string{"", "..", ".", "a/b", `a\b`, "../escape", "x/.."}
	for _, id := range bad {
		assert.Error(t, ValidateID(id), "id %q should be rejected", id)
	}
	assert.NoError(t, ValidateID("session-deadbeef00112233"))
}

func TestReservedIDCannotShadowSecureRoot(t *testing.T) {
	store, _ := newTestStore(t)

	// A non-secure id resolving onto the default secure root is rejected on
	// write and never resolved on read.
	_, err := store.Prepare("secure", false)
	assert.ErrorIs(t, err, ErrReservedID)

	dir, err := store.Prepare("session-xyz", true)
	require.NoError(t, err)
	require.NoError(t, store.Write(dir, "p", "o", nil, nil))

	_, err = store.Detail("secure", false, 0)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = store.Detail("secure", true, 0)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	// A secure session literally named "secure" nests safely under the
	// secure root.
	dir, err = store.Prepare("secure", true)
	require.NoError(t, err)
	require.NoError(t, store.Write(dir, "nested", "ok", nil, nil))
	detail, err := store.Detail("secure", true, 0)
	require.NoError(t, err)
	assert.Equal(t, "nested", detail.Summary["prompt"])
}

func TestSecureSessionNotVisibleWithoutFlag(t *testing.T) {
	store, _ := newTestStore(t)

	dir, err := store.Prepare("session-abc123", true)
	require.NoError(t, err)
	require.NoError(t, store.Write(dir, "secret", "answer", nil, nil))

	_, err = store.Detail("session-abc123", false, 0)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	detail, err := store.Detail("session-abc123", true, 0)
	require.NoError(t, err)
	assert.Equal(t, "secret", detail.Summary["prompt"])
}
