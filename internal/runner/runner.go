// Package runner spawns one external command per invocation and enforces a
// hard wall-clock deadline on it.
package runner

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/promptgate/promptgate/internal/config"
	"github.com/promptgate/promptgate/internal/log"
)

const (
	// maxStreamBytes caps the amount of stdout/stderr captured from one run.
	maxStreamBytes = 1 << 20

	// defaultTerminationGrace is the time we wait after SIGTERM before SIGKILL.
	defaultTerminationGrace = 5 * time.Second
)

// Spec describes one execution.
type Spec struct {
	Prompt           string
	Model            string
	StructuredOutput bool
	Env              map[string]string
	Timeout          time.Duration
}

// Result is the outcome of a successful run. Stdout and Stderr are trimmed.
// Attempts counts the invocations consumed; a bare runner always reports 1,
// the retry layer reports the full sequence.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode *int
	Attempts int
}

// Runner executes one Spec per call.
type Runner interface {
	Run(ctx context.Context, spec Spec) (Result, error)
}

// CommandRunner runs the configured external command as a subprocess.
type CommandRunner struct {
	command string
	args    []string
	grace   time.Duration
	logger  *slog.Logger
}

var _ Runner = (*CommandRunner)(nil)

// New creates a CommandRunner from the exec configuration.
func New(cfg config.ExecConfig) *CommandRunner {
	grace := cfg.TerminationGrace
	if grace <= 0 {
		grace = defaultTerminationGrace
	}
	return &CommandRunner{
		command: cfg.Command,
		args:    append([]string(nil), cfg.Args...),
		grace:   grace,
		logger:  log.WithComponent("runner"),
	}
}

// Run spawns the command, drains stdout/stderr concurrently, and waits for it
// to exit or for the deadline to fire. On deadline expiry the whole process
// group is terminated: SIGTERM first, SIGKILL after the grace period. The
// wait goroutine is joined in every path so no process is left unreaped.
func (r *CommandRunner) Run(ctx context.Context, spec Spec) (Result, error) {
	argv := r.buildArgs(spec)

	cmd := exec.Command(r.command, argv...)
	cmd.Env = overlayEnv(os.Environ(), spec.Env)
	// Own process group so a timeout kill reaches any children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	// No interactive stdin: the prompt travels in argv.
	cmd.Stdin = nil

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return Result{}, fmt.Errorf("create stderr pipe: %w", err)
	}

	r.logger.Debug("spawning command", "command", r.command, "timeout", spec.Timeout)

	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("start process: %w", err)
	}

	// Drain both streams on their own goroutines so a full pipe buffer can
	// never deadlock the wait. Both are joined before the result is assembled.
	var stdout, stderr bytes.Buffer
	drained := make(chan struct{}, 2)
	go drain(&stdout, stdoutPipe, drained)
	go drain(&stderr, stderrPipe, drained)

	waitErr := make(chan error, 1)
	go func() {
		<-drained
		<-drained
		waitErr <- cmd.Wait()
	}()

	timer := time.NewTimer(spec.Timeout)
	defer timer.Stop()

	select {
	case <-timer.C:
		r.logger.Warn("execution timed out, terminating process group", "timeout", spec.Timeout)
		r.terminate(cmd, waitErr)
		return Result{}, &TimeoutError{
			Timeout: spec.Timeout,
			Stderr:  truncate(stderr.String()),
		}

	case <-ctx.Done():
		r.terminate(cmd, waitErr)
		return Result{}, ctx.Err()

	case err := <-waitErr:
		outS := strings.TrimSpace(truncate(stdout.String()))
		errS := strings.TrimSpace(truncate(stderr.String()))

		if err != nil {
			exitErr, ok := err.(*exec.ExitError)
			if !ok {
				return Result{}, fmt.Errorf("wait for process: %w", err)
			}
			code := exitErr.ExitCode()
			r.logger.Warn("command exited with non-zero status", "exit_code", code)
			return Result{}, &ExecError{Stdout: outS, Stderr: errS, ExitCode: code}
		}

		code := 0
		return Result{Stdout: outS, Stderr: errS, ExitCode: &code, Attempts: 1}, nil
	}
}

// buildArgs assembles argv: configured args, model override, structured-output
// flag, then the prompt as the final argument.
func (r *CommandRunner) buildArgs(spec Spec) []string {
	argv := append([]string(nil), r.args...)
	if spec.Model != "" {
		argv = append(argv, "--model", spec.Model)
	}
	if spec.StructuredOutput {
		argv = append(argv, "--output-format", "json")
	}
	return append(argv, spec.Prompt)
}

// terminate kills the process group and waits for the command to be reaped.
func (r *CommandRunner) terminate(cmd *exec.Cmd, waitErr <-chan error) {
	if cmd.Process == nil {
		return
	}
	pgid := -cmd.Process.Pid
	if err := syscall.Kill(pgid, syscall.SIGTERM); err != nil {
		r.logger.Error("failed to send SIGTERM", "error", err)
	}

	grace := time.NewTimer(r.grace)
	defer grace.Stop()

	select {
	case <-waitErr:
		r.logger.Info("process exited after SIGTERM")
	case <-grace.C:
		r.logger.Warn("process did not exit after SIGTERM, sending SIGKILL")
		if err := syscall.Kill(pgid, syscall.SIGKILL); err != nil {
			r.logger.Error("failed to send SIGKILL", "error", err)
		}
		<-waitErr
	}
}

func drain(dst *bytes.Buffer, src io.Reader, done chan<- struct{}) {
	_, _ = io.Copy(dst, src)
	done <- struct{}{}
}

func truncate(s string) string {
	if len(s) > maxStreamBytes {
		return s[:maxStreamBytes]
	}
	return s
}

// overlayEnv appends the request env overlay to the inherited environment.
// Later entries win, so overlay keys shadow inherited ones.
func overlayEnv(base []string, overlay map[string]string) []string {
	if len(overlay) == 0 {
		return base
	}
	env := append([]string(nil), base...)
	for k, v := range overlay {
		env = append(env, k+"="+v)
	}
	return env
}
