package runner

import (
	"fmt"
	"time"
)

// TimeoutError reports that an attempt exceeded its wall-clock deadline. The
// external process has been terminated; no exit code is available.
type TimeoutError struct {
	Timeout time.Duration
	Stderr  string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("execution timed out after %v", e.Timeout)
}

// ExecError reports that the spawned process exited with a non-zero status.
type ExecError struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("execution failed with exit code %d", e.ExitCode)
}
