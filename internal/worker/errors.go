package worker

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCancelled marks a job that stopped because its session was
	// cancelled. It is not a failure and is never reported as one.
	ErrCancelled = errors.New("job cancelled")
	// ErrShutdown marks a job aborted by Shutdown and released back to the
	// queue.
	ErrShutdown = errors.New("worker shutting down")
)

// ExecutionError is an executor failure recorded against a job. Terminal
// failures will not be retried.
type ExecutionError struct {
	JobID       string
	Message     string
	Attempts    int
	MaxAttempts int
	NextRetryAt time.Time
	Terminal    bool
}

func (e *ExecutionError) Error() string {
	if e.Terminal {
		return fmt.Sprintf("job %s failed after %d/%d attempts: %s", e.JobID, e.Attempts, e.MaxAttempts, e.Message)
	}
	return fmt.Sprintf("job %s attempt %d/%d failed, retry at %s: %s",
		e.JobID, e.Attempts, e.MaxAttempts, e.NextRetryAt.UTC().Format(time.RFC3339), e.Message)
}

// IsTerminal reports whether err is an ExecutionError that exhausted its
// attempts.
func IsTerminal(err error) bool {
	var execErr *ExecutionError
	return errors.As(err, &execErr) && execErr.Terminal
}
