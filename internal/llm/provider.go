package llm

import "context"

// Executor runs one prompt through an AI coding agent. Cancelling ctx aborts
// the run; implementations must return promptly once ctx is done.
type Executor interface {
	// Name returns the executor name (e.g. "claude", "codex").
	Name() string

	// Execute runs req to completion. A returned error means the agent could
	// not be run or was aborted; a failed run that produced an outcome is
	// reported with Outcome.Success=false.
	Execute(ctx context.Context, req Request) (Outcome, error)
}

// Request is the input for one execution.
type Request struct {
	JobID            string
	Prompt           string
	WorkingDirectory string
	AllowedTools     []string
}

// Outcome captures the result of one execution.
type Outcome struct {
	Success        bool
	Summary        string
	ErrorMessage   string
	DurationMS     int64
	InputTokens    int
	OutputTokens   int
	TranscriptPath string
}
