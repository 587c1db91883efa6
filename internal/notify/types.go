package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"agentq/internal/db"
)

const (
	EventComplete = db.EventTypeComplete
	EventError    = db.EventTypeError
)

var AllEvents = []string{EventComplete, EventError}

// Event is a job outcome published to whoever tracks the prompt.
type Event struct {
	Type    string
	Summary string // set for EventComplete
	Message string // set for EventError
}

// Publisher receives job outcomes from the worker.
type Publisher interface {
	Publish(ctx context.Context, sessionID, promptID, jobID string, ev Event) error
}

// Payload is what senders deliver for one event.
type Payload struct {
	Event     string `json:"event"`
	JobID     string `json:"job_id"`
	SessionID string `json:"session_id"`
	PromptID  string `json:"prompt_id"`
	Summary   string `json:"summary,omitempty"`
	Message   string `json:"message,omitempty"`
	Timestamp string `json:"timestamp"`
}

type Sender interface {
	Name() string
	Send(ctx context.Context, payload Payload) error
}

type ChannelResult struct {
	Channel string `json:"channel"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func IsValidEvent(event string) bool {
	switch event {
	case EventComplete, EventError:
		return true
	default:
		return false
	}
}

// EventSet normalizes a configured event list. Nil enables every event.
func EventSet(events []string) map[string]struct{} {
	if events == nil {
		events = AllEvents
	}
	out := make(map[string]struct{}, len(events))
	for _, event := range events {
		normalized := strings.ToLower(strings.TrimSpace(event))
		if IsValidEvent(normalized) {
			out[normalized] = struct{}{}
		}
	}
	return out
}

func EventLabel(event string) string {
	if event == EventComplete {
		return "Prompt Completed"
	}
	return "Prompt Failed"
}

// TestPayload is sent by `aq notify test`.
func TestPayload() Payload {
	return Payload{
		Event:     EventComplete,
		JobID:     "aq-job-test",
		SessionID: "aq-sess-test",
		PromptID:  "prompt-test",
		Summary:   "Test notification from agentq",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

func SlackText(payload Payload) string {
	text := fmt.Sprintf("agentq: %s\nSession: %s\nJob: %s", EventLabel(payload.Event), payload.SessionID, db.ShortID(payload.JobID))
	switch {
	case payload.Message != "":
		text += "\nError: " + payload.Message
	case payload.Summary != "":
		text += "\n" + truncate(payload.Summary, 1000)
	}
	return text
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
