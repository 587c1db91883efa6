package cli

import (
	"strings"
	"testing"

	"agentq/internal/db"
)

func TestRenderJobDetailPlain(t *testing.T) {
	t.Parallel()

	job := db.Job{
		ID:          "aq-job-0123456789ab",
		SessionID:   "aq-sess-1",
		PromptID:    "prompt-1",
		Status:      db.StatusCompleted,
		Attempts:    2,
		MaxAttempts: 3,
		Payload:     db.Payload{Prompt: "Add tests", WorkingDirectory: "/src/app", AllowedTools: []string{"Read", "Bash"}},
		Summary:     "## Done\n\nAdded **three** tests.",
		DurationMS:  1500,
		Executor:    "claude",
		InputTokens: 1000, OutputTokens: 200,
		CreatedAt:   "2026-01-02T03:04:05.000Z",
		CompletedAt: "2026-01-02T03:05:05.000Z",
	}

	out := renderJobDetail(job, false, 80)
	for _, want := range []string{
		"Job:        aq-job-0123456789ab",
		"Attempts:   2/3",
		"Tools:      Read, Bash",
		"Duration:   1.5s",
		"Tokens:     1000 in / 200 out (claude, ~$0.01)",
		"=== Prompt ===\nAdd tests",
		"=== Summary ===\n## Done\n\nAdded **three** tests.",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in detail, got:\n%s", want, out)
		}
	}
	if strings.Contains(out, "Error:") || strings.Contains(out, "Next retry:") {
		t.Fatalf("expected empty fields to be omitted, got:\n%s", out)
	}
}

func TestRenderSummaryTextMarkdown(t *testing.T) {
	t.Parallel()

	out := renderSummaryText("# Heading\n\nbody text", true, 80)
	if out == "" || out == "# Heading\n\nbody text" {
		t.Fatalf("expected glamour-rendered output, got %q", out)
	}
}

func TestRenderEvents(t *testing.T) {
	t.Parallel()

	if got := renderEvents(nil); !strings.Contains(got, "(none)") {
		t.Fatalf("expected empty marker, got %q", got)
	}
	got := renderEvents([]db.JobEvent{{ID: 4, EventType: "error", Status: "failed", Attempts: 2, LastError: "webhook=status 500"}})
	if !strings.Contains(got, "#4 error") || !strings.Contains(got, "last error: webhook=status 500") {
		t.Fatalf("unexpected events output %q", got)
	}
}
