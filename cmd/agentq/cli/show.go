package cli

import (
	"fmt"
	"os"
	"strings"
	"time"

	"agentq/internal/cost"
	"agentq/internal/db"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	showRaw    bool
	showEvents bool
)

var showCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show a job and its summary",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

func init() {
	showCmd.Flags().BoolVar(&showRaw, "raw", false, "print the summary without markdown rendering")
	showCmd.Flags().BoolVar(&showEvents, "events", false, "include outcome events and their delivery state")
	rootCmd.AddCommand(showCmd)
}

type showOutput struct {
	Job           db.Job        `json:"job"`
	EstimatedCost float64       `json:"estimated_cost"`
	Events        []db.JobEvent `json:"events,omitempty"`
}

func runShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := cmd.Context()
	jobID, err := store.ResolveJobID(ctx, args[0])
	if err != nil {
		return err
	}
	job, err := store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	var events []db.JobEvent
	if showEvents || jsonOut {
		events, err = store.ListEvents(ctx, jobID, "", 0)
		if err != nil {
			return err
		}
	}

	if jsonOut {
		printJSON(showOutput{Job: job, EstimatedCost: cost.ForJob(job), Events: events})
		return nil
	}

	render := !showRaw && term.IsTerminal(int(os.Stdout.Fd()))
	width := 80
	if render {
		if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 20 {
			width = w
		}
	}
	fmt.Print(renderJobDetail(job, render, width))
	if showEvents {
		fmt.Print(renderEvents(events))
	}
	return nil
}

func renderJobDetail(job db.Job, markdown bool, width int) string {
	var b strings.Builder
	kv := func(k, v string) {
		if v == "" {
			return
		}
		fmt.Fprintf(&b, "%-11s %s\n", k+":", v)
	}

	kv("Job", job.ID)
	kv("Status", job.Status)
	kv("Session", job.SessionID)
	kv("Prompt ID", job.PromptID)
	kv("Attempts", fmt.Sprintf("%d/%d", job.Attempts, job.MaxAttempts))
	kv("Directory", job.Payload.WorkingDirectory)
	if len(job.Payload.AllowedTools) > 0 {
		kv("Tools", strings.Join(job.Payload.AllowedTools, ", "))
	}
	kv("Correlation", job.Payload.CorrelationID)
	kv("Created", job.CreatedAt)
	kv("Started", job.StartedAt)
	kv("Finished", job.CompletedAt)
	if job.Status == db.StatusPending {
		kv("Next retry", job.NextRetryAt)
	}
	if job.DurationMS > 0 {
		kv("Duration", (time.Duration(job.DurationMS) * time.Millisecond).String())
	}
	if job.InputTokens > 0 || job.OutputTokens > 0 {
		kv("Tokens", fmt.Sprintf("%d in / %d out (%s, ~%s)", job.InputTokens, job.OutputTokens,
			job.Executor, cost.FormatUSD(cost.ForJob(job))))
	}
	kv("Error", job.Error)

	b.WriteString("\n=== Prompt ===\n")
	b.WriteString(strings.TrimSpace(job.Payload.Prompt))
	b.WriteString("\n")

	if job.Summary != "" {
		b.WriteString("\n=== Summary ===\n")
		b.WriteString(renderSummaryText(job.Summary, markdown, width))
		b.WriteString("\n")
	}
	return b.String()
}

// renderSummaryText renders markdown via glamour when writing to a
// terminal. Falls back to the raw text on error.
func renderSummaryText(summary string, markdown bool, width int) string {
	summary = strings.TrimSpace(summary)
	if !markdown {
		return summary
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle("dark"),
		glamour.WithWordWrap(width-4),
	)
	if err != nil {
		return summary
	}
	out, err := r.Render(summary)
	if err != nil {
		return summary
	}
	return strings.TrimRight(out, "\n")
}

func renderEvents(events []db.JobEvent) string {
	var b strings.Builder
	b.WriteString("\n=== Events ===\n")
	if len(events) == 0 {
		b.WriteString("(none)\n")
		return b.String()
	}
	for _, ev := range events {
		fmt.Fprintf(&b, "#%d %-8s %-10s attempts=%d  %s\n", ev.ID, ev.EventType, ev.Status, ev.Attempts, ev.CreatedAt)
		if ev.LastError != "" {
			fmt.Fprintf(&b, "    last error: %s\n", ev.LastError)
		}
	}
	return b.String()
}
