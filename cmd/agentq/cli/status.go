package cli

import (
	"context"
	"fmt"
	"strings"

	"agentq/internal/config"
	"agentq/internal/cost"
	"agentq/internal/daemon"
	"agentq/internal/db"

	"github.com/spf13/cobra"
)

type statusOutput struct {
	Running       bool       `json:"running"`
	PID           int        `json:"pid,omitempty"`
	Executor      string     `json:"executor"`
	MaxConcurrent int        `json:"max_concurrent"`
	Jobs          db.Metrics `json:"jobs"`
	Usage         []db.Usage `json:"usage"`
	EstimatedCost float64    `json:"estimated_cost"`
}

const (
	statusSectionSeparator  = " · "
	statusSectionLabelWidth = 10
)

type statusSectionEntry struct {
	label string
	count int
}

func renderStatusSection(title string, values []statusSectionEntry) (string, bool) {
	parts := make([]string, 0, len(values))
	hasNonZero := false
	for _, value := range values {
		if value.count != 0 {
			hasNonZero = true
		}
		parts = append(parts, fmt.Sprintf("%d %s", value.count, value.label))
	}
	return fmt.Sprintf("%-*s %s", statusSectionLabelWidth, title+":", strings.Join(parts, statusSectionSeparator)), hasNonZero
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status and queue depth",
	RunE:  runStatus,
}

var statusShort bool

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&statusShort, "short", false, "print one-line status summary")
}

func renderShortStatusSummary(running bool, m db.Metrics) string {
	state := "stopped"
	if running {
		state = "running"
	}
	return fmt.Sprintf("%s | %d pending, %d processing", state, m.Pending, m.Processing)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	out, err := collectStatus(cmd.Context(), store, cfg)
	if err != nil {
		return err
	}

	if jsonOut {
		printJSON(out)
		return nil
	}
	if statusShort {
		fmt.Println(renderShortStatusSummary(out.Running, out.Jobs))
		return nil
	}
	fmt.Print(renderStatus(out))
	return nil
}

func collectStatus(ctx context.Context, store *db.Store, cfg *config.Config) (statusOutput, error) {
	out := statusOutput{
		Running:       daemon.IsRunning(cfg.PIDFile),
		Executor:      cfg.Executor.Provider,
		MaxConcurrent: cfg.Worker.MaxConcurrent,
	}
	if out.Running {
		out.PID, _ = daemon.ReadPID(cfg.PIDFile)
	}

	metrics, err := store.Metrics(ctx)
	if err != nil {
		return statusOutput{}, err
	}
	out.Jobs = metrics

	usage, err := store.UsageByExecutor(ctx)
	if err != nil {
		return statusOutput{}, err
	}
	if usage == nil {
		usage = []db.Usage{}
	}
	out.Usage = usage
	out.EstimatedCost = cost.Total(usage)
	return out, nil
}

func renderStatus(out statusOutput) string {
	var b strings.Builder
	if out.Running {
		fmt.Fprintf(&b, "Daemon: running (PID %d)\n", out.PID)
	} else {
		b.WriteString("Daemon: stopped\n")
	}
	fmt.Fprintf(&b, "Executor: %s (%d workers)\n", out.Executor, out.MaxConcurrent)

	m := out.Jobs
	sections := []struct {
		title  string
		values []statusSectionEntry
	}{
		{
			title: "Queue",
			values: []statusSectionEntry{
				{label: "pending", count: m.Pending},
				{label: "processing", count: m.Processing},
			},
		},
		{
			title: "Done",
			values: []statusSectionEntry{
				{label: "completed", count: m.Completed},
			},
		},
		{
			title: "Problems",
			values: []statusSectionEntry{
				{label: "failed", count: m.Failed},
				{label: "cancelled", count: m.Cancelled},
			},
		},
	}

	var lines []string
	for _, section := range sections {
		line, hasNonZero := renderStatusSection(section.title, section.values)
		if hasNonZero {
			lines = append(lines, line)
		}
	}
	if len(lines) > 0 {
		b.WriteString("\n")
		for _, line := range lines {
			b.WriteString(line)
			b.WriteString("\n")
		}
	}

	if len(out.Usage) > 0 {
		b.WriteString("\n")
		for _, u := range out.Usage {
			fmt.Fprintf(&b, "%-*s %d jobs · %d in / %d out tokens · %s\n", statusSectionLabelWidth, u.Executor+":",
				u.Jobs, u.InputTokens, u.OutputTokens, cost.FormatUSD(cost.Estimate(u.Executor, u.InputTokens, u.OutputTokens)))
		}
		fmt.Fprintf(&b, "%-*s %s (estimated)\n", statusSectionLabelWidth, "Cost:", cost.FormatUSD(out.EstimatedCost))
	}
	return b.String()
}
