package cli

import (
	"fmt"
	"strings"

	"agentq/internal/cost"
	"agentq/internal/db"

	"github.com/spf13/cobra"
)

var (
	listSession string
	listStatus  string
	listLimit   int
	listCost    bool
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs with filters",
	RunE:  runList,
}

func init() {
	listCmd.Flags().StringVar(&listSession, "session", "", "filter by session id")
	listCmd.Flags().StringVar(&listStatus, "status", "all", "filter by status: pending, processing, completed, failed, cancelled, all")
	listCmd.Flags().IntVar(&listLimit, "limit", 50, "maximum rows (0 for no limit)")
	listCmd.Flags().BoolVar(&listCost, "cost", false, "show estimated cost column")
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	status, err := normalizeListStatus(listStatus)
	if err != nil {
		return err
	}
	if listLimit < 0 {
		return fmt.Errorf("invalid limit %d; expected >= 0", listLimit)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	jobs, err := store.ListJobs(cmd.Context(), db.JobFilter{SessionID: listSession, Status: status, Limit: listLimit})
	if err != nil {
		return err
	}

	if jsonOut {
		if jobs == nil {
			jobs = []db.Job{}
		}
		printJSON(jobs)
		return nil
	}
	if len(jobs) == 0 {
		fmt.Println("No jobs found. Queue one with 'aq enqueue'.")
		return nil
	}
	fmt.Print(renderJobTable(jobs, listCost))
	return nil
}

func normalizeListStatus(raw string) (string, error) {
	status := strings.ToLower(strings.TrimSpace(raw))
	switch status {
	case "", "all":
		return "all", nil
	case db.StatusPending, db.StatusProcessing, db.StatusCompleted, db.StatusFailed, db.StatusCancelled:
		return status, nil
	case "active", "running":
		return db.StatusProcessing, nil
	default:
		return "", fmt.Errorf("invalid status %q; expected pending, processing, completed, failed, cancelled or all", raw)
	}
}

func renderJobTable(jobs []db.Job, withCost bool) string {
	var b strings.Builder
	if withCost {
		fmt.Fprintf(&b, "%-10s %-11s %-40s %-5s %-7s %-40s %s\n", "JOB", "STATUS", "SESSION", "TRY", "COST", "PROMPT", "UPDATED")
	} else {
		fmt.Fprintf(&b, "%-10s %-11s %-40s %-5s %-48s %s\n", "JOB", "STATUS", "SESSION", "TRY", "PROMPT", "UPDATED")
	}
	b.WriteString(strings.Repeat("-", 136))
	b.WriteString("\n")

	counts := map[string]int{}
	for _, j := range jobs {
		counts[j.Status]++
		try := fmt.Sprintf("%d/%d", j.Attempts, j.MaxAttempts)
		prompt := oneLine(j.Payload.Prompt)
		if withCost {
			costStr := "-"
			if j.InputTokens > 0 || j.OutputTokens > 0 {
				costStr = cost.FormatUSD(cost.ForJob(j))
			}
			fmt.Fprintf(&b, "%-10s %-11s %-40s %-5s %-7s %-40s %s\n",
				db.ShortID(j.ID), j.Status, j.SessionID, try, costStr, truncate(prompt, 40), j.UpdatedAt)
			continue
		}
		fmt.Fprintf(&b, "%-10s %-11s %-40s %-5s %-48s %s\n",
			db.ShortID(j.ID), j.Status, j.SessionID, try, truncate(prompt, 48), j.UpdatedAt)
	}

	b.WriteString(strings.Repeat("-", 136))
	b.WriteString("\n")
	fmt.Fprintf(&b, "%d jobs: %d pending, %d processing, %d completed, %d failed, %d cancelled\n",
		len(jobs), counts[db.StatusPending], counts[db.StatusProcessing], counts[db.StatusCompleted],
		counts[db.StatusFailed], counts[db.StatusCancelled])
	return b.String()
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}
