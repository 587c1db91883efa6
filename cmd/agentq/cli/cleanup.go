package cli

import (
	"context"
	"fmt"
	"time"

	"agentq/internal/config"
	"agentq/internal/db"

	"github.com/spf13/cobra"
)

var cleanupOlderThan time.Duration

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete finished jobs and delivered events past retention",
	RunE:  runCleanup,
}

func init() {
	cleanupCmd.Flags().DurationVar(&cleanupOlderThan, "older-than", 0, "job retention (default: retention.jobs)")
	rootCmd.AddCommand(cleanupCmd)
}

type cleanupOutput struct {
	Jobs   int64 `json:"jobs_deleted"`
	Events int64 `json:"events_deleted"`
}

func runCleanup(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	out, err := cleanupStore(cmd.Context(), store, cfg, cleanupOlderThan)
	if err != nil {
		return err
	}
	if jsonOut {
		printJSON(out)
		return nil
	}
	if out.Jobs == 0 && out.Events == 0 {
		fmt.Println("Nothing to clean up.")
		return nil
	}
	fmt.Printf("Deleted %d jobs and %d events.\n", out.Jobs, out.Events)
	return nil
}

// cleanupStore only removes completed and failed jobs; cancelled jobs stay
// as an audit trail.
func cleanupStore(ctx context.Context, store *db.Store, cfg *config.Config, olderThan time.Duration) (cleanupOutput, error) {
	if olderThan <= 0 {
		olderThan = cfg.Retention.Jobs
	}
	if olderThan <= 0 {
		olderThan = db.DefaultRetention
	}

	jobs, err := store.Cleanup(ctx, olderThan)
	if err != nil {
		return cleanupOutput{}, err
	}
	var events int64
	if cfg.Retention.Events > 0 {
		events, err = store.CleanupEvents(ctx, cfg.Retention.Events)
		if err != nil {
			return cleanupOutput{}, err
		}
	}
	return cleanupOutput{Jobs: jobs, Events: events}, nil
}
