package cli

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"agentq/internal/db"

	"github.com/spf13/cobra"
)

var cancelByJob bool

var cancelCmd = &cobra.Command{
	Use:   "cancel <session-id> | --job <job-id>",
	Short: "Cancel every pending or running job of a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

func init() {
	cancelCmd.Flags().BoolVar(&cancelByJob, "job", false, "treat the argument as a job id and cancel its session")
	rootCmd.AddCommand(cancelCmd)
}

type cancelOutput struct {
	SessionID string            `json:"session_id"`
	Cancelled []db.CancelledJob `json:"cancelled"`
	Count     int               `json:"count"`
}

func runCancel(cmd *cobra.Command, args []string) error {
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
	sessionID := args[0]
	if cancelByJob {
		sessionID, err = sessionForJob(ctx, store, args[0])
		if err != nil {
			return err
		}
	}

	cancelled, err := cancelSession(ctx, store, sessionID)
	if err != nil {
		return err
	}

	if jsonOut {
		if cancelled == nil {
			cancelled = []db.CancelledJob{}
		}
		printJSON(cancelOutput{SessionID: sessionID, Cancelled: cancelled, Count: len(cancelled)})
		return nil
	}
	fmt.Println(renderCancelResult(sessionID, cancelled))
	return nil
}

func sessionForJob(ctx context.Context, store *db.Store, arg string) (string, error) {
	jobID, err := store.ResolveJobID(ctx, arg)
	if err != nil {
		return "", err
	}
	job, err := store.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	return job.SessionID, nil
}

// cancelSession cancels the session's active jobs and queues one completion
// event per job. Unknown sessions are an error; idle ones are a no-op.
func cancelSession(ctx context.Context, store *db.Store, sessionID string) ([]db.CancelledJob, error) {
	return newCanceller(store).CancelSession(ctx, sessionID)
}

func renderCancelResult(sessionID string, cancelled []db.CancelledJob) string {
	if len(cancelled) == 0 {
		return fmt.Sprintf("No active jobs in session %s.", sessionID)
	}
	short := make([]string, 0, len(cancelled))
	for _, job := range cancelled {
		short = append(short, db.ShortID(job.ID))
	}
	sort.Strings(short)
	return fmt.Sprintf("Cancelled %d jobs in session %s: %s", len(cancelled), sessionID, strings.Join(short, ", "))
}
