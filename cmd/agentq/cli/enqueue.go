package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"agentq/internal/config"
	"agentq/internal/db"
	"agentq/internal/llm"
	"agentq/internal/safepath"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

type enqueueOptions struct {
	SessionID     string
	PromptID      string
	Prompt        string
	Dir           string
	AllowedTools  []string
	CorrelationID string
	MaxAttempts   int
}

var enqueueOpts enqueueOptions

var enqueueCmd = &cobra.Command{
	Use:   "enqueue --session <id> [prompt...]",
	Short: "Queue a prompt for a session",
	Long:  "Queue a prompt for a session. Without prompt arguments the prompt is read from stdin.",
	RunE:  runEnqueue,
}

func init() {
	f := enqueueCmd.Flags()
	f.StringVarP(&enqueueOpts.SessionID, "session", "s", "", "session id (required)")
	f.StringVar(&enqueueOpts.PromptID, "prompt-id", "", "caller's prompt id (default: job id)")
	f.StringVar(&enqueueOpts.Dir, "dir", "", "working directory inside the session directory (default: session directory)")
	f.StringSliceVar(&enqueueOpts.AllowedTools, "allowed-tools", nil, "tools the agent may use")
	f.StringVar(&enqueueOpts.CorrelationID, "correlation-id", "", "opaque id echoed back in the job payload")
	f.IntVar(&enqueueOpts.MaxAttempts, "max-attempts", 0, "attempts before the job fails (default: worker.max_attempts)")
	_ = enqueueCmd.MarkFlagRequired("session")
	rootCmd.AddCommand(enqueueCmd)
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	opts := enqueueOpts
	opts.Prompt = strings.Join(args, " ")
	if opts.Prompt == "" && !term.IsTerminal(int(os.Stdin.Fd())) {
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("read prompt from stdin: %w", err)
		}
		opts.Prompt = string(b)
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	job, err := enqueuePrompt(cmd.Context(), store, cfg, opts)
	if err != nil {
		return err
	}

	if jsonOut {
		printJSON(job)
		return nil
	}
	fmt.Printf("Job %s queued for session %s (attempts %d)\n", db.ShortID(job.ID), job.SessionID, job.MaxAttempts)
	return nil
}

func enqueuePrompt(ctx context.Context, store *db.Store, cfg *config.Config, opts enqueueOptions) (db.Job, error) {
	prompt := strings.TrimSpace(opts.Prompt)
	if prompt == "" {
		return db.Job{}, fmt.Errorf("prompt is empty")
	}
	if len(opts.AllowedTools) > 0 && !llm.SupportsAllowedTools(cfg.Executor.Provider) {
		return db.Job{}, fmt.Errorf("--allowed-tools: %w (executor %s)", llm.ErrAllowedToolsUnsupported, cfg.Executor.Provider)
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = cfg.Worker.MaxAttempts
	}

	// A directory override must stay inside the session's tree.
	dir := opts.Dir
	if dir != "" {
		sess, err := store.GetSession(ctx, opts.SessionID)
		if err != nil {
			return db.Job{}, err
		}
		dir, err = safepath.WithinRoot(sess.WorkingDirectory, dir)
		if err != nil {
			return db.Job{}, fmt.Errorf("working directory: %w", err)
		}
	}

	id, err := store.EnqueueJob(ctx, opts.SessionID, opts.PromptID, db.Payload{
		Prompt:           prompt,
		WorkingDirectory: dir,
		AllowedTools:     opts.AllowedTools,
		CorrelationID:    opts.CorrelationID,
	}, maxAttempts)
	if err != nil {
		return db.Job{}, err
	}
	return store.GetJob(ctx, id)
}
