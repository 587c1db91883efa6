package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"agentq/internal/config"
	"agentq/internal/db"
	"agentq/internal/notify"
	"agentq/internal/worker"

	"github.com/spf13/cobra"
)

// localConfigFile is picked up from the working directory when --config is
// not given.
const localConfigFile = "agentq.toml"

// Set by -ldflags at release time.
var (
	version = config.Version
	commit  = "unknown"
	date    = "unknown"
)

var (
	cfgPath string
	verbose bool
	jsonOut bool
)

var rootCmd = &cobra.Command{
	Use:   "aq",
	Short: "agentq: a durable job queue for AI coding agents",
	Long: `agentq queues prompts per session and runs them through the claude or
codex CLI with bounded concurrency. Transient failures are retried and every
outcome is recorded and announced to the configured channels.`,
	Version:           fmt.Sprintf("%s (%s, %s)", version, commit, date),
	PersistentPreRunE: setupCLILogging,
	SilenceUsage:      true,
	SilenceErrors:     true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&cfgPath, "config", "c", "", "config file path")
	flags.BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	flags.BoolVar(&jsonOut, "json", false, "output JSON")
}

// setupCLILogging sends short-lived command logs to stderr. serve replaces
// this with the daemon logger.
func setupCLILogging(cmd *cobra.Command, args []string) error {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	return nil
}

func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "aq:", err)
	}
	return err
}

// loadConfig uses --config, then ./agentq.toml, then the global config or
// built-in defaults.
func loadConfig() (*config.Config, error) {
	if cfgPath != "" {
		return config.Load(cfgPath)
	}
	_, err := os.Stat(localConfigFile)
	switch {
	case err == nil:
		return config.Load(localConfigFile)
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("stat %s: %w", localConfigFile, err)
	}
	return config.LoadDefault()
}

func openStore(cfg *config.Config) (*db.Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	// A fresh database must not inherit WAL files from a deleted one.
	if _, err := os.Stat(cfg.DBPath); errors.Is(err, os.ErrNotExist) {
		for _, suffix := range []string{"-wal", "-shm"} {
			_ = os.Remove(cfg.DBPath + suffix)
		}
	}
	return db.Open(cfg.DBPath)
}

// newCanceller returns a worker that never polls. Its CancelSession writes
// the cancellation and publishes the outcome events; a running daemon
// notices the cancelled jobs on its next cancel check.
func newCanceller(store *db.Store) *worker.Worker {
	return worker.New(store, nil, notify.NewOutbox(store), worker.Config{})
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		slog.Warn("encode json output", "err", err)
	}
}
