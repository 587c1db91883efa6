package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"agentq/internal/db"

	"github.com/spf13/cobra"
)

var sessionDir string

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage sessions",
}

var sessionCreateCmd = &cobra.Command{
	Use:   "create [name]",
	Short: "Create a session bound to a working directory",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runSessionCreate,
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions",
	Args:  cobra.NoArgs,
	RunE:  runSessionList,
}

func init() {
	sessionCreateCmd.Flags().StringVar(&sessionDir, "dir", "", "working directory (default: current directory)")
	sessionCmd.AddCommand(sessionCreateCmd, sessionListCmd)
	rootCmd.AddCommand(sessionCmd)
}

func runSessionCreate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	name := ""
	if len(args) == 1 {
		name = args[0]
	}
	sess, err := createSession(cmd.Context(), store, name, sessionDir)
	if err != nil {
		return err
	}

	if jsonOut {
		printJSON(sess)
		return nil
	}
	fmt.Printf("Session %s created (%s)\n", sess.ID, sess.WorkingDirectory)
	return nil
}

func createSession(ctx context.Context, store *db.Store, name, dir string) (db.Session, error) {
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return db.Session{}, fmt.Errorf("resolve working directory: %w", err)
		}
		dir = wd
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return db.Session{}, fmt.Errorf("resolve %s: %w", dir, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return db.Session{}, fmt.Errorf("working directory: %w", err)
	}
	if !info.IsDir() {
		return db.Session{}, fmt.Errorf("working directory %s is not a directory", abs)
	}

	id, err := store.CreateSession(ctx, name, abs)
	if err != nil {
		return db.Session{}, err
	}
	return store.GetSession(ctx, id)
}

func runSessionList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	sessions, err := store.ListSessions(cmd.Context())
	if err != nil {
		return err
	}
	if jsonOut {
		printJSON(sessions)
		return nil
	}
	printSessions(sessions)
	return nil
}

func printSessions(sessions []db.Session) {
	if len(sessions) == 0 {
		fmt.Println("No sessions. Create one with 'aq session create'.")
		return
	}
	fmt.Printf("%-40s %-16s %-8s %-10s %s\n", "SESSION", "NAME", "WORKING", "LAST", "DIRECTORY")
	for _, s := range sessions {
		working := "no"
		if s.IsWorking {
			working = "yes"
		}
		last := s.LastJobStatus
		if last == "" {
			last = "-"
		}
		fmt.Printf("%-40s %-16s %-8s %-10s %s\n", s.ID, truncate(s.Name, 16), working, last, s.WorkingDirectory)
	}
}
