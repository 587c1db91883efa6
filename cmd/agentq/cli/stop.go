package cli

import (
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"agentq/internal/daemon"

	"github.com/spf13/cobra"
)

var stopWait time.Duration

var errDaemonNotRunning = errors.New("daemon is not running")

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the agentq daemon",
	Long: `Sends SIGTERM to the daemon. Running jobs are released back to pending
and picked up again on the next start.`,
	Args: cobra.NoArgs,
	RunE: runStop,
}

func init() {
	stopCmd.Flags().DurationVar(&stopWait, "wait", 0, "wait up to this long for the daemon to exit")
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	pid, err := stopDaemon(cfg.PIDFile, stopWait)
	if err != nil {
		return err
	}
	if stopWait > 0 {
		fmt.Printf("Daemon stopped (pid %d).\n", pid)
	} else {
		fmt.Printf("Sent SIGTERM to daemon (pid %d).\n", pid)
	}
	return nil
}

// stopDaemon signals the process named in pidFile. A pid file left behind by
// a dead process is removed and reported as not running.
func stopDaemon(pidFile string, wait time.Duration) (int, error) {
	pid, err := daemon.ReadPID(pidFile)
	if err != nil {
		return 0, errDaemonNotRunning
	}
	if !daemon.IsRunning(pidFile) {
		daemon.RemovePID(pidFile)
		return pid, fmt.Errorf("%w (removed stale pid file for %d)", errDaemonNotRunning, pid)
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return pid, fmt.Errorf("find process %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return pid, fmt.Errorf("signal process %d: %w", pid, err)
	}
	if wait <= 0 {
		return pid, nil
	}

	deadline := time.Now().Add(wait)
	for daemon.IsRunning(pidFile) {
		if time.Now().After(deadline) {
			return pid, fmt.Errorf("daemon (pid %d) still running after %s", pid, wait)
		}
		time.Sleep(100 * time.Millisecond)
	}
	return pid, nil
}
