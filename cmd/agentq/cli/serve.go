package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"agentq/internal/config"
	"agentq/internal/daemon"

	"github.com/spf13/cobra"
)

// detachProbe is how long a detached child must survive before serve
// reports it as started.
const detachProbe = 500 * time.Millisecond

var serveDetach bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the job worker daemon",
	Long: `Runs the worker, the notification dispatcher, the retention sweeper and
the health server until SIGINT or SIGTERM. With --detach the daemon is
restarted in its own session and its output goes to the log file.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVarP(&serveDetach, "detach", "d", false, "run the daemon in the background")
	rootCmd.AddCommand(serveCmd)
}

type daemonRunningFunc func(pidFile string) bool
type serveRunnerFunc func(*config.Config) error

func runServe(cmd *cobra.Command, args []string) error {
	return runServeWith(loadConfig, daemon.IsRunning, runForeground, runBackground)
}

// runServeWith refuses to start a second daemon against the same pid file,
// then hands cfg to the foreground or background runner.
func runServeWith(load func() (*config.Config, error), running daemonRunningFunc, fg, bg serveRunnerFunc) error {
	cfg, err := load()
	if err != nil {
		return err
	}
	if running(cfg.PIDFile) {
		return fmt.Errorf("daemon is already running (pid file %s)", cfg.PIDFile)
	}
	run := fg
	if serveDetach {
		run = bg
	}
	return run(cfg)
}

func runForeground(cfg *config.Config) error {
	closeLog, err := installDaemonLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	slog.Info("starting agentq", "version", version, "executor", cfg.Executor.Provider,
		"workers", cfg.Worker.MaxConcurrent, "db", cfg.DBPath)
	return daemon.Run(cfg)
}

// installDaemonLogger writes JSON records to cfg.LogFile when one is set and
// text records to stderr otherwise.
func installDaemonLogger(cfg *config.Config) (func(), error) {
	level := cfg.SlogLevel()
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	if cfg.LogFile == "" {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, opts)))
		return func() {}, nil
	}
	f, err := openLogFile(cfg.LogFile)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(f, opts)))
	return func() { f.Close() }, nil
}

func openLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return f, nil
}

// backgroundLogPath is the configured log file, or agentq.log next to the
// pid file.
func backgroundLogPath(cfg *config.Config) string {
	if cfg.LogFile != "" {
		return cfg.LogFile
	}
	return filepath.Join(filepath.Dir(cfg.PIDFile), "agentq.log")
}

func runBackground(cfg *config.Config) error {
	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}
	logPath := backgroundLogPath(cfg)
	out, err := openLogFile(logPath)
	if err != nil {
		return err
	}
	defer out.Close()

	args := []string{"serve"}
	if cfgPath != "" {
		args = append(args, "--config", cfgPath)
	}
	pid, err := spawnDetached(self, args, out)
	if err != nil {
		return fmt.Errorf("%w; see %s", err, logPath)
	}
	fmt.Printf("Daemon started (pid %d). Log: %s\n", pid, logPath)
	return nil
}

// spawnDetached starts name in a new session and fails if it exits within
// detachProbe. The child is reaped in the background, since a zombie still
// answers signal 0.
func spawnDetached(name string, args []string, out io.Writer) (int, error) {
	child := exec.Command(name, args...)
	child.Stdout = out
	child.Stderr = out
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := child.Start(); err != nil {
		return 0, fmt.Errorf("start daemon: %w", err)
	}

	exited := make(chan error, 1)
	go func() { exited <- child.Wait() }()

	select {
	case err := <-exited:
		if err == nil {
			err = fmt.Errorf("exit status 0")
		}
		return 0, fmt.Errorf("daemon exited immediately (%v)", err)
	case <-time.After(detachProbe):
		return child.Process.Pid, nil
	}
}
