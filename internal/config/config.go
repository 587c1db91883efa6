package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

const Version = "0.1.0"

const (
	EventComplete = "complete"
	EventError    = "error"
)

var defaultNotificationEvents = []string{EventComplete, EventError}

type Config struct {
	DBPath   string `toml:"db_path"`
	LogLevel string `toml:"log_level" validate:"oneof=debug info warn error"`
	LogFile  string `toml:"log_file"`
	PIDFile  string `toml:"pid_file"`

	Worker        WorkerConfig        `toml:"worker"`
	Executor      ExecutorConfig      `toml:"executor"`
	Retention     RetentionConfig     `toml:"retention"`
	Health        HealthConfig        `toml:"health"`
	Notifications NotificationsConfig `toml:"notifications"`

	// Resolved at runtime (not in TOML).
	BaseDir string `toml:"-"`
}

type WorkerConfig struct {
	PollInterval        time.Duration `toml:"poll_interval" validate:"gte=10ms"`
	CancelCheckInterval time.Duration `toml:"cancel_check_interval" validate:"gte=10ms"`
	MaxConcurrent       int           `toml:"max_concurrent" validate:"min=1,max=64"`
	MaxAttempts         int           `toml:"max_attempts" validate:"min=1,max=20"`
	ShutdownTimeout     time.Duration `toml:"shutdown_timeout" validate:"gte=0"`
	// JobTimeout of zero means executions are not time-limited.
	JobTimeout time.Duration `toml:"job_timeout" validate:"gte=0"`
}

type ExecutorConfig struct {
	Provider       string `toml:"provider" validate:"oneof=claude codex"`
	MaxTurns       int    `toml:"max_turns" validate:"min=1,max=500"`
	TranscriptsDir string `toml:"transcripts_dir"`
}

type RetentionConfig struct {
	Jobs          time.Duration `toml:"jobs" validate:"gte=0"`
	Events        time.Duration `toml:"events" validate:"gte=0"`
	SweepInterval time.Duration `toml:"sweep_interval" validate:"gte=1m"`
}

type HealthConfig struct {
	Disabled bool          `toml:"disabled"`
	Addr     string        `toml:"addr" validate:"omitempty,hostname_port"`
	Timeout  time.Duration `toml:"timeout" validate:"gte=10ms"`
}

type NotificationsConfig struct {
	WebhookURL   string   `toml:"webhook_url"`
	SlackWebhook string   `toml:"slack_webhook"`
	Desktop      bool     `toml:"desktop"`
	Events       []string `toml:"events"`
}

var structValidator = validator.New(validator.WithRequiredStructEnabled())

// Load reads the config file at path and applies defaults, environment
// overrides and validation.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	cfg.BaseDir = filepath.Dir(path)
	return finish(cfg)
}

// LoadDefault loads the global config file, or pure defaults when it does
// not exist.
func LoadDefault() (*Config, error) {
	path, err := GlobalConfigPath()
	if err == nil {
		if _, statErr := os.Stat(path); statErr == nil {
			return Load(path)
		} else if !errors.Is(statErr, os.ErrNotExist) {
			return nil, fmt.Errorf("stat config %s: %w", path, statErr)
		}
	}
	cfg := &Config{}
	if dir, dirErr := ConfigDir(); dirErr == nil {
		cfg.BaseDir = dir
	} else {
		cfg.BaseDir = "."
	}
	return finish(cfg)
}

func finish(cfg *Config) (*Config, error) {
	applyDefaults(cfg)
	applyEnv(cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	resolvePaths(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.DBPath == "" {
		if d, err := DataDir(); err == nil {
			cfg.DBPath = filepath.Join(d, "agentq.db")
		} else {
			cfg.DBPath = "agentq.db"
		}
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.PIDFile == "" {
		if d, err := StateDir(); err == nil {
			cfg.PIDFile = filepath.Join(d, "agentq.pid")
		} else {
			cfg.PIDFile = "agentq.pid"
		}
	}

	w := &cfg.Worker
	if w.PollInterval == 0 {
		w.PollInterval = time.Second
	}
	if w.CancelCheckInterval == 0 {
		w.CancelCheckInterval = 2 * time.Second
	}
	if w.MaxConcurrent == 0 {
		w.MaxConcurrent = 5
	}
	if w.MaxAttempts == 0 {
		w.MaxAttempts = 3
	}
	if w.ShutdownTimeout == 0 {
		w.ShutdownTimeout = 30 * time.Second
	}

	if cfg.Executor.Provider == "" {
		cfg.Executor.Provider = "claude"
	}
	if cfg.Executor.MaxTurns == 0 {
		cfg.Executor.MaxTurns = 50
	}
	if cfg.Executor.TranscriptsDir == "" {
		if d, err := DataDir(); err == nil {
			cfg.Executor.TranscriptsDir = filepath.Join(d, "transcripts")
		} else {
			cfg.Executor.TranscriptsDir = "transcripts"
		}
	}

	if cfg.Retention.Jobs == 0 {
		cfg.Retention.Jobs = 30 * 24 * time.Hour
	}
	if cfg.Retention.Events == 0 {
		cfg.Retention.Events = 7 * 24 * time.Hour
	}
	if cfg.Retention.SweepInterval == 0 {
		cfg.Retention.SweepInterval = 6 * time.Hour
	}

	if cfg.Health.Addr == "" {
		cfg.Health.Addr = "127.0.0.1:9848"
	}
	if cfg.Health.Timeout == 0 {
		cfg.Health.Timeout = 2 * time.Second
	}

	if cfg.Notifications.Events == nil {
		cfg.Notifications.Events = slices.Clone(defaultNotificationEvents)
	}
}

// applyEnv lets AGENTQ_* environment variables override file values.
func applyEnv(cfg *Config) {
	if v := os.Getenv("AGENTQ_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("AGENTQ_LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if v := os.Getenv("AGENTQ_PROVIDER"); v != "" {
		cfg.Executor.Provider = v
	}
	if v := os.Getenv("AGENTQ_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Worker.MaxConcurrent = n
		} else {
			slog.Warn("ignoring invalid AGENTQ_MAX_CONCURRENT", "value", v)
		}
	}
	if v := os.Getenv("AGENTQ_WEBHOOK_URL"); v != "" {
		cfg.Notifications.WebhookURL = v
	}
	if v := os.Getenv("AGENTQ_SLACK_WEBHOOK"); v != "" {
		cfg.Notifications.SlackWebhook = v
	}
}

func validate(cfg *Config) error {
	if err := structValidator.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid %s: %v (%s=%s)", tomlPath(fe.Namespace()), fe.Value(), fe.Tag(), fe.Param())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Worker.CancelCheckInterval < cfg.Worker.PollInterval {
		slog.Warn("worker.cancel_check_interval is shorter than worker.poll_interval",
			"cancel_check_interval", cfg.Worker.CancelCheckInterval, "poll_interval", cfg.Worker.PollInterval)
	}
	normalized, err := validateNotificationsConfig(cfg.Notifications)
	if err != nil {
		return err
	}
	cfg.Notifications.Events = normalized
	return nil
}

// tomlPath turns a validator namespace like Config.Worker.MaxConcurrent into
// the TOML key a user would write (worker.max_concurrent).
func tomlPath(namespace string) string {
	parts := strings.Split(namespace, ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	for i, p := range parts {
		parts[i] = snakeCase(p)
	}
	return strings.Join(parts, ".")
}

func snakeCase(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 && !(s[i-1] >= 'A' && s[i-1] <= 'Z') {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}

func validateNotificationsConfig(cfg NotificationsConfig) ([]string, error) {
	if cfg.WebhookURL != "" {
		if err := validateWebhookURL(cfg.WebhookURL); err != nil {
			return nil, fmt.Errorf("invalid notifications.webhook_url: %w", err)
		}
	}
	if cfg.SlackWebhook != "" {
		if err := validateWebhookURL(cfg.SlackWebhook); err != nil {
			return nil, fmt.Errorf("invalid notifications.slack_webhook: %w", err)
		}
	}
	normalized, err := normalizeEvents(cfg.Events)
	if err != nil {
		return nil, fmt.Errorf("invalid notifications.events: %w", err)
	}
	return normalized, nil
}

func validateWebhookURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("must use http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("host is required")
	}
	return nil
}

func normalizeEvents(events []string) ([]string, error) {
	out := make([]string, 0, len(events))
	seen := make(map[string]struct{}, len(events))
	for i, event := range events {
		normalized := strings.ToLower(strings.TrimSpace(event))
		if normalized == "" {
			return nil, fmt.Errorf("event at index %d is empty", i)
		}
		if normalized != EventComplete && normalized != EventError {
			return nil, fmt.Errorf("unsupported event %q", normalized)
		}
		if _, exists := seen[normalized]; exists {
			continue
		}
		seen[normalized] = struct{}{}
		out = append(out, normalized)
	}
	return out, nil
}

func resolvePaths(cfg *Config) {
	cfg.DBPath = absPath(cfg.BaseDir, cfg.DBPath)
	cfg.PIDFile = absPath(cfg.BaseDir, cfg.PIDFile)
	cfg.Executor.TranscriptsDir = absPath(cfg.BaseDir, cfg.Executor.TranscriptsDir)
	if cfg.LogFile != "" {
		cfg.LogFile = absPath(cfg.BaseDir, cfg.LogFile)
	}
}

func absPath(base, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(base, path)
}

func (cfg *Config) SlogLevel() slog.Level {
	switch cfg.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
