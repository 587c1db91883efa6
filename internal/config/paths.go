package config

import (
	"os"
	"path/filepath"
)

const appName = "agentq"

// xdgDir resolves $env/agentq, or ~/<fallback...>/agentq when env is unset.
func xdgDir(env string, fallback ...string) (string, error) {
	if base := os.Getenv(env); base != "" {
		return filepath.Join(base, appName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	parts := append([]string{home}, fallback...)
	return filepath.Join(append(parts, appName)...), nil
}

// ConfigDir is ~/.config/agentq unless XDG_CONFIG_HOME says otherwise.
func ConfigDir() (string, error) { return xdgDir("XDG_CONFIG_HOME", ".config") }

// DataDir holds the database and transcripts.
func DataDir() (string, error) { return xdgDir("XDG_DATA_HOME", ".local", "share") }

// StateDir holds the pid file and the detached daemon's log.
func StateDir() (string, error) { return xdgDir("XDG_STATE_HOME", ".local", "state") }

func GlobalConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}
