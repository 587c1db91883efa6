package cli

import (
	"fmt"

	"agentq/internal/config"

	"github.com/spf13/cobra"
)

var pathsCmd = &cobra.Command{
	Use:   "paths",
	Short: "Show where agentq stores its files",
	RunE:  runPaths,
}

func init() {
	rootCmd.AddCommand(pathsCmd)
}

type pathsOutput struct {
	Config      string `json:"config"`
	Data        string `json:"data"`
	State       string `json:"state"`
	DB          string `json:"db"`
	PID         string `json:"pid"`
	Log         string `json:"log"`
	Transcripts string `json:"transcripts"`
}

func runPaths(cmd *cobra.Command, args []string) error {
	var out pathsOutput
	out.Config, _ = config.ConfigDir()
	out.Data, _ = config.DataDir()
	out.State, _ = config.StateDir()

	// Base dirs are still useful when the config cannot be loaded.
	cfg, err := loadConfig()
	if err == nil {
		out.DB = cfg.DBPath
		out.PID = cfg.PIDFile
		out.Log = backgroundLogPath(cfg)
		out.Transcripts = cfg.Executor.TranscriptsDir
	}

	if jsonOut {
		printJSON(out)
		return nil
	}

	fmt.Printf("Config:  %s\n", out.Config)
	fmt.Printf("Data:    %s\n", out.Data)
	fmt.Printf("State:   %s\n", out.State)
	if err != nil {
		return nil
	}
	fmt.Println()
	fmt.Printf("DB:          %s\n", out.DB)
	fmt.Printf("PID:         %s\n", out.PID)
	fmt.Printf("Log:         %s\n", out.Log)
	fmt.Printf("Transcripts: %s\n", out.Transcripts)
	return nil
}
