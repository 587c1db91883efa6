package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"agentq/internal/config"
	"agentq/internal/notify"

	"github.com/spf13/cobra"
)

const notifyTestTimeout = 4 * time.Second

// Swapped out in tests.
var (
	notifyChannels  = notify.Channels
	notifyBroadcast = notify.Broadcast
)

var errNoChannels = errors.New("no notification channels configured")

var notifyCmd = &cobra.Command{
	Use:   "notify",
	Short: "Inspect notification channels",
}

var notifyTestCmd = &cobra.Command{
	Use:   "test",
	Short: "Send a sample completion event to every configured channel",
	Args:  cobra.NoArgs,
	RunE:  runNotifyTestCmd,
}

func init() {
	notifyCmd.AddCommand(notifyTestCmd)
	rootCmd.AddCommand(notifyCmd)
}

type notifyTestResult struct {
	OK      bool          `json:"ok"`
	Results notify.Report `json:"results"`
	Error   string        `json:"error,omitempty"`
}

func runNotifyTestCmd(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	report, err := sendTestNotification(cmd.Context(), cfg)
	if jsonOut {
		res := notifyTestResult{OK: err == nil, Results: report}
		if err != nil {
			res.Error = err.Error()
		}
		printJSON(res)
		return err
	}

	for _, r := range report {
		status := "ok"
		if !r.Success {
			status = "FAILED"
			if r.Error != "" {
				status += "  " + r.Error
			}
		}
		fmt.Printf("  %-8s %s\n", r.Channel, status)
	}
	if err != nil {
		return err
	}
	fmt.Printf("Delivered to %d of %d channel(s).\n", report.Delivered(), len(report))
	return nil
}

// sendTestNotification succeeds when at least one channel accepts the
// sample event, mirroring how the dispatcher marks real events sent.
func sendTestNotification(ctx context.Context, cfg *config.Config) (notify.Report, error) {
	channels := notifyChannels(cfg.Notifications, nil)
	if len(channels) == 0 {
		return nil, errNoChannels
	}

	sample := notify.TestPayload()
	sample.Timestamp = time.Now().UTC().Format(time.RFC3339)

	report := notifyBroadcast(ctx, channels, sample, notifyTestTimeout)
	if report.Delivered() == 0 {
		return report, fmt.Errorf("every channel failed: %s", report.Failures())
	}
	return report, nil
}
