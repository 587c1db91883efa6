//go:build darwin

package notify

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"agentq/internal/db"
)

type desktopSender struct{}

func Desktop() Sender {
	return &desktopSender{}
}

func (s *desktopSender) Name() string {
	return "desktop"
}

func (s *desktopSender) Send(ctx context.Context, payload Payload) error {
	title := escapeAppleScriptString("agentq: " + EventLabel(payload.Event))
	message := escapeAppleScriptString(desktopMessage(payload))
	script := fmt.Sprintf(`display notification "%s" with title "%s"`, message, title)
	if err := exec.CommandContext(ctx, "osascript", "-e", script).Run(); err != nil {
		return fmt.Errorf("desktop notification failed: %w", err)
	}
	return nil
}

func desktopMessage(payload Payload) string {
	detail := payload.Summary
	if payload.Message != "" {
		detail = payload.Message
	}
	msg := fmt.Sprintf("%s - job %s", payload.SessionID, db.ShortID(payload.JobID))
	if detail != "" {
		msg += ": " + truncate(detail, 120)
	}
	return msg
}

func escapeAppleScriptString(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `"`, `\"`)
	return v
}
