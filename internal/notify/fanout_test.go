package notify

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"agentq/internal/config"
)

type blockingSender struct{}

func (blockingSender) Name() string { return "slow" }

func (blockingSender) Send(ctx context.Context, _ Payload) error {
	<-ctx.Done()
	return ctx.Err()
}

type failingSender struct{ err error }

func (failingSender) Name() string { return "broken" }

func (s failingSender) Send(context.Context, Payload) error { return s.err }

func TestChannelsOrder(t *testing.T) {
	t.Parallel()
	got := Channels(config.NotificationsConfig{
		WebhookURL:   "https://example.com/hook",
		SlackWebhook: "https://hooks.slack.com/services/x",
	}, nil)
	if len(got) != 2 || got[0].Name() != "webhook" || got[1].Name() != "slack" {
		t.Fatalf("unexpected channels %v", got)
	}
	if blank := Channels(config.NotificationsConfig{WebhookURL: "   "}, nil); len(blank) != 0 {
		t.Fatalf("blank url should not produce a channel, got %d", len(blank))
	}
}

func TestBroadcastBoundsEachChannel(t *testing.T) {
	t.Parallel()
	ok := &stubSender{name: "ok"}
	report := Broadcast(context.Background(), []Sender{blockingSender{}, nil, ok}, TestPayload(), 20*time.Millisecond)

	if len(report) != 2 {
		t.Fatalf("expected nil sender to be skipped, got %d results", len(report))
	}
	if report[0].Success || !report[1].Success {
		t.Fatalf("unexpected report %#v", report)
	}
	if report.Delivered() != 1 {
		t.Fatalf("delivered = %d", report.Delivered())
	}
	if f := report.Failures(); !strings.HasPrefix(f, "slow: ") || strings.Contains(f, "ok") {
		t.Fatalf("unexpected failures %q", f)
	}
	if len(ok.payloads) != 1 {
		t.Fatalf("expected ok sender to receive the payload once, got %d", len(ok.payloads))
	}
}

func TestBroadcastScrubsEndpoints(t *testing.T) {
	t.Parallel()
	err := errors.New(`Post "https://hooks.slack.com/services/T000/B000/SECRET": context deadline exceeded`)
	report := Broadcast(context.Background(), []Sender{failingSender{err: err}}, TestPayload(), 0)

	msg := report[0].Error
	if strings.Contains(msg, "SECRET") || !strings.Contains(msg, "https://hooks.slack.com/REDACTED") {
		t.Fatalf("unexpected scrubbed error %q", msg)
	}
	if report.Failures() != "broken: "+msg {
		t.Fatalf("unexpected failures %q", report.Failures())
	}
}

func TestScrubCapsLength(t *testing.T) {
	t.Parallel()
	if got := scrub(errors.New(strings.Repeat("e", 2000))); len(got) != maxStoredError {
		t.Fatalf("expected %d chars, got %d", maxStoredError, len(got))
	}
	got := scrub(errors.New(strings.Repeat("e", maxStoredError-1) + "é"))
	if !utf8.ValidString(got) || len(got) != maxStoredError-1 {
		t.Fatalf("expected cut on a rune boundary, got %d bytes valid=%v", len(got), utf8.ValidString(got))
	}
}

func TestEventSetFiltersUnknown(t *testing.T) {
	t.Parallel()
	set := EventSet([]string{" Complete ", "started"})
	if _, ok := set[EventComplete]; !ok || len(set) != 1 {
		t.Fatalf("unexpected event set %#v", set)
	}
	if all := EventSet(nil); len(all) != len(AllEvents) {
		t.Fatalf("expected nil to enable all events, got %#v", all)
	}
}
