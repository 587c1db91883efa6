package notify

import (
	"context"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"agentq/internal/config"
)

// Channels builds the senders enabled in cfg, webhook first.
func Channels(cfg config.NotificationsConfig, client *http.Client) []Sender {
	var out []Sender
	if strings.TrimSpace(cfg.WebhookURL) != "" {
		out = append(out, Webhook(cfg.WebhookURL, client))
	}
	if strings.TrimSpace(cfg.SlackWebhook) != "" {
		out = append(out, Slack(cfg.SlackWebhook, client))
	}
	if cfg.Desktop {
		if d := Desktop(); d != nil {
			out = append(out, d)
		}
	}
	return out
}

// Report holds one ChannelResult per sender that was tried.
type Report []ChannelResult

// Delivered counts the channels that accepted the payload.
func (r Report) Delivered() int {
	n := 0
	for _, res := range r {
		if res.Success {
			n++
		}
	}
	return n
}

// Failures renders the failed channels as "name: reason" joined by "; ".
func (r Report) Failures() string {
	var b strings.Builder
	for _, res := range r {
		if res.Success {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("; ")
		}
		b.WriteString(res.Channel)
		if res.Error == "" {
			b.WriteString(": failed")
		} else {
			b.WriteString(": " + res.Error)
		}
	}
	return b.String()
}

// Broadcast hands payload to every sender in turn, each bounded by timeout
// when it is positive.
func Broadcast(ctx context.Context, senders []Sender, payload Payload, timeout time.Duration) Report {
	report := make(Report, 0, len(senders))
	for _, s := range senders {
		if s == nil {
			continue
		}
		report = append(report, deliver(ctx, s, payload, timeout))
	}
	return report
}

func deliver(ctx context.Context, s Sender, payload Payload, timeout time.Duration) ChannelResult {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	res := ChannelResult{Channel: s.Name(), Success: true}
	if err := s.Send(ctx, payload); err != nil {
		res.Success = false
		res.Error = scrub(err)
	}
	return res
}

const maxStoredError = 512

var endpointPattern = regexp.MustCompile("https?://[^\\s\"'`]+")

// scrub keeps webhook secrets out of stored errors: only scheme and host of
// any URL survive.
func scrub(err error) string {
	msg := endpointPattern.ReplaceAllStringFunc(strings.TrimSpace(err.Error()), func(raw string) string {
		u, perr := url.Parse(raw)
		if perr != nil || u.Host == "" {
			return "[redacted-url]"
		}
		return u.Scheme + "://" + u.Host + "/REDACTED"
	})
	if len(msg) > maxStoredError {
		n := maxStoredError
		for n > 0 && !utf8.RuneStart(msg[n]) {
			n--
		}
		msg = msg[:n]
	}
	return msg
}
