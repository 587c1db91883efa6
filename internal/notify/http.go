package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"agentq/internal/httputil"
)

// errorBodyLimit caps how much of a rejected response ends up in the
// event's last_error.
const errorBodyLimit = 1024

// httpChannel posts one JSON document per event. Transport errors and 5xx
// responses get a few quick retries; whatever still fails goes back to the
// outbox for a later attempt.
type httpChannel struct {
	name     string
	endpoint string
	client   *http.Client
	document func(Payload) any
}

// Webhook posts the raw event payload.
func Webhook(endpoint string, client *http.Client) Sender {
	return newHTTPChannel("webhook", endpoint, client, func(p Payload) any { return p })
}

// Slack posts an incoming-webhook message built by SlackText.
func Slack(endpoint string, client *http.Client) Sender {
	return newHTTPChannel("slack", endpoint, client, func(p Payload) any {
		return struct {
			Text string `json:"text"`
		}{Text: SlackText(p)}
	})
}

func newHTTPChannel(name, endpoint string, client *http.Client, document func(Payload) any) *httpChannel {
	if client == nil {
		client = http.DefaultClient
	}
	return &httpChannel{
		name:     name,
		endpoint: strings.TrimSpace(endpoint),
		client:   client,
		document: document,
	}
}

func (c *httpChannel) Name() string { return c.name }

func (c *httpChannel) Send(ctx context.Context, payload Payload) error {
	if c.endpoint == "" {
		return fmt.Errorf("%s: no endpoint configured", c.name)
	}
	body, err := json.Marshal(c.document(payload))
	if err != nil {
		return fmt.Errorf("%s: encode payload: %w", c.name, err)
	}

	resp, err := httputil.Do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "agentq")
		return req, nil
	}, httputil.WebhookRetryConfig(c.client))
	if err != nil {
		return fmt.Errorf("%s: post: %w", c.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 == 2 {
		return nil
	}
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
	reason := strings.TrimSpace(string(detail))
	if reason == "" {
		reason = http.StatusText(resp.StatusCode)
	}
	return fmt.Errorf("%s: status %d: %s", c.name, resp.StatusCode, reason)
}
