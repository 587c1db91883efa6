// Package httputil wraps outbound HTTP calls with bounded retries.
package httputil

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RetryConfig bounds the retries of Do.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// JitterFactor randomizes each delay by up to this fraction either way.
	JitterFactor float64
	Client       *http.Client
}

// WebhookRetryConfig keeps a single delivery short. Events that still fail
// are retried later from the outbox.
func WebhookRetryConfig(client *http.Client) RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		BaseDelay:    250 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		JitterFactor: 0.25,
		Client:       client,
	}
}

// Do sends the request produced by newReq, building a fresh one for every
// attempt since bodies are consumed. Network errors, 429 and 5xx are
// retried; any other response is returned to the caller untouched.
func Do(ctx context.Context, newReq func() (*http.Request, error), cfg RetryConfig) (*http.Response, error) {
	client := cfg.Client
	if client == nil {
		client = http.DefaultClient
	}
	attempts := max(cfg.MaxAttempts, 1)

	var lastErr error
	for attempt := 1; ; attempt++ {
		req, err := newReq()
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		resp, err := client.Do(req)
		if err == nil && !retryableStatus(resp.StatusCode) {
			return resp, nil
		}
		if err != nil && ctx.Err() != nil {
			return nil, ctx.Err()
		}

		var hint *http.Response
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("HTTP %d", resp.StatusCode)
			hint = resp
			resp.Body.Close()
		}
		if attempt == attempts {
			return nil, fmt.Errorf("giving up after %d attempts: %w", attempts, lastErr)
		}

		wait := backoff(cfg, attempt-1, hint)
		slog.Debug("httputil: retry", "host", req.URL.Host, "attempt", attempt, "of", attempts, "wait", wait, "err", lastErr)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// backoff doubles BaseDelay per attempt up to MaxDelay. A Retry-After hint on
// resp takes precedence but is capped the same way.
func backoff(cfg RetryConfig, attempt int, resp *http.Response) time.Duration {
	capped := func(d time.Duration) time.Duration {
		if cfg.MaxDelay > 0 && d > cfg.MaxDelay {
			return cfg.MaxDelay
		}
		return d
	}
	if resp != nil {
		if hint := parseRetryAfter(resp.Header.Get("Retry-After")); hint > 0 {
			return capped(hint)
		}
	}

	delay := cfg.BaseDelay
	for range attempt {
		delay *= 2
		if cfg.MaxDelay > 0 && delay >= cfg.MaxDelay {
			break
		}
	}
	delay = capped(delay)
	if cfg.JitterFactor > 0 {
		spread := float64(delay) * cfg.JitterFactor
		delay += time.Duration(spread * (2*rand.Float64() - 1))
	}
	return max(delay, 0)
}

// parseRetryAfter reads either delta-seconds or an HTTP date. Anything else,
// including dates in the past, yields 0.
func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(max(n, 0)) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		return max(time.Until(at), 0)
	}
	return 0
}
