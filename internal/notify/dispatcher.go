package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"agentq/internal/db"
)

// Dispatcher drains the job_events outbox into the configured senders. An
// event counts as sent once any channel accepts it; otherwise it stays
// failed and is claimed again until maxAttempts is reached.
type Dispatcher struct {
	store   *db.Store
	senders []Sender
	enabled map[string]struct{}

	sendTimeout  time.Duration
	idleWait     time.Duration
	maintainWait time.Duration
	retention    time.Duration
	maxAttempts  int
}

type DispatcherOption func(*Dispatcher)

// WithRetention sets how long finished events are kept. Zero keeps them.
func WithRetention(d time.Duration) DispatcherOption {
	return func(disp *Dispatcher) { disp.retention = d }
}

// WithIdleWait sets how long the dispatcher sleeps when the outbox is empty.
func WithIdleWait(d time.Duration) DispatcherOption {
	return func(disp *Dispatcher) {
		if d > 0 {
			disp.idleWait = d
		}
	}
}

func NewDispatcher(store *db.Store, senders []Sender, events []string, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		store:        store,
		senders:      senders,
		enabled:      EventSet(events),
		sendTimeout:  4 * time.Second,
		idleWait:     2 * time.Second,
		maintainWait: 6 * time.Hour,
		retention:    7 * 24 * time.Hour,
		maxAttempts:  5,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run blocks until ctx is done. Events left in processing by a previous
// process are requeued first.
func (d *Dispatcher) Run(ctx context.Context) {
	if d.store == nil {
		return
	}
	if n, err := d.store.RecoverProcessingEvents(ctx); err != nil {
		slog.Warn("notify: requeue stuck events", "err", err)
	} else if n > 0 {
		slog.Info("notify: requeued stuck events", "count", n)
	}
	d.maintain(ctx)

	idle := time.NewTicker(d.idleWait)
	defer idle.Stop()
	maintenance := time.NewTicker(d.maintainWait)
	defer maintenance.Stop()

	for {
		busy, err := d.step(ctx)
		if err != nil {
			slog.Warn("notify: dispatch", "err", err)
		}
		if busy && ctx.Err() == nil {
			// Drain the backlog before sleeping.
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-idle.C:
		case <-maintenance.C:
			d.maintain(ctx)
		}
	}
}

// step claims and handles at most one event. It reports whether an event
// was claimed.
func (d *Dispatcher) step(ctx context.Context) (bool, error) {
	ev, ok, err := d.store.ClaimNextEvent(ctx, d.maxAttempts)
	if err != nil || !ok {
		return false, err
	}
	return true, d.handle(ctx, ev)
}

func (d *Dispatcher) handle(ctx context.Context, ev db.JobEvent) error {
	if reason := d.skipReason(ev); reason != "" {
		if err := d.store.MarkEventSkipped(ctx, ev.ID, reason); err != nil {
			return fmt.Errorf("skip event %d: %w", ev.ID, err)
		}
		return nil
	}

	report := Broadcast(ctx, d.senders, buildPayload(ev), d.sendTimeout)
	if report.Delivered() == 0 {
		reason := report.Failures()
		if reason == "" {
			reason = "all channels failed"
		}
		if err := d.store.MarkEventFailed(ctx, ev.ID, reason); err != nil {
			return fmt.Errorf("record failure of event %d: %w", ev.ID, err)
		}
		return fmt.Errorf("event %d not delivered: %s", ev.ID, reason)
	}

	if err := d.store.MarkEventSent(ctx, ev.ID); err != nil {
		return fmt.Errorf("mark event %d sent: %w", ev.ID, err)
	}
	if failed := report.Failures(); failed != "" {
		slog.Warn("notify: partial delivery", "job", db.ShortID(ev.JobID), "event", ev.EventType, "failed", failed)
	}
	return nil
}

func (d *Dispatcher) skipReason(ev db.JobEvent) string {
	if len(d.senders) == 0 {
		return "no notification channels configured"
	}
	if _, ok := d.enabled[ev.EventType]; !ok {
		return "event disabled"
	}
	return ""
}

func buildPayload(ev db.JobEvent) Payload {
	p := Payload{
		Event:     ev.EventType,
		JobID:     ev.JobID,
		SessionID: ev.SessionID,
		PromptID:  ev.PromptID,
		Timestamp: ev.CreatedAt,
	}
	if ev.EventType == EventError {
		p.Message = ev.Body
	} else {
		p.Summary = ev.Body
	}
	return p
}

// maintain gives up on events that used every attempt and prunes old ones.
func (d *Dispatcher) maintain(ctx context.Context) {
	if n, err := d.store.SkipExhaustedEvents(ctx, d.maxAttempts); err != nil {
		slog.Warn("notify: skip exhausted events", "err", err)
	} else if n > 0 {
		slog.Info("notify: gave up on events", "count", n, "max_attempts", d.maxAttempts)
	}
	if d.retention <= 0 {
		return
	}
	if n, err := d.store.CleanupEvents(ctx, d.retention); err != nil {
		slog.Warn("notify: prune events", "err", err)
	} else if n > 0 {
		slog.Debug("notify: pruned events", "count", n)
	}
}
