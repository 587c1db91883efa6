package notify

import (
	"context"
	"fmt"

	"agentq/internal/db"
)

// Outbox publishes events by persisting them in the job_events table, where
// the Dispatcher picks them up.
type Outbox struct {
	store *db.Store
}

func NewOutbox(store *db.Store) *Outbox {
	return &Outbox{store: store}
}

func (o *Outbox) Publish(ctx context.Context, sessionID, promptID, jobID string, ev Event) error {
	if !IsValidEvent(ev.Type) {
		return fmt.Errorf("unsupported event type %q", ev.Type)
	}
	body := ev.Summary
	if ev.Type == EventError {
		body = ev.Message
	}
	_, err := o.store.EnqueueEvent(ctx, db.JobEvent{
		JobID:     jobID,
		SessionID: sessionID,
		PromptID:  promptID,
		EventType: ev.Type,
		Body:      body,
	})
	return err
}
