package db

import (
	"context"
	"testing"
	"time"
)

func TestJobEventDeliveryLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, clock := openTestStore(t)
	sessionID := createTestSession(t, store)
	jobID := enqueueTestJob(t, store, sessionID, 3)

	id, err := store.EnqueueEvent(ctx, JobEvent{
		JobID:     jobID,
		SessionID: sessionID,
		PromptID:  jobID,
		EventType: EventTypeError,
		Body:      "agent exited 1",
	})
	if err != nil {
		t.Fatalf("enqueue event: %v", err)
	}

	ev, ok, err := store.ClaimNextEvent(ctx, 3)
	if err != nil || !ok {
		t.Fatalf("claim event: ok=%v err=%v", ok, err)
	}
	if ev.ID != id || ev.Status != EventStatusProcessing || ev.Body != "agent exited 1" {
		t.Fatalf("unexpected claimed event: %+v", ev)
	}
	if _, ok, _ := store.ClaimNextEvent(ctx, 3); ok {
		t.Fatalf("processing event must not be claimed twice")
	}

	if err := store.MarkEventFailed(ctx, id, "connection refused"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if _, ok, _ := store.ClaimNextEvent(ctx, 3); ok {
		t.Fatalf("failed event must wait for its retry delay")
	}
	clock.Advance(5 * time.Second)
	ev, ok, err = store.ClaimNextEvent(ctx, 3)
	if err != nil || !ok || ev.ID != id {
		t.Fatalf("expected failed event to be retried, ok=%v err=%v ev=%+v", ok, err, ev)
	}
	if err := store.MarkEventSent(ctx, id); err != nil {
		t.Fatalf("mark sent: %v", err)
	}

	events, err := store.ListEvents(ctx, jobID, EventStatusSent, 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 || events[0].Attempts != 1 || events[0].LastError != "" {
		t.Fatalf("unexpected sent events: %+v", events)
	}

	clock.Advance(8 * 24 * time.Hour)
	n, err := store.CleanupEvents(ctx, 7*24*time.Hour)
	if err != nil {
		t.Fatalf("cleanup events: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 deleted event, got %d", n)
	}
}

func TestJobEventRecoveryAndExhaustion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, _ := openTestStore(t)
	sessionID := createTestSession(t, store)
	jobID := enqueueTestJob(t, store, sessionID, 3)

	id, err := store.EnqueueEvent(ctx, JobEvent{JobID: jobID, SessionID: sessionID, PromptID: jobID, EventType: EventTypeComplete})
	if err != nil {
		t.Fatalf("enqueue event: %v", err)
	}
	if _, ok, err := store.ClaimNextEvent(ctx, 1); err != nil || !ok {
		t.Fatalf("claim event: ok=%v err=%v", ok, err)
	}

	n, err := store.RecoverProcessingEvents(ctx)
	if err != nil || n != 1 {
		t.Fatalf("recover processing events: n=%d err=%v", n, err)
	}
	n, err = store.SkipExhaustedEvents(ctx, 1)
	if err != nil || n != 1 {
		t.Fatalf("skip exhausted: n=%d err=%v", n, err)
	}

	events, err := store.ListEvents(ctx, "", "", 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 || events[0].ID != id || events[0].Status != EventStatusSkipped {
		t.Fatalf("expected skipped event, got %+v", events)
	}
	if events[0].LastError != recoveredEventError {
		t.Fatalf("expected recovery reason kept, got %q", events[0].LastError)
	}
}

func TestEnqueueEventRejectsUnknownType(t *testing.T) {
	t.Parallel()
	store, _ := openTestStore(t)

	if _, err := store.EnqueueEvent(context.Background(), JobEvent{JobID: "x", EventType: "started"}); err == nil {
		t.Fatalf("expected error for unknown event type")
	}
}
