package worker

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"agentq/internal/db"
	"agentq/internal/llm"
	"agentq/internal/notify"
)

type funcExecutor func(ctx context.Context, req llm.Request) (llm.Outcome, error)

func (f funcExecutor) Name() string { return "func" }

func (f funcExecutor) Execute(ctx context.Context, req llm.Request) (llm.Outcome, error) {
	return f(ctx, req)
}

// blockingExecutor runs until ctx is done or release is closed.
type blockingExecutor struct {
	started chan string
	release chan struct{}
}

func newBlockingExecutor() *blockingExecutor {
	return &blockingExecutor{started: make(chan string, 16), release: make(chan struct{})}
}

func (b *blockingExecutor) Name() string { return "blocking" }

func (b *blockingExecutor) Execute(ctx context.Context, req llm.Request) (llm.Outcome, error) {
	b.started <- req.JobID
	select {
	case <-ctx.Done():
		return llm.Outcome{}, ctx.Err()
	case <-b.release:
		return llm.Outcome{Success: true, Summary: "released"}, nil
	}
}

type publishedEvent struct {
	SessionID string
	PromptID  string
	JobID     string
	Event     notify.Event
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (p *recordingPublisher) Publish(_ context.Context, sessionID, promptID, jobID string, ev notify.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{SessionID: sessionID, PromptID: promptID, JobID: jobID, Event: ev})
	return nil
}

func (p *recordingPublisher) snapshot() []publishedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]publishedEvent(nil), p.events...)
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func openWorkerTestStore(t *testing.T) *db.Store {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "agentq.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func enqueue(t *testing.T, store *db.Store, prompt string, maxAttempts int) (sessionID, jobID string) {
	t.Helper()
	ctx := context.Background()
	sessionID, err := store.CreateSession(ctx, "worker-test", t.TempDir())
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	jobID, err = store.EnqueueJob(ctx, sessionID, "prompt-"+prompt, db.Payload{Prompt: prompt}, maxAttempts)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return sessionID, jobID
}

func startWorker(t *testing.T, store *db.Store, executor llm.Executor, pub notify.Publisher, cfg Config) *Worker {
	t.Helper()
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	if cfg.CancelCheckInterval == 0 {
		cfg.CancelCheckInterval = 20 * time.Millisecond
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 2 * time.Second
	}
	w := New(store, executor, pub, cfg)
	w.Start(context.Background())
	t.Cleanup(func() { _ = w.Shutdown(context.Background()) })
	return w
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitForStatus(t *testing.T, store *db.Store, jobID, status string) db.Job {
	t.Helper()
	var job db.Job
	waitFor(t, "job "+jobID+" to be "+status, func() bool {
		var err error
		job, err = store.GetJob(context.Background(), jobID)
		return err == nil && job.Status == status
	})
	return job
}

func waitStarted(t *testing.T, exec *blockingExecutor) string {
	t.Helper()
	select {
	case id := <-exec.started:
		return id
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for execution to start")
		return ""
	}
}

func TestWorkerCompletesJob(t *testing.T) {
	t.Parallel()
	store := openWorkerTestStore(t)
	sessionID, jobID := enqueue(t, store, "add tests", 0)

	var gotReq llm.Request
	var mu sync.Mutex
	exec := funcExecutor(func(_ context.Context, req llm.Request) (llm.Outcome, error) {
		mu.Lock()
		gotReq = req
		mu.Unlock()
		return llm.Outcome{Success: true, Summary: "added 3 tests", DurationMS: 42}, nil
	})
	pub := &recordingPublisher{}
	w := startWorker(t, store, exec, pub, Config{})

	job := waitForStatus(t, store, jobID, db.StatusCompleted)
	if job.Summary != "added 3 tests" || job.DurationMS != 42 {
		t.Fatalf("unexpected completion fields: summary=%q duration=%d", job.Summary, job.DurationMS)
	}
	if job.Attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", job.Attempts)
	}

	mu.Lock()
	if gotReq.JobID != jobID || gotReq.Prompt != "add tests" || gotReq.WorkingDirectory == "" {
		t.Fatalf("unexpected executor request: %+v", gotReq)
	}
	mu.Unlock()

	waitFor(t, "worker to go idle", func() bool { return w.InFlight() == 0 })
	events := pub.snapshot()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	ev := events[0]
	if ev.Event.Type != notify.EventComplete || ev.Event.Summary != "added 3 tests" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.SessionID != sessionID || ev.PromptID != "prompt-add tests" || ev.JobID != jobID {
		t.Fatalf("unexpected event routing: %+v", ev)
	}

	sess, err := store.GetSession(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.IsWorking {
		t.Fatal("expected session to be idle after completion")
	}
}

func TestWorkerBoundsConcurrency(t *testing.T) {
	t.Parallel()
	store := openWorkerTestStore(t)
	var jobIDs []string
	for i := 0; i < 5; i++ {
		_, id := enqueue(t, store, "job", 0)
		jobIDs = append(jobIDs, id)
	}

	var running, peak atomic.Int32
	release := make(chan struct{})
	exec := funcExecutor(func(ctx context.Context, req llm.Request) (llm.Outcome, error) {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		select {
		case <-release:
			return llm.Outcome{Success: true}, nil
		case <-ctx.Done():
			return llm.Outcome{}, ctx.Err()
		}
	})
	w := startWorker(t, store, exec, nil, Config{MaxConcurrent: 2})

	waitFor(t, "two executions", func() bool { return running.Load() == 2 })
	time.Sleep(50 * time.Millisecond)
	if got := w.InFlight(); got != 2 {
		t.Fatalf("expected 2 in flight, got %d", got)
	}
	m, err := store.Metrics(context.Background())
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	if m.Processing != 2 || m.Pending != 3 {
		t.Fatalf("expected 2 processing / 3 pending, got %+v", m)
	}

	close(release)
	for _, id := range jobIDs {
		waitForStatus(t, store, id, db.StatusCompleted)
	}
	if got := peak.Load(); got != 2 {
		t.Fatalf("expected peak concurrency 2, got %d", got)
	}
}

func TestWorkerClaimsInCreationOrder(t *testing.T) {
	t.Parallel()
	store := openWorkerTestStore(t)
	_, first := enqueue(t, store, "first", 0)
	_, second := enqueue(t, store, "second", 0)

	var mu sync.Mutex
	var order []string
	exec := funcExecutor(func(_ context.Context, req llm.Request) (llm.Outcome, error) {
		mu.Lock()
		order = append(order, req.JobID)
		mu.Unlock()
		return llm.Outcome{Success: true}, nil
	})
	startWorker(t, store, exec, nil, Config{MaxConcurrent: 1})

	waitForStatus(t, store, second, db.StatusCompleted)
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != first || order[1] != second {
		t.Fatalf("expected FIFO order [%s %s], got %v", first, second, order)
	}
}

func TestWorkerRetriesWithBackoffThenFails(t *testing.T) {
	t.Parallel()
	store := openWorkerTestStore(t)
	clock := &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store.SetClock(clock.Now)
	_, jobID := enqueue(t, store, "flaky", 2)

	var calls atomic.Int32
	exec := funcExecutor(func(context.Context, llm.Request) (llm.Outcome, error) {
		calls.Add(1)
		return llm.Outcome{Success: false, ErrorMessage: "tests failed"}, nil
	})
	pub := &recordingPublisher{}
	w := startWorker(t, store, exec, pub, Config{})

	var job db.Job
	waitFor(t, "first failure to requeue", func() bool {
		var err error
		job, err = store.GetJob(context.Background(), jobID)
		return err == nil && job.Status == db.StatusPending && job.Attempts == 1
	})
	if job.Error != "tests failed" {
		t.Fatalf("expected error recorded, got %q", job.Error)
	}
	if job.NextRetryAt == "" {
		t.Fatal("expected next_retry_at after retryable failure")
	}

	// Nothing runs before the backoff elapses.
	time.Sleep(50 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected no retry before backoff, got %d calls", got)
	}

	clock.Advance(db.RetryDelay(1) + time.Second)
	job = waitForStatus(t, store, jobID, db.StatusFailed)
	if job.Attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", job.Attempts)
	}
	waitFor(t, "worker to go idle", func() bool { return w.InFlight() == 0 })

	events := pub.snapshot()
	if len(events) != 2 {
		t.Fatalf("expected 2 error events, got %d", len(events))
	}
	for _, ev := range events {
		if ev.Event.Type != notify.EventError || ev.Event.Message != "tests failed" {
			t.Fatalf("unexpected event %+v", ev)
		}
	}
}

func TestWorkerAbortsWhenJobCancelledElsewhere(t *testing.T) {
	t.Parallel()
	store := openWorkerTestStore(t)
	sessionID, jobID := enqueue(t, store, "long", 0)

	const interval = 100 * time.Millisecond
	exec := newBlockingExecutor()
	pub := &recordingPublisher{}
	w := startWorker(t, store, exec, pub, Config{CancelCheckInterval: interval})
	waitStarted(t, exec)

	// Simulates a cancel request written by another process.
	cancelledAt := time.Now()
	if _, err := store.CancelForSession(context.Background(), sessionID); err != nil {
		t.Fatalf("cancel for session: %v", err)
	}
	waitFor(t, "execution to be aborted", func() bool { return w.InFlight() == 0 })
	if elapsed := time.Since(cancelledAt); elapsed > interval+time.Second {
		t.Fatalf("abort took %s, want within one check interval (%s) plus slack", elapsed, interval)
	}

	job, err := store.GetJob(context.Background(), jobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != db.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", job.Status)
	}
	if job.Error != "" {
		t.Fatalf("cancellation must not record an error, got %q", job.Error)
	}
	if events := pub.snapshot(); len(events) != 0 {
		t.Fatalf("expected no worker events for external cancel, got %+v", events)
	}
}

func TestCancelSessionAbortsRunningJob(t *testing.T) {
	t.Parallel()
	store := openWorkerTestStore(t)
	sessionID, jobID := enqueue(t, store, "long", 0)
	queued, err := store.EnqueueJob(context.Background(), sessionID, "prompt-queued", db.Payload{Prompt: "next"}, 0)
	if err != nil {
		t.Fatalf("enqueue second: %v", err)
	}

	exec := newBlockingExecutor()
	pub := &recordingPublisher{}
	// A long check interval proves the abort is pushed, not polled.
	w := startWorker(t, store, exec, pub, Config{MaxConcurrent: 1, CancelCheckInterval: time.Hour})
	waitStarted(t, exec)

	cancelled, err := w.CancelSession(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("cancel session: %v", err)
	}
	if len(cancelled) != 2 {
		t.Fatalf("expected 2 cancelled jobs, got %d", len(cancelled))
	}
	waitFor(t, "execution to be aborted", func() bool { return w.InFlight() == 0 })

	for _, id := range []string{jobID, queued} {
		status, err := store.JobStatus(context.Background(), id)
		if err != nil {
			t.Fatalf("job status: %v", err)
		}
		if status != db.StatusCancelled {
			t.Fatalf("expected job %s cancelled, got %s", id, status)
		}
	}

	events := pub.snapshot()
	if len(events) != 2 {
		t.Fatalf("expected one event per cancelled job, got %d", len(events))
	}
	for _, ev := range events {
		if ev.Event.Type != notify.EventComplete || ev.Event.Summary != "Cancelled" {
			t.Fatalf("unexpected cancel event %+v", ev)
		}
	}

	again, err := w.CancelSession(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected no-op second cancel, got %d jobs", len(again))
	}
}

func TestCancelSessionUnknownSession(t *testing.T) {
	t.Parallel()
	store := openWorkerTestStore(t)
	w := New(store, newBlockingExecutor(), nil, Config{})

	_, err := w.CancelSession(context.Background(), "aq-sess-missing")
	if !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestWorkerIsolatesPanics(t *testing.T) {
	t.Parallel()
	store := openWorkerTestStore(t)
	_, bad := enqueue(t, store, "panic", 1)
	_, good := enqueue(t, store, "fine", 1)

	exec := funcExecutor(func(_ context.Context, req llm.Request) (llm.Outcome, error) {
		if req.Prompt == "panic" {
			panic("executor exploded")
		}
		return llm.Outcome{Success: true}, nil
	})
	w := startWorker(t, store, exec, nil, Config{})

	job := waitForStatus(t, store, bad, db.StatusFailed)
	if !strings.Contains(job.Error, "executor exploded") {
		t.Fatalf("expected panic message recorded, got %q", job.Error)
	}
	waitForStatus(t, store, good, db.StatusCompleted)
	waitFor(t, "worker to go idle", func() bool { return w.InFlight() == 0 })
}

func TestWorkerJobTimeout(t *testing.T) {
	t.Parallel()
	store := openWorkerTestStore(t)
	_, jobID := enqueue(t, store, "slow", 1)

	startWorker(t, store, newBlockingExecutor(), nil, Config{JobTimeout: 30 * time.Millisecond})

	job := waitForStatus(t, store, jobID, db.StatusFailed)
	if job.Error != "execution timed out" {
		t.Fatalf("expected timeout error, got %q", job.Error)
	}
}

func TestShutdownReleasesInFlightJobs(t *testing.T) {
	t.Parallel()
	store := openWorkerTestStore(t)
	sessionID, jobID := enqueue(t, store, "long", 0)

	exec := newBlockingExecutor()
	pub := &recordingPublisher{}
	w := New(store, exec, pub, Config{PollInterval: 10 * time.Millisecond, ShutdownTimeout: 2 * time.Second})
	w.Start(context.Background())
	waitStarted(t, exec)

	if err := w.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if got := w.InFlight(); got != 0 {
		t.Fatalf("expected nothing in flight, got %d", got)
	}

	job, err := store.GetJob(context.Background(), jobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != db.StatusPending {
		t.Fatalf("expected job released to pending, got %s", job.Status)
	}
	if job.Attempts != 1 || job.NextRetryAt != "" {
		t.Fatalf("expected attempt kept without backoff, got attempts=%d next=%q", job.Attempts, job.NextRetryAt)
	}
	sess, err := store.GetSession(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.IsWorking {
		t.Fatal("expected session idle after release")
	}
	if events := pub.snapshot(); len(events) != 0 {
		t.Fatalf("shutdown must not publish events, got %+v", events)
	}

	// A stopped worker claims nothing.
	time.Sleep(30 * time.Millisecond)
	if status, _ := store.JobStatus(context.Background(), jobID); status != db.StatusPending {
		t.Fatalf("expected job to stay pending after shutdown, got %s", status)
	}
}

func TestShutdownTimesOutOnStuckExecutor(t *testing.T) {
	t.Parallel()
	store := openWorkerTestStore(t)
	enqueue(t, store, "stuck", 0)

	started := make(chan struct{})
	unblock := make(chan struct{})
	exec := funcExecutor(func(context.Context, llm.Request) (llm.Outcome, error) {
		close(started)
		<-unblock
		return llm.Outcome{}, errors.New("gave up")
	})
	w := New(store, exec, nil, Config{PollInterval: 10 * time.Millisecond, ShutdownTimeout: 50 * time.Millisecond})
	w.Start(context.Background())
	<-started

	err := w.Shutdown(context.Background())
	if err == nil {
		t.Fatal("expected shutdown timeout error")
	}
	if !strings.Contains(err.Error(), "1 jobs still in flight") {
		t.Fatalf("unexpected error: %v", err)
	}

	close(unblock)
	w.jobs.Wait()
}

func TestProcessTreatsLateCompletionAsCancelled(t *testing.T) {
	t.Parallel()
	store := openWorkerTestStore(t)
	sessionID, jobID := enqueue(t, store, "race", 0)
	ctx := context.Background()

	job, err := store.ClaimNext(ctx)
	if err != nil || job == nil {
		t.Fatalf("claim: %v (job=%v)", err, job)
	}
	if err := store.MarkProcessing(ctx, jobID); err != nil {
		t.Fatalf("mark processing: %v", err)
	}

	pub := &recordingPublisher{}
	exec := funcExecutor(func(context.Context, llm.Request) (llm.Outcome, error) {
		// The session is cancelled while the executor finishes.
		if _, err := store.CancelForSession(ctx, sessionID); err != nil {
			t.Errorf("cancel: %v", err)
		}
		return llm.Outcome{Success: true, Summary: "too late"}, nil
	})
	w := New(store, exec, pub, Config{})
	e := newExecution(ctx, jobID, sessionID, job.PromptID, w.jobContext)
	defer e.cancel()

	if err := w.process(e, *job); !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if events := pub.snapshot(); len(events) != 0 {
		t.Fatalf("expected no events, got %+v", events)
	}
}

// doneTripContext reports no error until something waits on Done, which is
// how a shutdown that lands in the middle of a claim looks to the worker.
type doneTripContext struct {
	context.Context
	tripped atomic.Bool
	done    chan struct{}
}

func newDoneTripContext() *doneTripContext {
	done := make(chan struct{})
	close(done)
	return &doneTripContext{Context: context.Background(), done: done}
}

func (c *doneTripContext) Done() <-chan struct{} {
	c.tripped.Store(true)
	return c.done
}

func (c *doneTripContext) Err() error {
	if c.tripped.Load() {
		return context.Canceled
	}
	return nil
}

// Not parallel: swaps the default slog logger.
func TestPollQuietWhenShutdownInterruptsClaim(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	store := openWorkerTestStore(t)
	_, jobID := enqueue(t, store, "never", 0)
	w := New(store, newBlockingExecutor(), &recordingPublisher{}, Config{})

	w.poll(newDoneTripContext())

	if strings.Contains(buf.String(), "claim job failed") {
		t.Fatalf("expected no claim error during shutdown, got log %q", buf.String())
	}
	if w.InFlight() != 0 {
		t.Fatalf("expected reserved slot to be released, in flight %d", w.InFlight())
	}
	status, err := store.JobStatus(context.Background(), jobID)
	if err != nil {
		t.Fatalf("job status: %v", err)
	}
	if status != db.StatusPending {
		t.Fatalf("expected job to stay pending, got %s", status)
	}
}
