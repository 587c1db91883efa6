package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"agentq/internal/db"
	"agentq/internal/llm"
	"agentq/internal/notify"
)

const (
	DefaultPollInterval        = time.Second
	DefaultCancelCheckInterval = 2 * time.Second
	DefaultMaxConcurrent       = 5
	DefaultShutdownTimeout     = 30 * time.Second

	storeTimeout = 10 * time.Second
)

// JobStore is the subset of *db.Store the worker drives.
type JobStore interface {
	ClaimNext(ctx context.Context) (*db.Job, error)
	HasActiveJob(ctx context.Context, sessionID string) (bool, error)
	MarkProcessing(ctx context.Context, jobID string) error
	MarkCompleted(ctx context.Context, jobID string, c db.Completion) error
	MarkFailed(ctx context.Context, jobID, errMsg string) (db.FailResult, error)
	ReleaseJob(ctx context.Context, jobID, reason string) (db.FailResult, error)
	CancelForSession(ctx context.Context, sessionID string) ([]db.CancelledJob, error)
	JobStatus(ctx context.Context, jobID string) (string, error)
}

type Config struct {
	PollInterval        time.Duration
	CancelCheckInterval time.Duration
	MaxConcurrent       int
	ShutdownTimeout     time.Duration
	// JobTimeout bounds a single execution. Zero means no limit.
	JobTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.CancelCheckInterval <= 0 {
		c.CancelCheckInterval = DefaultCancelCheckInterval
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	return c
}

// Worker polls the store for pending jobs and runs them through the
// executor, at most MaxConcurrent at a time. It assumes it is the only
// worker polling its store.
type Worker struct {
	store    JobStore
	executor llm.Executor
	pub      notify.Publisher
	cfg      Config

	mu       sync.Mutex
	active   map[string]*execution
	inFlight int
	stopping bool

	jobs         sync.WaitGroup
	stopPoll     context.CancelFunc
	pollDone     chan struct{}
	checkCtx     context.Context
	stopCheckers context.CancelFunc
}

// New creates a worker. pub may be nil, in which case no events are
// published.
func New(store JobStore, executor llm.Executor, pub notify.Publisher, cfg Config) *Worker {
	checkCtx, stopCheckers := context.WithCancel(context.Background())
	return &Worker{
		store:        store,
		executor:     executor,
		pub:          pub,
		cfg:          cfg.withDefaults(),
		active:       make(map[string]*execution),
		checkCtx:     checkCtx,
		stopCheckers: stopCheckers,
	}
}

// Start launches the poll loop. It returns immediately; use Shutdown to stop.
func (w *Worker) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	w.mu.Lock()
	w.stopPoll = cancel
	w.pollDone = done
	w.mu.Unlock()

	go w.loop(ctx, done)
}

func (w *Worker) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	slog.Debug("worker started", "max_concurrent", w.cfg.MaxConcurrent, "poll", w.cfg.PollInterval)

	poll := time.NewTicker(w.cfg.PollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Debug("worker stopping")
			return
		case <-poll.C:
			w.poll(ctx)
		}
	}
}

type claimResult int

const (
	claimNone claimResult = iota
	claimSkipped
	claimStarted
)

// poll claims jobs until capacity is full or nothing is eligible.
func (w *Worker) poll(ctx context.Context) {
	for ctx.Err() == nil && w.reserve() {
		res, err := w.claim(ctx)
		if err != nil && ctx.Err() == nil {
			slog.Error("claim job failed", "err", err)
		}
		if res != claimStarted {
			w.release()
		}
		if res == claimNone {
			return
		}
	}
}

func (w *Worker) claim(ctx context.Context) (claimResult, error) {
	job, err := w.store.ClaimNext(ctx)
	if err != nil {
		return claimNone, err
	}
	if job == nil {
		return claimNone, nil
	}

	// A cancellation may have raced the claim.
	active, err := w.store.HasActiveJob(ctx, job.SessionID)
	if err != nil {
		return claimNone, err
	}
	if !active {
		slog.Debug("abandoning claim for inactive session", "job", db.ShortID(job.ID), "session", job.SessionID)
		return claimSkipped, nil
	}

	if err := w.store.MarkProcessing(ctx, job.ID); err != nil {
		if errors.Is(err, db.ErrNotClaimable) {
			slog.Debug("abandoning claim", "job", db.ShortID(job.ID), "err", err)
			return claimSkipped, nil
		}
		return claimNone, err
	}

	exec := newExecution(context.Background(), job.ID, job.SessionID, job.PromptID, w.jobContext)
	w.mu.Lock()
	w.active[job.ID] = exec
	w.mu.Unlock()

	slog.Info("worker processing job", "job", db.ShortID(job.ID), "session", job.SessionID, "attempt", job.Attempts+1, "max_attempts", job.MaxAttempts)

	w.jobs.Add(1)
	go w.run(exec, *job)
	return claimStarted, nil
}

func (w *Worker) jobContext(parent context.Context) (context.Context, context.CancelFunc) {
	if w.cfg.JobTimeout > 0 {
		return context.WithTimeout(parent, w.cfg.JobTimeout)
	}
	return context.WithCancel(parent)
}

func (w *Worker) run(exec *execution, job db.Job) {
	defer w.jobs.Done()
	defer w.finish(exec)
	defer func() {
		if r := recover(); r != nil {
			slog.Error("worker panic", "job", db.ShortID(job.ID), "panic", r, "stack", string(debug.Stack()))
			w.recordFailure(job, fmt.Sprintf("worker panic: %v", r))
		}
	}()

	stopChecker := w.startCancelChecker(exec)
	defer stopChecker()

	err := w.process(exec, job)

	var execErr *ExecutionError
	switch {
	case err == nil:
		slog.Info("job completed", "job", db.ShortID(job.ID), "session", job.SessionID)
	case errors.Is(err, ErrCancelled):
		slog.Info("job cancelled", "job", db.ShortID(job.ID), "session", job.SessionID)
	case errors.Is(err, ErrShutdown):
		slog.Info("job released for shutdown", "job", db.ShortID(job.ID))
	case errors.As(err, &execErr) && execErr.Terminal:
		slog.Error("job failed", "job", db.ShortID(job.ID), "attempts", execErr.Attempts, "error", execErr.Message)
	case errors.As(err, &execErr):
		slog.Warn("job attempt failed, will retry", "job", db.ShortID(job.ID), "attempts", execErr.Attempts, "next_retry_at", execErr.NextRetryAt, "error", execErr.Message)
	default:
		slog.Error("job processing error", "job", db.ShortID(job.ID), "err", err)
	}
}

// process executes the job and records its outcome. It returns nil on
// success, ErrCancelled or ErrShutdown when aborted, and *ExecutionError
// when the failure was recorded.
func (w *Worker) process(exec *execution, job db.Job) error {
	outcome, execErr := w.executor.Execute(exec.ctx, llm.Request{
		JobID:            job.ID,
		Prompt:           job.Payload.Prompt,
		WorkingDirectory: job.Payload.WorkingDirectory,
		AllowedTools:     job.Payload.AllowedTools,
	})

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if execErr == nil && outcome.Success {
		err := w.store.MarkCompleted(ctx, job.ID, db.Completion{
			Summary:      outcome.Summary,
			DurationMS:   outcome.DurationMS,
			Executor:     w.executor.Name(),
			InputTokens:  outcome.InputTokens,
			OutputTokens: outcome.OutputTokens,
		})
		if errors.Is(err, db.ErrNotProcessing) {
			return ErrCancelled
		}
		if err != nil {
			return fmt.Errorf("mark job %s completed: %w", job.ID, err)
		}
		w.publish(ctx, job.SessionID, job.PromptID, job.ID, notify.Event{Type: notify.EventComplete, Summary: outcome.Summary})
		return nil
	}

	switch exec.abortReason() {
	case abortCancelled:
		return ErrCancelled
	case abortShutdown:
		if _, err := w.store.ReleaseJob(ctx, job.ID, "released on worker shutdown"); err != nil && !errors.Is(err, db.ErrNotProcessing) {
			return fmt.Errorf("release job %s: %w", job.ID, err)
		}
		return ErrShutdown
	}

	if w.jobCancelled(ctx, job.ID) {
		return ErrCancelled
	}
	return w.recordFailure(job, failureMessage(outcome, execErr))
}

func (w *Worker) recordFailure(job db.Job, msg string) error {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	res, err := w.store.MarkFailed(ctx, job.ID, msg)
	if errors.Is(err, db.ErrNotProcessing) {
		return ErrCancelled
	}
	if err != nil {
		return fmt.Errorf("mark job %s failed: %w", job.ID, err)
	}
	w.publish(ctx, job.SessionID, job.PromptID, job.ID, notify.Event{Type: notify.EventError, Message: msg})
	return &ExecutionError{
		JobID:       job.ID,
		Message:     msg,
		Attempts:    res.Attempts,
		MaxAttempts: res.MaxAttempts,
		NextRetryAt: res.NextRetryAt,
		Terminal:    res.Terminal(),
	}
}

func failureMessage(outcome llm.Outcome, err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "execution timed out"
	case err != nil:
		return err.Error()
	case outcome.ErrorMessage != "":
		return outcome.ErrorMessage
	default:
		return "execution failed"
	}
}

// jobCancelled reports whether the job left processing while it ran.
func (w *Worker) jobCancelled(ctx context.Context, jobID string) bool {
	status, err := w.store.JobStatus(ctx, jobID)
	if err != nil {
		return false
	}
	return status == db.StatusCancelled
}

// startCancelChecker aborts exec once its job is no longer processing. It
// covers cancellations written to the store by another process; in-process
// cancellations go through CancelSession.
func (w *Worker) startCancelChecker(exec *execution) (stop func()) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(w.cfg.CancelCheckInterval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-w.checkCtx.Done():
				return
			case <-exec.ctx.Done():
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(w.checkCtx, storeTimeout)
				status, err := w.store.JobStatus(ctx, exec.jobID)
				cancel()
				if err != nil {
					if !errors.Is(err, context.Canceled) {
						slog.Warn("cancel check failed", "job", db.ShortID(exec.jobID), "err", err)
					}
					continue
				}
				if status != db.StatusProcessing {
					slog.Info("aborting execution", "job", db.ShortID(exec.jobID), "status", status)
					exec.Abort(abortCancelled)
					w.forget(exec)
					return
				}
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

// CancelSession cancels every pending or processing job of the session,
// aborts their executions and publishes one completion event per cancelled
// job. It is a no-op when the session has no active jobs.
func (w *Worker) CancelSession(ctx context.Context, sessionID string) ([]db.CancelledJob, error) {
	cancelled, err := w.store.CancelForSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	var aborting []*execution
	for id, exec := range w.active {
		if exec.sessionID == sessionID {
			aborting = append(aborting, exec)
			delete(w.active, id)
		}
	}
	w.mu.Unlock()
	for _, exec := range aborting {
		exec.Abort(abortCancelled)
	}

	for _, job := range cancelled {
		w.publish(ctx, sessionID, job.PromptID, job.ID, notify.Event{Type: notify.EventComplete, Summary: "Cancelled"})
	}
	if len(cancelled) > 0 {
		slog.Info("session cancelled", "session", sessionID, "jobs", len(cancelled), "aborted", len(aborting))
	}
	return cancelled, nil
}

// Shutdown stops polling, stops cancel checkers, aborts every in-flight
// execution and waits for them to finish, up to ShutdownTimeout or until ctx
// is done. Aborted jobs are released back to pending.
func (w *Worker) Shutdown(ctx context.Context) error {
	w.mu.Lock()
	w.stopping = true
	stopPoll, pollDone := w.stopPoll, w.pollDone
	w.mu.Unlock()

	if stopPoll != nil {
		stopPoll()
		<-pollDone
	}
	w.stopCheckers()

	w.mu.Lock()
	aborting := make([]*execution, 0, len(w.active))
	for _, exec := range w.active {
		aborting = append(aborting, exec)
	}
	w.mu.Unlock()
	for _, exec := range aborting {
		exec.Abort(abortShutdown)
	}

	done := make(chan struct{})
	go func() {
		w.jobs.Wait()
		close(done)
	}()

	timer := time.NewTimer(w.cfg.ShutdownTimeout)
	defer timer.Stop()
	select {
	case <-done:
		slog.Debug("worker stopped")
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	remaining := w.InFlight()
	slog.Warn("worker shutdown timed out with jobs in flight", "in_flight", remaining)
	return fmt.Errorf("worker shutdown: %d jobs still in flight", remaining)
}

// InFlight returns the number of jobs currently executing.
func (w *Worker) InFlight() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.inFlight
}

func (w *Worker) reserve() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopping || w.inFlight >= w.cfg.MaxConcurrent {
		return false
	}
	w.inFlight++
	return true
}

func (w *Worker) release() {
	w.mu.Lock()
	w.inFlight--
	w.mu.Unlock()
}

func (w *Worker) forget(exec *execution) {
	w.mu.Lock()
	if w.active[exec.jobID] == exec {
		delete(w.active, exec.jobID)
	}
	w.mu.Unlock()
}

func (w *Worker) finish(exec *execution) {
	exec.cancel()
	w.forget(exec)
	w.release()
}

func (w *Worker) publish(ctx context.Context, sessionID, promptID, jobID string, ev notify.Event) {
	if w.pub == nil {
		return
	}
	if err := w.pub.Publish(ctx, sessionID, promptID, jobID, ev); err != nil {
		slog.Warn("publish event failed", "job", db.ShortID(jobID), "event", ev.Type, "err", err)
	}
}
