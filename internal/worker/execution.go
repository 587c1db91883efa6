package worker

import (
	"context"
	"sync"
)

type abortReason int

const (
	abortNone abortReason = iota
	abortCancelled
	abortShutdown
)

// execution is the handle for one in-flight job. Abort may be called any
// number of times, before the executor starts or after it returned.
type execution struct {
	jobID     string
	sessionID string
	promptID  string

	ctx    context.Context
	cancel context.CancelFunc

	once   sync.Once
	mu     sync.Mutex
	reason abortReason
}

func newExecution(parent context.Context, jobID, sessionID, promptID string, timeout timeoutFunc) *execution {
	ctx, cancel := timeout(parent)
	return &execution{
		jobID:     jobID,
		sessionID: sessionID,
		promptID:  promptID,
		ctx:       ctx,
		cancel:    cancel,
	}
}

type timeoutFunc func(context.Context) (context.Context, context.CancelFunc)

func (e *execution) Abort(reason abortReason) {
	e.once.Do(func() {
		e.mu.Lock()
		e.reason = reason
		e.mu.Unlock()
		e.cancel()
	})
}

func (e *execution) abortReason() abortReason {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reason
}
