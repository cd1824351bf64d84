// Package control provides the per-agent cancellation primitive used by
// the build loop.
package control

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/forgecode/forge/internal/core"
)

// TaskID identifies a unit of retryable work queued by the build loop
// (e.g. a failed install command chunk). Local to this package since
// command chunking has no cross-package task identity of its own.
type TaskID string

// AbortHandle is the single per-agent cancellation primitive. It has
// no pause state: the build loop's states are IDLE, PHASE_GENERATING,
// PHASE_IMPLEMENTING, REVIEWING, FINALIZING only.
type AbortHandle struct {
	mu        sync.Mutex
	cancelled atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc
}

// New creates a fresh AbortHandle derived from parent. Calling code keeps
// one of these live per build loop; a new one is acquired when a build
// starts and cleared when it ends.
func New(parent context.Context) *AbortHandle {
	ctx, cancel := context.WithCancel(parent)
	return &AbortHandle{ctx: ctx, cancel: cancel}
}

// Context returns the cancellable context nested inference calls should
// derive their own contexts from, so a single Cancel aborts every
// in-flight LLM call, sandbox exec, and workspace I/O.
func (h *AbortHandle) Context() context.Context {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ctx
}

// Cancel trips the abort handle. Safe to call more than once and safe to
// call concurrently with Context().
func (h *AbortHandle) Cancel() {
	h.cancelled.Store(true)
	h.mu.Lock()
	cancel := h.cancel
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// IsCancelled reports whether Cancel has been called.
func (h *AbortHandle) IsCancelled() bool {
	return h.cancelled.Load()
}

// CheckCancelled returns a cancellation DomainError if the handle has
// tripped, nil otherwise — used at loop checkpoints in the build wrapper.
func (h *AbortHandle) CheckCancelled() error {
	if h.cancelled.Load() {
		return core.ErrCancelled("build cancelled by cancelCurrentInference")
	}
	return nil
}

// RetryQueue is a small bounded FIFO of TaskIDs queued for a retry pass.
type RetryQueue struct {
	ch chan TaskID
}

// NewRetryQueue creates a RetryQueue with the given buffer size.
func NewRetryQueue(size int) *RetryQueue {
	if size <= 0 {
		size = 100
	}
	return &RetryQueue{ch: make(chan TaskID, size)}
}

// Push enqueues a task id for retry; drops silently if the queue is
// full, which shouldn't happen with a reasonably sized buffer.
func (q *RetryQueue) Push(id TaskID) {
	select {
	case q.ch <- id:
	default:
	}
}

// Chan exposes the retry channel for a consumer loop.
func (q *RetryQueue) Chan() <-chan TaskID {
	return q.ch
}

// Len reports the number of currently queued retries.
func (q *RetryQueue) Len() int {
	return len(q.ch)
}
