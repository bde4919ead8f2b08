package dispatch

import (
	"sync"
	"time"
)

// hostState is the per-host record: a FIFO buffer, the current retry-after
// deadline, the consecutive-backoff count, and whether workers have been
// started for this host. Only workers owned by a hostState dequeue from its
// buffer; each method holds mu for its own duration, so every single
// mutation is serialized. The worker's classify and schedule-requeue steps
// run outside mu, and are not held under one lock with the dequeue.
type hostState struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	buffer   []*task
	closed   bool

	retryAfter          time.Time
	consecutiveBackoffs int

	workersStarted bool
}

func newHostState() *hostState {
	h := &hostState{}
	h.notEmpty = sync.NewCond(&h.mu)
	return h
}

// push appends a task to the tail of the buffer. Returns false if the host
// has already been closed, in which case the caller must settle the task
// itself.
func (h *hostState) push(t *task) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.buffer = append(h.buffer, t)
	h.notEmpty.Signal()
	return true
}

// pop blocks until a task is available or the host is closed, in which
// case it returns (nil, 0, false). It hands back whatever is at the head of
// the buffer, canceled or not — the caller (workerLoop) is the one that
// checks t.isCanceled() and records the cancellation metric, since only it
// knows the host label to attach. depthAfter is the buffer size
// immediately after this task was removed, for metrics.
func (h *hostState) pop() (t *task, depthAfter int, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for {
		if len(h.buffer) > 0 {
			next := h.buffer[0]
			h.buffer = h.buffer[1:]
			return next, len(h.buffer), true
		}
		if h.closed {
			return nil, 0, false
		}
		h.notEmpty.Wait()
	}
}

// drainAndClose marks the host closed, wakes any blocked workers, and
// returns every task still buffered so the caller can settle them with
// ErrClosed. Combined with the dispatcher cancelling its shared context on
// Close, this guarantees every buffered or delayed-requeue task is settled
// rather than left to leak silently.
func (h *hostState) drainAndClose() []*task {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	drained := h.buffer
	h.buffer = nil
	h.notEmpty.Broadcast()
	return drained
}

// currentRetryAfter returns the host's retry-after deadline.
func (h *hostState) currentRetryAfter() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.retryAfter
}

// recordSuccess resets backoff state on a non-rate-limited response.
func (h *hostState) recordSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.consecutiveBackoffs = 0
	h.retryAfter = time.Time{}
}

// incrementBackoff bumps the consecutive-backoff counter and returns its
// new value, used as the exponent input to computeDelay.
func (h *hostState) incrementBackoff() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.consecutiveBackoffs++
	return h.consecutiveBackoffs
}

// applyRetryAfter advances the retry-after deadline monotonically (never
// earlier than the previous value) given an already-computed delay.
func (h *hostState) applyRetryAfter(delay time.Duration) time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	candidate := time.Now().Add(delay)
	if candidate.After(h.retryAfter) {
		h.retryAfter = candidate
	}
	return h.retryAfter
}

func (h *hostState) depth() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.buffer)
}
