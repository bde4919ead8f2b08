package dispatch

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

type taskResult struct {
	resp *Response
	err  error
}

// task is the internal record bound to a single Submit call. resultCh is
// settled exactly once (guarded by once); canceled is latched by Submit when its caller's
// context is done before a result arrives, so the worker (or the delayed
// requeue scheduler) can drop the task silently instead of running it.
type task struct {
	id          string
	host        string
	op          Operation
	maxAttempts int
	attempt     int
	enqueuedAt  time.Time

	once     sync.Once
	resultCh chan taskResult
	canceled atomic.Bool
}

func newTask(host string, op Operation, maxAttempts int) *task {
	return &task{
		id:          uuid.NewString(),
		host:        host,
		op:          op,
		maxAttempts: maxAttempts,
		enqueuedAt:  time.Now(),
		resultCh:    make(chan taskResult, 1),
	}
}

// settle fulfils the completion handle exactly once; later calls are no-ops.
func (t *task) settle(resp *Response, err error) {
	t.once.Do(func() {
		t.resultCh <- taskResult{resp: resp, err: err}
		close(t.resultCh)
	})
}

func (t *task) markCanceled() bool  { return t.canceled.CompareAndSwap(false, true) }
func (t *task) isCanceled() bool    { return t.canceled.Load() }
