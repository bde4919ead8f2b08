package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/throttlequeue/throttlequeue/internal/metrics"
)

// Config holds the per-dispatcher policy knobs.
type Config struct {
	// Concurrency is the number of workers spawned per host, a bound that
	// applies independently to each host.
	Concurrency int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	JitterRatio float64
	Randomizer  Randomizer
	Metrics     metrics.Sink
	Logger      *slog.Logger
}

// DefaultConfig returns reasonable defaults for all dispatcher policy knobs.
func DefaultConfig() Config {
	return Config{
		Concurrency: 1,
		BaseBackoff: 500 * time.Millisecond,
		MaxBackoff:  30 * time.Second,
		JitterRatio: 0.25,
	}
}

// Dispatcher is the top-level queue: it owns per-host state, lazily spawns
// workers on first submission to a new host, and implements the exponential
// backoff and retry-hint policy.
type Dispatcher struct {
	cfg    Config
	logger *slog.Logger

	mu    sync.Mutex
	hosts map[string]*hostState
	group *errgroup.Group // tracks every worker and delayed-requeue goroutine

	ctx    context.Context
	cancel context.CancelFunc
	closed bool
}

// New constructs a Dispatcher. Non-positive Concurrency, BaseBackoff and
// MaxBackoff, and a negative JitterRatio, fall back to DefaultConfig's
// values (a JitterRatio of 0 means no jitter); a fresh metrics.Sink is
// created if none supplied.
func New(cfg Config) *Dispatcher {
	def := DefaultConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.JitterRatio < 0 {
		cfg.JitterRatio = def.JitterRatio
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	// Workers and delayed-requeue goroutines never themselves fail the
	// dispatcher, so the derived context from errgroup.WithContext is
	// unused; d.ctx (cancelled by Close) is what actually wakes them.
	group, _ := errgroup.WithContext(ctx)

	return &Dispatcher{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "dispatch"),
		hosts:  make(map[string]*hostState),
		group:  group,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Metrics returns the live metrics sink. Callers may read it at any time,
// concurrently with ongoing submissions.
func (d *Dispatcher) Metrics() metrics.Sink { return d.cfg.Metrics }

// Submit appends a new task for host and blocks until it reaches a
// terminal outcome, or until ctx is done, in which case the submitter is
// treated as having abandoned the completion handle and the task is
// dropped silently whenever a worker or the delayed-requeue scheduler next
// observes it.
func (d *Dispatcher) Submit(ctx context.Context, host string, op Operation, maxAttempts int) (*Response, error) {
	if maxAttempts < 1 {
		maxAttempts = 5
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrClosed
	}
	state, ok := d.hosts[host]
	if !ok {
		state = newHostState()
		d.hosts[host] = state
		d.startWorkers(host, state)
	}
	d.mu.Unlock()

	t := newTask(host, op, maxAttempts)
	if !state.push(t) {
		return nil, ErrClosed
	}
	d.cfg.Metrics.RecordEnqueue(host, state.depth())

	select {
	case res := <-t.resultCh:
		return res.resp, res.err
	case <-ctx.Done():
		t.markCanceled()
		return nil, ctx.Err()
	}
}

// startWorkers spawns cfg.Concurrency goroutines bound to state, lazily on
// first submission to host. Must be called with d.mu held.
func (d *Dispatcher) startWorkers(host string, state *hostState) {
	state.workersStarted = true
	for i := 0; i < d.cfg.Concurrency; i++ {
		d.group.Go(func() error {
			d.workerLoop(host, state)
			return nil
		})
	}
}

// workerLoop pops tasks for host one at a time, honoring any outstanding
// retry-after deadline before each attempt, and dispatches the result to
// either settlement or the backoff path.
func (d *Dispatcher) workerLoop(host string, state *hostState) {
	logger := d.logger.With("host", host)
	for {
		t, depth, ok := state.pop()
		if !ok {
			return
		}

		if t.isCanceled() {
			d.cfg.Metrics.RecordCancelled(host, depth)
			continue
		}

		wait := time.Since(t.enqueuedAt)
		d.cfg.Metrics.RecordDequeue(host, depth, wait)

		if deadline := state.currentRetryAfter(); !deadline.IsZero() {
			if until := time.Until(deadline); until > 0 {
				d.sleep(until)
			}
		}

		t.attempt++
		resp, err := t.op()

		if err != nil {
			// Non-rate-limit failure: settle immediately. consecutiveBackoffs
			// is deliberately NOT reset here: repeated transient operation
			// errors should not reduce subsequent rate-limit sensitivity.
			logger.Warn("operation failed", "task_id", t.id, "attempt", t.attempt, "error", err)
			t.settle(nil, &OperationError{Host: host, Err: err})
			d.cfg.Metrics.RecordOperationError(host, state.depth())
			continue
		}

		limited, hint := isRateLimited(resp)
		if !limited {
			state.recordSuccess()
			t.settle(resp, nil)
			d.cfg.Metrics.RecordCompleted(host, state.depth())
			continue
		}

		d.handleBackoff(host, state, t, resp, hint, logger)
	}
}

// handleBackoff records a rate-limited response, computes the next delay,
// and either terminates the task (attempts exhausted) or requeues it.
func (d *Dispatcher) handleBackoff(host string, state *hostState, t *task, resp *Response, hint *time.Duration, logger *slog.Logger) {
	consecutive := state.incrementBackoff()
	delay := computeDelay(consecutive, hint, BackoffConfig{
		Base:        d.cfg.BaseBackoff,
		Max:         d.cfg.MaxBackoff,
		JitterRatio: d.cfg.JitterRatio,
		Randomizer:  d.cfg.Randomizer,
	})
	deadline := state.applyRetryAfter(delay)

	now := time.Now()
	d.cfg.Metrics.RecordBackoff(metrics.BackoffEvent{
		Host:           host,
		Attempt:        t.attempt,
		Delay:          delay,
		RetryAfterHint: hint,
		Status:         resp.Status,
		At:             now,
	}, state.depth())

	logger.Debug("backoff scheduled",
		"task_id", t.id,
		"attempt", t.attempt,
		"delay", delay,
		"retry_after_deadline", deadline,
		"status", resp.Status,
	)

	if t.attempt >= t.maxAttempts {
		logger.Error("rate limit exceeded, giving up", "task_id", t.id, "attempt", t.attempt)
		t.settle(nil, &RateLimitExceededError{Host: host, Attempt: t.attempt})
		d.cfg.Metrics.RecordRateLimitExceeded(host, state.depth())
		return
	}

	d.scheduleRequeue(host, state, t, delay)
}

// scheduleRequeue requeues t after delay without blocking the worker, so the
// worker is free to pop the next task immediately. If the dispatcher is
// closed while the task is waiting, it is settled with ErrClosed instead of
// being silently dropped.
func (d *Dispatcher) scheduleRequeue(host string, state *hostState, t *task, delay time.Duration) {
	d.group.Go(func() error {
		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-d.ctx.Done():
			t.settle(nil, ErrClosed)
			return nil
		}

		if t.isCanceled() {
			d.cfg.Metrics.RecordCancelled(host, state.depth())
			return nil
		}

		t.enqueuedAt = time.Now()
		if !state.push(t) {
			t.settle(nil, ErrClosed)
		}
		return nil
	})
}

// sleep blocks for d, but wakes early if the dispatcher is closed so a
// worker parked waiting out a host's retry-after deadline doesn't delay
// Close().
func (d *Dispatcher) sleep(dur time.Duration) {
	timer := time.NewTimer(dur)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-d.ctx.Done():
	}
}

// Close is idempotent: it stops accepting new submissions, settles every
// task still buffered or in a delayed-requeue wait with ErrClosed, then
// waits for in-flight operations and worker goroutines to finish before
// returning.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	hosts := make(map[string]*hostState, len(d.hosts))
	for host, h := range d.hosts {
		hosts[host] = h
	}
	d.mu.Unlock()

	d.cancel() // wakes sleeping workers and delayed-requeue goroutines

	for host, h := range hosts {
		depth := h.depth()
		drained := h.drainAndClose()
		for _, t := range drained {
			depth--
			if t.isCanceled() {
				d.cfg.Metrics.RecordCancelled(host, depth)
				continue
			}
			t.settle(nil, ErrClosed)
		}
	}

	_ = d.group.Wait()
}
