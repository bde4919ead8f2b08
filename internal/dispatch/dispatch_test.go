package dispatch

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/throttlequeue/throttlequeue/internal/metrics"
)

func testDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	d := New(Config{
		Concurrency: 1,
		BaseBackoff: 5 * time.Millisecond,
		MaxBackoff:  50 * time.Millisecond,
		JitterRatio: 0,
		Randomizer:  func(lo, hi float64) float64 { return lo },
	})
	t.Cleanup(d.Close)
	return d
}

func TestSubmitSingleSuccess(t *testing.T) {
	d := testDispatcher(t)

	op := func() (*Response, error) {
		return NewResponse(200, http.Header{}, []byte("ok")), nil
	}

	resp, err := d.Submit(context.Background(), "example.com", op, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Status != 200 || string(resp.Payload) != "ok" {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestSubmitSerializesWithinHost(t *testing.T) {
	d := testDispatcher(t)

	var active int32
	var sawOverlap atomic.Bool
	op := func() (*Response, error) {
		if atomic.AddInt32(&active, 1) > 1 {
			sawOverlap.Store(true)
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		return NewResponse(200, http.Header{}, nil), nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := d.Submit(context.Background(), "shared.example.com", op, 1); err != nil {
				t.Errorf("submit: %v", err)
			}
		}()
	}
	wg.Wait()

	if sawOverlap.Load() {
		t.Error("expected tasks on the same host to never run concurrently")
	}
}

// TestSubmitPreservesFIFOOrder mirrors the original request_queue.py's
// test_serializes_requests_per_host, which submits two operations
// concurrently and asserts the recorded start order equals submission
// order. Here "first" occupies the single worker while "second" and
// "third" are appended to the host buffer behind it, so the dispatcher
// must start them in push order rather than any other order the runtime
// might otherwise schedule goroutines in.
func TestSubmitPreservesFIFOOrder(t *testing.T) {
	d := testDispatcher(t)

	var mu sync.Mutex
	var started []string
	release := make(chan struct{})
	firstRunning := make(chan struct{})

	makeOp := func(name string, block bool) Operation {
		return func() (*Response, error) {
			mu.Lock()
			started = append(started, name)
			mu.Unlock()
			if block {
				close(firstRunning)
				<-release
			}
			return NewResponse(200, http.Header{}, nil), nil
		}
	}

	results := make(chan error, 3)
	go func() {
		_, err := d.Submit(context.Background(), "fifo.example.com", makeOp("first", true), 1)
		results <- err
	}()
	<-firstRunning

	go func() {
		_, err := d.Submit(context.Background(), "fifo.example.com", makeOp("second", false), 1)
		results <- err
	}()
	time.Sleep(10 * time.Millisecond) // let "second" reach the host buffer before "third" is pushed
	go func() {
		_, err := d.Submit(context.Background(), "fifo.example.com", makeOp("third", false), 1)
		results <- err
	}()
	time.Sleep(10 * time.Millisecond)

	close(release)
	for i := 0; i < 3; i++ {
		if err := <-results; err != nil {
			t.Fatalf("submit: %v", err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"first", "second", "third"}
	if len(started) != len(want) {
		t.Fatalf("expected %d tasks to start, got %d (%v)", len(want), len(started), started)
	}
	for i, name := range want {
		if started[i] != name {
			t.Errorf("expected start order %v, got %v", want, started)
			break
		}
	}
}

func TestSubmitIndependentHostsRunConcurrently(t *testing.T) {
	d := testDispatcher(t)

	start := make(chan struct{})
	release := make(chan struct{})
	var entered sync.WaitGroup
	entered.Add(2)

	op := func() (*Response, error) {
		entered.Done()
		<-release
		return NewResponse(200, http.Header{}, nil), nil
	}

	done := make(chan struct{}, 2)
	go func() {
		<-start
		d.Submit(context.Background(), "host-a.example.com", op, 1)
		done <- struct{}{}
	}()
	go func() {
		<-start
		d.Submit(context.Background(), "host-b.example.com", op, 1)
		done <- struct{}{}
	}()
	close(start)

	waitTimeout := time.After(time.Second)
	waitDone := make(chan struct{})
	go func() {
		entered.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
	case <-waitTimeout:
		t.Fatal("timed out waiting for both hosts to start concurrently")
	}
	close(release)
	<-done
	<-done
}

func TestSubmitRetryAfterHonored(t *testing.T) {
	d := testDispatcher(t)

	var attempts int32
	var firstAt, secondAt time.Time
	hint := 30 * time.Millisecond

	op := func() (*Response, error) {
		n := atomic.AddInt32(&attempts, 1)
		if n == 1 {
			firstAt = time.Now()
			h := http.Header{}
			h.Set("Retry-After", "0.03")
			return NewResponse(429, h, nil), nil
		}
		secondAt = time.Now()
		return NewResponse(200, http.Header{}, nil), nil
	}

	resp, err := d.Submit(context.Background(), "hinted.example.com", op, 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Status != 200 {
		t.Fatalf("expected eventual success, got status %d", resp.Status)
	}
	if secondAt.Sub(firstAt) < hint {
		t.Errorf("expected second attempt to wait at least %s, waited %s", hint, secondAt.Sub(firstAt))
	}
}

func TestSubmitExhaustsAttempts(t *testing.T) {
	d := testDispatcher(t)

	op := func() (*Response, error) {
		return NewResponse(429, http.Header{}, nil), nil
	}

	_, err := d.Submit(context.Background(), "always-limited.example.com", op, 3)
	var rle *RateLimitExceededError
	if !errors.As(err, &rle) {
		t.Fatalf("expected RateLimitExceededError, got %v", err)
	}
	if rle.Attempt != 3 {
		t.Errorf("expected Attempt=3, got %d", rle.Attempt)
	}
}

func TestSubmitOperationErrorIsTerminal(t *testing.T) {
	d := testDispatcher(t)

	wantErr := errors.New("boom")
	op := func() (*Response, error) {
		return nil, wantErr
	}

	_, err := d.Submit(context.Background(), "erroring.example.com", op, 5)
	var opErr *OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected OperationError, got %v", err)
	}
	if !errors.Is(opErr, wantErr) {
		t.Errorf("expected wrapped error to unwrap to %v, got %v", wantErr, opErr.Unwrap())
	}
}

func TestSubmitContextCancellation(t *testing.T) {
	d := testDispatcher(t)

	blocked := make(chan struct{})
	op := func() (*Response, error) {
		<-blocked
		return NewResponse(200, http.Header{}, nil), nil
	}

	// Occupy the single worker so a second submission sits buffered.
	go d.Submit(context.Background(), "busy.example.com", op, 1)
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	resultCh := make(chan error, 1)
	go func() {
		_, err := d.Submit(ctx, "busy.example.com", op, 1)
		resultCh <- err
	}()
	cancel()

	select {
	case err := <-resultCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for cancellation to unblock Submit")
	}
	close(blocked)

	// The canceled task is still buffered behind the in-flight one; give
	// the worker a moment to pop and drop it before checking the counter.
	deadline := time.After(time.Second)
	for {
		if d.Metrics().Snapshot().Cancelled >= 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for RecordCancelled to fire for the abandoned task")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestCloseSettlesBufferedTasks(t *testing.T) {
	d := New(Config{Concurrency: 1, BaseBackoff: time.Second, MaxBackoff: time.Second})

	blocked := make(chan struct{})
	op := func() (*Response, error) {
		<-blocked
		return NewResponse(200, http.Header{}, nil), nil
	}

	go d.Submit(context.Background(), "closing.example.com", op, 1)
	time.Sleep(10 * time.Millisecond)

	resultCh := make(chan error, 1)
	go func() {
		_, err := d.Submit(context.Background(), "closing.example.com", op, 1)
		resultCh <- err
	}()
	time.Sleep(10 * time.Millisecond)

	// Close waits for the in-flight operation, so it runs in the background
	// and the blocked op is released only after the buffered task settled.
	closeDone := make(chan struct{})
	go func() {
		d.Close()
		close(closeDone)
	}()

	select {
	case err := <-resultCh:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("expected ErrClosed for the buffered task, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Close to settle the buffered task")
	}
	close(blocked)
	<-closeDone
}

func TestCloseRecordsCancelledForAbandonedBufferedTasks(t *testing.T) {
	d := New(Config{Concurrency: 1, BaseBackoff: time.Second, MaxBackoff: time.Second})

	blocked := make(chan struct{})
	op := func() (*Response, error) {
		<-blocked
		return NewResponse(200, http.Header{}, nil), nil
	}

	// Occupy the worker so the next submission sits buffered behind it.
	go d.Submit(context.Background(), "abandoned.example.com", op, 1)
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	resultCh := make(chan error, 1)
	go func() {
		_, err := d.Submit(ctx, "abandoned.example.com", op, 1)
		resultCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-resultCh:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Submit to observe cancellation")
	}

	// Close waits for the in-flight operation; let it drain the buffer
	// before releasing the blocked op.
	closeDone := make(chan struct{})
	go func() {
		d.Close()
		close(closeDone)
	}()
	time.Sleep(10 * time.Millisecond)
	close(blocked)
	<-closeDone

	if got := d.Metrics().Snapshot().Cancelled; got < 1 {
		t.Errorf("expected Close to record a cancellation for the abandoned buffered task, got %d", got)
	}
}

func TestSubmitAfterCloseReturnsErrClosed(t *testing.T) {
	d := New(DefaultConfig())
	d.Close()

	op := func() (*Response, error) { return NewResponse(200, http.Header{}, nil), nil }
	_, err := d.Submit(context.Background(), "late.example.com", op, 1)
	if !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestMetricsRecordedAcrossLifecycle(t *testing.T) {
	d := testDispatcher(t)

	var attempts int32
	op := func() (*Response, error) {
		n := atomic.AddInt32(&attempts, 1)
		if n == 1 {
			return NewResponse(429, http.Header{}, nil), nil
		}
		return NewResponse(200, http.Header{}, nil), nil
	}

	if _, err := d.Submit(context.Background(), "metrics.example.com", op, 5); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	snap := d.Metrics().Snapshot()
	if snap.TotalEnqueued < 1 {
		t.Errorf("expected TotalEnqueued >= 1, got %d", snap.TotalEnqueued)
	}
	if snap.Completed < 1 {
		t.Errorf("expected Completed >= 1, got %d", snap.Completed)
	}
	if snap.BackoffEvents < 1 {
		t.Errorf("expected BackoffEvents >= 1, got %d", snap.BackoffEvents)
	}

	events := d.Metrics().BackoffEvents()
	if len(events) == 0 {
		t.Fatal("expected at least one retained backoff event")
	}
	var found metrics.BackoffEvent
	for _, ev := range events {
		if ev.Host == "metrics.example.com" {
			found = ev
		}
	}
	if found.Host == "" {
		t.Fatal("expected a backoff event for metrics.example.com")
	}
}
