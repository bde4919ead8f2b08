// Package throttlequeue provides a public SDK for embedding a rate-limit
// aware request dispatcher as a library, configured with functional
// options.
//
// Example usage:
//
//	q := throttlequeue.New(
//	    throttlequeue.WithConcurrency(4),
//	    throttlequeue.WithBaseBackoff(250*time.Millisecond),
//	)
//	defer q.Close()
//
//	resp, err := q.Do(ctx, "api.example.com", func() (*dispatch.Response, error) {
//	    return client.Operation(ctx, "GET", "https://api.example.com/widgets", nil, nil)()
//	}, 5)
package throttlequeue

import (
	"context"
	"log/slog"
	"time"

	"github.com/throttlequeue/throttlequeue/internal/dispatch"
	"github.com/throttlequeue/throttlequeue/internal/metrics"
)

// Option configures a Queue.
type Option func(*dispatch.Config)

// WithConcurrency sets the number of workers spawned per host.
func WithConcurrency(n int) Option {
	return func(c *dispatch.Config) { c.Concurrency = n }
}

// WithBaseBackoff sets the base exponential-backoff duration.
func WithBaseBackoff(d time.Duration) Option {
	return func(c *dispatch.Config) { c.BaseBackoff = d }
}

// WithMaxBackoff caps the computed backoff delay, jitter included.
func WithMaxBackoff(d time.Duration) Option {
	return func(c *dispatch.Config) { c.MaxBackoff = d }
}

// WithJitterRatio sets the jitter added to each backoff delay, as a uniform
// random number of seconds in [0, ratio) added on top of the baseline delay.
func WithJitterRatio(ratio float64) Option {
	return func(c *dispatch.Config) { c.JitterRatio = ratio }
}

// WithMetrics supplies a pre-built metrics sink, e.g. to share a registry
// across multiple Queues.
func WithMetrics(sink metrics.Sink) Option {
	return func(c *dispatch.Config) { c.Metrics = sink }
}

// WithLogger supplies a structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *dispatch.Config) { c.Logger = logger }
}

// Queue is the embeddable handle around a dispatch.Dispatcher.
type Queue struct {
	d *dispatch.Dispatcher
}

// New constructs a Queue with the given options applied over
// dispatch.DefaultConfig.
func New(opts ...Option) *Queue {
	cfg := dispatch.DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Queue{d: dispatch.New(cfg)}
}

// Do submits op against host and blocks for a terminal outcome, exactly
// like dispatch.Dispatcher.Submit — this wrapper exists so embedders don't
// need to import internal/dispatch directly.
func (q *Queue) Do(ctx context.Context, host string, op dispatch.Operation, maxAttempts int) (*dispatch.Response, error) {
	return q.d.Submit(ctx, host, op, maxAttempts)
}

// Metrics returns the live metrics sink.
func (q *Queue) Metrics() metrics.Sink { return q.d.Metrics() }

// Close drains and settles every buffered or delayed task with
// dispatch.ErrClosed, then waits for all workers to exit.
func (q *Queue) Close() { q.d.Close() }
