// Package metrics is the dispatcher's metrics sink: counters, gauges, a
// per-host wait-time distribution, the live retry-after deadline per host,
// and an append-only BackoffEvent log.
//
// It is backed by github.com/prometheus/client_golang, the standard choice
// for a labelled-by-host counter/gauge/histogram set in a Go service.
package metrics

import (
	"net/http"
	"sync"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// BackoffEvent is the append-only audit record emitted each time a task is
// scheduled for retry.
type BackoffEvent struct {
	Host           string
	Attempt        int
	Delay          time.Duration
	RetryAfterHint *time.Duration
	Status         int
	At             time.Time
}

// backoffLogCap bounds the in-memory event log so a long-running dispatcher
// doesn't grow it without limit: the log is append-only in spirit, but
// retention is bounded, so the oldest events are dropped once the cap is
// hit.
const backoffLogCap = 4096

// Sink is the interface the dispatcher writes metrics through. Multiple
// goroutines write concurrently; readers (Snapshot, BackoffEvents) tolerate
// transient cross-field inconsistency rather than paying for a single
// global lock across every counter.
type Sink interface {
	RecordEnqueue(host string, depth int)
	RecordDequeue(host string, depth int, wait time.Duration)
	RecordBackoff(ev BackoffEvent, depth int)
	RecordCompleted(host string, depth int)
	RecordRateLimitExceeded(host string, depth int)
	RecordOperationError(host string, depth int)
	RecordCancelled(host string, depth int)

	// BackoffEvents returns a copy of the retained backoff log.
	BackoffEvents() []BackoffEvent
	// RetryAfter returns the latest retry-after deadline recorded for a host
	// (an earlier deadline never replaces a later one), or the zero Time if
	// none has been recorded.
	RetryAfter(host string) time.Time
	// Snapshot returns a point-in-time view of the aggregate counters.
	Snapshot() Snapshot

	// Handler exposes the Prometheus scrape endpoint.
	Handler() http.Handler
}

// Snapshot is a read-only view of the sink's aggregate counters, used by
// tests and the API server's GET /api/snapshot endpoint.
type Snapshot struct {
	TotalEnqueued      int64
	Completed          int64
	BackoffEvents      int64
	RateLimitExceeded  int64
	OperationErrors    int64
	Cancelled          int64
	QueueDepth         map[string]int64
	AverageWaitSeconds map[string]float64
}

type promSink struct {
	enqueued     *prometheus.CounterVec
	completed    *prometheus.CounterVec
	backoffs     *prometheus.CounterVec
	rateLimited  *prometheus.CounterVec
	opErrors     *prometheus.CounterVec
	cancelled    *prometheus.CounterVec
	queueDepth   *prometheus.GaugeVec
	waitSeconds  *prometheus.HistogramVec
	retryAfterTS *prometheus.GaugeVec

	mu          sync.Mutex
	events      []BackoffEvent
	retryAfter  map[string]time.Time
	waitSamples map[string][]float64
	registry    *prometheus.Registry
}

// New builds a fresh metrics sink with its own Prometheus registry, so
// multiple dispatchers in the same process never collide on metric names.
func New() Sink {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	s := &promSink{
		enqueued: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "throttlequeue_total_enqueued",
			Help: "Total tasks submitted, labelled by host.",
		}, []string{"host"}),
		completed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "throttlequeue_completed_total",
			Help: "Total tasks that completed successfully, labelled by host.",
		}, []string{"host"}),
		backoffs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "throttlequeue_backoff_events_total",
			Help: "Total backoff events emitted, labelled by host.",
		}, []string{"host"}),
		rateLimited: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "throttlequeue_rate_limit_exceeded_total",
			Help: "Total tasks that exhausted max_attempts while rate-limited.",
		}, []string{"host"}),
		opErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "throttlequeue_operation_errors_total",
			Help: "Total tasks that failed with a non-rate-limit operation error.",
		}, []string{"host"}),
		cancelled: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "throttlequeue_cancelled_total",
			Help: "Total tasks dropped because the submitter abandoned the completion handle.",
		}, []string{"host"}),
		queueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "throttlequeue_queue_depth",
			Help: "Last observed buffer size, labelled by host.",
		}, []string{"host"}),
		waitSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "throttlequeue_wait_seconds",
			Help:    "Time a task spent buffered before a worker picked it up.",
			Buckets: prometheus.DefBuckets,
		}, []string{"host"}),
		retryAfterTS: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "throttlequeue_retry_after_unix_seconds",
			Help: "Absolute unix timestamp of the last backoff deadline, labelled by host.",
		}, []string{"host"}),
		retryAfter:  make(map[string]time.Time),
		waitSamples: make(map[string][]float64),
		registry:    reg,
	}
	return s
}

func (s *promSink) RecordEnqueue(host string, depth int) {
	s.enqueued.WithLabelValues(host).Inc()
	s.queueDepth.WithLabelValues(host).Set(float64(depth))
}

func (s *promSink) RecordDequeue(host string, depth int, wait time.Duration) {
	s.queueDepth.WithLabelValues(host).Set(float64(depth))
	s.waitSeconds.WithLabelValues(host).Observe(wait.Seconds())

	s.mu.Lock()
	s.waitSamples[host] = append(s.waitSamples[host], wait.Seconds())
	s.mu.Unlock()
}

func (s *promSink) RecordBackoff(ev BackoffEvent, depth int) {
	s.backoffs.WithLabelValues(ev.Host).Inc()
	s.queueDepth.WithLabelValues(ev.Host).Set(float64(depth))
	s.retryAfterTS.WithLabelValues(ev.Host).Set(float64(ev.At.Add(ev.Delay).Unix()))

	s.mu.Lock()
	s.events = append(s.events, ev)
	if len(s.events) > backoffLogCap {
		s.events = s.events[len(s.events)-backoffLogCap:]
	}
	if cur, ok := s.retryAfter[ev.Host]; !ok || ev.At.Add(ev.Delay).After(cur) {
		s.retryAfter[ev.Host] = ev.At.Add(ev.Delay)
	}
	s.mu.Unlock()
}

func (s *promSink) RecordCompleted(host string, depth int) {
	s.completed.WithLabelValues(host).Inc()
	s.queueDepth.WithLabelValues(host).Set(float64(depth))
}

func (s *promSink) RecordRateLimitExceeded(host string, depth int) {
	s.rateLimited.WithLabelValues(host).Inc()
	s.queueDepth.WithLabelValues(host).Set(float64(depth))
}

func (s *promSink) RecordOperationError(host string, depth int) {
	s.opErrors.WithLabelValues(host).Inc()
	s.queueDepth.WithLabelValues(host).Set(float64(depth))
}

func (s *promSink) RecordCancelled(host string, depth int) {
	s.cancelled.WithLabelValues(host).Inc()
	s.queueDepth.WithLabelValues(host).Set(float64(depth))
}

func (s *promSink) BackoffEvents() []BackoffEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]BackoffEvent, len(s.events))
	copy(out, s.events)
	return out
}

func (s *promSink) RetryAfter(host string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retryAfter[host]
}

func (s *promSink) Snapshot() Snapshot {
	snap := Snapshot{
		QueueDepth:         make(map[string]int64),
		AverageWaitSeconds: make(map[string]float64),
	}
	snap.TotalEnqueued = sumCounter(s.enqueued)
	snap.Completed = sumCounter(s.completed)
	snap.BackoffEvents = sumCounter(s.backoffs)
	snap.RateLimitExceeded = sumCounter(s.rateLimited)
	snap.OperationErrors = sumCounter(s.opErrors)
	snap.Cancelled = sumCounter(s.cancelled)

	depths := make(chan prometheus.Metric, 64)
	go func() {
		s.queueDepth.Collect(depths)
		close(depths)
	}()
	for m := range depths {
		var pb dto.Metric
		if err := m.Write(&pb); err != nil || pb.Gauge == nil {
			continue
		}
		for _, lp := range pb.GetLabel() {
			if lp.GetName() == "host" {
				snap.QueueDepth[lp.GetValue()] = int64(pb.Gauge.GetValue())
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for host, samples := range s.waitSamples {
		if len(samples) == 0 {
			continue
		}
		var total float64
		for _, v := range samples {
			total += v
		}
		snap.AverageWaitSeconds[host] = total / float64(len(samples))
	}
	return snap
}

func (s *promSink) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// sumCounter walks a CounterVec's child metrics to produce an aggregate
// total; used only for the convenience Snapshot() view, not the scrape path.
func sumCounter(vec *prometheus.CounterVec) int64 {
	ch := make(chan prometheus.Metric, 64)
	go func() {
		vec.Collect(ch)
		close(ch)
	}()
	var total float64
	for m := range ch {
		var pb dto.Metric
		if err := m.Write(&pb); err == nil && pb.Counter != nil {
			total += pb.Counter.GetValue()
		}
	}
	return int64(total)
}
