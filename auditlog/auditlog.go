// Copyright (c) 2024 Bryan Frimin <bryan@frimin.fr>.
//
// Permission to use, copy, modify, and/or distribute this software
// for any purpose with or without fee is hereby granted, provided
// that the above copyright notice and this permission notice appear
// in all copies.
//
// THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL
// WARRANTIES WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED
// WARRANTIES OF MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE
// AUTHOR BE LIABLE FOR ANY SPECIAL, DIRECT, INDIRECT, OR
// CONSEQUENTIAL DAMAGES OR ANY DAMAGES WHATSOEVER RESULTING FROM LOSS
// OF USE, DATA OR PROFITS, WHETHER IN AN ACTION OF CONTRACT,
// NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF OR IN
// CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.

// Package auditlog records the decisions made by a ratelimiter.Limiter
// (granted or denied, for which key, after how long a wait) to
// PostgreSQL for later analysis. It never feeds data back into the
// limiter: the limiter's in-memory state is never reconstructed from
// this log, so writing to it is not "persistence of limiter state".
package auditlog

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"go.ratelimitkit.dev/kit/log"
	"go.ratelimitkit.dev/kit/pg"
)

type (
	// Option configures a Sink during initialization.
	Option func(s *Sink)

	// Outcome is the result of a single rate limit decision.
	Outcome string

	// Event is one recorded rate limit decision.
	Event struct {
		// Key identifies the thing being rate limited (a caller, a
		// route, a tenant — whatever the embedding application uses
		// as its limiter key).
		Key string

		// Outcome is OutcomeGranted or OutcomeDenied.
		Outcome Outcome

		// Requested is the number of permits the caller asked for.
		Requested int

		// WaitMicros is how long the caller was made to wait, in
		// microseconds. Zero for an immediately granted request.
		WaitMicros int64

		// At is when the decision was made.
		At time.Time
	}

	// Sink batches Events and flushes them to PostgreSQL. Record is
	// best-effort and never blocks the caller: a full internal queue
	// drops the event and increments a counter rather than stalling
	// the rate limiter's hot path.
	Sink struct {
		pg     *pg.Client
		logger *log.Logger
		tracer trace.Tracer

		queueSize     int
		batchSize     int
		flushInterval time.Duration
		retention     time.Duration

		cleanupOnce sync.Once

		events chan Event

		eventsTotal    *prometheus.CounterVec
		eventsDropped  prometheus.Counter
		flushDuration  prometheus.Histogram
		flushBatchSize prometheus.Histogram
	}
)

const (
	// OutcomeGranted marks a request that received its permits.
	OutcomeGranted Outcome = "granted"

	// OutcomeDenied marks a request refused by TryAcquire.
	OutcomeDenied Outcome = "denied"

	tracerName = "go.ratelimitkit.dev/kit/auditlog"
)

// WithLogger sets a custom logger for the sink.
func WithLogger(l *log.Logger) Option {
	return func(s *Sink) {
		s.logger = l.Named("auditlog")
	}
}

// WithTracerProvider configures OpenTelemetry tracing with the
// provided tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Sink) {
		s.tracer = tp.Tracer(tracerName)
	}
}

// WithRegisterer sets a custom Prometheus registerer for metrics.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(s *Sink) {
		s.registerMetrics(r)
	}
}

// WithQueueSize bounds the number of buffered, not-yet-flushed events.
// Default is 4096.
func WithQueueSize(n int) Option {
	return func(s *Sink) {
		s.queueSize = n
	}
}

// WithBatchSize sets the maximum number of events written per flush.
// Default is 256.
func WithBatchSize(n int) Option {
	return func(s *Sink) {
		s.batchSize = n
	}
}

// WithFlushInterval sets how often buffered events are flushed even if
// the batch isn't full. Default is 2 seconds.
func WithFlushInterval(d time.Duration) Option {
	return func(s *Sink) {
		s.flushInterval = d
	}
}

// WithRetention sets how long audit rows are kept before Cleanup
// removes them. Default is 7 days.
func WithRetention(d time.Duration) Option {
	return func(s *Sink) {
		s.retention = d
	}
}

// NewSink creates an audit log sink backed by PostgreSQL, ensures the
// backing table exists, and starts the background flush loop. The
// flush loop stops when ctx is cancelled.
func NewSink(ctx context.Context, pgClient *pg.Client, options ...Option) (*Sink, error) {
	s := &Sink{
		pg:            pgClient,
		logger:        log.NewLogger(log.WithOutput(io.Discard)),
		tracer:        otel.GetTracerProvider().Tracer(tracerName),
		queueSize:     4096,
		batchSize:     256,
		flushInterval: 2 * time.Second,
		retention:     7 * 24 * time.Hour,
	}

	s.registerMetrics(prometheus.DefaultRegisterer)

	for _, o := range options {
		o(s)
	}

	s.events = make(chan Event, s.queueSize)

	if err := s.pg.WithConn(ctx, func(conn pg.Conn) error {
		return ensureTable(ctx, conn)
	}); err != nil {
		return nil, fmt.Errorf("cannot ensure ratelimiter_audit_log table: %w", err)
	}

	go s.runFlushLoop(ctx)

	return s, nil
}

func (s *Sink) registerMetrics(r prometheus.Registerer) {
	s.eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: "auditlog",
			Name:      "events_total",
			Help:      "Total number of rate limit decisions recorded, by outcome.",
		},
		[]string{"outcome"},
	)
	if err := r.Register(s.eventsTotal); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			s.eventsTotal = are.ExistingCollector.(*prometheus.CounterVec)
		}
	}

	s.eventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Subsystem: "auditlog",
			Name:      "events_dropped_total",
			Help:      "Total number of events dropped because the queue was full.",
		},
	)
	if err := r.Register(s.eventsDropped); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			s.eventsDropped = are.ExistingCollector.(prometheus.Counter)
		}
	}

	s.flushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Subsystem: "auditlog",
			Name:      "flush_duration_seconds",
			Help:      "Duration of batch flushes to PostgreSQL.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	if err := r.Register(s.flushDuration); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			s.flushDuration = are.ExistingCollector.(prometheus.Histogram)
		}
	}

	s.flushBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Subsystem: "auditlog",
			Name:      "flush_batch_size",
			Help:      "Number of events written per flush.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		},
	)
	if err := r.Register(s.flushBatchSize); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			s.flushBatchSize = are.ExistingCollector.(prometheus.Histogram)
		}
	}
}

// Record enqueues an event for asynchronous flushing. It never blocks:
// if the internal queue is full the event is dropped and
// auditlog_events_dropped_total is incremented instead.
func (s *Sink) Record(event Event) {
	select {
	case s.events <- event:
	default:
		s.eventsDropped.Inc()
	}
}

func (s *Sink) runFlushLoop(ctx context.Context) {
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, s.batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		s.flush(ctx, batch)
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case evt := <-s.events:
			batch = append(batch, evt)
			if len(batch) >= s.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (s *Sink) flush(ctx context.Context, batch []Event) {
	var (
		rootSpan = trace.SpanFromContext(ctx)
		span     trace.Span
	)

	if rootSpan.IsRecording() {
		ctx, span = s.tracer.Start(
			ctx,
			"auditlog.flush",
			trace.WithSpanKind(trace.SpanKindInternal),
			trace.WithAttributes(attribute.Int("auditlog.batch_size", len(batch))),
		)
		defer span.End()
	}

	start := time.Now()

	err := s.pg.WithConn(ctx, func(conn pg.Conn) error {
		return insertBatch(ctx, conn, batch)
	})

	s.flushDuration.Observe(time.Since(start).Seconds())
	s.flushBatchSize.Observe(float64(len(batch)))

	if err != nil {
		if rootSpan.IsRecording() {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}

		s.logger.ErrorCtx(ctx, "cannot flush audit log events",
			log.Error(err),
			log.Int("batch_size", len(batch)),
		)
		return
	}

	for _, evt := range batch {
		s.eventsTotal.WithLabelValues(string(evt.Outcome)).Inc()
	}
}

// StartCleanup starts a background goroutine that periodically removes
// audit rows older than the configured retention window. The goroutine
// stops when ctx is cancelled. Safe to call multiple times; only the
// first call starts the goroutine.
func (s *Sink) StartCleanup(ctx context.Context) {
	s.cleanupOnce.Do(func() {
		go s.runCleanupLoop(ctx)
	})
}

func (s *Sink) runCleanupLoop(ctx context.Context) {
	s.logger.InfoCtx(ctx, "starting audit log cleanup loop",
		log.Duration("retention", s.retention),
	)

	ticker := time.NewTicker(s.retention / 10)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.InfoCtx(ctx, "stopping audit log cleanup loop")
			return
		case <-ticker.C:
			if _, err := s.Cleanup(ctx, s.retention); err != nil {
				s.logger.ErrorCtx(ctx, "audit log cleanup failed", log.Error(err))
			}
		}
	}
}
