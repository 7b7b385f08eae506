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

package ratelimiter

import (
	"context"
	"io"
	"math"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"go.ratelimitkit.dev/kit/auditlog"
	"go.ratelimitkit.dev/kit/clock"
	"go.ratelimitkit.dev/kit/log"
)

const tracerName = "go.ratelimitkit.dev/kit/ratelimiter"

// Limiter is the smooth permit accounting core: it paces the issuance
// of permits so that, averaged over time, issuance never exceeds a
// configured rate, while tolerating bursts (Bursty) or a cold-start
// ramp (WarmingUp). All mutable state is guarded by one mutex; the
// mutex is released before a caller sleeps so other callers can
// reserve and begin sleeping in parallel.
type Limiter struct {
	mu sync.Mutex

	policy policy
	timer  clock.Timer

	storedPermits        float64
	maxPermits           float64 // math.Inf(1) sentinel: never configured
	stableIntervalMicros float64
	nextFreeTicketMicros int64
	rate                 float64

	name string

	logger    *log.Logger
	tracer    trace.Tracer
	auditSink *auditlog.Sink

	satLogged sync.Once

	acquiresTotal       *prometheus.CounterVec
	waitSeconds         prometheus.Histogram
	storedPermitsGauge  prometheus.Gauge
	configuredRateGauge prometheus.Gauge

	reporterOnce sync.Once
}

func newLimiter(p policy, options ...Option) *Limiter {
	l := &Limiter{
		policy:     p,
		timer:      clock.NewSystemTimer(),
		maxPermits: math.Inf(1),
		logger:     log.NewLogger(log.WithOutput(io.Discard)),
		tracer:     otel.GetTracerProvider().Tracer(tracerName),
	}

	l.registerMetrics(prometheus.DefaultRegisterer)

	for _, o := range options {
		o(l)
	}

	return l
}

// NewBursty constructs a Limiter using the Bursty pacing policy:
// stored permits are free to spend, up to maxBurstSeconds worth of
// capacity at rate permits/sec.
func NewBursty(rate, maxBurstSeconds float64, options ...Option) (*Limiter, error) {
	if rate <= 0 {
		return nil, ErrInvalidRate
	}
	if maxBurstSeconds <= 0 {
		return nil, ErrInvalidMaxBurstSeconds
	}

	l := newLimiter(&burstyPolicy{maxBurstSeconds: maxBurstSeconds}, options...)

	if err := l.SetRate(context.Background(), rate); err != nil {
		return nil, err
	}

	return l, nil
}

// NewWarmingUp constructs a Limiter using the WarmingUp pacing
// policy: stored permits cost progressively more above a threshold,
// so a limiter emerging from idleness ramps up to rate permits/sec
// over warmupPeriod instead of issuing at full speed immediately.
// coldFactor (> 1) sets how much more expensive a fully cold permit
// is than a steady-state one.
func NewWarmingUp(rate float64, warmupPeriod time.Duration, coldFactor float64, options ...Option) (*Limiter, error) {
	if rate <= 0 {
		return nil, ErrInvalidRate
	}
	if warmupPeriod <= 0 {
		return nil, ErrInvalidWarmupPeriod
	}
	if coldFactor <= 1 {
		return nil, ErrInvalidColdFactor
	}

	l := newLimiter(&warmingUpPolicy{
		warmupPeriodMicros: float64(warmupPeriod.Microseconds()),
		coldFactor:         coldFactor,
	}, options...)

	if err := l.SetRate(context.Background(), rate); err != nil {
		return nil, err
	}

	return l, nil
}

func (l *Limiter) registerMetrics(r prometheus.Registerer) {
	l.acquiresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: "ratelimiter",
			Name:      "acquires_total",
			Help:      "Total number of Acquire/TryAcquire calls, by outcome.",
		},
		[]string{"outcome"},
	)
	if err := r.Register(l.acquiresTotal); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			l.acquiresTotal = are.ExistingCollector.(*prometheus.CounterVec)
		}
	}

	l.waitSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Subsystem: "ratelimiter",
			Name:      "wait_seconds",
			Help:      "Time callers spent waiting for a granted reservation.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	if err := r.Register(l.waitSeconds); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			l.waitSeconds = are.ExistingCollector.(prometheus.Histogram)
		}
	}

	l.storedPermitsGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Subsystem: "ratelimiter",
			Name:      "stored_permits",
			Help:      "Current stored (banked) permits.",
		},
	)
	if err := r.Register(l.storedPermitsGauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			l.storedPermitsGauge = are.ExistingCollector.(prometheus.Gauge)
		}
	}

	l.configuredRateGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Subsystem: "ratelimiter",
			Name:      "configured_rate",
			Help:      "Currently configured permits per second.",
		},
	)
	if err := r.Register(l.configuredRateGauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			l.configuredRateGauge = are.ExistingCollector.(prometheus.Gauge)
		}
	}
}

// resyncLocked accrues idle-time credit into stored_permits. Must be
// called with the mutex held. Calling it twice with the same now is
// equivalent to calling it once.
func (l *Limiter) resyncLocked(now int64) {
	if now <= l.nextFreeTicketMicros {
		return
	}

	coolDown := l.policy.coolDownIntervalMicros()
	if coolDown > 0 && !math.IsInf(coolDown, 1) {
		accrued := float64(now-l.nextFreeTicketMicros) / coolDown
		l.storedPermits = math.Min(l.maxPermits, l.storedPermits+accrued)
	}

	l.nextFreeTicketMicros = now
}

// reserveEarliestAvailableLocked implements spec §4.2: it resyncs,
// computes the wait this request pushes onto next_free_ticket_micros,
// and returns the instant (possibly in the past) at which the request
// is considered scheduled. The caller's own cost is paid by whoever
// reserves next, not by this call.
func (l *Limiter) reserveEarliestAvailableLocked(n float64, now int64) int64 {
	l.resyncLocked(now)

	grantedAt := l.nextFreeTicketMicros

	storedToSpend := math.Min(n, l.storedPermits)
	fresh := n - storedToSpend

	wait := l.policy.waitTime(l.storedPermits, storedToSpend) +
		int64(math.Floor(fresh*l.stableIntervalMicros))

	next, saturated := saturatingAddInt64(l.nextFreeTicketMicros, wait)
	if saturated {
		l.satLogged.Do(func() {
			l.logger.Debug(
				"next_free_ticket_micros saturated",
				log.Int64("attempted_wait_micros", wait),
			)
		})
	}
	l.nextFreeTicketMicros = next
	l.storedPermits -= storedToSpend

	return grantedAt
}

// saturatingAddInt64 adds b to a, clamping to the representable int64
// range instead of wrapping on overflow.
func saturatingAddInt64(a, b int64) (sum int64, saturated bool) {
	if b > 0 && a > math.MaxInt64-b {
		return math.MaxInt64, true
	}
	if b < 0 && a < math.MinInt64-b {
		return math.MinInt64, true
	}
	return a + b, false
}

// Acquire reserves n permits, blocking the caller until they are
// available, and returns how long the caller waited. n must be at
// least 1.
func (l *Limiter) Acquire(ctx context.Context, n int) (time.Duration, error) {
	if n < 1 {
		return 0, ErrInvalidPermits
	}

	var (
		rootSpan = trace.SpanFromContext(ctx)
		span     trace.Span
	)

	if rootSpan.IsRecording() {
		ctx, span = l.tracer.Start(
			ctx,
			"ratelimiter.Acquire",
			trace.WithSpanKind(trace.SpanKindInternal),
			trace.WithAttributes(attribute.Int("ratelimiter.n", n)),
		)
		defer span.End()
	}

	callStart := l.timer.NowMicros()

	l.mu.Lock()
	grantedAt := l.reserveEarliestAvailableLocked(float64(n), callStart)
	stored := l.storedPermits
	l.storedPermitsGauge.Set(stored)
	l.mu.Unlock()

	l.timer.SleepUntil(grantedAt)

	waitMicros := grantedAt - callStart
	if waitMicros < 0 {
		waitMicros = 0
	}
	wait := time.Duration(waitMicros) * time.Microsecond

	l.acquiresTotal.WithLabelValues("granted").Inc()
	l.waitSeconds.Observe(wait.Seconds())

	if rootSpan.IsRecording() {
		span.SetAttributes(attribute.Int64("ratelimiter.wait_micros", waitMicros))
	}

	l.recordAudit(auditlog.OutcomeGranted, n, waitMicros)

	return wait, nil
}

// TryAcquire reserves n permits only if the wait required would not
// exceed timeout. It never blocks longer than it would take to
// determine that: on refusal, no state is mutated.
func (l *Limiter) TryAcquire(ctx context.Context, n int, timeout time.Duration) (bool, error) {
	if n < 1 {
		return false, ErrInvalidPermits
	}
	if timeout < 0 {
		return false, ErrInvalidTimeout
	}

	var (
		rootSpan = trace.SpanFromContext(ctx)
		span     trace.Span
	)

	if rootSpan.IsRecording() {
		ctx, span = l.tracer.Start(
			ctx,
			"ratelimiter.TryAcquire",
			trace.WithSpanKind(trace.SpanKindInternal),
			trace.WithAttributes(
				attribute.Int("ratelimiter.n", n),
				attribute.Int64("ratelimiter.timeout_micros", timeout.Microseconds()),
			),
		)
		defer span.End()
	}

	now := l.timer.NowMicros()
	timeoutMicros := timeout.Microseconds()

	l.mu.Lock()
	l.resyncLocked(now)

	if l.nextFreeTicketMicros > now+timeoutMicros {
		l.mu.Unlock()

		l.acquiresTotal.WithLabelValues("denied").Inc()
		if rootSpan.IsRecording() {
			span.SetAttributes(attribute.Bool("ratelimiter.granted", false))
		}
		l.recordAudit(auditlog.OutcomeDenied, n, 0)

		return false, nil
	}

	grantedAt := l.reserveEarliestAvailableLocked(float64(n), now)
	stored := l.storedPermits
	l.storedPermitsGauge.Set(stored)
	l.mu.Unlock()

	l.timer.SleepUntil(grantedAt)

	waitMicros := grantedAt - now
	if waitMicros < 0 {
		waitMicros = 0
	}

	l.acquiresTotal.WithLabelValues("granted").Inc()
	l.waitSeconds.Observe((time.Duration(waitMicros) * time.Microsecond).Seconds())

	if rootSpan.IsRecording() {
		span.SetAttributes(attribute.Bool("ratelimiter.granted", true))
	}

	l.recordAudit(auditlog.OutcomeGranted, n, waitMicros)

	return true, nil
}

// SetRate reconfigures the limiter's steady-state rate. It freezes
// accrual against the old rate (via resync), recomputes the
// policy-derived fields for the new rate, and rescales stored_permits
// to preserve the fraction of capacity held (see spec §4.3).
func (l *Limiter) SetRate(ctx context.Context, rate float64) error {
	if rate <= 0 {
		return ErrInvalidRate
	}

	var (
		rootSpan = trace.SpanFromContext(ctx)
		span     trace.Span
	)

	if rootSpan.IsRecording() {
		_, span = l.tracer.Start(
			ctx,
			"ratelimiter.SetRate",
			trace.WithSpanKind(trace.SpanKindInternal),
			trace.WithAttributes(attribute.Float64("ratelimiter.rate", rate)),
		)
		defer span.End()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.timer.NowMicros()
	l.resyncLocked(now)

	oldMaxPermits := l.maxPermits
	l.stableIntervalMicros = 1e6 / rate
	newMaxPermits := l.policy.syncRate(l.stableIntervalMicros)

	switch {
	case math.IsInf(oldMaxPermits, 1), oldMaxPermits == 0:
		l.storedPermits = l.policy.initialStoredPermits()
	default:
		l.storedPermits = l.storedPermits * (newMaxPermits / oldMaxPermits)
	}

	l.maxPermits = newMaxPermits
	l.rate = rate

	l.storedPermitsGauge.Set(l.storedPermits)
	l.configuredRateGauge.Set(rate)

	return nil
}

// Rate returns the currently configured permits-per-second rate.
func (l *Limiter) Rate() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rate
}

// StoredPermits returns the currently banked permits.
func (l *Limiter) StoredPermits() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.storedPermits
}

// MaxPermits returns the current burst ceiling (math.Inf(1) if the
// limiter has never had SetRate called on it).
func (l *Limiter) MaxPermits() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.maxPermits
}

func (l *Limiter) recordAudit(outcome auditlog.Outcome, n int, waitMicros int64) {
	if l.auditSink == nil {
		return
	}

	l.auditSink.Record(auditlog.Event{
		Key:        l.name,
		Outcome:    outcome,
		Requested:  n,
		WaitMicros: waitMicros,
		At:         time.Now(),
	})
}
