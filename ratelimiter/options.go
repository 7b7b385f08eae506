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
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"go.ratelimitkit.dev/kit/auditlog"
	"go.ratelimitkit.dev/kit/clock"
	"go.ratelimitkit.dev/kit/internal/version"
	"go.ratelimitkit.dev/kit/log"
)

// Option configures a Limiter during initialization.
type Option func(l *Limiter)

// WithLogger sets a custom logger for the limiter.
func WithLogger(l *log.Logger) Option {
	return func(lim *Limiter) {
		lim.logger = l.Named("ratelimiter")
	}
}

// WithTracerProvider configures OpenTelemetry tracing with the
// provided tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(l *Limiter) {
		l.tracer = tp.Tracer(
			tracerName,
			trace.WithInstrumentationVersion(
				version.New(0).Alpha(1),
			),
		)
	}
}

// WithRegisterer sets a custom Prometheus registerer for metrics.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(l *Limiter) {
		l.registerMetrics(r)
	}
}

// WithName labels the limiter's audit log entries (the
// auditlog.Event.Key field); metrics carry no name label. Defaults to the empty string, which is
// fine for a process with a single limiter instance.
func WithName(name string) Option {
	return func(l *Limiter) {
		l.name = name
	}
}

// WithTimer overrides the limiter's time source. Production callers
// never need this; it exists so tests can drive the accounting core
// with a clock.FakeTimer.
func WithTimer(t clock.Timer) Option {
	return func(l *Limiter) {
		l.timer = t
	}
}

// WithAuditSink wires a best-effort decision trail: every Acquire and
// TryAcquire call emits one auditlog.Event to sink. Recording never
// blocks the hot path — a full sink queue drops the event.
func WithAuditSink(sink *auditlog.Sink) Option {
	return func(l *Limiter) {
		l.auditSink = sink
	}
}
