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

// Package auditlog provides a PostgreSQL-backed, write-only decision
// trail for a ratelimiter.Limiter: one row per Acquire/TryAcquire call,
// recording the key, outcome, requested permits, and wait incurred.
//
// # Overview
//
// The audit log uses an UNLOGGED PostgreSQL table for high throughput
// writes. UNLOGGED tables don't write to the Write-Ahead Log (WAL),
// trading crash durability for speed, which is acceptable here because
// the log is diagnostic, not a source of truth: the rate limiter never
// reads it back.
//
// # Design
//
// Events are never written synchronously from the caller's goroutine.
// Record enqueues onto a bounded channel and returns immediately; a
// background loop batches events and flushes them with a single
// CopyFrom round trip, either when the batch fills or on a timer. If
// the queue is full, events are dropped and counted rather than
// blocking the rate limiter's hot path.
//
// # Usage
//
// Basic usage:
//
//	sink, err := auditlog.NewSink(ctx, pgClient,
//	    auditlog.WithLogger(logger),
//	    auditlog.WithTracerProvider(tp),
//	    auditlog.WithRegisterer(registry),
//	    auditlog.WithRetention(7*24*time.Hour),
//	)
//	if err != nil {
//	    return err
//	}
//
//	sink.StartCleanup(ctx) // starts background retention cleanup
//
//	limiter, err := ratelimiter.NewBursty(10, 1,
//	    ratelimiter.WithAuditSink(sink),
//	)
//
// # Metrics
//
// The following Prometheus metrics are exposed:
//
//   - auditlog_events_total{outcome}: Counter of recorded decisions
//   - auditlog_events_dropped_total: Counter of events dropped due to a full queue
//   - auditlog_flush_duration_seconds: Histogram of batch flush durations
//   - auditlog_flush_batch_size: Histogram of events written per flush
//
// # Tracing
//
// OpenTelemetry spans are created for flush and Cleanup operations.
package auditlog
