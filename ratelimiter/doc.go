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

// Package ratelimiter paces the issuance of abstract "permits" so
// that, averaged over time, the issuance rate never exceeds a
// configured value, while still tolerating short bursts or an
// optional cold-start ramp.
//
// # Overview
//
// A Limiter accumulates unused capacity as stored permits, bounded by
// max_permits, and maintains a forward-looking next_free_ticket time:
// the instant at which the next reservation is considered scheduled.
// Every Acquire/TryAcquire call waits only until the instant its own
// reservation was scheduled, and pushes the cost of what it consumed
// onto next_free_ticket — so a big request on an idle limiter returns
// without waiting, but defers its cost onto whoever asks next.
//
// Two pacing policies are available:
//
//   - Bursty (NewBursty): stored permits are free to spend. Idle
//     capacity, once accrued, can be burst through instantly.
//   - WarmingUp (NewWarmingUp): stored permits above a threshold cost
//     progressively more, producing a cold-start ramp that gives
//     downstream caches time to warm before the limiter runs at full
//     speed.
//
// # Usage
//
//	limiter, err := ratelimiter.NewBursty(5.0, 1.0,
//	    ratelimiter.WithLogger(logger),
//	    ratelimiter.WithTracerProvider(tp),
//	    ratelimiter.WithRegisterer(registry),
//	)
//	if err != nil {
//	    return err
//	}
//
//	wait, err := limiter.Acquire(ctx, 1)
//
// # Metrics
//
// The following Prometheus metrics are exposed:
//
//   - ratelimiter_acquires_total{outcome}: Counter of granted/denied decisions
//   - ratelimiter_wait_seconds: Histogram of time callers waited
//   - ratelimiter_stored_permits: Gauge of currently banked permits
//   - ratelimiter_configured_rate: Gauge of the configured permits/sec
//
// # Tracing
//
// OpenTelemetry spans are created for Acquire, TryAcquire, and
// SetRate when the incoming context already carries a recording span.
package ratelimiter
