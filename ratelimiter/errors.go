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

import "errors"

var (
	// ErrInvalidRate is returned when a rate is not strictly positive.
	ErrInvalidRate = errors.New("ratelimiter: rate must be greater than 0")

	// ErrInvalidMaxBurstSeconds is returned when a Bursty limiter is
	// constructed with a non-positive burst window.
	ErrInvalidMaxBurstSeconds = errors.New("ratelimiter: max burst seconds must be greater than 0")

	// ErrInvalidWarmupPeriod is returned when a WarmingUp limiter is
	// constructed with a non-positive warm-up period.
	ErrInvalidWarmupPeriod = errors.New("ratelimiter: warmup period must be greater than 0")

	// ErrInvalidColdFactor is returned when a WarmingUp limiter is
	// constructed with a cold factor that is not greater than 1.
	ErrInvalidColdFactor = errors.New("ratelimiter: cold factor must be greater than 1")

	// ErrInvalidPermits is returned by Acquire/TryAcquire when the
	// number of requested permits is less than 1.
	ErrInvalidPermits = errors.New("ratelimiter: permits must be at least 1")

	// ErrInvalidTimeout is returned by TryAcquire when timeout is
	// negative.
	ErrInvalidTimeout = errors.New("ratelimiter: timeout must not be negative")
)
