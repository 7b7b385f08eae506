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

// Package clock provides the monotonic time source that ratelimiter's
// accounting core reads ticket times from and sleeps against. It is
// deliberately the only place in the module that touches wall-clock
// time, so tests can substitute FakeTimer and drive the accounting
// core deterministically.
package clock

import "time"

// Timer is the collaborator ratelimiter.Limiter uses for every time
// computation: a source of the current time in microseconds, and a
// way to block the caller until a target time is reached.
type Timer interface {
	// NowMicros returns the current time, in microseconds, on a
	// monotonic scale. Callers must not assume any relationship to
	// wall-clock time beyond "later calls return larger values".
	NowMicros() int64

	// SleepUntil blocks the calling goroutine until targetMicros has
	// been reached. If targetMicros is already in the past, it
	// returns immediately.
	SleepUntil(targetMicros int64)
}

// SystemTimer is the production Timer, backed by time.Now and
// time.Sleep.
type SystemTimer struct{}

// NewSystemTimer returns a Timer backed by the operating system clock.
func NewSystemTimer() SystemTimer {
	return SystemTimer{}
}

// processStart anchors SystemTimer readings. Durations measured from
// it use Go's monotonic clock, so they never step backwards when the
// wall clock is adjusted.
var processStart = time.Now()

// NowMicros returns the current time as microseconds since the Unix
// epoch, advanced from the process start by the monotonic clock so
// that later calls never return smaller values.
func (SystemTimer) NowMicros() int64 {
	return processStart.UnixMicro() + time.Since(processStart).Microseconds()
}

// SleepUntil blocks until targetMicros, on the same scale as
// NowMicros, using time.Sleep for the remaining delta.
func (s SystemTimer) SleepUntil(targetMicros int64) {
	delta := time.Duration(targetMicros-s.NowMicros()) * time.Microsecond
	if delta > 0 {
		time.Sleep(delta)
	}
}
