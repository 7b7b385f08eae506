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

package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSystemTimer_NowMicrosAdvances(t *testing.T) {
	timer := NewSystemTimer()

	t1 := timer.NowMicros()
	time.Sleep(time.Millisecond)
	t2 := timer.NowMicros()

	assert.Greater(t, t2, t1)
}

func TestSystemTimer_SleepUntilPast(t *testing.T) {
	timer := NewSystemTimer()

	start := time.Now()
	timer.SleepUntil(timer.NowMicros() - 1_000_000) // already in the past
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestFakeTimer_SetAndAdvance(t *testing.T) {
	f := NewFakeTimer(1000)
	assert.Equal(t, int64(1000), f.NowMicros())

	f.Advance(500)
	assert.Equal(t, int64(1500), f.NowMicros())

	f.Set(42)
	assert.Equal(t, int64(42), f.NowMicros())
}

// SleepUntil must never block or move the fake clock: tests depend on
// being able to drive an arbitrarily long wait without actually
// waiting.
func TestFakeTimer_SleepUntilDoesNotBlockOrAdvance(t *testing.T) {
	f := NewFakeTimer(0)

	start := time.Now()
	f.SleepUntil(1_000_000_000_000) // a wait far into the future
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	assert.Equal(t, int64(0), f.NowMicros())
	assert.Equal(t, int64(1_000_000_000_000), f.LastSleepUntil())
}
