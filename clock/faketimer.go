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

import "sync"

// FakeTimer is a Timer a test can set and advance by hand. Its
// SleepUntil records how long it was asked to wait but does not
// itself move the clock forward: tests that simulate elapsed time do
// so explicitly with Advance or Set, which is what lets a scenario
// freeze "now" and assert the exact wait a sequence of calls produces.
type FakeTimer struct {
	mu   sync.Mutex
	now  int64
	last int64 // last targetMicros passed to SleepUntil
}

// NewFakeTimer returns a FakeTimer set to the given start time, in
// microseconds.
func NewFakeTimer(startMicros int64) *FakeTimer {
	return &FakeTimer{now: startMicros}
}

// NowMicros returns the fake clock's current time.
func (f *FakeTimer) NowMicros() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Set pins the fake clock to an absolute time, in microseconds.
func (f *FakeTimer) Set(micros int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = micros
}

// Advance moves the fake clock forward by the given number of
// microseconds.
func (f *FakeTimer) Advance(micros int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now += micros
}

// SleepUntil records the requested wake time but does not block or
// move the clock; call Advance or Set to simulate the passage of
// time.
func (f *FakeTimer) SleepUntil(targetMicros int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last = targetMicros
}

// LastSleepUntil returns the most recent targetMicros passed to
// SleepUntil, for tests asserting the limiter computed the expected
// wait target.
func (f *FakeTimer) LastSleepUntil() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}
