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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.ratelimitkit.dev/kit/clock"
)

func TestNewBursty_Validation(t *testing.T) {
	_, err := NewBursty(0, 1)
	assert.ErrorIs(t, err, ErrInvalidRate)

	_, err = NewBursty(1, 0)
	assert.ErrorIs(t, err, ErrInvalidMaxBurstSeconds)
}

func TestNewWarmingUp_Validation(t *testing.T) {
	_, err := NewWarmingUp(0, time.Second, 3)
	assert.ErrorIs(t, err, ErrInvalidRate)

	_, err = NewWarmingUp(1, 0, 3)
	assert.ErrorIs(t, err, ErrInvalidWarmupPeriod)

	_, err = NewWarmingUp(1, time.Second, 1)
	assert.ErrorIs(t, err, ErrInvalidColdFactor)
}

func TestAcquire_InvalidPermits(t *testing.T) {
	l, err := NewBursty(1, 1)
	require.NoError(t, err)

	_, err = l.Acquire(context.Background(), 0)
	assert.ErrorIs(t, err, ErrInvalidPermits)
}

func TestTryAcquire_InvalidTimeout(t *testing.T) {
	l, err := NewBursty(1, 1)
	require.NoError(t, err)

	_, err = l.TryAcquire(context.Background(), 1, -time.Second)
	assert.ErrorIs(t, err, ErrInvalidTimeout)
}

// A limiter with no accrued history grants its very first caller
// immediately: the cost of that permit is deferred onto whoever asks
// next, not paid by the caller that reserved it.
func TestBursty_FirstAcquireFree(t *testing.T) {
	ctx := context.Background()
	fake := clock.NewFakeTimer(1_000_000)

	l, err := NewBursty(2.0, 1.0, WithTimer(fake)) // 2 permits/sec, 1s burst => max_permits=2
	require.NoError(t, err)

	wait, err := l.Acquire(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), wait)
	assert.Equal(t, int64(1_000_000), fake.LastSleepUntil())
}

// Each call on an idle Bursty limiter pushes its cost onto
// next_free_ticket_micros, so the following caller at the same
// instant pays for it.
func TestBursty_PayLaterOnNextCaller(t *testing.T) {
	ctx := context.Background()
	fake := clock.NewFakeTimer(1_000_000)

	l, err := NewBursty(2.0, 1.0, WithTimer(fake))
	require.NoError(t, err)

	wait1, err := l.Acquire(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), wait1)

	wait2, err := l.Acquire(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, wait2)
}

// Idle time accrues stored permits, but never past max_permits: a
// long idle gap behaves exactly like one that brought the limiter to
// the burst ceiling.
func TestBursty_StoredPermitsCappedAtMaxPermits(t *testing.T) {
	ctx := context.Background()
	fake := clock.NewFakeTimer(0)

	l, err := NewBursty(2.0, 1.0, WithTimer(fake)) // max_permits=2
	require.NoError(t, err)

	fake.Set(12_000_000) // a huge idle gap, far more than enough to refill

	wait, err := l.Acquire(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), wait)

	l.mu.Lock()
	stored := l.storedPermits
	l.mu.Unlock()

	assert.Equal(t, 1.0, stored) // capped at max_permits(2), minus the 1 just spent
}

// TryAcquire never mutates limiter state when it refuses a
// reservation.
func TestTryAcquire_DeniedWithoutMutatingState(t *testing.T) {
	ctx := context.Background()
	fake := clock.NewFakeTimer(0)

	l, err := NewBursty(1.0, 1.0, WithTimer(fake)) // max_permits=1
	require.NoError(t, err)

	ok, err := l.TryAcquire(ctx, 2, 0)
	require.NoError(t, err)
	assert.True(t, ok)

	l.mu.Lock()
	nextFreeTicket := l.nextFreeTicketMicros
	stored := l.storedPermits
	l.mu.Unlock()

	ok, err = l.TryAcquire(ctx, 1, 0)
	require.NoError(t, err)
	assert.False(t, ok)

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Equal(t, nextFreeTicket, l.nextFreeTicketMicros)
	assert.Equal(t, stored, l.storedPermits)
}

// SetRate rescales stored_permits by the ratio of new to old
// max_permits, preserving the fraction of burst capacity banked.
func TestSetRate_RescalesStoredPermitsProportionally(t *testing.T) {
	ctx := context.Background()
	fake := clock.NewFakeTimer(0)

	l, err := NewBursty(1.0, 2.0, WithTimer(fake)) // max_permits=2
	require.NoError(t, err)

	fake.Set(2_000_000) // enough idle time to fully refill to max_permits

	ok, err := l.TryAcquire(ctx, 1, time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	l.mu.Lock()
	assert.Equal(t, 1.0, l.storedPermits) // 2 accrued, minus the 1 just spent
	l.mu.Unlock()

	require.NoError(t, l.SetRate(ctx, 2.0)) // double the rate: max_permits becomes 4

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Equal(t, 4.0, l.maxPermits)
	assert.Equal(t, 2.0, l.storedPermits) // 1 * (4/2)
	assert.Equal(t, 2.0, l.rate)
}

func TestRate_ReturnsConfiguredValue(t *testing.T) {
	l, err := NewBursty(3.5, 1.0)
	require.NoError(t, err)
	assert.Equal(t, 3.5, l.Rate())
}

// WarmingUp starts "cold": a freshly configured limiter's
// stored_permits sits at max_permits, so the first burst of requests
// pays the slope while downstream caches warm. The cost of each
// reservation is deferred onto the next caller, and that deferred
// cost tapers as stored_permits descends toward threshold_permits.
func TestWarmingUp_ColdStartRampTapers(t *testing.T) {
	ctx := context.Background()
	fake := clock.NewFakeTimer(1_000_000)

	l, err := NewWarmingUp(2.0, 10*time.Second, 3.0, WithTimer(fake))
	require.NoError(t, err)

	l.mu.Lock()
	maxPermits := l.maxPermits
	l.mu.Unlock()
	assert.InDelta(t, 20.0, maxPermits, 1e-9)

	wait1, err := l.Acquire(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), wait1) // first caller is always granted immediately

	wait2, err := l.Acquire(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 2_450_000*time.Microsecond, wait2) // pays the first caller's deferred cold cost

	wait3, err := l.Acquire(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 4_800_000*time.Microsecond, wait3) // 2_450_000 + 2_350_000, a smaller increment

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Equal(t, 17.0, l.storedPermits) // 20 - 3 acquires
}
