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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBurstyPolicy_SyncRate(t *testing.T) {
	p := &burstyPolicy{maxBurstSeconds: 2}

	maxPermits := p.syncRate(1e6 / 5.0) // 5 permits/sec
	assert.Equal(t, 10.0, maxPermits)   // 2s of burst at 5/s
	assert.Equal(t, 0.0, p.initialStoredPermits())
	assert.Equal(t, int64(0), p.waitTime(10, 10))
	assert.Equal(t, 1e6/5.0, p.coolDownIntervalMicros())
}

func TestWarmingUpPolicy_SyncRate(t *testing.T) {
	p := &warmingUpPolicy{
		warmupPeriodMicros: 1_000_000, // 1s
		coldFactor:         3,
	}

	stableIntervalMicros := 1e6 / 2.0 // 2 permits/sec
	maxPermits := p.syncRate(stableIntervalMicros)

	// threshold_permits = 0.5 * warmup / stable = 0.5 * 1e6 / 5e5 = 1
	assert.InDelta(t, 1.0, p.thresholdPermits, 1e-9)

	coldInterval := stableIntervalMicros * p.coldFactor
	expectedMax := p.thresholdPermits + 2*p.warmupPeriodMicros/(stableIntervalMicros+coldInterval)
	assert.InDelta(t, expectedMax, maxPermits, 1e-9)
	assert.InDelta(t, expectedMax, p.maxPermits, 1e-9)

	assert.Equal(t, p.maxPermits, p.initialStoredPermits())
	assert.InDelta(t, p.warmupPeriodMicros/p.maxPermits, p.coolDownIntervalMicros(), 1e-9)
}

// At or below threshold_permits, every permit costs exactly
// stable_interval_micros: the slope only kicks in above the
// threshold.
func TestWarmingUpPolicy_WaitTime_BelowThreshold(t *testing.T) {
	p := &warmingUpPolicy{warmupPeriodMicros: 1_000_000, coldFactor: 3}
	p.syncRate(1e6 / 2.0)

	wait := p.waitTime(p.thresholdPermits, p.thresholdPermits)
	assert.Equal(t, int64(p.stableIntervalMicros*p.thresholdPermits), wait)
}

// Spending permits entirely above the threshold costs strictly more
// than the flat stable rate would, because every unit traverses the
// sloped region.
func TestWarmingUpPolicy_WaitTime_AboveThreshold_CostsMore(t *testing.T) {
	p := &warmingUpPolicy{warmupPeriodMicros: 1_000_000, coldFactor: 3}
	p.syncRate(1e6 / 2.0)

	flatCost := int64(p.stableIntervalMicros * 1)
	slopedCost := p.waitTime(p.maxPermits, 1)
	assert.Greater(t, slopedCost, flatCost)
}

func TestWarmingUpPolicy_InstantaneousInterval(t *testing.T) {
	p := &warmingUpPolicy{warmupPeriodMicros: 1_000_000, coldFactor: 3}
	p.syncRate(1e6 / 2.0)

	assert.Equal(t, p.stableIntervalMicros, p.instantaneousInterval(0))
	// From the threshold up, I(s) = stable + s*slope. Here threshold=1,
	// max=2 and slope=1e6, so I(1) = 1.5e6 and I(2) = 2.5e6.
	assert.Equal(t, 1_500_000.0, p.instantaneousInterval(p.thresholdPermits))

	atMax := p.instantaneousInterval(p.maxPermits)
	assert.InDelta(t, 2_500_000.0, atMax, 1e-6)
}
