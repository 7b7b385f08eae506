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

import "math"

// policy is the strategy a Limiter delegates rate-derived math to. The
// accounting core knows nothing about which variant it holds beyond
// these four hooks.
type policy interface {
	// syncRate recomputes every policy-derived field for a new
	// stable interval (1e6/rate) and returns the new max_permits.
	syncRate(stableIntervalMicros float64) (maxPermits float64)

	// initialStoredPermits returns the stored_permits value a Limiter
	// should adopt the moment this policy becomes (or re-becomes)
	// freshly configured.
	initialStoredPermits() float64

	// waitTime returns stored_permits_to_wait_time(stored, take),
	// already truncated to integer microseconds.
	waitTime(stored, take float64) int64

	// coolDownIntervalMicros returns the idle-accrual cost of one
	// stored permit.
	coolDownIntervalMicros() float64
}

// burstyPolicy treats stored permits as free: the entire cost of
// spending them is zero, so idle capacity is immediately usable.
type burstyPolicy struct {
	maxBurstSeconds      float64
	stableIntervalMicros float64
}

func (p *burstyPolicy) syncRate(stableIntervalMicros float64) float64 {
	p.stableIntervalMicros = stableIntervalMicros
	rate := 1e6 / stableIntervalMicros
	return p.maxBurstSeconds * rate
}

func (p *burstyPolicy) initialStoredPermits() float64 {
	return 0
}

func (p *burstyPolicy) waitTime(stored, take float64) int64 {
	return 0
}

func (p *burstyPolicy) coolDownIntervalMicros() float64 {
	return p.stableIntervalMicros
}

// warmingUpPolicy makes stored permits progressively more expensive
// above a threshold, producing a cold-start ramp: emerging from an
// idle state temporarily slows issuance so downstream caches have
// time to warm.
type warmingUpPolicy struct {
	warmupPeriodMicros   float64
	coldFactor           float64
	stableIntervalMicros float64
	thresholdPermits     float64
	slope                float64
	maxPermits           float64
}

func (p *warmingUpPolicy) syncRate(stableIntervalMicros float64) float64 {
	p.stableIntervalMicros = stableIntervalMicros
	p.thresholdPermits = 0.5 * p.warmupPeriodMicros / stableIntervalMicros

	coldIntervalMicros := stableIntervalMicros * p.coldFactor
	p.maxPermits = p.thresholdPermits +
		2*p.warmupPeriodMicros/(stableIntervalMicros+coldIntervalMicros)
	p.slope = (coldIntervalMicros - stableIntervalMicros) / (p.maxPermits - p.thresholdPermits)

	return p.maxPermits
}

func (p *warmingUpPolicy) initialStoredPermits() float64 {
	return p.maxPermits
}

// instantaneousInterval is I(s): the per-permit cost at stored level
// s, flat below the threshold and sloped above it.
func (p *warmingUpPolicy) instantaneousInterval(s float64) float64 {
	if s >= p.thresholdPermits {
		return p.stableIntervalMicros + s*p.slope
	}
	return p.stableIntervalMicros
}

func (p *warmingUpPolicy) waitTime(stored, take float64) int64 {
	above := math.Max(0, stored-p.thresholdPermits)
	aboveTake := math.Min(above, take)

	var trapezoid float64
	if aboveTake > 0 {
		trapezoid = aboveTake *
			(p.instantaneousInterval(stored) + p.instantaneousInterval(stored-aboveTake)) / 2
	}

	remaining := take - aboveTake
	flat := p.stableIntervalMicros * remaining

	return int64(math.Floor(trapezoid + flat))
}

func (p *warmingUpPolicy) coolDownIntervalMicros() float64 {
	return p.warmupPeriodMicros / p.maxPermits
}
