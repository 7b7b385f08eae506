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

package auditlog

import (
	"io"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.ratelimitkit.dev/kit/log"
)

func newTestSink(t *testing.T, queueSize int) *Sink {
	t.Helper()

	s := &Sink{
		logger:    log.NewLogger(log.WithOutput(io.Discard)),
		queueSize: queueSize,
		batchSize: 256,
		retention: 7 * 24 * time.Hour,
	}
	s.registerMetrics(prometheus.NewRegistry())
	s.events = make(chan Event, queueSize)

	return s
}

// Record never blocks: once the queue is full, further events are
// dropped and counted rather than stalling the caller.
func TestSink_Record_DropsWhenQueueFull(t *testing.T) {
	s := newTestSink(t, 2)

	s.Record(Event{Key: "a", Outcome: OutcomeGranted, At: time.Now()})
	s.Record(Event{Key: "b", Outcome: OutcomeGranted, At: time.Now()})
	s.Record(Event{Key: "c", Outcome: OutcomeGranted, At: time.Now()}) // dropped

	assert.Equal(t, 2, len(s.events))
	assert.Equal(t, float64(1), testutil.ToFloat64(s.eventsDropped))
}

func TestSink_Record_AcceptsUntilFull(t *testing.T) {
	s := newTestSink(t, 1)

	s.Record(Event{Key: "a", Outcome: OutcomeDenied, At: time.Now()})

	require.Equal(t, 1, len(s.events))
	got := <-s.events
	assert.Equal(t, "a", got.Key)
	assert.Equal(t, OutcomeDenied, got.Outcome)
}

func TestOptions_SetSinkFields(t *testing.T) {
	s := &Sink{}

	WithQueueSize(10)(s)
	WithBatchSize(5)(s)
	WithFlushInterval(3 * time.Second)(s)
	WithRetention(24 * time.Hour)(s)

	assert.Equal(t, 10, s.queueSize)
	assert.Equal(t, 5, s.batchSize)
	assert.Equal(t, 3*time.Second, s.flushInterval)
	assert.Equal(t, 24*time.Hour, s.retention)
}
