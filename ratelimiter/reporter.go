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
	"time"

	"go.ratelimitkit.dev/kit/log"
)

// StartMetricsReporter starts a background goroutine that periodically
// logs the limiter's configured rate and stored-permit level, for
// operators who don't scrape Prometheus but still want a breadcrumb
// in the logs. The goroutine stops when ctx is cancelled.
//
// Safe to call multiple times; only the first call starts the
// goroutine.
func (l *Limiter) StartMetricsReporter(ctx context.Context, interval time.Duration) {
	l.reporterOnce.Do(func() {
		go l.runMetricsReportLoop(ctx, interval)
	})
}

func (l *Limiter) runMetricsReportLoop(ctx context.Context, interval time.Duration) {
	l.logger.InfoCtx(ctx, "starting ratelimiter metrics reporter",
		log.Duration("interval", interval),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.InfoCtx(ctx, "stopping ratelimiter metrics reporter")
			return
		case <-ticker.C:
			l.mu.Lock()
			stored := l.storedPermits
			max := l.maxPermits
			rate := l.rate
			l.mu.Unlock()

			l.logger.InfoCtx(ctx, "ratelimiter state",
				log.Float64("stored_permits", stored),
				log.Float64("max_permits", max),
				log.Float64("rate", rate),
			)
		}
	}
}
