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
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"go.ratelimitkit.dev/kit/log"
	"go.ratelimitkit.dev/kit/pg"
)

// ensureTable creates the ratelimiter_audit_log UNLOGGED table if it
// doesn't exist. UNLOGGED tables skip the WAL, trading crash-durability
// (acceptable here: the log is informational, not a source of truth)
// for write throughput.
func ensureTable(ctx context.Context, conn pg.Conn) error {
	q := `
CREATE UNLOGGED TABLE IF NOT EXISTS ratelimiter_audit_log (
    id           BIGSERIAL PRIMARY KEY,
    key          TEXT NOT NULL,
    outcome      TEXT NOT NULL,
    requested    INTEGER NOT NULL,
    wait_micros  BIGINT NOT NULL,
    recorded_at  TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ratelimiter_audit_log_cleanup
ON ratelimiter_audit_log (recorded_at);

CREATE INDEX IF NOT EXISTS idx_ratelimiter_audit_log_key
ON ratelimiter_audit_log (key, recorded_at);
`
	_, err := conn.Exec(ctx, q)
	return err
}

// insertBatch writes a batch of events in a single round trip using
// pgx's CopyFrom, which is the fastest bulk-insert path pgx offers.
func insertBatch(ctx context.Context, conn pg.Conn, batch []Event) error {
	rows := make([][]any, len(batch))
	for i, evt := range batch {
		rows[i] = []any{evt.Key, string(evt.Outcome), evt.Requested, evt.WaitMicros, evt.At}
	}

	_, err := conn.CopyFrom(
		ctx,
		pgx.Identifier{"ratelimiter_audit_log"},
		[]string{"key", "outcome", "requested", "wait_micros", "recorded_at"},
		pgx.CopyFromRows(rows),
	)
	return err
}

// Cleanup removes audit rows older than olderThan. It is normally
// invoked periodically by StartCleanup, but can be called directly
// (e.g. from an operational script).
func (s *Sink) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	var (
		rootSpan = trace.SpanFromContext(ctx)
		span     trace.Span
	)

	if rootSpan.IsRecording() {
		ctx, span = s.tracer.Start(
			ctx,
			"auditlog.Cleanup",
			trace.WithSpanKind(trace.SpanKindInternal),
			trace.WithAttributes(
				attribute.Int64("auditlog.cleanup_older_than_ms", olderThan.Milliseconds()),
			),
		)
		defer span.End()
	}

	cutoff := time.Now().Add(-olderThan)
	var rowsDeleted int64

	err := s.pg.WithConn(ctx, func(conn pg.Conn) error {
		q := `DELETE FROM ratelimiter_audit_log WHERE recorded_at < $1`
		tag, err := conn.Exec(ctx, q, cutoff)
		if err != nil {
			return err
		}
		rowsDeleted = tag.RowsAffected()
		return nil
	})

	if err != nil {
		if rootSpan.IsRecording() {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return 0, fmt.Errorf("cannot cleanup audit log: %w", err)
	}

	if rootSpan.IsRecording() {
		span.SetAttributes(attribute.Int64("auditlog.rows_deleted", rowsDeleted))
	}

	s.logger.InfoCtx(ctx, "audit log cleanup completed",
		log.Int64("rows_deleted", rowsDeleted),
		log.Duration("older_than", olderThan),
	)

	return rowsDeleted, nil
}
