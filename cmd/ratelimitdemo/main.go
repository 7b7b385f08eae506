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

// Command ratelimitdemo wires a ratelimiter.Limiter, an auditlog.Sink,
// and the kit's standard ambient stack (logging, tracing, metrics,
// migrations) into one runnable service, and exposes the limiter's
// live state on a small status endpoint. It is intentionally thin:
// all rate-limiting semantics live in the ratelimiter package.
package main

import (
	"context"
	"embed"
	"flag"
	"fmt"
	"net/http"
	"time"

	"go.ratelimitkit.dev/kit/auditlog"
	"go.ratelimitkit.dev/kit/httpserver"
	"go.ratelimitkit.dev/kit/log"
	"go.ratelimitkit.dev/kit/migrator"
	"go.ratelimitkit.dev/kit/pg"
	"go.ratelimitkit.dev/kit/ratelimiter"
	"go.ratelimitkit.dev/kit/unit"
)

//go:embed migrations
var migrationsFS embed.FS

var (
	listenAddr = flag.String("listen-addr", ":8081", "status endpoint address")

	rate            = flag.Float64("rate", 5.0, "permits per second")
	maxBurstSeconds = flag.Float64("max-burst-seconds", 1.0, "bursty policy: seconds of burst capacity")
	warmupPeriod    = flag.Duration("warmup-period", 0, "warming-up policy: warmup period; 0 selects the bursty policy instead")
	coldFactor      = flag.Float64("cold-factor", 3.0, "warming-up policy: cold factor")

	pgAddr     = flag.String("pg-addr", "localhost:5432", "PostgreSQL address")
	pgUser     = flag.String("pg-user", "postgres", "PostgreSQL user")
	pgPassword = flag.String("pg-password", "", "PostgreSQL password")
	pgDatabase = flag.String("pg-database", "ratelimitdemo", "PostgreSQL database")
)

// demo implements unit.Runnable: by the time Run is called, flags are
// parsed and the unit's metrics/tracing lifecycle goroutines are
// already starting, so this is where the service's own dependencies
// (database, audit sink, limiter, status server) get built.
type demo struct {
	logger *log.Logger
}

func (d *demo) Run(ctx context.Context) error {
	pgClient, err := pg.NewClient(
		pg.WithAddr(*pgAddr),
		pg.WithUser(*pgUser),
		pg.WithPassword(*pgPassword),
		pg.WithDatabase(*pgDatabase),
		pg.WithLogger(d.logger),
	)
	if err != nil {
		return fmt.Errorf("cannot create postgresql client: %w", err)
	}
	defer pgClient.Close()

	mig := migrator.NewMigrator(pgClient, migrationsFS, d.logger)
	if err := mig.Run(ctx, "migrations"); err != nil {
		return fmt.Errorf("cannot run migrations: %w", err)
	}

	sink, err := auditlog.NewSink(ctx, pgClient, auditlog.WithLogger(d.logger))
	if err != nil {
		return fmt.Errorf("cannot create audit log sink: %w", err)
	}
	sink.StartCleanup(ctx)

	limiter, err := newLimiter(d.logger, sink)
	if err != nil {
		return fmt.Errorf("cannot create rate limiter: %w", err)
	}
	limiter.StartMetricsReporter(ctx, 30*time.Second)

	server := httpserver.NewServer(
		*listenAddr,
		newStatusHandler(limiter),
		httpserver.WithLogger(d.logger),
	)

	d.logger.InfoCtx(ctx, "starting status server", log.String("addr", server.Addr))

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			d.logger.ErrorCtx(ctx, "status server stopped unexpectedly", log.Error(err))
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("cannot shut down status server: %w", err)
	}

	return nil
}

// newLimiter selects the warming-up policy when -warmup-period is
// set, and the bursty policy otherwise.
func newLimiter(logger *log.Logger, sink *auditlog.Sink) (*ratelimiter.Limiter, error) {
	opts := []ratelimiter.Option{
		ratelimiter.WithLogger(logger),
		ratelimiter.WithName("ratelimitdemo"),
		ratelimiter.WithAuditSink(sink),
	}

	if *warmupPeriod > 0 {
		return ratelimiter.NewWarmingUp(*rate, *warmupPeriod, *coldFactor, opts...)
	}

	return ratelimiter.NewBursty(*rate, *maxBurstSeconds, opts...)
}

type statusResponse struct {
	Rate          float64 `json:"rate"`
	StoredPermits float64 `json:"stored_permits"`
	MaxPermits    float64 `json:"max_permits"`
}

func newStatusHandler(limiter *ratelimiter.Limiter) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		httpserver.RenderJSON(w, http.StatusOK, statusResponse{
			Rate:          limiter.Rate(),
			StoredPermits: limiter.StoredPermits(),
			MaxPermits:    limiter.MaxPermits(),
		})
	})

	return mux
}

func main() {
	logger := log.NewLogger(log.WithName("ratelimitdemo"))

	u := unit.NewUnit(
		"ratelimitdemo", "0.1.0", "development",
		unit.WithRunnable(&demo{logger: logger}),
	)

	if err := u.Run(); err != nil {
		logger.Error("ratelimitdemo stopped with an error", log.Error(err))
	}
}
