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

package httpclient

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.gearno.de/crypto/uuid"
	"go.gearno.de/x/panicf"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"go.ratelimitkit.dev/kit/log"
)

type (
	// TelemetryRoundTripper is an http.RoundTripper that wraps another
	// http.RoundTripper to add telemetry: it logs requests, traces
	// them with OpenTelemetry, and counts/measures them with
	// Prometheus.
	TelemetryRoundTripper struct {
		logger *log.Logger
		tracer trace.Tracer
		next   http.RoundTripper

		requestsTotal   *prometheus.CounterVec
		requestDuration *prometheus.HistogramVec
	}
)

var (
	_ http.RoundTripper = (*TelemetryRoundTripper)(nil)
)

// NewTelemetryRoundTripper creates a new TelemetryRoundTripper wrapping
// next. logger, tp, and r are used as given and must not be nil;
// DefaultTransport and DefaultPooledTransport pass a discarding
// logger, the global tracer provider, and the default Prometheus
// registerer unless an option overrides them.
func NewTelemetryRoundTripper(
	next http.RoundTripper,
	logger *log.Logger,
	tp trace.TracerProvider,
	r prometheus.Registerer,
) *TelemetryRoundTripper {
	rt := &TelemetryRoundTripper{
		next:   next,
		logger: logger.Named("http.client"),
		tracer: tp.Tracer(tracerName),
	}

	rt.registerMetrics(r)

	return rt
}

func (rt *TelemetryRoundTripper) registerMetrics(r prometheus.Registerer) {
	rt.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: "http_client",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by status code.",
		},
		[]string{"method", "host", "status_code"},
	)
	if err := r.Register(rt.requestsTotal); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			rt.requestsTotal = are.ExistingCollector.(*prometheus.CounterVec)
		}
	}

	rt.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Subsystem: "http_client",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "host"},
	)
	if err := r.Register(rt.requestDuration); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			rt.requestDuration = are.ExistingCollector.(*prometheus.HistogramVec)
		}
	}
}

// RoundTrip executes a single HTTP transaction and records telemetry
// data including metrics and traces. It logs the request details,
// measures the request latency, and counts the request based on the
// response status. It sanitizes URLs to exclude query parameters and
// fragments for logging and tracing.
func (rt *TelemetryRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	ctx := req.Context()
	newReq := req.Clone(ctx)

	reqURL := sanitizeURL(newReq.URL)

	var (
		rootSpan = trace.SpanFromContext(ctx)
		span     trace.Span
	)

	if rootSpan.IsRecording() {
		ctx, span = rt.tracer.Start(
			ctx,
			"http.client.RoundTrip",
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(
				attribute.String("http.method", newReq.Method),
				attribute.String("http.url", reqURL.String()),
				attribute.String("http.target", reqURL.Path),
				attribute.String("http.host", newReq.Host),
				attribute.String("http.scheme", reqURL.Scheme),
				attribute.String("http.flavor", newReq.Proto),
				attribute.String("http.user_agent", newReq.UserAgent()),
			),
		)
		defer span.End()
	}

	requestID := newReq.Header.Get("x-request-id")
	if requestID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			panicf.Panic("cannot generate UUID: %w", err)
		}

		requestID = id.String()
	}

	logger := rt.logger.With(
		log.String("http_request_method", newReq.Method),
		log.String("http_request_host", reqURL.Host),
		log.String("http_request_path", reqURL.Path),
		log.String("http_request_id", requestID),
	)

	if rootSpan.IsRecording() {
		spanCtx := span.SpanContext()

		newReq.Header.Set(
			"traceparent",
			fmt.Sprintf(
				"%s-%s-%s-%s",
				"00",
				spanCtx.TraceID().String(),
				spanCtx.SpanID().String(),
				spanCtx.TraceFlags().String(),
			),
		)
		newReq.Header.Set("tracestate", spanCtx.TraceState().String())
	}

	resp, err := rt.next.RoundTrip(newReq)
	if err != nil {
		logger.ErrorCtx(ctx, "cannot execute http transaction", log.Error(err))

		if rootSpan.IsRecording() {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}

		return resp, err
	}

	duration := time.Since(start)

	rt.requestsTotal.WithLabelValues(newReq.Method, reqURL.Host, fmt.Sprintf("%d", resp.StatusCode)).Inc()
	rt.requestDuration.WithLabelValues(newReq.Method, reqURL.Host).Observe(duration.Seconds())

	if rootSpan.IsRecording() {
		span.SetAttributes(
			attribute.Int("http.status_code", resp.StatusCode),
			attribute.String("http.status_text", resp.Status),
		)
	}

	logMessage := fmt.Sprintf("%s %s %d %s", newReq.Method, reqURL.String(), resp.StatusCode, duration)
	if resp.StatusCode >= http.StatusInternalServerError {
		logger.ErrorCtx(ctx, logMessage, log.Int("http_response_status_code", resp.StatusCode))
	} else {
		logger.InfoCtx(ctx, logMessage, log.Int("http_response_status_code", resp.StatusCode))
	}

	return resp, nil
}

func sanitizeURL(u *url.URL) *url.URL {
	u2 := *u
	u2.RawQuery = ""
	u2.Fragment = ""
	u2.User = nil

	return &u2
}
