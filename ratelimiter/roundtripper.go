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
	"net/http"
)

// LimitedRoundTripper is an http.RoundTripper that gates outbound
// requests through a Limiter before delegating to the wrapped
// transport: each RoundTrip call first calls Acquire(ctx, 1), then
// issues the request once a permit has been granted. It gives the
// accounting core a ready HTTP integration without pulling HTTP into
// the core's scope.
type LimitedRoundTripper struct {
	limiter *Limiter
	next    http.RoundTripper
}

var _ http.RoundTripper = (*LimitedRoundTripper)(nil)

// NewLimitedRoundTripper wraps next so every request first acquires a
// single permit from limiter. If next is nil, http.DefaultTransport
// is used.
func NewLimitedRoundTripper(limiter *Limiter, next http.RoundTripper) *LimitedRoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}

	return &LimitedRoundTripper{
		limiter: limiter,
		next:    next,
	}
}

// RoundTrip acquires one permit from the wrapped Limiter, blocking
// until it is granted, then delegates to the wrapped transport.
func (rt *LimitedRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	if _, err := rt.limiter.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	return rt.next.RoundTrip(req)
}
