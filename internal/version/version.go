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

// Package version formats the instrumentation version string stamped
// onto OpenTelemetry tracers by this module's packages.
package version

import "fmt"

// V is a pre-1.0 instrumentation version, expressed as a major revision
// plus an alpha increment (e.g. "0.3-alpha").
type V struct {
	major int
}

// New returns the instrumentation version for the given major revision.
func New(major int) *V {
	return &V{major: major}
}

// Alpha formats the version as "<major>.<n>-alpha", used for packages
// whose wire/API shape is still expected to move.
func (v *V) Alpha(n int) string {
	return fmt.Sprintf("%d.%d-alpha", v.major, n)
}
