// Copyright 2026 The zombiezen Go Gallery Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//		 https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

package gallery

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Gallery rate limit headers.
const (
	rateLimitRemainingHeader  = "X-Ratelimit-Remaining"
	rateLimitResetAfterHeader = "X-Ratelimit-Reset-After"
)

// rateLimit is the most recent limit reported by the server.
// The server limits per API key, so one client shares one bucket.
type rateLimit struct {
	known     bool
	remaining int
	reset     time.Time
}

func (c *Client) waitForRateLimit(ctx context.Context) error {
	span := trace.SpanFromContext(ctx)
	for {
		now := time.Now()
		c.mu.Lock()
		var nextReset time.Time
		if limit := &c.rateLimit; limit.known {
			if limit.remaining <= 0 {
				nextReset = limit.reset
			} else if now.Before(limit.reset) {
				limit.remaining--
			}
		}
		c.mu.Unlock()

		if !now.Before(nextReset) {
			return nil
		}
		waitTime := nextReset.Sub(now)
		span.AddEvent(fmt.Sprintf("Throttling request for %v", waitTime))
		t := time.NewTimer(waitTime)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("waiting for rate limit: %w", ctx.Err())
		}
	}
}

// updateRateLimit records the limit headers from resp.
func (c *Client) updateRateLimit(resp *http.Response) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	limit := &c.rateLimit
	if n, err := strconv.Atoi(resp.Header.Get(rateLimitRemainingHeader)); err == nil {
		limit.known = true
		limit.remaining = n
	}
	if n, err := strconv.ParseFloat(resp.Header.Get(rateLimitResetAfterHeader), 64); err == nil {
		// Use Reset-After header to use local monotonic clock, since we may not
		// be in sync with the server.
		limit.reset = now.Add(time.Duration(n * float64(time.Second)))
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		if t, ok := parseRetryAfter(resp.Header.Get(retryAfterHeaderName), now); ok {
			limit.known = true
			limit.remaining = 0
			if t.After(limit.reset) {
				limit.reset = t
			}
		}
	}
}
