// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package backoff implements a deterministic exponential delay and a bounded
// retry loop built on it.
package backoff

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// Delay returns min(initial * 2^n, max) where n is the zero-based retry
// count. It saturates at max instead of overflowing.
func Delay(initial time.Duration, n int, max time.Duration) time.Duration {
	if initial <= 0 {
		return 0
	}
	if n < 0 {
		n = 0
	}
	if initial >= max {
		return max
	}
	// initial < max here, so the shift below cannot pass max before it
	// would overflow an int64.
	if n >= 63 {
		return max
	}
	limit := time.Duration(math.MaxInt64 >> uint(n))
	if initial > limit {
		return max
	}
	d := initial << uint(n)
	if d >= max {
		return max
	}
	return d
}

// Policy configures Retry.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	Initial     time.Duration
	Max         time.Duration

	// Sleep waits for d or until ctx is done. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultPolicy is used when callers pass a zero Policy.
var DefaultPolicy = Policy{
	MaxAttempts: 4,
	Initial:     500 * time.Millisecond,
	Max:         10 * time.Second,
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultPolicy.MaxAttempts
	}
	if p.Initial <= 0 {
		p.Initial = DefaultPolicy.Initial
	}
	if p.Max <= 0 {
		p.Max = DefaultPolicy.Max
	}
	if p.Sleep == nil {
		p.Sleep = sleepCtx
	}
	return p
}

// Permanent wraps err so Retry stops immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// ExhaustedError is returned when every attempt failed.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Retry calls fn until it succeeds, returns a Permanent error, ctx is done, or
// the policy runs out of attempts. fn receives the zero-based attempt number.
func Retry(ctx context.Context, p Policy, fn func(attempt int) error) error {
	p = p.withDefaults()
	var last error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn(attempt)
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		last = err
		if attempt == p.MaxAttempts-1 {
			break
		}
		if err := p.Sleep(ctx, Delay(p.Initial, attempt, p.Max)); err != nil {
			return err
		}
	}
	return &ExhaustedError{Attempts: p.MaxAttempts, Err: last}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
