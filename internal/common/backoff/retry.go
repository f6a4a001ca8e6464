// The MIT License
//
// Copyright (c) 2020 Temporal Technologies Inc.  All rights reserved.
//
// Copyright (c) 2020 Uber Technologies, Inc.
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

// Package backoff implements the exponential backoff computation shared by
// the effect registry's retry contract: internal/scheduler's effect retry
// loop calls Retrier.ComputeBackoff directly rather than blocking a
// goroutine on an operation/sleep loop, since it must suspend between
// attempts instead of sleeping in place.
package backoff

import (
	"time"
)

const done time.Duration = -1

type (
	// RetryPolicy describes how an operation should be retried on failure.
	// Field names mirror the effect registry's EffectSpec retry contract.
	RetryPolicy struct {
		InitialInterval    time.Duration
		BackoffCoefficient float64
		MaximumInterval    time.Duration
		MaximumAttempts    int
		// NonRetryableErrorKinds lists error kind strings (see internal/errors)
		// that must never be retried regardless of attempt count.
		NonRetryableErrorKinds []string
	}

	// Retrier computes successive backoff intervals for a RetryPolicy.
	Retrier struct {
		policy  RetryPolicy
		attempt int
	}
)

// DefaultRetryPolicy is used when a caller does not specify one explicitly.
var DefaultRetryPolicy = RetryPolicy{
	InitialInterval:    time.Second,
	BackoffCoefficient: 2.0,
	MaximumInterval:    30 * time.Second,
	MaximumAttempts:    3,
}

// NewRetrier creates a new Retrier for the given policy.
func NewRetrier(policy RetryPolicy) *Retrier {
	return &Retrier{policy: policy}
}

// NextBackOff returns the interval to wait before the next attempt, or
// `done` if the policy's maximum attempts have been exhausted.
func (r *Retrier) NextBackOff() time.Duration {
	r.attempt++
	if r.policy.MaximumAttempts > 0 && r.attempt >= r.policy.MaximumAttempts {
		return done
	}
	return r.ComputeBackoff(r.attempt)
}

// ComputeBackoff computes the backoff for a given attempt number (1-indexed)
// without mutating the Retrier's internal attempt counter:
// min(maxInterval, initialInterval * coefficient^(attempt-1)).
func (r *Retrier) ComputeBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	interval := float64(r.policy.InitialInterval)
	coefficient := r.policy.BackoffCoefficient
	if coefficient <= 0 {
		coefficient = 1.0
	}
	for i := 1; i < attempt; i++ {
		interval *= coefficient
		if r.policy.MaximumInterval > 0 && time.Duration(interval) >= r.policy.MaximumInterval {
			return r.policy.MaximumInterval
		}
	}
	backoff := time.Duration(interval)
	if r.policy.MaximumInterval > 0 && backoff > r.policy.MaximumInterval {
		return r.policy.MaximumInterval
	}
	return backoff
}

// Reset clears the attempt counter.
func (r *Retrier) Reset() {
	r.attempt = 0
}

// Attempt returns the number of attempts made so far.
func (r *Retrier) Attempt() int {
	return r.attempt
}

// IsNonRetryableKind reports whether kind is listed in the policy's
// non-retryable set.
func (p RetryPolicy) IsNonRetryableKind(kind string) bool {
	for _, k := range p.NonRetryableErrorKinds {
		if k == kind {
			return true
		}
	}
	return false
}
