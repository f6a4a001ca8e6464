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

// Package errors implements a taxonomy of
// typed, errors.As-friendly error kinds that an effect can return and that
// workflow code can branch on (*ApplicationError, *CancelledError,
// *TimeoutError, and friends), scoped to this engine's own kinds.
//
// Workflow code handles surfaced errors explicitly:
//
//	var appErr *errors.ApplicationError
//	if errors.As(err, &appErr) && appErr.Kind() == errors.KindValidation {
//	    // non-retryable business rejection
//	}
package errors

import (
	"errors"
	"fmt"
)

// Kind enumerates the error taxonomy effects and workflow code branch on.
type Kind string

const (
	KindValidation      Kind = "ValidationError"
	KindNotFound        Kind = "NotFound"
	KindConflict        Kind = "Conflict"
	KindIllegalState    Kind = "IllegalState"
	KindInsufficient    Kind = "Insufficient"
	KindTransient       Kind = "Transient"
	KindCancelled       Kind = "Cancelled"
	KindTimeout         Kind = "Timeout"
	KindNonDeterministic Kind = "NonDeterministic"
	KindUnregistered    Kind = "Unregistered"
	KindPanic           Kind = "Panic"
)

// ApplicationError is returned by effect implementations to signal a
// business-rule outcome. NonRetryable distinguishes permanent rejections
// from errors the scheduler should retry under the effect's policy.
type ApplicationError struct {
	kind         Kind
	message      string
	nonRetryable bool
	cause        error
}

// NewApplicationError creates an ApplicationError of the given kind.
func NewApplicationError(kind Kind, message string, nonRetryable bool, cause error) *ApplicationError {
	return &ApplicationError{kind: kind, message: message, nonRetryable: nonRetryable, cause: cause}
}

func (e *ApplicationError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.message)
}

func (e *ApplicationError) Unwrap() error { return e.cause }

// Kind returns the error's classification.
func (e *ApplicationError) Kind() Kind { return e.kind }

// NonRetryable reports whether the scheduler must not retry this error.
func (e *ApplicationError) NonRetryable() bool { return e.nonRetryable }

// ValidationError is a convenience constructor for the most common
// non-retryable kind.
func ValidationError(message string) *ApplicationError {
	return NewApplicationError(KindValidation, message, true, nil)
}

// TransientError is a convenience constructor for retryable infrastructure
// failures (network, gateway, timeout).
func TransientError(message string, cause error) *ApplicationError {
	return NewApplicationError(KindTransient, message, false, cause)
}

// IllegalStateError signals an operation invalid for the entity's current
// state (e.g. refunding a payment that never completed).
func IllegalStateError(message string) *ApplicationError {
	return NewApplicationError(KindIllegalState, message, true, nil)
}

// InsufficientError signals a reservation request exceeding what remains
// available for a product.
func InsufficientError(message string) *ApplicationError {
	return NewApplicationError(KindInsufficient, message, true, nil)
}

// NotFoundError signals a missing instance or referenced entity.
type NotFoundError struct {
	EntityKind string
	ID         string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s: %s %q not found", KindNotFound, e.EntityKind, e.ID)
}

// ConflictError signals a duplicate-start or wrong-state operation.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string { return fmt.Sprintf("%s: %s", KindConflict, e.Message) }

// CancelledError signals cooperative cancellation observed by workflow code.
type CancelledError struct{}

func (e *CancelledError) Error() string { return string(KindCancelled) }

// TimeoutError signals a timer firing before a condition was satisfied.
type TimeoutError struct {
	Message string
}

func (e *TimeoutError) Error() string {
	if e.Message == "" {
		return string(KindTimeout)
	}
	return fmt.Sprintf("%s: %s", KindTimeout, e.Message)
}

// NonDeterministicError is fatal to an instance: a replay observed a
// decision sequence diverging from the committed log.
type NonDeterministicError struct {
	Message string
}

func (e *NonDeterministicError) Error() string {
	return fmt.Sprintf("%s: %s", KindNonDeterministic, e.Message)
}

// UnregisteredError is returned when an effect name has no binding in the
// registry for the task queue it was scheduled on.
type UnregisteredError struct {
	TaskQueue string
	Name      string
}

func (e *UnregisteredError) Error() string {
	return fmt.Sprintf("%s: no effect %q registered on task queue %q", KindUnregistered, e.Name, e.TaskQueue)
}

// PanicError wraps a recovered panic from effect or workflow code.
type PanicError struct {
	Value      interface{}
	StackTrace string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("%s: %v", KindPanic, e.Value)
}

// KindOf classifies an arbitrary error into the taxonomy's Kind, defaulting
// to KindTransient for errors the effect registry doesn't recognize: panics
// and unrecognized exceptions are retryable by default, unless the caller's
// policy lists their kind as non-retryable.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var appErr *ApplicationError
	if errors.As(err, &appErr) {
		return appErr.Kind()
	}
	var notFound *NotFoundError
	if errors.As(err, &notFound) {
		return KindNotFound
	}
	var conflict *ConflictError
	if errors.As(err, &conflict) {
		return KindConflict
	}
	var cancelled *CancelledError
	if errors.As(err, &cancelled) {
		return KindCancelled
	}
	var timeout *TimeoutError
	if errors.As(err, &timeout) {
		return KindTimeout
	}
	var nonDet *NonDeterministicError
	if errors.As(err, &nonDet) {
		return KindNonDeterministic
	}
	var unregistered *UnregisteredError
	if errors.As(err, &unregistered) {
		return KindUnregistered
	}
	var panicErr *PanicError
	if errors.As(err, &panicErr) {
		return KindPanic
	}
	return KindTransient
}

// IsNonRetryable reports whether err must never be retried, consulting both
// the error's own classification and a caller-supplied set of kinds the
// effect's retry policy names as non-retryable.
func IsNonRetryable(err error, nonRetryableKinds []string) bool {
	var appErr *ApplicationError
	if errors.As(err, &appErr) && appErr.NonRetryable() {
		return true
	}
	kind := string(KindOf(err))
	for _, k := range nonRetryableKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// IsCancelled reports whether err is (or wraps) a CancelledError.
func IsCancelled(err error) bool {
	var c *CancelledError
	return errors.As(err, &c)
}
