// Package fault classifies processing errors into the categories that drive
// retry routing: transient and resource faults are retryable, data, logic,
// security, and configuration faults are not.
//
// Processors wrap errors with the constructors here (fault.Transient,
// fault.Data, ...) to steer the scheduler. Unwrapped errors default to
// CategoryTransient so an unannotated failure is retried rather than
// dead-lettered on first sight.
package fault

import (
	"context"
	"errors"
	"fmt"
)

// Category is the failure classification of a processing error.
type Category string

const (
	// CategoryTransient covers network and timeout-like failures.
	// Retryable with backoff.
	CategoryTransient Category = "transient"

	// CategoryResource covers rate-limit and capacity failures.
	// Retryable with a longer backoff; may trigger degraded-mode scaling.
	CategoryResource Category = "resource"

	// CategoryData covers malformed or invalid payloads. Never retried;
	// routed directly to the dead letter store.
	CategoryData Category = "data"

	// CategoryLogic covers unexpected internal errors. Never retried;
	// dead-lettered and surfaced at high severity.
	CategoryLogic Category = "logic"

	// CategorySecurity covers authorization failures. Never retried;
	// dead-lettered and audited.
	CategorySecurity Category = "security"

	// CategoryConfiguration covers invalid queue or job setup. Fails the
	// operation synchronously; such work is never enqueued.
	CategoryConfiguration Category = "configuration"
)

// Retryable reports whether errors of this category may be retried.
func (c Category) Retryable() bool {
	return c == CategoryTransient || c == CategoryResource
}

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	switch c {
	case CategoryTransient, CategoryResource, CategoryData,
		CategoryLogic, CategorySecurity, CategoryConfiguration:
		return true
	}
	return false
}

// Error is a classified processing error. It wraps the underlying cause
// and carries the category consulted by the scheduler's retry routing.
type Error struct {
	Cat Category

	// Subject names who or what the failure is attributed to (a user,
	// token, or resource identifier). Audit hooks surface it; it is
	// optional everywhere else.
	Subject string

	cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause == nil {
		return fmt.Sprintf("fault: %s", e.Cat)
	}
	return fmt.Sprintf("fault: %s: %v", e.Cat, e.cause)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.cause }

// Category returns the fault category.
func (e *Error) Category() Category { return e.Cat }

// WithSubject attributes the fault to a subject. It returns the same
// error so the call chains with the category constructors:
//
//	fault.Security(err).WithSubject("user:42")
func (e *Error) WithSubject(subject string) *Error {
	e.Subject = subject
	return e
}

// New wraps err with an explicit category. A nil err yields a bare
// classified error so callers can signal category-only failures.
func New(cat Category, err error) *Error {
	return &Error{Cat: cat, cause: err}
}

// Newf wraps a formatted message with an explicit category.
func Newf(cat Category, format string, args ...any) *Error {
	return &Error{Cat: cat, cause: fmt.Errorf(format, args...)}
}

// Transient marks err as a transient fault.
func Transient(err error) *Error { return New(CategoryTransient, err) }

// Resource marks err as a resource fault.
func Resource(err error) *Error { return New(CategoryResource, err) }

// Data marks err as a data fault.
func Data(err error) *Error { return New(CategoryData, err) }

// Logic marks err as a logic fault.
func Logic(err error) *Error { return New(CategoryLogic, err) }

// Security marks err as a security fault.
func Security(err error) *Error { return New(CategorySecurity, err) }

// Configuration marks err as a configuration fault.
func Configuration(err error) *Error { return New(CategoryConfiguration, err) }

// Classify returns the category of err. Classified errors keep their
// category (the innermost classification wins through wrapping); context
// deadline and cancellation map to transient; everything else defaults
// to transient so unannotated failures stay retryable.
func Classify(err error) Category {
	if err == nil {
		return CategoryTransient
	}

	var fe *Error
	if errors.As(err, &fe) {
		return fe.Cat
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return CategoryTransient
	}

	return CategoryTransient
}

// IsRetryable reports whether err's classification permits a retry.
func IsRetryable(err error) bool {
	return Classify(err).Retryable()
}
