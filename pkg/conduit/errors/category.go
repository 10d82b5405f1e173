// Package errors provides the failure taxonomy shared by every conduit component.
//
// Errors are sorted into four categories:
//   - Transient: bus unavailable, handler timeout. Retried with backoff, bounded attempts.
//   - Terminal: a handler reported an unrecoverable business failure.
//   - SchemaViolation: an event failed validation against the schema registry. Never retried.
//   - CommitFailure: the atomic state+outbox commit failed. Returned to the caller.
package errors

import (
	"context"
	"errors"
	"fmt"
)

// Category represents how an error should be handled.
type Category int

const (
	// CategoryTransient indicates redelivery will likely help.
	CategoryTransient Category = iota

	// CategoryTerminal indicates the handler gave up on this event for good.
	CategoryTerminal

	// CategorySchemaViolation indicates the event itself is malformed.
	CategorySchemaViolation

	// CategoryCommitFailure indicates the state+event commit did not happen.
	CategoryCommitFailure
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryTransient:
		return "transient"
	case CategoryTerminal:
		return "terminal"
	case CategorySchemaViolation:
		return "schema_violation"
	case CategoryCommitFailure:
		return "commit_failure"
	default:
		return "unknown"
	}
}

// CategorizedError wraps an error with its category and context.
type CategorizedError struct {
	// Err is the underlying error.
	Err error

	// Category indicates how this error should be handled.
	Category Category

	// Retries is the number of attempts that have been made.
	Retries int

	// Context describes what operation was being attempted.
	Context string
}

// Error implements the error interface.
func (e *CategorizedError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("%s: %s (category: %s, attempts: %d)",
			e.Context, e.Err, e.Category, e.Retries)
	}
	return fmt.Sprintf("%s (category: %s, attempts: %d)",
		e.Err, e.Category, e.Retries)
}

// Unwrap returns the underlying error.
func (e *CategorizedError) Unwrap() error {
	return e.Err
}

// NewCategorized creates a new categorized error.
func NewCategorized(err error, category Category, context string) *CategorizedError {
	return &CategorizedError{
		Err:      err,
		Category: category,
		Context:  context,
	}
}

// Transient creates a transient error.
func Transient(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryTransient, context)
}

// Terminal creates a terminal handler error.
func Terminal(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryTerminal, context)
}

// SchemaViolation creates a schema violation error.
func SchemaViolation(err error, context string) *CategorizedError {
	return NewCategorized(err, CategorySchemaViolation, context)
}

// CommitFailure creates an outbox commit failure.
func CommitFailure(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryCommitFailure, context)
}

// TimeoutError indicates an operation timed out.
type TimeoutError struct {
	Operation string
	Duration  string
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout after %s: %s", e.Duration, e.Operation)
}

// Categorize determines how an error should be handled.
//
// Uncategorized errors are treated as transient: under at-least-once delivery
// an unknown failure is redelivered rather than dropped, and the bounded attempt
// count eventually turns it terminal.
func Categorize(err error) Category {
	if err == nil {
		return CategoryTerminal // shouldn't happen, fail safe
	}

	var catErr *CategorizedError
	if errors.As(err, &catErr) {
		return catErr.Category
	}

	// Timeouts, cancellations and unknown errors all land here.
	return CategoryTransient
}

// IsCancellation reports whether err comes from a cancelled or expired context.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// IsRetryable reports whether the error should be retried.
func IsRetryable(err error) bool {
	return Categorize(err) == CategoryTransient
}

// IsTerminal reports whether the error is a terminal handler failure.
func IsTerminal(err error) bool {
	return err != nil && Categorize(err) == CategoryTerminal
}

// IsSchemaViolation reports whether the error is a schema violation.
func IsSchemaViolation(err error) bool {
	return err != nil && Categorize(err) == CategorySchemaViolation
}
