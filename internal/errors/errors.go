// Package errors provides domain-specific error types and sentinel errors
// for the harvester. Use errors.Is for sentinels and errors.As for the
// typed errors.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for common scenarios.
var (
	// ErrNotFound indicates a requested entity was not found.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidInput indicates the caller provided invalid input.
	ErrInvalidInput = errors.New("invalid input")

	// ErrTimeout indicates an operation timed out.
	ErrTimeout = errors.New("operation timed out")

	// ErrContextCanceled indicates the job context was canceled.
	ErrContextCanceled = errors.New("context canceled")

	// ErrEmptyBody indicates the upstream returned an empty response body.
	ErrEmptyBody = errors.New("empty response body")
)

// ValidationError represents input or configuration validation failures.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidInput
}

// NewValidationError creates a new validation error.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// ScraperError represents an upstream catalog failure with context.
// BodySnippet holds at most the first 200 bytes of the response body.
type ScraperError struct {
	URL         string
	StatusCode  int
	BodySnippet string
	Err         error
}

func (e *ScraperError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("scraper error (url=%s, status=%d): %v; body: %q", e.URL, e.StatusCode, e.Err, e.BodySnippet)
	}
	return fmt.Sprintf("scraper error (url=%s): %v", e.URL, e.Err)
}

func (e *ScraperError) Unwrap() error {
	return e.Err
}

// NewScraperError creates a new scraper error. The snippet is truncated
// to 200 bytes.
func NewScraperError(url string, statusCode int, body []byte, err error) *ScraperError {
	if len(body) > 200 {
		body = body[:200]
	}
	return &ScraperError{
		URL:         url,
		StatusCode:  statusCode,
		BodySnippet: string(body),
		Err:         err,
	}
}
