package source

import (
	"errors"
	"fmt"
)

// ErrorCategory normalizes source failures.
type ErrorCategory string

const (
	ErrorTimeout        ErrorCategory = "timeout"
	ErrorOutage         ErrorCategory = "source_outage"
	ErrorRateLimited    ErrorCategory = "rate_limited"
	ErrorBadData        ErrorCategory = "bad_data"
	ErrorAuthentication ErrorCategory = "authentication"
	ErrorNotFound       ErrorCategory = "not_found"
	ErrorDenied         ErrorCategory = "denied"
)

var (
	// ErrSourceUnavailable marks transient failures eligible for retry.
	ErrSourceUnavailable = errors.New("verification source unavailable")
	// ErrSourceRejected marks permanent failures that resolve immediately to rejected.
	ErrSourceRejected  = errors.New("verification source rejected")
	ErrUnsupportedType = errors.New("no verification source configured for type")
)

// SourceError wraps an adapter failure with its category.
type SourceError struct {
	Category   ErrorCategory
	Source     string
	Message    string
	Underlying error
	Retryable  bool
}

func (e *SourceError) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("source %s [%s]: %s: %v", e.Source, e.Category, e.Message, e.Underlying)
	}
	return fmt.Sprintf("source %s [%s]: %s", e.Source, e.Category, e.Message)
}

func (e *SourceError) Unwrap() error {
	return e.Underlying
}

// Is lets callers match SourceError against ErrSourceUnavailable and
// ErrSourceRejected.
func (e *SourceError) Is(target error) bool {
	switch target {
	case ErrSourceUnavailable:
		return e.Retryable
	case ErrSourceRejected:
		return !e.Retryable
	}
	return false
}

func NewSourceError(category ErrorCategory, source, message string, underlying error) *SourceError {
	retryable := category == ErrorTimeout ||
		category == ErrorOutage ||
		category == ErrorRateLimited

	return &SourceError{
		Category:   category,
		Source:     source,
		Message:    message,
		Underlying: underlying,
		Retryable:  retryable,
	}
}

// IsTransient reports whether err is worth retrying. Errors that are not
// SourceErrors are treated as transient so an unexpected adapter failure
// degrades to "source unavailable" rather than an immediate rejection.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var se *SourceError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return !errors.Is(err, ErrSourceRejected)
}

func CategoryOf(err error) ErrorCategory {
	var se *SourceError
	if errors.As(err, &se) {
		return se.Category
	}
	return ErrorOutage
}
