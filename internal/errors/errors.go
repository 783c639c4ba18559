package errors

import (
	stderrors "errors"
	"fmt"
	"strconv"
)

// QAError is the structured error type for qarag.
// It carries enough context to tell the error kinds apart at every layer.
type QAError struct {
	// Code is the unique error code (e.g., "ERR_205_CORRUPT_INDEX").
	Code string

	// Message is the human-readable error message.
	Message string

	// Category is derived from the code.
	Category Category

	// Severity is derived from the code.
	Severity Severity

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error

	// Retryable indicates if the operation can be retried.
	Retryable bool

	// Suggestion is an actionable suggestion for the user.
	Suggestion string
}

// Error implements the error interface.
func (e *QAError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *QAError) Unwrap() error {
	return e.Cause
}

// Is matches by code, so errors.Is(err, &QAError{Code: ...}) works on wrapped chains.
func (e *QAError) Is(target error) bool {
	if t, ok := target.(*QAError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
func (e *QAError) WithDetail(key, value string) *QAError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithSuggestion adds an actionable suggestion for the user.
func (e *QAError) WithSuggestion(suggestion string) *QAError {
	e.Suggestion = suggestion
	return e
}

// New creates a new QAError with the given code and message.
// Category, severity, and retryable flag are derived from the code.
func New(code string, message string, cause error) *QAError {
	return &QAError{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Severity:  severityFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Wrap creates a QAError from an existing error.
func Wrap(code string, err error) *QAError {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// ConfigError creates a configuration-related error.
func ConfigError(message string, cause error) *QAError {
	return New(ErrCodeConfigInvalid, message, cause)
}

// ValidationError creates a record or query validation error.
func ValidationError(message string, cause error) *QAError {
	return New(ErrCodeInvalidInput, message, cause)
}

// DimensionMismatch reports a vector whose length differs from the index dimension.
func DimensionMismatch(expected, got int) *QAError {
	return New(ErrCodeDimensionMismatch,
		fmt.Sprintf("dimension mismatch: expected %d, got %d", expected, got), nil).
		WithDetail("expected", strconv.Itoa(expected)).
		WithDetail("got", strconv.Itoa(got)).
		WithSuggestion("Check that the embedding model matches the one the index was built with")
}

// ProviderTransient creates a retryable embedding provider error.
func ProviderTransient(message string, cause error) *QAError {
	return New(ErrCodeProviderTransient, message, cause)
}

// ProviderPermanent creates a non-retryable embedding provider error
// (unauthorized, not found, bad request).
func ProviderPermanent(message string, cause error) *QAError {
	return New(ErrCodeProviderPermanent, message, cause)
}

// CorruptIndex reports a persisted artifact that is unreadable or inconsistent.
func CorruptIndex(message string, cause error) *QAError {
	return New(ErrCodeCorruptIndex, message, cause).
		WithSuggestion("Re-run ingestion to rebuild the index bundle")
}

// InternalError creates an internal error.
func InternalError(message string, cause error) *QAError {
	return New(ErrCodeInternal, message, cause)
}

// As finds the first QAError in err's chain.
func As(err error) (*QAError, bool) {
	var qe *QAError
	if stderrors.As(err, &qe) {
		return qe, true
	}
	return nil, false
}

// IsKind reports whether any error in err's chain carries the given code.
func IsKind(err error, code string) bool {
	return stderrors.Is(err, &QAError{Code: code})
}

// IsRetryable checks if an error is retryable.
// Returns true if the chain holds a QAError with Retryable set.
func IsRetryable(err error) bool {
	if qe, ok := As(err); ok {
		return qe.Retryable
	}
	return false
}

// IsFatal checks if an error has fatal severity.
func IsFatal(err error) bool {
	if qe, ok := As(err); ok {
		return qe.Severity == SeverityFatal
	}
	return false
}

// GetCode extracts the error code from the chain.
// Returns empty string if no QAError is present.
func GetCode(err error) string {
	if qe, ok := As(err); ok {
		return qe.Code
	}
	return ""
}

// GetCategory extracts the category from the chain.
func GetCategory(err error) Category {
	if qe, ok := As(err); ok {
		return qe.Category
	}
	return ""
}
