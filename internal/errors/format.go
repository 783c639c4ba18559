package errors

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
)

// FormatForCLI formats an error for terminal display.
func FormatForCLI(err error) string {
	if err == nil {
		return ""
	}

	qe, ok := As(err)
	if !ok {
		qe = Wrap(ErrCodeInternal, err)
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Error: %s\n", err.Error()))
	if qe.Suggestion != "" {
		sb.WriteString(fmt.Sprintf("  Hint: %s\n", qe.Suggestion))
	}
	sb.WriteString(fmt.Sprintf("  Code: %s\n", qe.Code))
	return sb.String()
}

// JSONError is the wire representation of an error returned by the HTTP endpoint.
type JSONError struct {
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Category   string            `json:"category"`
	Details    map[string]string `json:"details,omitempty"`
	Suggestion string            `json:"suggestion,omitempty"`
	Retryable  bool              `json:"retryable"`
}

// ToJSON converts any error into its wire form.
func ToJSON(err error) JSONError {
	qe, ok := As(err)
	if !ok {
		qe = Wrap(ErrCodeInternal, err)
	}
	return JSONError{
		Code:       qe.Code,
		Message:    qe.Message,
		Category:   string(qe.Category),
		Details:    qe.Details,
		Suggestion: qe.Suggestion,
		Retryable:  qe.Retryable,
	}
}

// HTTPStatus maps an error to the status code the HTTP endpoint returns.
func HTTPStatus(err error) int {
	switch GetCode(err) {
	case ErrCodeInvalidInput:
		return http.StatusBadRequest
	case ErrCodeIndexNotFound:
		return http.StatusNotFound
	case ErrCodeProviderTransient:
		return http.StatusServiceUnavailable
	case ErrCodeProviderPermanent:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// LogAttrs returns slog attributes describing err.
func LogAttrs(err error) []slog.Attr {
	if err == nil {
		return nil
	}
	qe, ok := As(err)
	if !ok {
		return []slog.Attr{slog.String("error", err.Error())}
	}

	attrs := []slog.Attr{
		slog.String("error", err.Error()),
		slog.String("error_code", qe.Code),
		slog.String("category", string(qe.Category)),
		slog.Bool("retryable", qe.Retryable),
	}
	for k, v := range qe.Details {
		attrs = append(attrs, slog.String("detail_"+k, v))
	}
	return attrs
}
