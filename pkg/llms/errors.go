package llms

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies a failure along the documented taxonomy.
type Kind string

const (
	KindInvalidArgument Kind = "InvalidArgument"
	KindConfigMissing   Kind = "ConfigMissing"
	KindTimeout         Kind = "Timeout"
	KindRateLimited     Kind = "RateLimited"
	KindProviderError   Kind = "ProviderError"
	KindProtocolError   Kind = "ProtocolError"
	KindSchemaViolation Kind = "SchemaViolation"
	KindUnsupported     Kind = "UnsupportedOperation"
)

// Error is the typed failure surfaced by the request path.
type Error struct {
	Kind       Kind
	Provider   string
	StatusCode int
	RetryAfter time.Duration
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("%s [%s]: %s", e.Kind, e.Provider, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// NewUnsupported reports an operation a provider cannot perform, e.g.
// embeddings on Claude or chat on Voyage.
func NewUnsupported(provider, operation string) *Error {
	return &Error{
		Kind:     KindUnsupported,
		Provider: provider,
		Message:  fmt.Sprintf("%s is not supported by provider %s", operation, provider),
	}
}

// NewConfigMissing reports an unresolvable API key or credential.
func NewConfigMissing(provider, what string) *Error {
	return &Error{
		Kind:     KindConfigMissing,
		Provider: provider,
		Message:  fmt.Sprintf("no %s resolvable for provider %s", what, provider),
	}
}

// classifyHTTPError maps a provider HTTP failure onto the taxonomy.
// The caller emits the rate-limit event before returning a 429 error.
func classifyHTTPError(provider string, statusCode int, body string, retryAfter time.Duration, err error) *Error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: KindTimeout, Provider: provider, Message: "request deadline exceeded", Err: err}
	case statusCode == http.StatusTooManyRequests:
		return &Error{
			Kind:       KindRateLimited,
			Provider:   provider,
			StatusCode: statusCode,
			RetryAfter: retryAfter,
			Message:    "rate limited by provider",
			Err:        err,
		}
	case statusCode >= 400:
		msg := body
		if msg == "" {
			msg = http.StatusText(statusCode)
		}
		return &Error{Kind: KindProviderError, Provider: provider, StatusCode: statusCode, Message: msg, Err: err}
	default:
		return &Error{Kind: KindProtocolError, Provider: provider, Message: "transport failure", Err: err}
	}
}
