// Package errdefs defines the gateway's error kinds and their HTTP mapping.
package errdefs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a gateway error for HTTP surfacing.
type Kind int

const (
	KindUnknown Kind = iota
	KindMalformedRequest
	KindMissingAPIKey
	KindUnknownConfig
	KindSessionNotFound
	KindInvalidConfig
	KindContainerStartFailed
	KindReadinessTimeout
	KindConnectionLost
	KindResourceExhausted
	KindConflict
)

// Error is a classified gateway error.
type Error struct {
	Kind Kind
	Msg  string
	Err  error

	// Fields holds per-field validation messages for KindInvalidConfig.
	Fields map[string]string
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Invalid builds a KindInvalidConfig error carrying per-field messages.
func Invalid(fields map[string]string) *Error {
	return &Error{Kind: KindInvalidConfig, Msg: "invalid config", Fields: fields}
}

// KindOf extracts the kind from an error chain, KindUnknown if unclassified.
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindUnknown
}

// HTTPStatus maps an error kind to its response status per the gateway's
// error table.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindMalformedRequest:
		return http.StatusBadRequest
	case KindMissingAPIKey:
		return http.StatusUnauthorized
	case KindUnknownConfig, KindSessionNotFound:
		return http.StatusNotFound
	case KindInvalidConfig:
		return http.StatusUnprocessableEntity
	case KindContainerStartFailed, KindConnectionLost:
		return http.StatusBadGateway
	case KindReadinessTimeout:
		return http.StatusGatewayTimeout
	case KindResourceExhausted:
		return http.StatusInsufficientStorage
	case KindConflict:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
