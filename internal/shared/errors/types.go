package errors

import (
	"errors"
	"fmt"
	"net"
	"net/http"
)

// TransientError represents an error that can be retried.
type TransientError struct {
	Err        error
	StatusCode int    // HTTP status code if applicable
	Message    string // human-readable summary
}

func (e *TransientError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("transient error: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// PermanentError represents an error that should not be retried.
type PermanentError struct {
	Err        error
	StatusCode int
	Message    string
}

func (e *PermanentError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("permanent error: %v", e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// NewTransientError creates a transient error with a summary message.
func NewTransientError(err error, message string) *TransientError {
	return &TransientError{Err: err, Message: message}
}

// NewPermanentError creates a permanent error with a summary message.
func NewPermanentError(err error, message string) *PermanentError {
	return &PermanentError{Err: err, Message: message}
}

// IsTransient checks if an error is retry-able.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var transientErr *TransientError
	if errors.As(err, &transientErr) {
		return true
	}
	var permanentErr *PermanentError
	if errors.As(err, &permanentErr) {
		return false
	}

	// Network errors (connection refused, timeout, etc.)
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	return false
}

// IsPermanent checks if an error is non-retry-able.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var permanentErr *PermanentError
	if errors.As(err, &permanentErr) {
		return true
	}
	var transientErr *TransientError
	if errors.As(err, &transientErr) {
		return false
	}
	return false
}

// IsTransientHTTPStatus reports whether an HTTP status warrants a retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// FromHTTPStatus wraps err as transient or permanent based on the status.
func FromHTTPStatus(err error, statusCode int, message string) error {
	if IsTransientHTTPStatus(statusCode) {
		return &TransientError{Err: err, StatusCode: statusCode, Message: message}
	}
	return &PermanentError{Err: err, StatusCode: statusCode, Message: message}
}
