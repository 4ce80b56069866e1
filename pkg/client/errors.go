package client

import (
	"errors"
	"fmt"
)

// Common errors returned by the client.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the caller's context ends.
	ErrContextCancelled = errors.New("context cancelled")
)

// ErrorClass represents a classification of API errors.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx errors and structured error payloads.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 429 rate limit errors.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork represents transport failures (timeouts, resets, DNS).
	ErrorClassNetwork ErrorClass = "network"
)

// TransportCode distinguishes transport-level failures.
type TransportCode string

const (
	// CodeTimeout is a request that exceeded its timeout.
	CodeTimeout TransportCode = "timeout"

	// CodeConnection is any other transport failure.
	CodeConnection TransportCode = "connection"
)

// APIError represents a remote API error with additional context.
type APIError struct {
	StatusCode int
	ErrorClass ErrorClass
	Code       TransportCode
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.ErrorClass == ErrorClassNetwork {
		if e.Err != nil {
			return fmt.Sprintf("CRM API network error (%s): %s: %v", e.Code, e.Message, e.Err)
		}
		return fmt.Sprintf("CRM API network error (%s): %s", e.Code, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("CRM API %s error (status %d): %s: %v",
			e.ErrorClass, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("CRM API %s error (status %d): %s",
		e.ErrorClass, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *APIError) Unwrap() error {
	return e.Err
}

// ClassOf returns the error class of err, or "" if err is not an APIError.
func ClassOf(err error) ErrorClass {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorClass
	}
	return ""
}

// IsTransport reports whether err is a transport (network/timeout) failure.
func IsTransport(err error) bool {
	return ClassOf(err) == ErrorClassNetwork
}

// IsTimeout reports whether err is a transport timeout.
func IsTimeout(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == CodeTimeout
}

// shouldRetry determines if an error should be retried based on its classification.
func shouldRetry(errorClass ErrorClass) bool {
	switch errorClass {
	case ErrorClassClient:
		// 4xx errors and validation payloads will not change on retry
		return false
	case ErrorClassServer:
		return true
	case ErrorClassRateLimit:
		return true
	case ErrorClassNetwork:
		return true
	default:
		return false
	}
}
