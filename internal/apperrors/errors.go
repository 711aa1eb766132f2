package apperrors

import (
	"errors"
	"fmt"
)

var (
	// Another state-changing session operation is in flight
	ErrConcurrencyRejected = errors.New("operation rejected: another session operation is in flight")

	// Operation requires an authenticated session
	ErrNotAuthenticated = errors.New("not authenticated")

	// Access token could not be decoded or has no expiry claim
	// Internal only: must never reach the UI
	ErrTokenDecode = errors.New("token decode error")

	// User input rejected before any network call
	ErrInvalidInput = errors.New("invalid input")

	// Provider answered with a success code but the body carries no usable data
	ErrMalformedResponse = errors.New("malformed provider response")
)

// Transport level failure: provider unreachable, timeout, connection reset
type NetworkError struct {
	Op  string
	Err error
}

func NewNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err}
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// Structured error returned by the identity provider (4xx/5xx body)
// Also used for errors delivered through an OAuth redirect, then Status is 0
type ProviderError struct {
	Status      int
	Code        string
	Description string
}

func (e *ProviderError) Error() string {
	switch {
	case e.Description != "" && e.Status != 0:
		return fmt.Sprintf("provider error %d: %s: %s", e.Status, e.Code, e.Description)
	case e.Description != "":
		return fmt.Sprintf("provider error: %s: %s", e.Code, e.Description)
	case e.Status != 0:
		return fmt.Sprintf("provider error %d: %s", e.Status, e.Code)
	default:
		return fmt.Sprintf("provider error: %s", e.Code)
	}
}

// Check whether err is a provider error with one of the given HTTP statuses
func IsProviderStatus(err error, statuses ...int) bool {
	var pe *ProviderError
	if !errors.As(err, &pe) {
		return false
	}
	for _, s := range statuses {
		if pe.Status == s {
			return true
		}
	}
	return false
}
