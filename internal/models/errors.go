package models

import (
	"errors"
	"fmt"
)

// ErrClockSkew marks a reading captured after it was fetched
var ErrClockSkew = errors.New("clock skew")

// AuthenticationError is returned once the auth-failure ceiling is exceeded
type AuthenticationError struct {
	StatusCode int
	Body       string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed with status %d: %s", e.StatusCode, e.Body)
}

// FetchError is returned once the fetch-failure ceiling is exceeded
type FetchError struct {
	StatusCode int
	Body       string
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch failed with status %d: %s", e.StatusCode, e.Body)
}

// ConnectionFault wraps a transport-level failure (unreachable, timeout,
// open circuit). It is always retried.
type ConnectionFault struct {
	Op  string
	Err error
}

func (e *ConnectionFault) Error() string {
	return fmt.Sprintf("%s: connection fault: %v", e.Op, e.Err)
}

func (e *ConnectionFault) Unwrap() error {
	return e.Err
}

// NumericDomainError reports degenerate insulin curve parameters
type NumericDomainError struct {
	PeakMinutes float64
	EndMinutes  float64
	Reason      string
}

func (e *NumericDomainError) Error() string {
	return fmt.Sprintf("insulin curve undefined for peak=%gmin end=%gmin: %s", e.PeakMinutes, e.EndMinutes, e.Reason)
}

// IsFatal reports whether err should stop the polling loop
func IsFatal(err error) bool {
	var authErr *AuthenticationError
	var fetchErr *FetchError
	var numErr *NumericDomainError
	return errors.As(err, &authErr) || errors.As(err, &fetchErr) || errors.As(err, &numErr)
}

// IsConnectionFault reports whether err is a transient transport failure
func IsConnectionFault(err error) bool {
	var cf *ConnectionFault
	return errors.As(err, &cf)
}
