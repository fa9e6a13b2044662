package token

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is a token lifecycle failure kind. Kinds are compared with errors.Is
// and carry the HTTP status used when surfacing them to API callers.
type Error struct {
	kind   string
	status int
}

func (e *Error) Error() string {
	return e.kind
}

func (e *Error) Status() (int, string) {
	return e.status, e.kind
}

var (
	ErrInvalidAuthorizedEntity = &Error{"invalid authorized entity", http.StatusBadRequest}
	ErrInvalidScope            = &Error{"invalid scope", http.StatusBadRequest}
	ErrMissingPushCredential   = &Error{"missing push credential", http.StatusBadRequest}
	ErrInvalidRequest          = &Error{"invalid request", http.StatusBadRequest}
	ErrInvalidStart            = &Error{"token manager not started", http.StatusServiceUnavailable}
	ErrInvalidKeyPair          = &Error{"identity unavailable", http.StatusServiceUnavailable}
	ErrNetworkOperationFailed  = &Error{"registration service operation failed", http.StatusBadGateway}
	ErrCancelled               = &Error{"operation cancelled", http.StatusServiceUnavailable}
	ErrStoreWriteFailed        = &Error{"token store write failed", http.StatusInternalServerError}
)

// OperationError is returned by the registration service for a rejected
// request. The reason is the service's own error code.
type OperationError struct {
	Reason string
	Cause  error
}

func (e OperationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("registration operation failed: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("registration operation failed: %s", e.Reason)
}

func (e OperationError) Unwrap() []error {
	if e.Cause != nil {
		return []error{ErrNetworkOperationFailed, e.Cause}
	}
	return []error{ErrNetworkOperationFailed}
}

func (e OperationError) Status() (int, string) {
	return http.StatusBadGateway, e.Reason
}

// StoreError wraps a persistence failure from a store backend.
type StoreError struct {
	Op    string
	Key   string
	Cause error
}

func (e StoreError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("token store %s failed: %v", e.Op, e.Cause)
	}
	return fmt.Sprintf("token store %s %q failed: %v", e.Op, e.Key, e.Cause)
}

func (e StoreError) Unwrap() []error {
	if e.Op == "write" {
		return []error{ErrStoreWriteFailed, e.Cause}
	}
	return []error{e.Cause}
}

func (e StoreError) Status() (int, string) {
	return http.StatusInternalServerError, "token store failure"
}

// IsCancelled reports whether err is a queue cancellation.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}
