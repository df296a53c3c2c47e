package siyuan

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by Client matches exactly one of these
// with errors.Is.
var (
	ErrAuthentication = errors.New("authentication failed")
	ErrPermission     = errors.New("permission denied")
	ErrNotFound       = errors.New("not found")
	ErrNetwork        = errors.New("network failure")
	ErrValidation     = errors.New("unexpected response")
	ErrRemote         = errors.New("remote error")
)

// APIError describes a failed call to the remote store.
type APIError struct {
	Endpoint string
	// Status is the HTTP status code, or 0 when the request never got a response.
	Status int
	// Code is the application code from the response envelope.
	Code int
	Msg  string

	kind  error
	cause error
}

func (e *APIError) Error() string {
	switch {
	case e.Status == 0 && e.cause != nil:
		return fmt.Sprintf("%s: %v: %v", e.Endpoint, e.kind, e.cause)
	case e.Code != 0:
		return fmt.Sprintf("%s: API returned code %d: %s", e.Endpoint, e.Code, e.Msg)
	default:
		return fmt.Sprintf("%s: API returned status %d: %s", e.Endpoint, e.Status, e.Msg)
	}
}

// Is reports whether target is the error kind of e.
func (e *APIError) Is(target error) bool {
	return target == e.kind
}

// Unwrap returns the underlying transport or decoding error, if any.
func (e *APIError) Unwrap() error {
	return e.cause
}

// Kind returns the sentinel this error matches.
func (e *APIError) Kind() error {
	return e.kind
}

func newAPIError(endpoint string, kind error, status int, msg string, cause error) *APIError {
	return &APIError{
		Endpoint: endpoint,
		Status:   status,
		Msg:      msg,
		kind:     kind,
		cause:    cause,
	}
}

// kindForStatus maps a non-2xx HTTP status to an error kind.
func kindForStatus(status int) error {
	switch status {
	case 401:
		return ErrAuthentication
	case 403:
		return ErrPermission
	case 404:
		return ErrNotFound
	default:
		return ErrNetwork
	}
}
