// Package apperrors holds the typed failures shared by the persistence, control-plane and
// recovery layers. Callers inspect them with errors.As.
package apperrors

import (
	"errors"
	"fmt"
)

// ValidationError reports malformed input detected before any side effect.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

// NotFoundError reports a missing row.
type NotFoundError struct {
	Resource string
	Key      string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.Key)
}

// ResolutionError reports a hostname that could not be resolved to an address.
type ResolutionError struct {
	Hostname string
	Err      error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve host %s: %v", e.Hostname, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// StorageError wraps a database failure. Code carries the SQLSTATE when the driver reported one.
type StorageError struct {
	Op   string
	Code string
	Err  error
}

func (e *StorageError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("storage %s (sqlstate %s): %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// InvalidFieldError reports an update against a column outside the writable set.
type InvalidFieldError struct {
	Table string
	Field string
}

func (e *InvalidFieldError) Error() string {
	return fmt.Sprintf("%s has no writable field %q", e.Table, e.Field)
}

// TerminalStateError reports a progress write against a row that already finished.
type TerminalStateError struct {
	Table    string
	Key      string
	Progress int
}

func (e *TerminalStateError) Error() string {
	return fmt.Sprintf("%s %s is terminal (progress %d)", e.Table, e.Key, e.Progress)
}

// ClientError reports an unexpected control-plane response.
type ClientError struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *ClientError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Body != "":
		return fmt.Sprintf("%s: unexpected status %d: %s", e.Op, e.StatusCode, e.Body)
	default:
		return fmt.Sprintf("%s: unexpected status %d", e.Op, e.StatusCode)
	}
}

func (e *ClientError) Unwrap() error { return e.Err }

// AlreadyInDesiredStateError reports a 409 from stop or start. Recovery treats it as success.
type AlreadyInDesiredStateError struct {
	InstanceID string
	State      string
}

func (e *AlreadyInDesiredStateError) Error() string {
	return fmt.Sprintf("instance %s is already %s", e.InstanceID, e.State)
}

// AuthExhaustedError reports that the action path kept receiving 401 past its retry budget.
type AuthExhaustedError struct {
	Stage    string
	Attempts int
}

func (e *AuthExhaustedError) Error() string {
	return fmt.Sprintf("authentication exhausted at %s stage after %d attempts", e.Stage, e.Attempts)
}

// TransportExhaustedError reports that retryable transport failures outlasted the retry budget.
type TransportExhaustedError struct {
	Method   string
	URL      string
	Attempts int
	Err      error
}

func (e *TransportExhaustedError) Error() string {
	return fmt.Sprintf("%s %s failed after %d attempts: %v", e.Method, e.URL, e.Attempts, e.Err)
}

func (e *TransportExhaustedError) Unwrap() error { return e.Err }

// IsAlreadyInDesiredState reports whether err carries an AlreadyInDesiredStateError.
func IsAlreadyInDesiredState(err error) bool {
	var target *AlreadyInDesiredStateError
	return errors.As(err, &target)
}

// IsNotFound reports whether err carries a NotFoundError.
func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}
