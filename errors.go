package rtsync

import (
	"errors"
	"fmt"
)

var (
	// ErrRepoClosed is returned by operations on a Repo after Close.
	ErrRepoClosed = errors.New("rtsync: repo closed")
	// ErrWriteCanceled fails writes dropped by PurgeOutstandingWrites.
	ErrWriteCanceled = errors.New("rtsync: write canceled")
	// ErrNotConnected is returned when a request needs a live connection.
	ErrNotConnected = errors.New("rtsync: not connected")
)

// Server status codes carried in response frames.
const (
	statusOK               = "ok"
	statusPermissionDenied = "permission_denied"
	statusInvalidToken     = "invalid_token"
	statusWriteCanceled    = "write_canceled"
	statusDisconnect       = "disconnect"
)

// ValidationError reports a malformed path, value or query at the API
// boundary. It is always returned synchronously.
type ValidationError struct {
	Op      string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("rtsync: %s: %s", e.Op, e.Message)
}

func validationErrorf(op, format string, args ...any) error {
	return &ValidationError{Op: op, Message: fmt.Sprintf(format, args...)}
}

// WriteRejectedError is returned by an Ack when the server refused a put or
// merge. The local write has already been reverted when the caller sees it.
type WriteRejectedError struct {
	Path   string
	Code   string
	Reason string
}

func (e *WriteRejectedError) Error() string {
	if e.Reason != "" && e.Reason != e.Code {
		return fmt.Sprintf("rtsync: write at %s rejected: %s (%s)", e.Path, e.Code, e.Reason)
	}
	return fmt.Sprintf("rtsync: write at %s rejected: %s", e.Path, e.Code)
}

// ListenCancelledError is delivered to a listener's cancel callback when the
// server revokes or refuses its listen.
type ListenCancelledError struct {
	Path string
	Code string
}

func (e *ListenCancelledError) Error() string {
	reason := e.Code
	switch e.Code {
	case statusPermissionDenied:
		reason = "client doesn't have permission to access the desired data"
	case "unavailable":
		reason = "the service is unavailable"
	case "too_big":
		reason = "the data requested exceeds the maximum size that can be accessed with a single request"
	}
	return fmt.Sprintf("rtsync: %s at %s: %s", e.Code, e.Path, reason)
}

// ProtocolError is a malformed or unexpected frame. It tears down the
// connection instance that received it.
type ProtocolError struct {
	Message string
}

func (e *ProtocolError) Error() string {
	return "rtsync: protocol error: " + e.Message
}

// TransportError wraps a failure of the underlying transport. Callers never
// see it; it only drives reconnection.
type TransportError struct {
	Transport string
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("rtsync: %s transport: %v", e.Transport, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// errorForStatus maps a non-ok write status to the error handed to the Ack.
func errorForStatus(path Path, status, reason string) error {
	switch status {
	case statusOK:
		return nil
	case statusWriteCanceled:
		return ErrWriteCanceled
	}
	return &WriteRejectedError{Path: path.String(), Code: status, Reason: reason}
}

// assertf panics when an internal invariant is broken. It never guards
// against caller input; that goes through ValidationError.
func assertf(cond bool, format string, args ...any) {
	if !cond {
		panic(fmt.Sprintf("rtsync: assertion failed: "+format, args...))
	}
}
