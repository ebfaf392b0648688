package transfer

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for operations on an unknown transfer id.
	ErrNotFound = errors.New("transfer: not found")
	// ErrInvalidTransition is returned when the current status forbids the operation.
	ErrInvalidTransition = errors.New("transfer: invalid state transition")
	// ErrTransportRejected means the remote side declined the request.
	ErrTransportRejected = errors.New("transfer: rejected by peer")
	// ErrTransportFailure covers I/O and connectivity errors from the transport.
	ErrTransportFailure = errors.New("transfer: transport failure")
	// ErrLocalFile means the local file is missing, unreadable or not a regular file.
	ErrLocalFile = errors.New("transfer: local file error")
	// ErrDuplicateID is returned when a transfer id is already registered. It
	// always arrives wrapped together with ErrInvalidTransition.
	ErrDuplicateID = errors.New("transfer: duplicate transfer id")
	// ErrClosed is returned by every control operation after Shutdown.
	ErrClosed = errors.New("transfer: engine closed")
)

// Error describes a failed control operation. errors.Is matches both the
// Kind sentinel and the underlying cause.
type Error struct {
	Op   string
	ID   string
	Kind error
	Err  error
}

func (e *Error) Error() string {
	msg := "transfer " + e.Op
	if e.ID != "" {
		msg += " " + e.ID
	}
	switch {
	case e.Err == nil:
		return fmt.Sprintf("%s: %v", msg, e.Kind)
	case e.Kind == nil || errors.Is(e.Err, e.Kind):
		return fmt.Sprintf("%s: %v", msg, e.Err)
	default:
		return fmt.Sprintf("%s: %v: %v", msg, e.Kind, e.Err)
	}
}

func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func opError(op, id string, kind, cause error) *Error {
	return &Error{Op: op, ID: id, Kind: kind, Err: cause}
}

// transportError classifies a transport failure into the rejected or failure kind.
func transportError(op, id string, err error) *Error {
	if errors.Is(err, ErrTransportRejected) {
		return opError(op, id, ErrTransportRejected, err)
	}
	return opError(op, id, ErrTransportFailure, err)
}

// Unrecoverable reports whether a transport error should fail the transfer
// immediately instead of being retried on the next tick.
func Unrecoverable(err error) bool {
	return errors.Is(err, ErrTransportFailure) || errors.Is(err, ErrTransportRejected)
}
