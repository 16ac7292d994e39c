package model

import (
	"errors"
	"fmt"
)

const (
	ErrCodeUnknownError      = 1
	ErrCodeTransport         = 2
	ErrCodeProtocol          = 3
	ErrCodeSequenceDesync    = 4
	ErrCodeAuthentication    = 5
	ErrCodeStorageCorruption = 6
	ErrCodeSubscriberTimeout = 7
	ErrCodeMarshal           = 8
	ErrCodeUnmarshal         = 9
)

var (
	// ErrTransport covers network-level failures talking to the server.
	// Retried via backoff.
	ErrTransport = &Error{
		Code:        ErrCodeTransport,
		Description: "transport failure",
	}

	// ErrProtocol covers malformed or unexpected server responses. Retried
	// like a transport failure but logged at higher severity.
	ErrProtocol = &Error{
		Code:        ErrCodeProtocol,
		Description: "malformed server response",
	}

	// ErrSequenceDesync indicates that the sequence the server expects
	// contradicts local state.
	ErrSequenceDesync = &Error{
		Code:        ErrCodeSequenceDesync,
		Description: "sequence desynchronization",
	}

	// ErrAuthentication indicates that the server rejected our identity.
	ErrAuthentication = &Error{
		Code:        ErrCodeAuthentication,
		Description: "unknown or invalid identity",
	}

	// ErrStorageCorruption indicates that persisted broker state could not
	// be loaded. Fatal at startup.
	ErrStorageCorruption = &Error{
		Code:        ErrCodeStorageCorruption,
		Description: "storage corruption",
	}

	// ErrSubscriberTimeout indicates that a single subscriber failed to
	// process an inbound message within the dispatch timeout.
	ErrSubscriberTimeout = &Error{
		Code:        ErrCodeSubscriberTimeout,
		Description: "subscriber dispatch timeout",
	}
)

// Error is a coded broker error. Errors with the same code are considered
// equivalent by errors.Is, so sentinel checks like
// errors.Is(err, model.ErrTransport) work on wrapped instances carrying
// extra detail.
type Error struct {
	Code        uint8
	Description string
}

func (err *Error) Error() string {
	return fmt.Sprintf("%d|%s", err.Code, err.Description)
}

func (err *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == err.Code
}

// WithDetail returns a copy of this error with extra descriptive detail.
func (err *Error) WithDetail(format string, args ...interface{}) *Error {
	return &Error{
		Code:        err.Code,
		Description: err.Description + ": " + fmt.Sprintf(format, args...),
	}
}

// WithError returns a copy of this error carrying the underlying cause.
func (err *Error) WithError(cause error) *Error {
	return err.WithDetail("%v", cause)
}

// TypedError coerces err into an *Error, defaulting to the unknown code.
func TypedError(err error) *Error {
	typed := &Error{}
	if errors.As(err, &typed) {
		return typed
	}
	return &Error{ErrCodeUnknownError, err.Error()}
}
