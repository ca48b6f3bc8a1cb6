package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a record, session or webhook does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized is returned when the caller does not own the resource
	// or holds no usable session.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInvalidStatus is returned for input or records that break the status
	// schema.
	ErrInvalidStatus = errors.New("invalid status")

	// ErrInvalidPreferences is returned for preferences outside the allowed values.
	ErrInvalidPreferences = errors.New("invalid preferences")

	// ErrInvalidCursor is returned for feed cursors this process did not issue.
	ErrInvalidCursor = errors.New("invalid cursor")

	// ErrMalformedEvent marks firehose events whose payload could not be
	// decoded. The ingestion pipeline drops them.
	ErrMalformedEvent = errors.New("malformed event")
)

// RemoteErrorKind classifies failures of the remote repository.
type RemoteErrorKind int

const (
	// RemoteTransient failures may succeed on retry (network, 5xx, 429).
	RemoteTransient RemoteErrorKind = iota

	// RemoteUnauthorized means the session was rejected.
	RemoteUnauthorized

	// RemoteInvalid means the repository rejected the request itself.
	RemoteInvalid
)

func (k RemoteErrorKind) String() string {
	switch k {
	case RemoteUnauthorized:
		return "unauthorized"
	case RemoteInvalid:
		return "invalid"
	default:
		return "transient"
	}
}

// RemoteWriteError is returned when a create, put or delete against the
// author's repository fails. No local state changes when it is returned.
type RemoteWriteError struct {
	Kind RemoteErrorKind
	Op   string
	Err  error
}

func (e *RemoteWriteError) Error() string {
	return fmt.Sprintf("remote %s failed (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *RemoteWriteError) Unwrap() error {
	return e.Err
}

// IsRemoteKind reports whether err is a RemoteWriteError of the given kind.
func IsRemoteKind(err error, kind RemoteErrorKind) bool {
	var rwe *RemoteWriteError
	return errors.As(err, &rwe) && rwe.Kind == kind
}
