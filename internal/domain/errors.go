package domain

import "errors"

var (
	// ErrNotFound is returned when a class or routine does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyStarted is returned when a session start time is already set.
	ErrAlreadyStarted = errors.New("session already started")
	// ErrForbidden is returned when a join or start is not allowed for the caller.
	ErrForbidden = errors.New("forbidden")
	// ErrStorageUnavailable is returned once storage retries are exhausted.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrTransient marks a single failed delivery attempt that is safe to retry.
	ErrTransient = errors.New("transient failure")
)

// IsPermanent reports whether err is a validation failure that must not be retried.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrForbidden) || errors.Is(err, ErrAlreadyStarted)
}
