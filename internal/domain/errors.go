package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrLockHeld      = errors.New("lock already held")

	ErrInvalidTransition     = errors.New("invalid state transition")
	ErrInvalidArgument       = errors.New("invalid argument")
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInvalidReveal         = errors.New("reveal does not match commitment")
	ErrMarketAlreadyResolved = errors.New("market already resolved")
	ErrAlreadySettled        = errors.New("prediction already settled")

	// ErrTransientConflict marks store failures that may succeed on retry
	// (serialization conflicts, deadlocks, busy databases, dropped connections).
	ErrTransientConflict = errors.New("transient store conflict")
	// ErrCommitUnknown marks a commit whose result never reached the client.
	// The writes may or may not have been applied. Stores wrap it together
	// with ErrTransientConflict.
	ErrCommitUnknown = errors.New("commit outcome unknown")
	// ErrStoreUnavailable is returned once the retry budget for a transient
	// conflict is exhausted.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// ErrorClass tells callers how to react to a failed operation.
type ErrorClass int

const (
	ClassNone ErrorClass = iota
	// ClassInvalid means the request itself was wrong and must not be retried.
	ClassInvalid
	// ClassRetry means the request may succeed if sent again.
	ClassRetry
	// ClassUnavailable means the backing store is down.
	ClassUnavailable
	// ClassInternal covers everything unclassified.
	ClassInternal
)

func (c ErrorClass) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassInvalid:
		return "invalid"
	case ClassRetry:
		return "retry"
	case ClassUnavailable:
		return "unavailable"
	default:
		return "internal"
	}
}

// Classify maps an error returned by the core to an ErrorClass.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, ErrStoreUnavailable):
		return ClassUnavailable
	case errors.Is(err, ErrTransientConflict), errors.Is(err, ErrLockHeld):
		return ClassRetry
	case errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrInvalidArgument),
		errors.Is(err, ErrInsufficientBalance),
		errors.Is(err, ErrInvalidReveal),
		errors.Is(err, ErrMarketAlreadyResolved),
		errors.Is(err, ErrAlreadySettled),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrAlreadyExists):
		return ClassInvalid
	default:
		return ClassInternal
	}
}

// IsTransient reports whether err is worth retrying as a whole unit of work.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientConflict)
}
