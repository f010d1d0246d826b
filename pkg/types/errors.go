package types

import (
	"errors"
	"fmt"
)

// ErrSessionExpired is returned when load-more or refresh is attempted on
// a session past its TTL. Callers must create a new session.
var ErrSessionExpired = errors.New("search session expired")

// ErrInvalidFilter is returned by the query compiler for a filter request
// with no positive membership constraint. A query with zero required
// entities would be meaningless and costly to execute.
var ErrInvalidFilter = errors.New("invalid filter request")

// ValidationError indicates malformed caller input, rejected before any
// external call or cache write is attempted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// TransientError wraps a network/timeout failure from a third-party call.
// Transient errors are retried with bounded backoff and then degraded to
// an unresolved/unscored outcome rather than aborting the run.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure in %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError wraps a failure that retrying cannot fix, such as the
// backend rejecting a malformed query. It is surfaced as a stage failure
// and never retried.
type PermanentError struct {
	Op  string
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent failure in %s: %v", e.Op, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// CacheWriteError records a persistence-layer rejection of a cache write.
// The pipeline logs it and continues without caching that entry; it never
// aborts a run.
type CacheWriteError struct {
	Key string
	Err error
}

func (e *CacheWriteError) Error() string {
	return fmt.Sprintf("cache write failed for key %q: %v", e.Key, e.Err)
}

func (e *CacheWriteError) Unwrap() error { return e.Err }

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsPermanent reports whether err is (or wraps) a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
