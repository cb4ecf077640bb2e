package failure

import (
	"errors"
	"fmt"
)

// ClassifiedError carries an explicit classification assigned at the point an
// error was raised, short-circuiting the text-matching rules. Steps that know
// what went wrong (the storage probe in particular) wrap their errors in one
// of these.
type ClassifiedError struct {
	class Classification
	path  string
	err   error
}

// NewClassifiedError wraps err with an explicit classification.
func NewClassifiedError(class Classification, err error) *ClassifiedError {
	return &ClassifiedError{class: class, err: err}
}

// NewStorageError wraps err as a Storage failure observed at path. The path
// is recorded on the failed run for diagnosis.
func NewStorageError(path string, err error) *ClassifiedError {
	return &ClassifiedError{class: ClassStorage, path: path, err: err}
}

// Class returns the assigned classification.
func (e *ClassifiedError) Class() Classification { return e.class }

// Path returns the filesystem path the failure was observed at, if any.
func (e *ClassifiedError) Path() string { return e.path }

// Error returns a string representation of the error.
func (e *ClassifiedError) Error() string {
	if e.path != "" {
		return fmt.Sprintf("%s failure at %s: %v", e.class, e.path, e.err)
	}
	return fmt.Sprintf("%s failure: %v", e.class, e.err)
}

// Unwrap returns the wrapped error.
func (e *ClassifiedError) Unwrap() error { return e.err }

// InsufficientSpaceError signals the admission gate deferred a run because
// the workspace root lacks space. It is a retryable condition distinct from a
// Storage failure even though both originate near storage: the remedy here is
// another run finishing and freeing space, not an operator fixing a mount.
type InsufficientSpaceError struct {
	RequiredBytes  int64
	AvailableBytes int64
	Path           string
}

// Error returns a string representation of the error.
func (e *InsufficientSpaceError) Error() string {
	return fmt.Sprintf("insufficient space at %s: required %d bytes, available %d bytes",
		e.Path, e.RequiredBytes, e.AvailableBytes)
}

// IsInsufficientSpace reports whether err is an admission-gate space deferral.
func IsInsufficientSpace(err error) bool {
	var ise *InsufficientSpaceError
	return errors.As(err, &ise)
}
