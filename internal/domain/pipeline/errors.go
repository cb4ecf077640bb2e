package pipeline

import "errors"

// ErrRunNotFound is returned when a run identity has no recorded state.
var ErrRunNotFound = errors.New("run not found")

// ErrRunExists is returned when creating a run whose identity is already
// recorded. Callers treat the collision as idempotent re-entry and resume
// the existing run.
var ErrRunExists = errors.New("run already exists")
