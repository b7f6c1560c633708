package domain

import "errors"

// ErrCircuitOpen is returned by a breaker-wrapped call when the breaker is
// open and the underlying operation was not invoked.
var ErrCircuitOpen = errors.New("circuit breaker open")

// ErrNotFound indicates a release or segment list could not be located.
var ErrNotFound = errors.New("not found")

// ErrSchema indicates a segment record failed structural validation.
var ErrSchema = errors.New("segment schema validation failed")

// ErrNoSegments indicates a release has an empty segment list where one is
// required (e.g. NZB synthesis).
var ErrNoSegments = errors.New("release has no segments")
