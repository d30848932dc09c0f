// Package services defines the business logic for case lifecycle management:
// get-or-create with conflict resolution, inbound message processing, and
// state transitions. This file centralizes common service-level error values
// so that they can be consistently returned by service methods and checked
// by callers.
package services

import "errors"

var (
	// ErrCaseNotFound indicates that the requested case does not exist.
	ErrCaseNotFound = errors.New("case not found")

	// ErrMissingExternalID is returned when an inbound message carries no
	// external identifier and therefore cannot be deduplicated.
	ErrMissingExternalID = errors.New("inbound message has no external id")

	// ErrUnknownSource is returned when an inbound message carries an
	// unrecognized channel tag.
	ErrUnknownSource = errors.New("unknown message source")

	// ErrEmptyBody is returned when an inbound message has no usable text
	// after sanitization.
	ErrEmptyBody = errors.New("message body is empty")

	// ErrCaseConflict is returned when the get-or-create conflict loop
	// exhausts its attempts without converging on a single open case.
	ErrCaseConflict = errors.New("could not resolve open case after conflict")
)
