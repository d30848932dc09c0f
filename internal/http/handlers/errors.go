// Package handlers defines the HTTP-layer error codes used across endpoints.
//
// Codes are lowercase snake_case strings that supplement HTTP status codes
// with a stable, machine-readable taxonomy. Handlers select the most specific
// matching code and pass it to fail() along with the status and message.
package handlers

const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeUnauthorized = "unauthorized"
	ErrCodeNotFound     = "not_found"
	ErrCodeInternal     = "internal_error"

	// Domain-specific:
	ErrCodeListFailed       = "list_failed"
	ErrCodeQueueFull        = "queue_full"
	ErrCodeMethodNotAllowed = "method_not_allowed"
)
