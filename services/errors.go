package services

import "errors"

// Sentinel errors for the external service clients.
var (
	// ErrTokenExpired indicates the held bearer token is past its exp
	// claim and must not be presented to the server.
	ErrTokenExpired = errors.New("bearer token expired")

	// ErrRequestFailed indicates the service answered with a non-success
	// HTTP status. Wrapped with the status code for logging.
	ErrRequestFailed = errors.New("service request failed")
)
