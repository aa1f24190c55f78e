package transport

import "errors"

// Sentinel errors for transport operations.
// These errors enable reliable classification using errors.Is().
var (
	// ErrNotConnected indicates an operation that requires a live connection
	// was attempted while the manager is not Connected.
	ErrNotConnected = errors.New("transport not connected")

	// ErrConnectRefused indicates the server answered the auth handshake
	// with connect_error.
	ErrConnectRefused = errors.New("server refused connection")

	// ErrHandshakeTimeout indicates neither auth_ok nor connect_error
	// arrived within the handshake window.
	ErrHandshakeTimeout = errors.New("handshake timed out")

	// ErrConnectInProgress indicates a connect attempt is already in flight.
	ErrConnectInProgress = errors.New("connect already in progress")
)
