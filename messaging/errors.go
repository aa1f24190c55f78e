package messaging

import "errors"

// Sentinel errors for pipeline operations.
var (
	// ErrNotConnected indicates the transport is not Connected; the send
	// was rejected or the emit was refused. Recoverable — the caller's
	// reconnection policy retries the connection, not the pipeline.
	ErrNotConnected = errors.New("not connected")

	// ErrEmptyContent indicates a text send with blank content.
	ErrEmptyContent = errors.New("empty message content")

	// ErrNoConversation indicates no conversation peer is set.
	ErrNoConversation = errors.New("no conversation peer set")
)
