package rtcore

import "time"

// Options contains configuration for creating a Client.
type Options struct {
	// ServerURL is the websocket signaling endpoint (ws:// or wss://).
	ServerURL string

	// UserID identifies the local user on the wire.
	UserID string

	// Token is the bearer token presented during the auth handshake.
	// Issued externally; the client only tracks its exp claim.
	Token string

	// MediaServiceURL is the upload endpoint for image and audio
	// messages. Empty disables media sends.
	MediaServiceURL string

	// HistoryServiceURL is the REST endpoint for persisted conversation
	// history. Empty disables history operations.
	HistoryServiceURL string

	// ReconnectDelay is the fixed pause between reconnect attempts after
	// an unexpected disconnect.
	ReconnectDelay time.Duration

	// HandshakeTimeout bounds the auth handshake on connect.
	HandshakeTimeout time.Duration

	// RingTimeout bounds how long an outbound call may ring.
	RingTimeout time.Duration
}

// NewOptions creates a new default Options.
func NewOptions() *Options {
	return &Options{
		ReconnectDelay:   3 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		RingTimeout:      30 * time.Second,
	}
}
