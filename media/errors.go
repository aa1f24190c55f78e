package media

import "errors"

// Sentinel errors for media negotiation.
// These errors enable reliable classification using errors.Is().
var (
	// ErrNegotiationActive indicates a negotiation is already running;
	// the engine handles exactly one call at a time.
	ErrNegotiationActive = errors.New("negotiation already active")

	// ErrNotStarted indicates a signaling payload arrived for a call the
	// engine is not (or no longer) negotiating.
	ErrNotStarted = errors.New("negotiation not started")

	// ErrInvalidSignalingState indicates an offer or answer arrived out of
	// the expected order for this side of the call.
	ErrInvalidSignalingState = errors.New("invalid signaling state")

	// ErrNoDevicePermission indicates capture device access was denied.
	ErrNoDevicePermission = errors.New("capture device permission denied")

	// ErrDeviceUnavailable indicates no usable capture device could be
	// opened for the requested call type.
	ErrDeviceUnavailable = errors.New("capture device unavailable")
)
