package call

import "errors"

// Sentinel errors for call control operations.
var (
	// ErrCallInProgress indicates another session is already non-terminal.
	// Local precondition violation; rejected synchronously, no retry.
	ErrCallInProgress = errors.New("call already in progress")

	// ErrNoActiveCall indicates no session exists for the operation.
	ErrNoActiveCall = errors.New("no active call")

	// ErrNotConnected indicates the transport refused the command.
	ErrNotConnected = errors.New("transport not connected")

	// ErrNotRinging indicates accept/reject on a session that is not
	// ringing (for example after a timeout already fired).
	ErrNotRinging = errors.New("call is not ringing")

	// ErrNotRecipient indicates accept/reject attempted by the caller side.
	ErrNotRecipient = errors.New("only the called side may answer")
)
