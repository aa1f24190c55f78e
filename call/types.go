// Package call implements the call-signaling state machine that negotiates
// audio/video sessions with a remote peer: initiate/accept/reject/end, the
// ring timeout race, and the hand-off to media negotiation.
//
// At most one Session is non-terminal per process. The Controller is the
// session's exclusive owner and the only component allowed to command the
// media negotiation engine.
package call

import (
	"sync"
	"time"
)

// Type is the media kind of a call.
type Type uint8

const (
	// TypeAudio is an audio-only call.
	TypeAudio Type = iota
	// TypeVideo is an audio+video call.
	TypeVideo
)

// String returns the wire name of the call type.
func (t Type) String() string {
	if t == TypeVideo {
		return "video"
	}
	return "audio"
}

// TypeFromWire maps a wire call type name to a Type. Unknown names map to
// audio.
func TypeFromWire(s string) Type {
	if s == "video" {
		return TypeVideo
	}
	return TypeAudio
}

// State represents the lifecycle state of a call session.
type State uint8

const (
	// StateIdle means no session exists.
	StateIdle State = iota
	// StateInitiating means call_initiate was emitted and the server ack
	// with the call id is pending.
	StateInitiating
	// StateRinging means the call id is assigned and the remote side has
	// been asked to answer.
	StateRinging
	// StateAccepted means the remote (or local) side accepted; media
	// negotiation starts automatically from here.
	StateAccepted
	// StateNegotiating means the offer/answer/ICE exchange is running.
	StateNegotiating
	// StateActive means media is flowing.
	StateActive
	// StateEnded means the call finished normally.
	StateEnded
	// StateRejected means the remote side declined.
	StateRejected
	// StateTimedOut means ringing expired with no answer.
	StateTimedOut
	// StateFailed means a transport or negotiation fault killed the call.
	StateFailed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateInitiating:
		return "initiating"
	case StateRinging:
		return "ringing"
	case StateAccepted:
		return "accepted"
	case StateNegotiating:
		return "negotiating"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	case StateRejected:
		return "rejected"
	case StateTimedOut:
		return "timed_out"
	case StateFailed:
		return "failed"
	default:
		return "idle"
	}
}

// Terminal reports whether s ends a session.
func (s State) Terminal() bool {
	switch s {
	case StateEnded, StateRejected, StateTimedOut, StateFailed:
		return true
	default:
		return false
	}
}

// Session identifies one logical call. The id is server-assigned at
// initiation; until the ack arrives an outbound session carries an empty
// id in StateInitiating.
type Session struct {
	id          string
	callType    Type
	callerID    string
	recipientID string
	createdAt   time.Time
	initiator   bool

	mu    sync.RWMutex
	state State
}

func newSession(id string, callType Type, callerID, recipientID string, initiator bool, state State) *Session {
	return &Session{
		id:          id,
		callType:    callType,
		callerID:    callerID,
		recipientID: recipientID,
		createdAt:   time.Now(),
		initiator:   initiator,
		state:       state,
	}
}

// ID returns the server-assigned call id (empty while Initiating).
func (s *Session) ID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id
}

// CallType returns the media kind of the call.
func (s *Session) CallType() Type { return s.callType }

// CallerID returns the initiating user's id.
func (s *Session) CallerID() string { return s.callerID }

// RecipientID returns the called user's id.
func (s *Session) RecipientID() string { return s.recipientID }

// CreatedAt returns when the session was created locally.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Initiator reports whether the local user placed the call. Only the
// initiator side ever creates the SDP offer.
func (s *Session) Initiator() bool { return s.initiator }

// State returns the current session state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) setID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = id
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

// StateChange is the bus payload for call state transitions.
type StateChange struct {
	CallID string
	State  State
}

// IncomingCall is the bus payload announcing an inbound call.
type IncomingCall struct {
	CallID   string
	CallerID string
	CallType Type
}
