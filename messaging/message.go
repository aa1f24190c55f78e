// Package messaging implements the message delivery pipeline: optimistic
// local sends reconciled against server-confirmed and broadcast events,
// echo suppression for the sender's own traffic, and typing indicators.
//
// A Pipeline is scoped to one conversation at a time (the current peer).
// It is the only component allowed to command message emission on the
// transport.
package messaging

import (
	"time"

	"github.com/google/uuid"
)

// Kind is the content type of a message.
type Kind uint8

const (
	// KindText is a plain text message.
	KindText Kind = iota
	// KindImage is an image referenced by a previously-uploaded URL.
	KindImage
	// KindAudio is an audio clip referenced by a previously-uploaded URL.
	KindAudio
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case KindImage:
		return "image"
	case KindAudio:
		return "audio"
	default:
		return "text"
	}
}

// KindFromWire maps a wire type name to a Kind. Unknown names map to text.
func KindFromWire(s string) Kind {
	switch s {
	case "image":
		return KindImage
	case "audio":
		return KindAudio
	default:
		return KindText
	}
}

// DeliveryState is the local delivery state of an outbound message.
type DeliveryState uint8

const (
	// StatePending means the message was appended optimistically and the
	// wire emit has not completed yet.
	StatePending DeliveryState = iota
	// StateSent means the transport accepted the emit.
	StateSent
	// StateEchoed means the server broadcast the message back and it was
	// reconciled with the optimistic entry.
	StateEchoed
	// StateFailed means the emit was refused; the message is surfaced as
	// failed, never silently dropped.
	StateFailed
)

// String returns a human-readable state name.
func (s DeliveryState) String() string {
	switch s {
	case StateSent:
		return "sent"
	case StateEchoed:
		return "echoed"
	case StateFailed:
		return "failed"
	default:
		return "pending"
	}
}

// Message is one entry in the conversation sequence. Outbound messages
// carry a client-generated LocalID until the server's broadcast reconciles
// them; inbound messages keep LocalID empty.
type Message struct {
	LocalID     string
	Kind        Kind
	PayloadRef  string
	SenderID    string
	RecipientID string
	CreatedAt   time.Time
	State       DeliveryState
}

// newOutbound builds an optimistic outbound message in Pending state.
func newOutbound(kind Kind, payload, senderID, recipientID string) *Message {
	return &Message{
		LocalID:     uuid.NewString(),
		Kind:        kind,
		PayloadRef:  payload,
		SenderID:    senderID,
		RecipientID: recipientID,
		CreatedAt:   time.Now(),
		State:       StatePending,
	}
}
