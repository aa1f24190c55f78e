package transport

import "encoding/json"

// Envelope is the wire frame exchanged with the signaling server: a JSON
// object carrying the operation name and an operation-specific payload.
type Envelope struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Outbound operations (client → server).
const (
	OpAuth              = "auth"
	OpSendMessage       = "send_message"
	OpTypingStart       = "typing_start"
	OpTypingStop        = "typing_stop"
	OpLeaveConversation = "leave_conversation"
	OpCallInitiate      = "call_initiate"
	OpCallAccept        = "call_accept"
	OpCallReject        = "call_reject"
	OpCallEnd           = "call_end"
	OpWebRTCOffer       = "webrtc_offer"
	OpWebRTCAnswer      = "webrtc_answer"
	OpWebRTCICE         = "webrtc_ice"
)

// Inbound operations (server → client). OpConnect and OpDisconnect are
// transport-level notifications dispatched locally to registered handlers;
// they never appear inside a wire envelope.
const (
	OpAuthOK                 = "auth_ok"
	OpConnectError           = "connect_error"
	OpConnect                = "connect"
	OpDisconnect             = "disconnect"
	OpReceiveMessage         = "receive_message"
	OpMessageSent            = "message_sent"
	OpUserTyping             = "user_typing"
	OpConversationJoined     = "conversation_joined"
	OpUserJoinedConversation = "user_joined_conversation"
	OpUserLeftConversation   = "user_left_conversation"
	OpCallIncoming           = "call_incoming"
	OpCallInitiated          = "call_initiated"
	OpCallAccepted           = "call_accepted"
	OpCallRejected           = "call_rejected"
	OpCallEnded              = "call_ended"
	OpCallTimeout            = "call_timeout"
)

// AuthPayload is the handshake sent immediately after the socket opens.
// The server answers with auth_ok or connect_error.
type AuthPayload struct {
	Token  string `json:"token"`
	UserID string `json:"userId"`
}

// ConnectErrorPayload carries the server's reason for refusing a connection.
type ConnectErrorPayload struct {
	Reason string `json:"reason,omitempty"`
}

// SendMessagePayload is the outbound send_message payload.
type SendMessagePayload struct {
	RecipientID string `json:"recipientId"`
	Content     string `json:"content"`
	Type        string `json:"type"`
}

// ReceiveMessagePayload is the inbound receive_message payload. The server
// broadcasts it to every connected device of both participants, so the
// sender's own traffic comes back as well (see messaging echo suppression).
type ReceiveMessagePayload struct {
	SenderID    string `json:"senderId"`
	RecipientID string `json:"recipientId"`
	Content     string `json:"content"`
	Type        string `json:"type"`
	Timestamp   int64  `json:"timestamp"`
}

// MessageSentPayload is the best-effort delivery confirmation.
type MessageSentPayload struct {
	RecipientOnline bool `json:"recipientOnline"`
}

// LeaveConversationPayload is the outbound leave_conversation payload,
// sent as a courtesy when the user backgrounds the conversation.
type LeaveConversationPayload struct {
	PeerID string `json:"peerId"`
}

// TypingPayload is the outbound typing_start/typing_stop payload.
type TypingPayload struct {
	RecipientID string `json:"recipientId"`
}

// UserTypingPayload is the inbound user_typing payload.
type UserTypingPayload struct {
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

// ConversationJoinedPayload is sent once when the client joins a conversation.
type ConversationJoinedPayload struct {
	IsOtherUserOnline bool `json:"isOtherUserOnline"`
}

// UserJoinedConversationPayload lists users currently in the conversation.
type UserJoinedConversationPayload struct {
	ConnectedUsers []string `json:"connectedUsers"`
}

// UserLeftConversationPayload identifies a user who left the conversation.
type UserLeftConversationPayload struct {
	UserID string `json:"userId"`
}

// CallInitiatePayload is the outbound call_initiate payload.
type CallInitiatePayload struct {
	RecipientID string `json:"recipientId"`
	CallType    string `json:"callType"`
	CallerMeta  string `json:"callerMeta,omitempty"`
}

// CallInitiatedPayload is the server ack that assigns the call id.
type CallInitiatedPayload struct {
	CallID string `json:"callId"`
}

// CallIncomingPayload announces an inbound call to the recipient.
type CallIncomingPayload struct {
	CallID     string `json:"callId"`
	CallerID   string `json:"callerId"`
	CallType   string `json:"callType"`
	CallerMeta string `json:"callerMeta,omitempty"`
}

// CallAcceptPayload is the outbound call_accept payload; CallAcceptedPayload
// is its inbound counterpart delivered to the caller.
type CallAcceptPayload struct {
	CallID   string `json:"callId"`
	CallerID string `json:"callerId"`
}

// CallAcceptedPayload notifies the caller that the recipient accepted.
type CallAcceptedPayload struct {
	CallID     string `json:"callId"`
	AccepterID string `json:"accepterId"`
}

// CallRejectPayload is the outbound call_reject payload; CallRejectedPayload
// is its inbound counterpart.
type CallRejectPayload struct {
	CallID   string `json:"callId"`
	CallerID string `json:"callerId"`
	Reason   string `json:"reason,omitempty"`
}

// CallRejectedPayload notifies the caller that the recipient rejected.
type CallRejectedPayload struct {
	CallID string `json:"callId"`
	Reason string `json:"reason,omitempty"`
}

// CallEndPayload is the outbound call_end payload; CallEndedPayload is its
// inbound counterpart. Reason "timeout" marks the best-effort notification a
// caller sends when ringing expires locally.
type CallEndPayload struct {
	CallID             string `json:"callId"`
	OtherParticipantID string `json:"otherParticipantId"`
	Reason             string `json:"reason,omitempty"`
}

// CallEndedPayload notifies the other participant that the call ended.
type CallEndedPayload struct {
	CallID string `json:"callId"`
	Reason string `json:"reason,omitempty"`
}

// SignalPayload carries webrtc_offer, webrtc_answer and webrtc_ice bodies.
// Payload is the SDP or ICE candidate JSON, opaque to the transport.
type SignalPayload struct {
	CallID   string          `json:"callId"`
	TargetID string          `json:"targetId"`
	Payload  json.RawMessage `json:"payload"`
}
