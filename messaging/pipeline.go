package messaging

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aether-im/rtcore/bus"
	"github.com/aether-im/rtcore/transport"
)

// Transport is the surface the pipeline needs from the connection manager.
// *transport.Manager satisfies it.
type Transport interface {
	Connected() bool
	Emit(op string, payload any) bool
	Handle(op string, fn transport.Handler) func()
}

const (
	// defaultTypingStopDelay is how long after the last keystroke the
	// pipeline auto-emits typing_stop.
	defaultTypingStopDelay = 1 * time.Second

	// defaultTypingExpiry is how long a peer's typing flag survives
	// without a refreshing typing_start.
	defaultTypingExpiry = 2 * time.Second
)

// TypingEvent is the bus payload for KindTyping.
type TypingEvent struct {
	UserID   string
	IsTyping bool
}

// Pipeline turns send intents into wire events, applies optimistic local
// state, and reconciles inbound events without duplicating the sender's
// own messages. Create instances with NewPipeline.
type Pipeline struct {
	tr  Transport
	bus *bus.Bus

	selfID string

	// TypingStopDelay and TypingExpiry are overridable for tests.
	TypingStopDelay time.Duration
	TypingExpiry    time.Duration

	mu              sync.Mutex
	peerID          string
	history         []*Message
	recipientOnline bool
	unsubs          []func()

	typingActive bool
	typingGen    uint64
	typingTimer  *time.Timer

	peerTyping    bool
	peerTypingGen uint64
	peerTimer     *time.Timer
}

// NewPipeline creates a pipeline for the local user. Inbound handlers are
// not registered until Attach is called.
func NewPipeline(tr Transport, b *bus.Bus, selfID string) *Pipeline {
	logrus.WithFields(logrus.Fields{
		"function": "NewPipeline",
		"user_id":  selfID,
	}).Info("Creating message pipeline")

	return &Pipeline{
		tr:              tr,
		bus:             b,
		selfID:          selfID,
		TypingStopDelay: defaultTypingStopDelay,
		TypingExpiry:    defaultTypingExpiry,
	}
}

// Attach registers the pipeline's inbound handlers on the transport.
// Close releases them.
func (p *Pipeline) Attach() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.unsubs = append(p.unsubs,
		p.tr.Handle(transport.OpReceiveMessage, p.onReceiveMessage),
		p.tr.Handle(transport.OpMessageSent, p.onMessageSent),
		p.tr.Handle(transport.OpUserTyping, p.onUserTyping),
		p.tr.Handle(transport.OpConversationJoined, p.onConversationJoined),
		p.tr.Handle(transport.OpUserJoinedConversation, p.onUserJoined),
		p.tr.Handle(transport.OpUserLeftConversation, p.onUserLeft),
	)
}

// Close unregisters all handlers and defuses pending timers.
func (p *Pipeline) Close() {
	p.mu.Lock()
	unsubs := p.unsubs
	p.unsubs = nil
	p.typingGen++
	p.peerTypingGen++
	if p.typingTimer != nil {
		p.typingTimer.Stop()
		p.typingTimer = nil
	}
	if p.peerTimer != nil {
		p.peerTimer.Stop()
		p.peerTimer = nil
	}
	p.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
}

// SetPeer switches the pipeline to a new conversation peer. The local
// sequence and typing state are conversation-scoped, so both reset;
// pending timers for the old conversation are defused.
func (p *Pipeline) SetPeer(peerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.peerID == peerID {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "SetPeer",
		"peer_id":  peerID,
	}).Info("Switching conversation")

	p.peerID = peerID
	p.history = nil
	p.recipientOnline = false
	p.typingActive = false
	p.typingGen++
	p.peerTyping = false
	p.peerTypingGen++
	if p.typingTimer != nil {
		p.typingTimer.Stop()
		p.typingTimer = nil
	}
	if p.peerTimer != nil {
		p.peerTimer.Stop()
		p.peerTimer = nil
	}
}

// Peer returns the current conversation peer id.
func (p *Pipeline) Peer() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peerID
}

// RecipientOnline reports the last best-effort online flag from
// message_sent confirmations.
func (p *Pipeline) RecipientOnline() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.recipientOnline
}

// PeerTyping reports whether the conversation peer is currently typing.
func (p *Pipeline) PeerTyping() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peerTyping
}

// Messages returns a snapshot of the conversation sequence.
func (p *Pipeline) Messages() []*Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Message, len(p.history))
	copy(out, p.history)
	return out
}

// Send turns a send intent into a wire event. The optimistic entry is
// appended before the emit is attempted; a refused emit marks it Failed
// and returns ErrNotConnected — the entry never vanishes.
func (p *Pipeline) Send(kind Kind, payload string) (*Message, error) {
	if !p.tr.Connected() {
		return nil, ErrNotConnected
	}
	if kind == KindText && strings.TrimSpace(payload) == "" {
		return nil, ErrEmptyContent
	}

	p.mu.Lock()
	peerID := p.peerID
	p.mu.Unlock()
	if peerID == "" {
		return nil, ErrNoConversation
	}

	msg := newOutbound(kind, payload, p.selfID, peerID)

	p.mu.Lock()
	p.history = append(p.history, msg)
	p.mu.Unlock()

	ok := p.tr.Emit(transport.OpSendMessage, transport.SendMessagePayload{
		RecipientID: peerID,
		Content:     payload,
		Type:        kind.String(),
	})
	if !ok {
		p.mu.Lock()
		msg.State = StateFailed
		p.mu.Unlock()

		logrus.WithFields(logrus.Fields{
			"function": "Send",
			"local_id": msg.LocalID,
			"kind":     kind.String(),
		}).Warn("Emit refused, message marked failed")

		p.publish(bus.KindMessageFailed, msg)
		return msg, ErrNotConnected
	}

	p.mu.Lock()
	msg.State = StateSent
	p.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Send",
		"local_id": msg.LocalID,
		"kind":     kind.String(),
	}).Debug("Message emitted")

	return msg, nil
}

// onReceiveMessage reconciles an inbound broadcast with local state.
//
// An event whose sender is the local user and whose recipient is not the
// current peer is a cross-device echo of this user's own outbound traffic
// and is discarded outright. An own-message event addressed to the current
// peer reconciles with the matching optimistic entry instead of producing
// a duplicate.
func (p *Pipeline) onReceiveMessage(data json.RawMessage) {
	var ev transport.ReceiveMessagePayload
	if err := json.Unmarshal(data, &ev); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "onReceiveMessage",
			"error":    err,
		}).Warn("Dropping malformed receive_message")
		return
	}

	p.mu.Lock()
	peerID := p.peerID
	p.mu.Unlock()

	if ev.SenderID == p.selfID {
		if ev.RecipientID != peerID {
			logrus.WithFields(logrus.Fields{
				"function":  "onReceiveMessage",
				"recipient": ev.RecipientID,
			}).Debug("Discarding cross-device echo")
			return
		}
		p.reconcileEcho(ev)
		return
	}

	msg := &Message{
		Kind:        KindFromWire(ev.Type),
		PayloadRef:  ev.Content,
		SenderID:    ev.SenderID,
		RecipientID: ev.RecipientID,
		CreatedAt:   time.Unix(0, ev.Timestamp*int64(time.Millisecond)),
		State:       StateEchoed,
	}

	if ev.SenderID == peerID {
		p.mu.Lock()
		p.history = append(p.history, msg)
		p.mu.Unlock()
	}
	p.publish(bus.KindMessage, msg)
}

// reconcileEcho marks the newest matching optimistic entry Echoed, or
// appends the message when it originated on another device of this user.
func (p *Pipeline) reconcileEcho(ev transport.ReceiveMessagePayload) {
	kind := KindFromWire(ev.Type)

	p.mu.Lock()
	for i := len(p.history) - 1; i >= 0; i-- {
		m := p.history[i]
		if m.SenderID == p.selfID && m.Kind == kind && m.PayloadRef == ev.Content &&
			(m.State == StatePending || m.State == StateSent) {
			m.State = StateEchoed
			p.mu.Unlock()
			return
		}
	}

	msg := &Message{
		Kind:        kind,
		PayloadRef:  ev.Content,
		SenderID:    ev.SenderID,
		RecipientID: ev.RecipientID,
		CreatedAt:   time.Unix(0, ev.Timestamp*int64(time.Millisecond)),
		State:       StateEchoed,
	}
	p.history = append(p.history, msg)
	p.mu.Unlock()

	p.publish(bus.KindMessage, msg)
}

// onMessageSent updates delivery bookkeeping. The confirmation is
// best-effort; its absence is not a failure signal.
func (p *Pipeline) onMessageSent(data json.RawMessage) {
	var ev transport.MessageSentPayload
	if err := json.Unmarshal(data, &ev); err != nil {
		return
	}
	p.mu.Lock()
	p.recipientOnline = ev.RecipientOnline
	p.mu.Unlock()
}

func (p *Pipeline) onConversationJoined(data json.RawMessage) {
	var ev transport.ConversationJoinedPayload
	if err := json.Unmarshal(data, &ev); err != nil {
		return
	}
	p.mu.Lock()
	p.recipientOnline = ev.IsOtherUserOnline
	p.mu.Unlock()
	p.publish(bus.KindPresence, ev)
}

func (p *Pipeline) onUserJoined(data json.RawMessage) {
	var ev transport.UserJoinedConversationPayload
	if err := json.Unmarshal(data, &ev); err != nil {
		return
	}
	p.mu.Lock()
	for _, id := range ev.ConnectedUsers {
		if id == p.peerID {
			p.recipientOnline = true
			break
		}
	}
	p.mu.Unlock()
	p.publish(bus.KindPresence, ev)
}

func (p *Pipeline) onUserLeft(data json.RawMessage) {
	var ev transport.UserLeftConversationPayload
	if err := json.Unmarshal(data, &ev); err != nil {
		return
	}
	p.mu.Lock()
	if ev.UserID == p.peerID {
		p.recipientOnline = false
	}
	p.mu.Unlock()
	p.publish(bus.KindPresence, ev)
}

func (p *Pipeline) publish(kind bus.Kind, payload any) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(bus.Event{Kind: kind, Payload: payload})
}
