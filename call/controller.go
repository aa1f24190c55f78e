package call

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aether-im/rtcore/bus"
	"github.com/aether-im/rtcore/transport"
)

// defaultRingTimeout is how long an unanswered outbound call rings before
// it times out locally.
const defaultRingTimeout = 30 * time.Second

// Transport is the surface the controller needs from the connection
// manager. *transport.Manager satisfies it.
type Transport interface {
	Connected() bool
	Emit(op string, payload any) bool
	Handle(op string, fn transport.Handler) func()
}

// Negotiator is the surface the controller needs from the media
// negotiation engine. The engine never commands the controller; it reports
// media health through the callbacks registered here and everything else
// flows controller → engine.
type Negotiator interface {
	// Start begins media negotiation for the call against peerID. The
	// initiator side creates the SDP offer; the receiver waits for one.
	Start(callID, peerID string, video, initiator bool) error

	// HandleOffer, HandleAnswer and AddRemoteCandidate forward inbound
	// signaling payloads to the engine.
	HandleOffer(callID string, payload json.RawMessage) error
	HandleAnswer(callID string, payload json.RawMessage) error
	AddRemoteCandidate(callID string, payload json.RawMessage) error

	// End tears the negotiation down. Idempotent.
	End()

	// OnMediaConnected and OnMediaDisconnected register the health
	// callbacks the controller transitions on.
	OnMediaConnected(fn func(callID string))
	OnMediaDisconnected(fn func(callID string))
}

// Controller owns the single call session per process and drives its state
// machine. Create instances with NewController.
type Controller struct {
	tr     Transport
	neg    Negotiator
	bus    *bus.Bus
	selfID string

	// RingTimeout is overridable for tests; production keeps the 30 s
	// default.
	RingTimeout time.Duration

	mu        sync.Mutex
	session   *Session
	ringTimer *time.Timer
	unsubs    []func()
}

// NewController creates a controller for the local user and registers its
// media health callbacks on the negotiator.
func NewController(tr Transport, neg Negotiator, b *bus.Bus, selfID string) *Controller {
	logrus.WithFields(logrus.Fields{
		"function": "NewController",
		"user_id":  selfID,
	}).Info("Creating call controller")

	c := &Controller{
		tr:          tr,
		neg:         neg,
		bus:         b,
		selfID:      selfID,
		RingTimeout: defaultRingTimeout,
	}
	neg.OnMediaConnected(c.onMediaConnected)
	neg.OnMediaDisconnected(c.onMediaDisconnected)
	return c
}

// Attach registers the controller's inbound handlers on the transport.
// Close releases them.
func (c *Controller) Attach() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.unsubs = append(c.unsubs,
		c.tr.Handle(transport.OpCallInitiated, c.onCallInitiated),
		c.tr.Handle(transport.OpCallIncoming, c.onCallIncoming),
		c.tr.Handle(transport.OpCallAccepted, c.onCallAccepted),
		c.tr.Handle(transport.OpCallRejected, c.onCallRejected),
		c.tr.Handle(transport.OpCallEnded, c.onCallEnded),
		c.tr.Handle(transport.OpCallTimeout, c.onCallTimeout),
		c.tr.Handle(transport.OpWebRTCOffer, c.onSignalOffer),
		c.tr.Handle(transport.OpWebRTCAnswer, c.onSignalAnswer),
		c.tr.Handle(transport.OpWebRTCICE, c.onSignalICE),
		c.tr.Handle(transport.OpDisconnect, c.onTransportLost),
	)
}

// Close unregisters handlers and force-ends any live session.
func (c *Controller) Close() {
	c.mu.Lock()
	unsubs := c.unsubs
	c.unsubs = nil
	sess := c.session
	c.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
	if sess != nil {
		_ = c.End()
	}
}

// Session returns the current session, or nil when Idle.
func (c *Controller) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// CurrentState returns the session state, or StateIdle with no session.
func (c *Controller) CurrentState() State {
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()
	if sess == nil {
		return StateIdle
	}
	return sess.State()
}

// Initiate places an outbound call. It is rejected with ErrCallInProgress
// while another session is non-terminal and with ErrNotConnected while the
// transport is down. The session rings once the server ack assigns the
// call id.
func (c *Controller) Initiate(recipientID string, callType Type) (*Session, error) {
	if !c.tr.Connected() {
		return nil, ErrNotConnected
	}

	c.mu.Lock()
	if c.session != nil {
		c.mu.Unlock()
		return nil, ErrCallInProgress
	}
	sess := newSession("", callType, c.selfID, recipientID, true, StateInitiating)
	c.session = sess
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":  "Initiate",
		"recipient": recipientID,
		"call_type": callType.String(),
	}).Info("Initiating call")

	ok := c.tr.Emit(transport.OpCallInitiate, transport.CallInitiatePayload{
		RecipientID: recipientID,
		CallType:    callType.String(),
	})
	if !ok {
		c.mu.Lock()
		c.session = nil
		c.mu.Unlock()
		return nil, ErrNotConnected
	}

	c.publishState(sess, StateInitiating)
	return sess, nil
}

// Accept answers the current incoming call. Any pending ring timer is
// cancelled before the transition, then negotiation starts; the session
// reaches Active only once media connects.
func (c *Controller) Accept() error {
	c.mu.Lock()
	sess := c.session
	if sess == nil {
		c.mu.Unlock()
		return ErrNoActiveCall
	}
	if sess.Initiator() {
		c.mu.Unlock()
		return ErrNotRecipient
	}
	if sess.State() != StateRinging {
		c.mu.Unlock()
		return ErrNotRinging
	}
	c.cancelRingTimerLocked()
	sess.setState(StateAccepted)
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Accept",
		"call_id":  sess.ID(),
	}).Info("Accepting incoming call")

	c.publishState(sess, StateAccepted)

	c.tr.Emit(transport.OpCallAccept, transport.CallAcceptPayload{
		CallID:   sess.ID(),
		CallerID: sess.CallerID(),
	})

	c.startNegotiation(sess)
	return nil
}

// Reject declines the current incoming call. Media resources are released
// before the terminal event is published.
func (c *Controller) Reject(reason string) error {
	c.mu.Lock()
	sess := c.session
	if sess == nil {
		c.mu.Unlock()
		return ErrNoActiveCall
	}
	if sess.Initiator() {
		c.mu.Unlock()
		return ErrNotRecipient
	}
	if sess.State() != StateRinging {
		c.mu.Unlock()
		return ErrNotRinging
	}
	c.cancelRingTimerLocked()
	c.mu.Unlock()

	c.neg.End()
	c.tr.Emit(transport.OpCallReject, transport.CallRejectPayload{
		CallID:   sess.ID(),
		CallerID: sess.CallerID(),
		Reason:   reason,
	})
	c.finish(sess, StateRejected)
	return nil
}

// End hangs up the current call. Media resources are released before the
// terminal event is published.
func (c *Controller) End() error {
	c.mu.Lock()
	sess := c.session
	if sess == nil {
		c.mu.Unlock()
		return ErrNoActiveCall
	}
	c.cancelRingTimerLocked()
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "End",
		"call_id":  sess.ID(),
	}).Info("Ending call")

	c.neg.End()
	c.tr.Emit(transport.OpCallEnd, transport.CallEndPayload{
		CallID:             sess.ID(),
		OtherParticipantID: c.otherParticipant(sess),
	})
	c.finish(sess, StateEnded)
	return nil
}

// onCallInitiated is the server ack assigning the call id; the session
// starts ringing and the ring timer is armed, scoped to that id.
func (c *Controller) onCallInitiated(data json.RawMessage) {
	var ev transport.CallInitiatedPayload
	if err := json.Unmarshal(data, &ev); err != nil {
		return
	}

	c.mu.Lock()
	sess := c.session
	if sess == nil || sess.State() != StateInitiating {
		c.mu.Unlock()
		return
	}
	sess.setID(ev.CallID)
	sess.setState(StateRinging)
	c.armRingTimerLocked(ev.CallID)
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "onCallInitiated",
		"call_id":  ev.CallID,
	}).Info("Call ringing")

	c.publishState(sess, StateRinging)
}

// onCallIncoming creates the receiver-side session. A second call arriving
// while one is live is declined as busy without touching the session.
func (c *Controller) onCallIncoming(data json.RawMessage) {
	var ev transport.CallIncomingPayload
	if err := json.Unmarshal(data, &ev); err != nil {
		return
	}

	c.mu.Lock()
	if c.session != nil {
		c.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "onCallIncoming",
			"call_id":  ev.CallID,
		}).Info("Declining incoming call: already in a call")
		c.tr.Emit(transport.OpCallReject, transport.CallRejectPayload{
			CallID:   ev.CallID,
			CallerID: ev.CallerID,
			Reason:   "busy",
		})
		return
	}
	sess := newSession(ev.CallID, TypeFromWire(ev.CallType), ev.CallerID, c.selfID, false, StateRinging)
	c.session = sess
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":  "onCallIncoming",
		"call_id":   ev.CallID,
		"caller_id": ev.CallerID,
	}).Info("Incoming call")

	c.publishState(sess, StateRinging)
	c.publish(bus.KindIncomingCall, IncomingCall{
		CallID:   ev.CallID,
		CallerID: ev.CallerID,
		CallType: TypeFromWire(ev.CallType),
	})
}

// onCallAccepted handles the remote accept on the caller side. The ring
// timer is cancelled before any state change is applied; an accept that
// lost the race against the timeout finds the session no longer Ringing
// and is ignored.
func (c *Controller) onCallAccepted(data json.RawMessage) {
	var ev transport.CallAcceptedPayload
	if err := json.Unmarshal(data, &ev); err != nil {
		return
	}

	c.mu.Lock()
	sess := c.session
	if sess == nil || sess.ID() != ev.CallID || sess.State() != StateRinging {
		c.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "onCallAccepted",
			"call_id":  ev.CallID,
		}).Debug("Ignoring stale call_accepted")
		return
	}
	c.cancelRingTimerLocked()
	sess.setState(StateAccepted)
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "onCallAccepted",
		"call_id":  ev.CallID,
	}).Info("Peer accepted call")

	c.publishState(sess, StateAccepted)
	c.startNegotiation(sess)
}

func (c *Controller) onCallRejected(data json.RawMessage) {
	var ev transport.CallRejectedPayload
	if err := json.Unmarshal(data, &ev); err != nil {
		return
	}

	c.mu.Lock()
	sess := c.session
	if sess == nil || sess.ID() != ev.CallID || sess.State() != StateRinging {
		c.mu.Unlock()
		return
	}
	c.cancelRingTimerLocked()
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "onCallRejected",
		"call_id":  ev.CallID,
		"reason":   ev.Reason,
	}).Info("Peer rejected call")

	c.neg.End()
	c.finish(sess, StateRejected)
}

func (c *Controller) onCallEnded(data json.RawMessage) {
	var ev transport.CallEndedPayload
	if err := json.Unmarshal(data, &ev); err != nil {
		return
	}

	c.mu.Lock()
	sess := c.session
	if sess == nil || sess.ID() != ev.CallID {
		c.mu.Unlock()
		return
	}
	c.cancelRingTimerLocked()
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "onCallEnded",
		"call_id":  ev.CallID,
	}).Info("Peer ended call")

	c.neg.End()
	c.finish(sess, StateEnded)
}

// onCallTimeout handles the caller telling us ringing expired on its side.
func (c *Controller) onCallTimeout(data json.RawMessage) {
	var ev transport.CallEndedPayload
	if err := json.Unmarshal(data, &ev); err != nil {
		return
	}

	c.mu.Lock()
	sess := c.session
	if sess == nil || sess.ID() != ev.CallID || sess.State() != StateRinging {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.neg.End()
	c.finish(sess, StateTimedOut)
}

// ringTimerFired is the local 30 s timeout. The timer is scoped to the
// call id it was armed for; a firing that finds a different session or a
// session that already left Ringing is stale and does nothing.
func (c *Controller) ringTimerFired(callID string) {
	c.mu.Lock()
	sess := c.session
	if sess == nil || sess.ID() != callID || sess.State() != StateRinging {
		c.mu.Unlock()
		return
	}
	c.ringTimer = nil
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "ringTimerFired",
		"call_id":  callID,
	}).Info("Call timed out with no answer")

	// Best-effort out-of-band notification to the peer side.
	c.tr.Emit(transport.OpCallEnd, transport.CallEndPayload{
		CallID:             callID,
		OtherParticipantID: c.otherParticipant(sess),
		Reason:             "timeout",
	})

	c.neg.End()
	c.finish(sess, StateTimedOut)
}

// startNegotiation moves Accepted → Negotiating and hands off to the
// engine. A negotiation start failure is fatal to the call.
func (c *Controller) startNegotiation(sess *Session) {
	sess.setState(StateNegotiating)
	c.publishState(sess, StateNegotiating)

	if err := c.neg.Start(sess.ID(), c.otherParticipant(sess), sess.CallType() == TypeVideo, sess.Initiator()); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "startNegotiation",
			"call_id":  sess.ID(),
			"error":    err,
		}).Error("Media negotiation failed to start")
		c.failCall(sess)
	}
}

// onMediaConnected drives Negotiating → Active.
func (c *Controller) onMediaConnected(callID string) {
	c.mu.Lock()
	sess := c.session
	if sess == nil || sess.ID() != callID || sess.State() != StateNegotiating {
		c.mu.Unlock()
		return
	}
	sess.setState(StateActive)
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "onMediaConnected",
		"call_id":  callID,
	}).Info("Call active")

	c.publishState(sess, StateActive)
}

// onMediaDisconnected is treated as an implicit local end; calls are never
// auto-resumed.
func (c *Controller) onMediaDisconnected(callID string) {
	c.mu.Lock()
	sess := c.session
	if sess == nil || sess.ID() != callID {
		c.mu.Unlock()
		return
	}
	c.cancelRingTimerLocked()
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "onMediaDisconnected",
		"call_id":  callID,
	}).Warn("Media connection lost, ending call")

	c.neg.End()
	c.tr.Emit(transport.OpCallEnd, transport.CallEndPayload{
		CallID:             callID,
		OtherParticipantID: c.otherParticipant(sess),
	})
	c.finish(sess, StateEnded)
}

// onTransportLost fails any non-terminal session when the socket dies
// mid-call.
func (c *Controller) onTransportLost(json.RawMessage) {
	c.mu.Lock()
	sess := c.session
	if sess == nil {
		c.mu.Unlock()
		return
	}
	c.cancelRingTimerLocked()
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "onTransportLost",
		"call_id":  sess.ID(),
	}).Warn("Transport lost mid-call")

	c.failCall(sess)
}

func (c *Controller) onSignalOffer(data json.RawMessage) {
	c.forwardSignal(data, c.neg.HandleOffer)
}

func (c *Controller) onSignalAnswer(data json.RawMessage) {
	c.forwardSignal(data, c.neg.HandleAnswer)
}

func (c *Controller) onSignalICE(data json.RawMessage) {
	c.forwardSignal(data, c.neg.AddRemoteCandidate)
}

// forwardSignal routes one signaling payload to the engine after checking
// it belongs to the current session. An engine error (for example an
// offer in the wrong signaling state) is fatal to the call.
func (c *Controller) forwardSignal(data json.RawMessage, fn func(string, json.RawMessage) error) {
	var ev transport.SignalPayload
	if err := json.Unmarshal(data, &ev); err != nil {
		return
	}

	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()
	if sess == nil || sess.ID() != ev.CallID || sess.State().Terminal() {
		logrus.WithFields(logrus.Fields{
			"function": "forwardSignal",
			"call_id":  ev.CallID,
		}).Debug("Dropping signal for unknown or finished call")
		return
	}

	if err := fn(ev.CallID, ev.Payload); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "forwardSignal",
			"call_id":  ev.CallID,
			"error":    err,
		}).Error("Signaling failure, ending call")
		c.mu.Lock()
		c.cancelRingTimerLocked()
		c.mu.Unlock()
		c.failCall(sess)
	}
}

// failCall releases media and lands the session in Failed.
func (c *Controller) failCall(sess *Session) {
	c.neg.End()
	c.finish(sess, StateFailed)
}

// finish applies the terminal state, publishes it, and returns to Idle.
// Callers release media before finish so no capture device outlives the
// terminal event.
func (c *Controller) finish(sess *Session, terminal State) {
	c.mu.Lock()
	sess.setState(terminal)
	if c.session == sess {
		c.session = nil
	}
	c.mu.Unlock()

	c.publishState(sess, terminal)
}

// armRingTimerLocked starts the ring timeout scoped to callID.
// Caller holds c.mu.
func (c *Controller) armRingTimerLocked(callID string) {
	if c.ringTimer != nil {
		c.ringTimer.Stop()
	}
	c.ringTimer = time.AfterFunc(c.RingTimeout, func() {
		c.ringTimerFired(callID)
	})
}

// cancelRingTimerLocked stops any pending ring timer. Caller holds c.mu.
func (c *Controller) cancelRingTimerLocked() {
	if c.ringTimer != nil {
		c.ringTimer.Stop()
		c.ringTimer = nil
	}
}

func (c *Controller) otherParticipant(sess *Session) string {
	if sess.Initiator() {
		return sess.RecipientID()
	}
	return sess.CallerID()
}

func (c *Controller) publishState(sess *Session, state State) {
	c.publish(bus.KindCallState, StateChange{CallID: sess.ID(), State: state})
}

func (c *Controller) publish(kind bus.Kind, payload any) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(bus.Event{Kind: kind, Payload: payload})
}
