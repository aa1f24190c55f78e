// Package media manages the peer media exchange for exactly one active
// call at a time: local capture, SDP offer/answer signaling, ICE candidate
// buffering and stream teardown. The engine never owns call state; the
// call controller commands it and consumes its connected/disconnected
// notifications.
package media

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/aether-im/rtcore/transport"
)

// SignalingState tracks where one negotiation stands in the offer/answer
// exchange. It is a sub-state of the owning call session, not a call state.
type SignalingState int

const (
	// SignalingUnstarted means no description has been applied yet.
	SignalingUnstarted SignalingState = iota
	// SignalingHaveLocalOffer means this side created and sent the offer.
	SignalingHaveLocalOffer
	// SignalingHaveRemoteOffer means the peer's offer has been applied.
	SignalingHaveRemoteOffer
	// SignalingStable means both descriptions are in place.
	SignalingStable
)

// String returns a human-readable name for the signaling state.
func (s SignalingState) String() string {
	switch s {
	case SignalingUnstarted:
		return "unstarted"
	case SignalingHaveLocalOffer:
		return "have-local-offer"
	case SignalingHaveRemoteOffer:
		return "have-remote-offer"
	case SignalingStable:
		return "stable"
	default:
		return "unknown"
	}
}

// PeerConn is the slice of *webrtc.PeerConnection the engine drives.
// Tests substitute a fake; production code uses pion's implementation.
type PeerConn interface {
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	OnICECandidate(f func(*webrtc.ICECandidate))
	OnICEConnectionStateChange(f func(webrtc.ICEConnectionState))
	OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	Close() error
}

// Signaler carries SDP and ICE payloads to the peer. Satisfied by
// *transport.Manager.
type Signaler interface {
	Emit(op string, payload any) bool
}

// defaultOfferWait bounds how long an inbound offer waits for Start when
// the wire delivers the offer before the local accept path has run.
const defaultOfferWait = 500 * time.Millisecond

// session is the per-call media context: the peer connection, the local
// capture stream and the ICE candidate queue. Torn down as a unit.
type session struct {
	callID    string
	peerID    string
	video     bool
	initiator bool

	pc    PeerConn
	local *LocalStream

	state     SignalingState
	remoteSet bool
	pending   []webrtc.ICECandidateInit
	mediaUp   bool
}

// Engine negotiates media for one call at a time on behalf of the call
// controller. All exported methods are safe for concurrent use.
type Engine struct {
	sig Signaler

	// NewSession builds the peer connection and captures local media for
	// a call. Overridable for tests; the default is the platform capture
	// path.
	NewSession func(video bool) (PeerConn, *LocalStream, error)

	// OfferWait bounds HandleOffer's wait for a racing Start.
	OfferWait time.Duration

	mu     sync.Mutex
	sess   *session
	startC chan struct{}

	onConnected    func(callID string)
	onDisconnected func(callID string)
	onPCM          func(callID string, pcm []int16, channels, sampleRate int)
}

// NewEngine creates a media engine that signals through sig.
func NewEngine(sig Signaler) *Engine {
	e := &Engine{
		sig:       sig,
		OfferWait: defaultOfferWait,
		startC:    make(chan struct{}),
	}
	e.NewSession = newMediaSession
	return e
}

// OnMediaConnected registers the callback fired once per call when ICE
// reaches connected or completed.
func (e *Engine) OnMediaConnected(fn func(callID string)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onConnected = fn
}

// OnMediaDisconnected registers the callback fired when ICE reaches
// failed or disconnected.
func (e *Engine) OnMediaDisconnected(fn func(callID string)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onDisconnected = fn
}

// OnAudioPCM registers the callback receiving decoded remote audio frames.
// pcm holds interleaved little-endian samples.
func (e *Engine) OnAudioPCM(fn func(callID string, pcm []int16, channels, sampleRate int)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onPCM = fn
}

// Start begins media negotiation for callID against peerID. The initiator
// side creates and sends the SDP offer; the receiver side waits for one.
// Capture failures surface as ErrNoDevicePermission or ErrDeviceUnavailable.
func (e *Engine) Start(callID, peerID string, video, initiator bool) error {
	e.mu.Lock()
	if e.sess != nil {
		e.mu.Unlock()
		return ErrNegotiationActive
	}
	e.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":  "Start",
		"call_id":   callID,
		"video":     video,
		"initiator": initiator,
	}).Info("Starting media negotiation")

	// Device capture can block; keep it outside the lock.
	pc, local, err := e.NewSession(video)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Start",
			"call_id":  callID,
			"error":    err.Error(),
		}).Error("Local media acquisition failed")
		return err
	}

	sess := &session{
		callID:    callID,
		peerID:    peerID,
		video:     video,
		initiator: initiator,
		pc:        pc,
		local:     local,
		state:     SignalingUnstarted,
	}
	e.wirePeerConn(sess)

	e.mu.Lock()
	if e.sess != nil {
		e.mu.Unlock()
		pc.Close()
		if local != nil {
			local.Close()
		}
		return ErrNegotiationActive
	}
	e.sess = sess
	close(e.startC)
	e.mu.Unlock()

	if initiator {
		if err := e.sendOffer(sess); err != nil {
			e.End()
			return err
		}
	}
	return nil
}

// wirePeerConn installs the pion callbacks: trickle local candidates out,
// map ICE health onto the connected/disconnected notifications and route
// remote audio into the playout path.
func (e *Engine) wirePeerConn(sess *session) {
	sess.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return // end of gathering
		}
		body, err := json.Marshal(cand.ToJSON())
		if err != nil {
			return
		}
		e.sig.Emit(transport.OpWebRTCICE, transport.SignalPayload{
			CallID:   sess.callID,
			TargetID: sess.peerID,
			Payload:  body,
		})
	})

	sess.pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		logrus.WithFields(logrus.Fields{
			"function": "OnICEConnectionStateChange",
			"call_id":  sess.callID,
			"state":    state.String(),
		}).Debug("ICE connection state changed")

		switch state {
		case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
			e.mu.Lock()
			if e.sess != sess || sess.mediaUp {
				e.mu.Unlock()
				return
			}
			sess.mediaUp = true
			fn := e.onConnected
			e.mu.Unlock()
			if fn != nil {
				fn(sess.callID)
			}
		case webrtc.ICEConnectionStateFailed, webrtc.ICEConnectionStateDisconnected:
			e.mu.Lock()
			if e.sess != sess {
				e.mu.Unlock()
				return
			}
			fn := e.onDisconnected
			e.mu.Unlock()
			if fn != nil {
				fn(sess.callID)
			}
		}
	})

	sess.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		logrus.WithFields(logrus.Fields{
			"function": "OnTrack",
			"call_id":  sess.callID,
			"kind":     track.Kind().String(),
			"mime":     track.Codec().MimeType,
		}).Info("Remote track arrived")

		if track.Kind() == webrtc.RTPCodecTypeAudio &&
			strings.EqualFold(track.Codec().MimeType, webrtc.MimeTypeOpus) {
			go e.playRemoteAudio(sess, track)
		}
	})
}

// sendOffer creates the local offer, applies it and signals it to the peer.
func (e *Engine) sendOffer(sess *session) error {
	offer, err := sess.pc.CreateOffer(nil)
	if err != nil {
		return err
	}
	if err := sess.pc.SetLocalDescription(offer); err != nil {
		return err
	}

	e.mu.Lock()
	sess.state = SignalingHaveLocalOffer
	e.mu.Unlock()

	body, err := json.Marshal(offer)
	if err != nil {
		return err
	}
	if !e.sig.Emit(transport.OpWebRTCOffer, transport.SignalPayload{
		CallID:   sess.callID,
		TargetID: sess.peerID,
		Payload:  body,
	}) {
		logrus.WithFields(logrus.Fields{
			"function": "sendOffer",
			"call_id":  sess.callID,
		}).Warn("Transport refused offer emission")
	}
	return nil
}

// waitForSession resolves callID to the active session, waiting up to
// OfferWait for a racing Start before giving up. Tolerates the benign
// ordering race where the peer's offer beats the local accept path.
func (e *Engine) waitForSession(callID string) (*session, error) {
	e.mu.Lock()
	sess := e.sess
	startC := e.startC
	e.mu.Unlock()

	if sess == nil {
		wait := e.OfferWait
		if wait <= 0 {
			wait = defaultOfferWait
		}
		select {
		case <-startC:
		case <-time.After(wait):
			return nil, ErrNotStarted
		}
		e.mu.Lock()
		sess = e.sess
		e.mu.Unlock()
	}

	if sess == nil || sess.callID != callID {
		return nil, ErrNotStarted
	}
	return sess, nil
}

// HandleOffer applies the peer's SDP offer and answers it. Valid only on
// the receiving side before any description has been applied.
func (e *Engine) HandleOffer(callID string, payload json.RawMessage) error {
	sess, err := e.waitForSession(callID)
	if err != nil {
		return err
	}

	var offer webrtc.SessionDescription
	if err := json.Unmarshal(payload, &offer); err != nil {
		return err
	}

	e.mu.Lock()
	if sess.initiator || sess.state != SignalingUnstarted {
		state := sess.state
		e.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function":  "HandleOffer",
			"call_id":   callID,
			"initiator": sess.initiator,
			"state":     state.String(),
		}).Warn("Offer arrived out of order")
		return ErrInvalidSignalingState
	}

	if err := sess.pc.SetRemoteDescription(offer); err != nil {
		e.mu.Unlock()
		return err
	}
	sess.state = SignalingHaveRemoteOffer
	e.flushCandidatesLocked(sess)

	answer, err := sess.pc.CreateAnswer(nil)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	if err := sess.pc.SetLocalDescription(answer); err != nil {
		e.mu.Unlock()
		return err
	}
	sess.state = SignalingStable
	e.mu.Unlock()

	body, err := json.Marshal(answer)
	if err != nil {
		return err
	}
	e.sig.Emit(transport.OpWebRTCAnswer, transport.SignalPayload{
		CallID:   sess.callID,
		TargetID: sess.peerID,
		Payload:  body,
	})

	logrus.WithFields(logrus.Fields{
		"function": "HandleOffer",
		"call_id":  callID,
	}).Info("Answered remote offer")
	return nil
}

// HandleAnswer applies the peer's SDP answer. Valid only on the initiating
// side after the local offer went out.
func (e *Engine) HandleAnswer(callID string, payload json.RawMessage) error {
	sess, err := e.waitForSession(callID)
	if err != nil {
		return err
	}

	var answer webrtc.SessionDescription
	if err := json.Unmarshal(payload, &answer); err != nil {
		return err
	}

	e.mu.Lock()
	if !sess.initiator || sess.state != SignalingHaveLocalOffer {
		state := sess.state
		e.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function":  "HandleAnswer",
			"call_id":   callID,
			"initiator": sess.initiator,
			"state":     state.String(),
		}).Warn("Answer arrived out of order")
		return ErrInvalidSignalingState
	}

	if err := sess.pc.SetRemoteDescription(answer); err != nil {
		e.mu.Unlock()
		return err
	}
	sess.state = SignalingStable
	e.flushCandidatesLocked(sess)
	e.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "HandleAnswer",
		"call_id":  callID,
	}).Info("Applied remote answer")
	return nil
}

// AddRemoteCandidate applies a peer ICE candidate, queueing it when the
// remote description is not yet in place. Queued candidates are flushed in
// receipt order right after the description is applied.
func (e *Engine) AddRemoteCandidate(callID string, payload json.RawMessage) error {
	sess, err := e.waitForSession(callID)
	if err != nil {
		return err
	}

	var cand webrtc.ICECandidateInit
	if err := json.Unmarshal(payload, &cand); err != nil {
		return err
	}

	e.mu.Lock()
	if !sess.remoteSet {
		sess.pending = append(sess.pending, cand)
		queued := len(sess.pending)
		e.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "AddRemoteCandidate",
			"call_id":  callID,
			"queued":   queued,
		}).Debug("Buffered candidate until remote description")
		return nil
	}
	e.mu.Unlock()

	return sess.pc.AddICECandidate(cand)
}

// flushCandidatesLocked marks the remote description set and applies every
// buffered candidate in receipt order. Caller holds e.mu.
func (e *Engine) flushCandidatesLocked(sess *session) {
	sess.remoteSet = true
	for _, cand := range sess.pending {
		if err := sess.pc.AddICECandidate(cand); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "flushCandidatesLocked",
				"call_id":  sess.callID,
				"error":    err.Error(),
			}).Warn("Buffered candidate rejected")
		}
	}
	sess.pending = nil
}

// End tears down the active negotiation: stops capture, closes the peer
// connection and forgets the session. Idempotent and safe to call with no
// negotiation running.
func (e *Engine) End() {
	e.mu.Lock()
	sess := e.sess
	e.sess = nil
	e.startC = make(chan struct{})
	e.mu.Unlock()

	if sess == nil {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "End",
		"call_id":  sess.callID,
	}).Info("Tearing down media session")

	if sess.local != nil {
		sess.local.Close()
	}
	if err := sess.pc.Close(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "End",
			"call_id":  sess.callID,
			"error":    err.Error(),
		}).Warn("Peer connection close failed")
	}
}

// SignalingStateFor returns the signaling sub-state of the active
// negotiation. ok is false when no negotiation is running.
func (e *Engine) SignalingStateFor(callID string) (SignalingState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess == nil || e.sess.callID != callID {
		return SignalingUnstarted, false
	}
	return e.sess.state, true
}

// ToggleMute flips the local audio mute state. Returns false when no local
// audio track exists.
func (e *Engine) ToggleMute() bool {
	e.mu.Lock()
	local := e.localStreamLocked()
	e.mu.Unlock()
	if local == nil {
		return false
	}
	return local.toggleAudio()
}

// ToggleVideo flips the local camera-off state. Returns false when no
// local video track exists.
func (e *Engine) ToggleVideo() bool {
	e.mu.Lock()
	local := e.localStreamLocked()
	e.mu.Unlock()
	if local == nil {
		return false
	}
	return local.toggleVideo()
}

// SwitchCamera re-acquires video from the next available camera. Returns
// false when no local video track exists or no other camera is present.
func (e *Engine) SwitchCamera() bool {
	e.mu.Lock()
	local := e.localStreamLocked()
	e.mu.Unlock()
	if local == nil {
		return false
	}
	return local.cycleCamera()
}

func (e *Engine) localStreamLocked() *LocalStream {
	if e.sess == nil {
		return nil
	}
	return e.sess.local
}
