package media

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aether-im/rtcore/transport"
)

// fakePC implements PeerConn and records every description and candidate
// applied to it.
type fakePC struct {
	mu          sync.Mutex
	localDescs  []webrtc.SessionDescription
	remoteDescs []webrtc.SessionDescription
	candidates  []webrtc.ICECandidateInit
	closeCount  int

	offerErr     error
	setRemoteErr error

	onICECandidate func(*webrtc.ICECandidate)
	onICEState     func(webrtc.ICEConnectionState)
	onTrack        func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
}

func (p *fakePC) CreateOffer(_ *webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	if p.offerErr != nil {
		return webrtc.SessionDescription{}, p.offerErr
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 local-offer"}, nil
}

func (p *fakePC) CreateAnswer(_ *webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 local-answer"}, nil
}

func (p *fakePC) SetLocalDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.localDescs = append(p.localDescs, desc)
	return nil
}

func (p *fakePC) SetRemoteDescription(desc webrtc.SessionDescription) error {
	if p.setRemoteErr != nil {
		return p.setRemoteErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remoteDescs = append(p.remoteDescs, desc)
	return nil
}

func (p *fakePC) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.candidates = append(p.candidates, candidate)
	return nil
}

func (p *fakePC) OnICECandidate(f func(*webrtc.ICECandidate))                  { p.onICECandidate = f }
func (p *fakePC) OnICEConnectionStateChange(f func(webrtc.ICEConnectionState)) { p.onICEState = f }
func (p *fakePC) OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver))     { p.onTrack = f }

func (p *fakePC) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeCount++
	return nil
}

func (p *fakePC) appliedCandidates() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.candidates))
	for i, c := range p.candidates {
		out[i] = c.Candidate
	}
	return out
}

// fakeSig records signaling emissions.
type fakeSig struct {
	mu     sync.Mutex
	refuse bool
	sent   []sigRecord
}

type sigRecord struct {
	op      string
	payload transport.SignalPayload
}

func (s *fakeSig) Emit(op string, payload any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refuse {
		return false
	}
	sp, ok := payload.(transport.SignalPayload)
	if !ok {
		return false
	}
	s.sent = append(s.sent, sigRecord{op: op, payload: sp})
	return true
}

func (s *fakeSig) ops(op string) []sigRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sigRecord
	for _, r := range s.sent {
		if r.op == op {
			out = append(out, r)
		}
	}
	return out
}

func newTestEngine(t *testing.T, local *LocalStream) (*Engine, *fakePC, *fakeSig) {
	t.Helper()
	sig := &fakeSig{}
	pc := &fakePC{}
	e := NewEngine(sig)
	e.OfferWait = 100 * time.Millisecond
	e.NewSession = func(video bool) (PeerConn, *LocalStream, error) {
		return pc, local, nil
	}
	return e, pc, sig
}

func sdpJSON(t *testing.T, typ webrtc.SDPType, sdp string) json.RawMessage {
	t.Helper()
	body, err := json.Marshal(webrtc.SessionDescription{Type: typ, SDP: sdp})
	require.NoError(t, err)
	return body
}

func candidateJSON(t *testing.T, candidate string) json.RawMessage {
	t.Helper()
	body, err := json.Marshal(webrtc.ICECandidateInit{Candidate: candidate})
	require.NoError(t, err)
	return body
}

func TestStartInitiatorSendsOffer(t *testing.T) {
	e, pc, sig := newTestEngine(t, nil)

	require.NoError(t, e.Start("c-1", "bob", false, true))

	offers := sig.ops(transport.OpWebRTCOffer)
	require.Len(t, offers, 1)
	assert.Equal(t, "c-1", offers[0].payload.CallID)
	assert.Equal(t, "bob", offers[0].payload.TargetID)

	require.Len(t, pc.localDescs, 1)
	assert.Equal(t, webrtc.SDPTypeOffer, pc.localDescs[0].Type)

	state, ok := e.SignalingStateFor("c-1")
	require.True(t, ok)
	assert.Equal(t, SignalingHaveLocalOffer, state)
}

func TestStartReceiverWaitsForOffer(t *testing.T) {
	e, pc, sig := newTestEngine(t, nil)

	require.NoError(t, e.Start("c-1", "alice", false, false))

	assert.Empty(t, sig.ops(transport.OpWebRTCOffer))
	assert.Empty(t, pc.localDescs)

	state, ok := e.SignalingStateFor("c-1")
	require.True(t, ok)
	assert.Equal(t, SignalingUnstarted, state)
}

func TestStartWhileNegotiationActive(t *testing.T) {
	e, _, _ := newTestEngine(t, nil)

	require.NoError(t, e.Start("c-1", "bob", false, true))
	assert.ErrorIs(t, e.Start("c-2", "carol", false, true), ErrNegotiationActive)
}

func TestStartSurfacesCaptureFailure(t *testing.T) {
	sig := &fakeSig{}
	e := NewEngine(sig)
	e.NewSession = func(video bool) (PeerConn, *LocalStream, error) {
		return nil, nil, ErrDeviceUnavailable
	}

	assert.ErrorIs(t, e.Start("c-1", "bob", true, true), ErrDeviceUnavailable)

	// The failed start must not leave a half-open session behind.
	e.NewSession = func(video bool) (PeerConn, *LocalStream, error) {
		return &fakePC{}, nil, nil
	}
	assert.NoError(t, e.Start("c-1", "bob", true, true))
}

func TestHandleOfferProducesAnswer(t *testing.T) {
	e, pc, sig := newTestEngine(t, nil)
	require.NoError(t, e.Start("c-1", "alice", false, false))

	require.NoError(t, e.HandleOffer("c-1", sdpJSON(t, webrtc.SDPTypeOffer, "v=0 remote-offer")))

	require.Len(t, pc.remoteDescs, 1)
	assert.Equal(t, "v=0 remote-offer", pc.remoteDescs[0].SDP)

	answers := sig.ops(transport.OpWebRTCAnswer)
	require.Len(t, answers, 1)
	assert.Equal(t, "c-1", answers[0].payload.CallID)
	assert.Equal(t, "alice", answers[0].payload.TargetID)

	state, ok := e.SignalingStateFor("c-1")
	require.True(t, ok)
	assert.Equal(t, SignalingStable, state)
}

func TestOfferToInitiatorRejected(t *testing.T) {
	e, _, _ := newTestEngine(t, nil)
	require.NoError(t, e.Start("c-1", "bob", false, true))

	err := e.HandleOffer("c-1", sdpJSON(t, webrtc.SDPTypeOffer, "v=0 remote-offer"))
	assert.ErrorIs(t, err, ErrInvalidSignalingState)
}

func TestDuplicateOfferRejected(t *testing.T) {
	e, _, _ := newTestEngine(t, nil)
	require.NoError(t, e.Start("c-1", "alice", false, false))

	require.NoError(t, e.HandleOffer("c-1", sdpJSON(t, webrtc.SDPTypeOffer, "v=0 remote-offer")))
	err := e.HandleOffer("c-1", sdpJSON(t, webrtc.SDPTypeOffer, "v=0 remote-offer-2"))
	assert.ErrorIs(t, err, ErrInvalidSignalingState)
}

func TestAnswerBeforeOfferRejected(t *testing.T) {
	e, _, _ := newTestEngine(t, nil)
	require.NoError(t, e.Start("c-1", "alice", false, false))

	err := e.HandleAnswer("c-1", sdpJSON(t, webrtc.SDPTypeAnswer, "v=0 remote-answer"))
	assert.ErrorIs(t, err, ErrInvalidSignalingState)
}

func TestHandleAnswerCompletesExchange(t *testing.T) {
	e, pc, _ := newTestEngine(t, nil)
	require.NoError(t, e.Start("c-1", "bob", false, true))

	require.NoError(t, e.HandleAnswer("c-1", sdpJSON(t, webrtc.SDPTypeAnswer, "v=0 remote-answer")))

	require.Len(t, pc.remoteDescs, 1)
	state, ok := e.SignalingStateFor("c-1")
	require.True(t, ok)
	assert.Equal(t, SignalingStable, state)
}

func TestCandidatesBufferedUntilRemoteDescription(t *testing.T) {
	e, pc, _ := newTestEngine(t, nil)
	require.NoError(t, e.Start("c-1", "alice", false, false))

	// Candidates race ahead of the offer on the wire.
	for i := 1; i <= 3; i++ {
		require.NoError(t, e.AddRemoteCandidate("c-1", candidateJSON(t, fmt.Sprintf("candidate:%d", i))))
	}
	assert.Empty(t, pc.appliedCandidates(), "no candidate may be applied before the remote description")

	require.NoError(t, e.HandleOffer("c-1", sdpJSON(t, webrtc.SDPTypeOffer, "v=0 remote-offer")))

	assert.Equal(t, []string{"candidate:1", "candidate:2", "candidate:3"}, pc.appliedCandidates(),
		"buffered candidates must flush in receipt order")

	// Later candidates apply directly.
	require.NoError(t, e.AddRemoteCandidate("c-1", candidateJSON(t, "candidate:4")))
	assert.Equal(t, []string{"candidate:1", "candidate:2", "candidate:3", "candidate:4"}, pc.appliedCandidates())
}

func TestCandidatesFlushAfterAnswer(t *testing.T) {
	e, pc, _ := newTestEngine(t, nil)
	require.NoError(t, e.Start("c-1", "bob", false, true))

	require.NoError(t, e.AddRemoteCandidate("c-1", candidateJSON(t, "candidate:1")))
	assert.Empty(t, pc.appliedCandidates())

	require.NoError(t, e.HandleAnswer("c-1", sdpJSON(t, webrtc.SDPTypeAnswer, "v=0 remote-answer")))
	assert.Equal(t, []string{"candidate:1"}, pc.appliedCandidates())
}

func TestSignalForUnknownCallRejected(t *testing.T) {
	e, _, _ := newTestEngine(t, nil)
	require.NoError(t, e.Start("c-1", "alice", false, false))

	err := e.HandleOffer("c-other", sdpJSON(t, webrtc.SDPTypeOffer, "v=0 remote-offer"))
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestOfferWaitsForRacingStart(t *testing.T) {
	e, _, sig := newTestEngine(t, nil)
	e.OfferWait = 200 * time.Millisecond

	done := make(chan error, 1)
	go func() {
		done <- e.HandleOffer("c-1", sdpJSON(t, webrtc.SDPTypeOffer, "v=0 remote-offer"))
	}()

	// Start lands shortly after the offer, inside the wait window.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, e.Start("c-1", "alice", false, false))

	require.NoError(t, <-done)
	assert.Len(t, sig.ops(transport.OpWebRTCAnswer), 1)
}

func TestOfferWithoutStartTimesOut(t *testing.T) {
	e, _, _ := newTestEngine(t, nil)
	e.OfferWait = 50 * time.Millisecond

	begin := time.Now()
	err := e.HandleOffer("c-1", sdpJSON(t, webrtc.SDPTypeOffer, "v=0 remote-offer"))

	assert.ErrorIs(t, err, ErrNotStarted)
	assert.GreaterOrEqual(t, time.Since(begin), 50*time.Millisecond)
}

func TestLocalCandidatesForwardedImmediately(t *testing.T) {
	e, pc, sig := newTestEngine(t, nil)
	require.NoError(t, e.Start("c-1", "bob", false, true))

	require.NotNil(t, pc.onICECandidate)
	pc.onICECandidate(&webrtc.ICECandidate{
		Foundation: "f1",
		Typ:        webrtc.ICECandidateTypeHost,
		Protocol:   webrtc.ICEProtocolUDP,
		Address:    "192.0.2.10",
		Port:       3478,
		Component:  1,
	})
	pc.onICECandidate(nil) // end-of-gathering marker is silent

	ice := sig.ops(transport.OpWebRTCICE)
	require.Len(t, ice, 1)
	assert.Equal(t, "c-1", ice[0].payload.CallID)
	assert.Equal(t, "bob", ice[0].payload.TargetID)
}

func TestICEConnectedNotifiesOnce(t *testing.T) {
	e, pc, _ := newTestEngine(t, nil)

	var mu sync.Mutex
	var connected []string
	e.OnMediaConnected(func(callID string) {
		mu.Lock()
		connected = append(connected, callID)
		mu.Unlock()
	})

	require.NoError(t, e.Start("c-1", "bob", false, true))
	require.NotNil(t, pc.onICEState)

	pc.onICEState(webrtc.ICEConnectionStateConnected)
	pc.onICEState(webrtc.ICEConnectionStateCompleted)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"c-1"}, connected, "connected must fire once per call")
}

func TestICEFailureNotifiesDisconnected(t *testing.T) {
	e, pc, _ := newTestEngine(t, nil)

	var mu sync.Mutex
	var dropped []string
	e.OnMediaDisconnected(func(callID string) {
		mu.Lock()
		dropped = append(dropped, callID)
		mu.Unlock()
	})

	require.NoError(t, e.Start("c-1", "bob", false, true))
	pc.onICEState(webrtc.ICEConnectionStateFailed)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"c-1"}, dropped)
}

func TestICESignalsIgnoredAfterEnd(t *testing.T) {
	e, pc, _ := newTestEngine(t, nil)

	var mu sync.Mutex
	fired := 0
	e.OnMediaDisconnected(func(string) {
		mu.Lock()
		fired++
		mu.Unlock()
	})

	require.NoError(t, e.Start("c-1", "bob", false, true))
	e.End()
	pc.onICEState(webrtc.ICEConnectionStateFailed)

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, fired, "a torn-down session must not report media loss")
}

func TestEndIdempotent(t *testing.T) {
	e, pc, _ := newTestEngine(t, nil)
	require.NoError(t, e.Start("c-1", "bob", false, true))

	e.End()
	e.End()
	assert.Equal(t, 1, pc.closeCount)

	_, ok := e.SignalingStateFor("c-1")
	assert.False(t, ok)

	// End with no negotiation running is a no-op.
	fresh := NewEngine(&fakeSig{})
	fresh.End()
}

func TestTogglesWithoutLocalStream(t *testing.T) {
	e, _, _ := newTestEngine(t, nil)

	// No negotiation at all.
	assert.False(t, e.ToggleMute())
	assert.False(t, e.ToggleVideo())
	assert.False(t, e.SwitchCamera())

	// Receive-only negotiation: still no local stream to act on.
	require.NoError(t, e.Start("c-1", "bob", false, true))
	assert.False(t, e.ToggleMute())
	assert.False(t, e.ToggleVideo())
	assert.False(t, e.SwitchCamera())
}

func TestToggleMuteFlipsState(t *testing.T) {
	local := &LocalStream{hasAudio: true}
	e, _, _ := newTestEngine(t, local)
	require.NoError(t, e.Start("c-1", "bob", false, true))

	assert.False(t, local.Muted())
	assert.True(t, e.ToggleMute())
	assert.True(t, local.Muted())
	assert.True(t, e.ToggleMute())
	assert.False(t, local.Muted())

	// Audio-only stream has no video to toggle or camera to switch.
	assert.False(t, e.ToggleVideo())
	assert.False(t, e.SwitchCamera())
}

func TestToggleVideoFlipsState(t *testing.T) {
	local := &LocalStream{hasAudio: true, hasVideo: true}
	e, _, _ := newTestEngine(t, local)
	require.NoError(t, e.Start("c-1", "bob", true, true))

	assert.True(t, e.ToggleVideo())
	assert.True(t, local.VideoOff())
	assert.True(t, e.ToggleVideo())
	assert.False(t, local.VideoOff())

	// No switcher wired: camera switch reports false.
	assert.False(t, e.SwitchCamera())
}

func TestSignalingStateString(t *testing.T) {
	assert.Equal(t, "unstarted", SignalingUnstarted.String())
	assert.Equal(t, "have-local-offer", SignalingHaveLocalOffer.String())
	assert.Equal(t, "have-remote-offer", SignalingHaveRemoteOffer.String())
	assert.Equal(t, "stable", SignalingStable.String())
	assert.Equal(t, "unknown", SignalingState(99).String())
}
