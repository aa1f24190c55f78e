package messaging

import (
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aether-im/rtcore/bus"
	"github.com/aether-im/rtcore/transport"
)

// OnTextChanged drives the outbound typing indicator from the composer's
// text. The first non-empty keystroke emits typing_start; repeated
// keystrokes only re-arm the stop timer, so start is never re-emitted
// mid-burst. typing_stop goes out one TypingStopDelay after the last
// keystroke, or immediately when the content becomes empty.
func (p *Pipeline) OnTextChanged(text string) {
	p.mu.Lock()
	peerID := p.peerID
	p.mu.Unlock()
	if peerID == "" {
		return
	}

	if text == "" {
		p.stopTyping(peerID)
		return
	}

	p.mu.Lock()
	wasActive := p.typingActive
	p.typingActive = true
	p.typingGen++
	gen := p.typingGen
	if p.typingTimer != nil {
		p.typingTimer.Stop()
	}
	delay := p.TypingStopDelay
	p.typingTimer = time.AfterFunc(delay, func() {
		p.typingTimerFired(gen, peerID)
	})
	p.mu.Unlock()

	if !wasActive {
		p.tr.Emit(transport.OpTypingStart, transport.TypingPayload{RecipientID: peerID})
		logrus.WithFields(logrus.Fields{
			"function": "OnTextChanged",
			"peer_id":  peerID,
		}).Debug("Typing start emitted")
	}
}

// typingTimerFired is the debounce expiry. Stale firings are defused by
// comparing the generation the timer was armed with; a timer for a
// conversation that has since moved on does nothing.
func (p *Pipeline) typingTimerFired(gen uint64, peerID string) {
	p.mu.Lock()
	if gen != p.typingGen || !p.typingActive || p.peerID != peerID {
		p.mu.Unlock()
		return
	}
	p.typingActive = false
	p.typingTimer = nil
	p.mu.Unlock()

	p.tr.Emit(transport.OpTypingStop, transport.TypingPayload{RecipientID: peerID})
}

// stopTyping emits typing_stop immediately if a burst is active.
func (p *Pipeline) stopTyping(peerID string) {
	p.mu.Lock()
	if !p.typingActive {
		p.mu.Unlock()
		return
	}
	p.typingActive = false
	p.typingGen++
	if p.typingTimer != nil {
		p.typingTimer.Stop()
		p.typingTimer = nil
	}
	p.mu.Unlock()

	p.tr.Emit(transport.OpTypingStop, transport.TypingPayload{RecipientID: peerID})
}

// onUserTyping handles the inbound user_typing event. A peer's typing flag
// self-expires one TypingExpiry after the last start, so a lost explicit
// stop never leaves the indicator stuck.
func (p *Pipeline) onUserTyping(data json.RawMessage) {
	var ev transport.UserTypingPayload
	if err := json.Unmarshal(data, &ev); err != nil {
		return
	}

	p.mu.Lock()
	if ev.UserID != p.peerID {
		p.mu.Unlock()
		return
	}

	p.peerTypingGen++
	gen := p.peerTypingGen
	if p.peerTimer != nil {
		p.peerTimer.Stop()
		p.peerTimer = nil
	}

	changed := p.peerTyping != ev.IsTyping
	p.peerTyping = ev.IsTyping

	if ev.IsTyping {
		expiry := p.TypingExpiry
		p.peerTimer = time.AfterFunc(expiry, func() {
			p.peerTypingExpired(gen)
		})
	}
	p.mu.Unlock()

	if changed {
		p.publish(bus.KindTyping, TypingEvent{UserID: ev.UserID, IsTyping: ev.IsTyping})
	}
}

// peerTypingExpired clears the peer's typing flag when no refresh arrived.
func (p *Pipeline) peerTypingExpired(gen uint64) {
	p.mu.Lock()
	if gen != p.peerTypingGen || !p.peerTyping {
		p.mu.Unlock()
		return
	}
	p.peerTyping = false
	p.peerTimer = nil
	userID := p.peerID
	p.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "peerTypingExpired",
		"user_id":  userID,
	}).Debug("Peer typing flag self-expired")

	p.publish(bus.KindTyping, TypingEvent{UserID: userID, IsTyping: false})
}
