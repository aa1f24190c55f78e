package media

import (
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

// LocalStream holds the locally captured tracks of one call together with
// the senders carrying them to the peer. Mute and video toggling work by
// swapping the sender's track out and back in; the capture pipeline keeps
// running so re-enabling is instant.
type LocalStream struct {
	mu sync.Mutex

	hasAudio bool
	hasVideo bool
	muted    bool
	videoOff bool

	audioTrack webrtc.TrackLocal
	videoTrack webrtc.TrackLocal

	audioSender *webrtc.RTPSender
	videoSender *webrtc.RTPSender

	// switchCamera re-acquires video from the next available camera and
	// returns the replacement track. Set only on platforms with more than
	// one enumerable camera driver.
	switchCamera func(current webrtc.TrackLocal) (webrtc.TrackLocal, error)

	// stop releases the capture devices. May be nil.
	stop func()
}

// HasAudio reports whether the stream carries a local audio track.
func (s *LocalStream) HasAudio() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasAudio
}

// HasVideo reports whether the stream carries a local video track.
func (s *LocalStream) HasVideo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasVideo
}

// Muted reports whether the local audio track is currently withheld.
func (s *LocalStream) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

// VideoOff reports whether the local video track is currently withheld.
func (s *LocalStream) VideoOff() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.videoOff
}

// toggleAudio flips the mute state. Returns false when the stream has no
// audio track to act on.
func (s *LocalStream) toggleAudio() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.hasAudio {
		return false
	}
	s.muted = !s.muted
	if s.audioSender != nil {
		var err error
		if s.muted {
			err = s.audioSender.ReplaceTrack(nil)
		} else {
			err = s.audioSender.ReplaceTrack(s.audioTrack)
		}
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "toggleAudio",
				"muted":    s.muted,
				"error":    err.Error(),
			}).Warn("Failed to swap audio track")
		}
	}
	return true
}

// toggleVideo flips the camera-off state. Returns false when the stream
// has no video track to act on.
func (s *LocalStream) toggleVideo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.hasVideo {
		return false
	}
	s.videoOff = !s.videoOff
	if s.videoSender != nil {
		var err error
		if s.videoOff {
			err = s.videoSender.ReplaceTrack(nil)
		} else {
			err = s.videoSender.ReplaceTrack(s.videoTrack)
		}
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function":  "toggleVideo",
				"video_off": s.videoOff,
				"error":     err.Error(),
			}).Warn("Failed to swap video track")
		}
	}
	return true
}

// cycleCamera re-acquires video from the next camera and swaps it onto the
// sender. Returns false when the stream has no video or the platform offers
// no alternative camera.
func (s *LocalStream) cycleCamera() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.hasVideo || s.switchCamera == nil || s.videoSender == nil {
		return false
	}

	replacement, err := s.switchCamera(s.videoTrack)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "cycleCamera",
			"error":    err.Error(),
		}).Warn("Camera switch failed")
		return false
	}

	if err := s.videoSender.ReplaceTrack(replacement); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "cycleCamera",
			"error":    err.Error(),
		}).Warn("Failed to swap camera track")
		return false
	}
	s.videoTrack = replacement
	return true
}

// Close releases the capture devices behind the stream. Safe to call more
// than once.
func (s *LocalStream) Close() {
	s.mu.Lock()
	stop := s.stop
	s.stop = nil
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
}
