//go:build !linux || !cgo

package media

import (
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

// newMediaSession builds a receive-only peer connection on platforms
// without mediadevices drivers wired in (camera/mic capture here requires
// V4L2 and malgo, both Linux-only in this build). The returned stream is
// nil, so mute and camera operations report false.
func newMediaSession(video bool) (PeerConn, *LocalStream, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, nil, err
	}

	pc, err := newPeerConnectionWithEngine(mediaEngine)
	if err != nil {
		return nil, nil, err
	}

	addRecvOnlyTransceivers(pc, video)

	logrus.WithFields(logrus.Fields{
		"function": "newMediaSession",
		"video":    video,
	}).Info("Media session ready (receive-only on this platform)")
	return pc, nil, nil
}
