package media

import (
	"errors"
	"io"

	"github.com/pion/opus"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

// playoutBufferSamples sizes the decode buffer. Opus frames top out at
// 120 ms; 1920 samples covers 40 ms at 48 kHz which is what the encoders
// in this stack produce.
const playoutBufferSamples = 1920

// playRemoteAudio drains the remote Opus track, decodes each RTP payload
// and hands interleaved PCM to the registered audio callback. Runs as one
// goroutine per remote audio track and exits when the track closes or the
// session is torn down.
func (e *Engine) playRemoteAudio(sess *session, track *webrtc.TrackRemote) {
	decoder := opus.NewDecoder()
	output := make([]byte, playoutBufferSamples*2)

	logrus.WithFields(logrus.Fields{
		"function": "playRemoteAudio",
		"call_id":  sess.callID,
		"ssrc":     uint32(track.SSRC()),
	}).Debug("Remote audio playout started")

	for {
		var pkt *rtp.Packet
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logrus.WithFields(logrus.Fields{
					"function": "playRemoteAudio",
					"call_id":  sess.callID,
					"error":    err.Error(),
				}).Debug("Remote audio track closed")
			}
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}

		bandwidth, isStereo, err := decoder.Decode(pkt.Payload, output)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "playRemoteAudio",
				"call_id":  sess.callID,
				"error":    err.Error(),
			}).Debug("Opus decode failed")
			continue
		}

		e.mu.Lock()
		current := e.sess == sess
		fn := e.onPCM
		e.mu.Unlock()
		if !current {
			return
		}
		if fn == nil {
			continue
		}

		// Convert little-endian bytes to interleaved int16 samples.
		sampleCount := len(output) / 2
		pcm := make([]int16, sampleCount)
		for i := 0; i < sampleCount; i++ {
			pcm[i] = int16(output[i*2]) | int16(output[i*2+1])<<8
		}

		channels := 1
		if isStereo {
			channels = 2
		}
		fn(sess.callID, pcm, channels, bandwidth.SampleRate())
	}
}
