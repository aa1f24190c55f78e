//go:build linux && cgo

package media

import (
	"strings"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

// videoConstraints requests a modest capture format. MJPEG nodes are
// excluded because some cameras emit malformed JPEG frames that poison the
// VP8 encoder; higher resolutions add encoding latency without improving
// a mobile-sized remote view.
func videoConstraints(c *mediadevices.MediaTrackConstraints) {
	c.FrameFormat = prop.FrameFormatOneOf{
		frame.FormatYUYV,
		frame.FormatI420,
		frame.FormatI444,
		frame.FormatRGBA,
	}
	c.Width = prop.IntRanged{Ideal: 640, Max: 1280}
	c.Height = prop.IntRanged{Ideal: 480, Max: 720}
	c.FrameRate = prop.FloatRanged{Ideal: 30}
}

// newCodecSelector builds the VP8+Opus selector shared by capture and
// camera switching.
func newCodecSelector() (*mediadevices.CodecSelector, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	return mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	), nil
}

// newMediaSession builds the peer connection and captures local media via
// pion/mediadevices (V4L2 + malgo). Video calls try video+audio first and
// degrade track by track; audio calls never touch the camera. When every
// attempt fails the error is classified as permission denial or device
// unavailability.
func newMediaSession(video bool) (PeerConn, *LocalStream, error) {
	codecSelector, err := newCodecSelector()
	if err != nil {
		return nil, nil, err
	}

	mediaEngine := &webrtc.MediaEngine{}
	codecSelector.Populate(mediaEngine)

	pc, err := newPeerConnectionWithEngine(mediaEngine)
	if err != nil {
		return nil, nil, err
	}

	// Capture fails as a unit if either requested track cannot be opened.
	// Degrade so a busy microphone does not block the camera and vice
	// versa.
	type attempt struct {
		video bool
		audio bool
		label string
	}
	var attempts []attempt
	if video {
		attempts = []attempt{
			{true, true, "video+audio"},
			{true, false, "video-only"},
			{false, true, "audio-only"},
		}
	} else {
		attempts = []attempt{{false, true, "audio-only"}}
	}

	var lastErr error
	for _, a := range attempts {
		constraints := mediadevices.MediaStreamConstraints{Codec: codecSelector}
		if a.video {
			constraints.Video = videoConstraints
		}
		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			lastErr = err
			logrus.WithFields(logrus.Fields{
				"function": "newMediaSession",
				"attempt":  a.label,
				"error":    err.Error(),
			}).Warn("Capture attempt failed")
			continue
		}

		local := buildLocalStream(pc, stream, codecSelector)
		logrus.WithFields(logrus.Fields{
			"function":  "newMediaSession",
			"attempt":   a.label,
			"has_audio": local.hasAudio,
			"has_video": local.hasVideo,
		}).Info("Local media captured")
		return pc, local, nil
	}

	pc.Close()
	return nil, nil, classifyCaptureError(lastErr)
}

// buildLocalStream attaches the captured tracks to the connection and
// records the senders so mute and camera switching can swap tracks later.
func buildLocalStream(pc *webrtc.PeerConnection, stream mediadevices.MediaStream, codecSelector *mediadevices.CodecSelector) *LocalStream {
	tracks := stream.GetTracks()
	local := &LocalStream{}

	for _, track := range tracks {
		track.OnEnded(func(err error) {
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "buildLocalStream",
					"error":    err.Error(),
				}).Warn("Local track ended")
			}
		})
		sender, err := pc.AddTrack(track)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "buildLocalStream",
				"kind":     track.Kind().String(),
				"error":    err.Error(),
			}).Warn("Failed to attach local track")
			continue
		}
		switch track.Kind() {
		case webrtc.RTPCodecTypeAudio:
			local.hasAudio = true
			local.audioTrack = track
			local.audioSender = sender
		case webrtc.RTPCodecTypeVideo:
			local.hasVideo = true
			local.videoTrack = track
			local.videoSender = sender
		}
	}

	if local.hasVideo {
		local.switchCamera = cameraSwitcher(codecSelector)
	}

	local.stop = func() {
		for _, t := range tracks {
			t.Close()
		}
	}
	return local
}

// cameraSwitcher returns a closure cycling through the enumerable cameras.
// Each invocation re-captures video from the next device and closes the
// track it replaces.
func cameraSwitcher(codecSelector *mediadevices.CodecSelector) func(current webrtc.TrackLocal) (webrtc.TrackLocal, error) {
	camIdx := 0
	return func(current webrtc.TrackLocal) (webrtc.TrackLocal, error) {
		var ids []string
		for _, d := range mediadevices.EnumerateDevices() {
			if d.Kind == mediadevices.VideoInput {
				ids = append(ids, d.DeviceID)
			}
		}
		if len(ids) < 2 {
			return nil, ErrDeviceUnavailable
		}

		camIdx = (camIdx + 1) % len(ids)
		deviceID := ids[camIdx]

		stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
			Codec: codecSelector,
			Video: func(c *mediadevices.MediaTrackConstraints) {
				videoConstraints(c)
				c.DeviceID = prop.String(deviceID)
			},
		})
		if err != nil {
			return nil, classifyCaptureError(err)
		}
		videoTracks := stream.GetVideoTracks()
		if len(videoTracks) == 0 {
			return nil, ErrDeviceUnavailable
		}

		if old, ok := current.(mediadevices.Track); ok && old != nil {
			old.Close()
		}
		logrus.WithFields(logrus.Fields{
			"function":  "cameraSwitcher",
			"device_id": deviceID,
		}).Info("Switched camera")
		return videoTracks[0], nil
	}
}

// classifyCaptureError maps driver failures onto the capture sentinels.
func classifyCaptureError(err error) error {
	if err == nil {
		return ErrDeviceUnavailable
	}
	if strings.Contains(strings.ToLower(err.Error()), "permission") {
		return ErrNoDevicePermission
	}
	return ErrDeviceUnavailable
}
