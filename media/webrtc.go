package media

import (
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

// defaultICEServers is the STUN configuration used for every peer
// connection. TURN is out of scope; calls behind symmetric NATs rely on
// the peer being reachable.
var defaultICEServers = []webrtc.ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302"}},
}

// newPeerConnectionWithEngine builds a PeerConnection on top of a
// pre-populated MediaEngine with the default interceptor chain.
// ICE timeouts are widened well past pion's defaults so a brief NAT or
// relay hiccup does not terminate the call.
func newPeerConnectionWithEngine(mediaEngine *webrtc.MediaEngine) (*webrtc.PeerConnection, error) {
	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(settingEngine),
	)

	return api.NewPeerConnection(webrtc.Configuration{
		ICEServers: defaultICEServers,
	})
}

// addRecvOnlyTransceivers adds recvonly transceivers for audio (and video
// when requested) so the SDP always carries valid m-lines with ICE
// credentials even without local capture.
func addRecvOnlyTransceivers(pc *webrtc.PeerConnection, video bool) {
	kinds := []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio}
	if video {
		kinds = append(kinds, webrtc.RTPCodecTypeVideo)
	}
	for _, kind := range kinds {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "addRecvOnlyTransceivers",
				"kind":     kind.String(),
				"error":    err.Error(),
			}).Warn("Failed to add recvonly transceiver")
		}
	}
}
