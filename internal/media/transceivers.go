package media

import (
	"log"

	"github.com/pion/webrtc/v4"
)

// addRecvTransceivers adds recvonly transceivers for video and audio so
// the session can subscribe to remote tracks even before (or without)
// publishing local ones.
func addRecvTransceivers(pc *webrtc.PeerConnection) {
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		log.Printf("MEDIA: AddTransceiver(video) error: %v", err)
	}
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		log.Printf("MEDIA: AddTransceiver(audio) error: %v", err)
	}
}
