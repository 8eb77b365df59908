//go:build !linux

package media

import (
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// Supported reports whether local capture works on this runtime.
// Camera/mic capture via pion/mediadevices needs platform drivers
// (V4L2/malgo) that are only wired up on Linux; elsewhere the session is
// receive-only and Publish returns ErrUnsupported.
func Supported() bool { return false }

// capturedTrack pairs a local track with its hardware release func.
type capturedTrack struct {
	kind  Kind
	local webrtc.TrackLocal
	close func() error
}

type engine struct{}

func newEngine() (*engine, error) { return &engine{}, nil }

func (e *engine) newPeerConnection() (*webrtc.PeerConnection, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
	})
	if err != nil {
		return nil, err
	}
	addRecvTransceivers(pc)
	return pc, nil
}

func (e *engine) capture(bool) ([]capturedTrack, error) { return nil, ErrUnsupported }

func (e *engine) captureVideo() (capturedTrack, error) { return capturedTrack{}, ErrUnsupported }
