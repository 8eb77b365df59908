//go:build linux

package media

import (
	"errors"
	"log"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// Supported reports whether local capture works on this runtime.
func Supported() bool { return true }

// capturedTrack pairs a local track with its hardware release func.
type capturedTrack struct {
	kind  Kind
	local webrtc.TrackLocal
	close func() error
}

// engine holds the VP8+Opus codec selector shared between the peer
// connection's media engine and GetUserMedia constraints — both must use
// the same selector or the captured tracks cannot be encoded.
type engine struct {
	selector *mediadevices.CodecSelector
}

func newEngine() (*engine, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	return &engine{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

func (e *engine) newPeerConnection() (*webrtc.PeerConnection, error) {
	mediaEngine := &webrtc.MediaEngine{}
	e.selector.Populate(mediaEngine)

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	// Generous ICE timeouts so a brief relay/NAT hiccup does not
	// immediately terminate the call.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
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

// capture opens the microphone, and the camera when video is requested.
//
// GetUserMedia fails as a unit if either requested track can't be opened,
// so for video calls try video+audio first, then video-only, then
// audio-only — a busy microphone must not prevent the camera from working
// and vice versa.
func (e *engine) capture(video bool) ([]capturedTrack, error) {
	type attempt struct {
		video bool
		audio bool
		label string
	}
	attempts := []attempt{{false, true, "audio-only"}}
	if video {
		attempts = []attempt{
			{true, true, "video+audio"},
			{true, false, "video-only"},
			{false, true, "audio-only"},
		}
	}

	var lastErr error
	for _, a := range attempts {
		constraints := mediadevices.MediaStreamConstraints{Codec: e.selector}
		if a.video {
			constraints.Video = videoConstraints
		}
		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			lastErr = err
			log.Printf("MEDIA: GetUserMedia (%s) failed: %v", a.label, err)
			continue
		}

		var out []capturedTrack
		for _, track := range stream.GetTracks() {
			track.OnEnded(func(err error) {
				if err != nil {
					log.Printf("MEDIA: local track ended: %v", err)
				}
			})
			kind := KindAudio
			if track.Kind() == webrtc.RTPCodecTypeVideo {
				kind = KindVideo
			}
			out = append(out, capturedTrack{kind: kind, local: track, close: track.Close})
		}
		log.Printf("MEDIA: local capture ok (%s) — %d track(s)", a.label, len(out))
		return out, nil
	}

	if lastErr == nil {
		lastErr = errors.New("no capture attempt succeeded")
	}
	return nil, lastErr
}

// captureVideo opens a fresh camera track for a camera switch.
func (e *engine) captureVideo() (capturedTrack, error) {
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Codec: e.selector,
		Video: videoConstraints,
	})
	if err != nil {
		return capturedTrack{}, err
	}
	for _, track := range stream.GetTracks() {
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			return capturedTrack{kind: KindVideo, local: track, close: track.Close}, nil
		}
		_ = track.Close()
	}
	return capturedTrack{}, errors.New("no video track in stream")
}

func videoConstraints(c *mediadevices.MediaTrackConstraints) {
	// Exclude MJPEG — some cameras expose an MJPEG V4L2 node that
	// produces malformed JPEG frames, which poisons the VP8 encoder.
	c.FrameFormat = prop.FrameFormatOneOf{
		frame.FormatYUYV,
		frame.FormatI420,
		frame.FormatI444,
		frame.FormatRGBA,
	}
	// Cap at 640×480; higher resolutions push VP8 encoding latency up.
	c.Width = prop.IntRanged{Max: 640}
	c.Height = prop.IntRanged{Max: 480}
}
