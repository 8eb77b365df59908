// Package media owns the media-transport connection and every local
// capture track published into it. One Session serves exactly one call;
// it is created on call setup and torn down with Leave when the call
// ends. No track handle outlives the session that created it.
package media

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// Kind identifies a media track kind.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Error reports a failed media operation (track acquisition, join, …).
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("media: %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// ErrUnsupported means local capture is not available on this runtime.
// The session stays usable receive-only; callers surface the condition
// instead of failing the call.
var ErrUnsupported = errors.New("media capture unsupported on this platform")

// ErrAlreadyPublished rejects a second Publish — local hardware must not
// be acquired twice for one session.
var ErrAlreadyPublished = errors.New("local tracks already published")

// TrackHandle is the opaque handle to one locally-captured track.
// Closing releases the hardware; Close is idempotent.
type TrackHandle struct {
	Kind Kind

	mu      sync.Mutex
	closed  bool
	closeFn func() error
}

func (h *TrackHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	if h.closeFn == nil {
		return nil
	}
	return h.closeFn()
}

// Closed reports whether the handle has been released.
func (h *TrackHandle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// RemoteTrackEvent announces a remote track appearing or going away.
type RemoteTrackEvent struct {
	Kind  Kind
	ID    string
	Added bool
}

// Stats is a running count of received remote media.
type Stats struct {
	RemotePackets uint64
	RemoteBytes   uint64
}

// Session is one media-transport connection plus its local tracks.
type Session struct {
	mu        sync.Mutex
	eng       *engine
	pc        *webrtc.PeerConnection
	channel   string
	identity  string
	joined    bool
	left      bool
	published bool

	handles  map[Kind]*TrackHandle
	senders  map[Kind]*webrtc.RTPSender
	outbound map[Kind]webrtc.TrackLocal // originals kept for unmute
	muted    map[Kind]bool

	done chan struct{}

	remotePackets atomic.Uint64
	remoteBytes   atomic.Uint64

	fnMu      sync.RWMutex
	remoteFns []func(RemoteTrackEvent)
}

// NewSession creates an unjoined media session.
func NewSession() *Session {
	return &Session{
		handles:  make(map[Kind]*TrackHandle),
		senders:  make(map[Kind]*webrtc.RTPSender),
		outbound: make(map[Kind]webrtc.TrackLocal),
		muted:    make(map[Kind]bool),
		done:     make(chan struct{}),
	}
}

// OnRemoteTrack registers a callback for remote track add/remove events.
// Register before Join to avoid missing early tracks.
func (s *Session) OnRemoteTrack(fn func(RemoteTrackEvent)) {
	s.fnMu.Lock()
	s.remoteFns = append(s.remoteFns, fn)
	s.fnMu.Unlock()
}

// Join connects to the media channel using a freshly-minted media token.
// The token must come from the broker per call; an empty token is a
// caller bug and is rejected before any resource is touched.
func (s *Session) Join(ctx context.Context, channelName, mediaToken, identity string) error {
	if mediaToken == "" {
		return &Error{Op: "join", Err: errors.New("empty media token")}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.left {
		return &Error{Op: "join", Err: errors.New("session already left")}
	}
	if s.joined {
		return &Error{Op: "join", Err: errors.New("already joined")}
	}

	eng, err := newEngine()
	if err != nil {
		return &Error{Op: "join", Err: err}
	}
	pc, err := eng.newPeerConnection()
	if err != nil {
		return &Error{Op: "join", Err: err}
	}

	pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		s.handleRemoteTrack(tr)
	})
	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		log.Printf("MEDIA [%s]: connection state %s", channelName, st)
	})

	s.eng = eng
	s.pc = pc
	s.channel = channelName
	s.identity = identity
	s.joined = true
	log.Printf("MEDIA [%s]: joined as %s", channelName, identity)
	return nil
}

// Publish acquires the microphone (plus the camera for video calls) and
// publishes the captured tracks. A second Publish on the same session is
// rejected. On runtimes without capture support it returns
// ErrUnsupported and the session stays receive-only.
func (s *Session) Publish(kind Kind) ([]*TrackHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.joined || s.left {
		return nil, &Error{Op: "publish", Err: errors.New("not joined")}
	}
	if s.published {
		return nil, ErrAlreadyPublished
	}

	tracks, err := s.eng.capture(kind == KindVideo)
	if err != nil {
		if errors.Is(err, ErrUnsupported) {
			return nil, ErrUnsupported
		}
		return nil, &Error{Op: "publish", Err: err}
	}

	var handles []*TrackHandle
	for _, t := range tracks {
		sender, err := s.pc.AddTrack(t.local)
		if err != nil {
			// Free what we acquired so far, plus the failing track.
			_ = t.close()
			for _, h := range handles {
				_ = h.Close()
			}
			return nil, &Error{Op: "publish", Err: fmt.Errorf("add track: %w", err)}
		}
		h := &TrackHandle{Kind: t.kind, closeFn: t.close}
		s.handles[t.kind] = h
		s.senders[t.kind] = sender
		s.outbound[t.kind] = t.local
		handles = append(handles, h)
	}

	s.published = true
	log.Printf("MEDIA [%s]: published %d local track(s)", s.channel, len(handles))
	return handles, nil
}

// SetMuted pauses or resumes the outbound sender for kind.
func (s *Session) SetMuted(kind Kind, muted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sender, ok := s.senders[kind]
	if !ok {
		return &Error{Op: "mute", Err: fmt.Errorf("no published %s track", kind)}
	}
	if s.muted[kind] == muted {
		return nil
	}
	var err error
	if muted {
		err = sender.ReplaceTrack(nil)
	} else {
		err = sender.ReplaceTrack(s.outbound[kind])
	}
	if err != nil {
		return &Error{Op: "mute", Err: err}
	}
	s.muted[kind] = muted
	log.Printf("MEDIA [%s]: %s muted=%v", s.channel, kind, muted)
	return nil
}

// Muted reports the mute state for kind.
func (s *Session) Muted(kind Kind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted[kind]
}

// SwitchCamera swaps the published video track to the next camera.
// Best effort: hardware errors are logged and swallowed — a failed
// switch leaves the current camera running.
func (s *Session) SwitchCamera() {
	s.mu.Lock()
	defer s.mu.Unlock()
	sender, ok := s.senders[KindVideo]
	if !ok {
		log.Printf("MEDIA [%s]: switch camera ignored, no video track", s.channel)
		return
	}

	nt, err := s.eng.captureVideo()
	if err != nil {
		log.Printf("MEDIA [%s]: switch camera failed: %v", s.channel, err)
		return
	}
	if err := sender.ReplaceTrack(nt.local); err != nil {
		log.Printf("MEDIA [%s]: switch camera replace failed: %v", s.channel, err)
		_ = nt.close()
		return
	}

	if old := s.handles[KindVideo]; old != nil {
		_ = old.Close()
	}
	h := &TrackHandle{Kind: KindVideo, closeFn: nt.close}
	s.handles[KindVideo] = h
	s.outbound[KindVideo] = nt.local
	log.Printf("MEDIA [%s]: camera switched", s.channel)
}

// Leave unpublishes, releases every track handle this session created and
// disconnects. Idempotent and safe under double invocation. Track release
// runs first; the transport disconnect is attempted even if a track close
// errors.
func (s *Session) Leave() error {
	s.mu.Lock()
	if s.left {
		s.mu.Unlock()
		return nil
	}
	s.left = true
	s.joined = false
	s.published = false
	pc := s.pc
	s.pc = nil
	handles := make([]*TrackHandle, 0, len(s.handles))
	for _, h := range s.handles {
		handles = append(handles, h)
	}
	s.handles = make(map[Kind]*TrackHandle)
	s.senders = make(map[Kind]*webrtc.RTPSender)
	s.outbound = make(map[Kind]webrtc.TrackLocal)
	channel := s.channel
	close(s.done)
	s.mu.Unlock()

	var errs []error
	for _, h := range handles {
		if err := h.Close(); err != nil {
			errs = append(errs, err)
			log.Printf("MEDIA [%s]: track close: %v", channel, err)
		}
	}
	if pc != nil {
		if err := pc.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	log.Printf("MEDIA [%s]: left (%d track(s) released)", channel, len(handles))
	return errors.Join(errs...)
}

// Stats returns running remote receive counters.
func (s *Session) Stats() Stats {
	return Stats{
		RemotePackets: s.remotePackets.Load(),
		RemoteBytes:   s.remoteBytes.Load(),
	}
}

func (s *Session) emitRemote(evt RemoteTrackEvent) {
	s.fnMu.RLock()
	fns := make([]func(RemoteTrackEvent), len(s.remoteFns))
	copy(fns, s.remoteFns)
	s.fnMu.RUnlock()
	for _, fn := range fns {
		fn(evt)
	}
}

// handleRemoteTrack reads one remote track until it ends. Video tracks
// get a periodic PLI so a late subscriber recovers a keyframe quickly.
func (s *Session) handleRemoteTrack(tr *webrtc.TrackRemote) {
	kind := KindAudio
	if tr.Kind() == webrtc.RTPCodecTypeVideo {
		kind = KindVideo
	}
	log.Printf("MEDIA [%s]: remote %s track %s", s.channel, kind, tr.ID())
	s.emitRemote(RemoteTrackEvent{Kind: kind, ID: tr.ID(), Added: true})

	if kind == KindVideo {
		go s.pliLoop(uint32(tr.SSRC()))
	}

	go func() {
		for {
			var pkt *rtp.Packet
			var err error
			if pkt, _, err = tr.ReadRTP(); err != nil {
				s.emitRemote(RemoteTrackEvent{Kind: kind, ID: tr.ID(), Added: false})
				return
			}
			s.remotePackets.Add(1)
			s.remoteBytes.Add(uint64(len(pkt.Payload)))
		}
	}()
}

func (s *Session) pliLoop(ssrc uint32) {
	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.Lock()
			pc := s.pc
			s.mu.Unlock()
			if pc == nil {
				return
			}
			if err := pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}}); err != nil {
				return
			}
		}
	}
}
