// Package call implements the call session lifecycle: start, accept,
// reject, end, driven by local intents and inbound call-control
// envelopes. It is designed to be maximally standalone — coupling to the
// signaling, media and token packages is via the small interfaces below,
// wired together by an adapter in internal/app (the only place that
// imports all of them).
package call

import (
	"context"
	"errors"
	"time"
)

// Kind mirrors the control kinds of signaling.Envelope — kept as a local
// copy so this package does not import internal/signaling.
type Kind string

const (
	KindCallInvite Kind = "call_invite"
	KindCallAccept Kind = "call_accept"
	KindCallReject Kind = "call_reject"
	KindCallEnd    Kind = "call_end"
)

// Envelope is the call-control slice of the signaling envelope.
type Envelope struct {
	Kind        Kind   `json:"kind"`
	SenderID    string `json:"sender_id"`
	CallID      string `json:"call_id"`
	CallType    string `json:"call_type,omitempty"`
	CallerName  string `json:"caller_name,omitempty"`
	ChannelName string `json:"channel_name,omitempty"`
	SentAt      int64  `json:"sent_at,omitempty"`
}

// Signaler is the only surface this package needs from the signaling layer.
type Signaler interface {
	SendToPeer(env *Envelope, peerID string) error
}

// TokenSource mints media tokens, one per call.
type TokenSource interface {
	GetMediaToken(ctx context.Context, channelName, identity string) (string, error)
}

// Media is one media-transport session. A fresh one is created per call
// through the MediaFactory; Leave must be idempotent and safe before Join.
type Media interface {
	Join(ctx context.Context, channelName, mediaToken, identity string) error
	Publish(video bool) error
	Leave() error
}

// MediaFactory creates the media session for one call.
type MediaFactory func() Media

// ErrMediaUnsupported marks a Publish failure that should degrade the
// call to receive-only rather than fail it. The app adapter translates
// media.ErrUnsupported into this.
var ErrMediaUnsupported = errors.New("media capture unsupported")

// ErrBusy rejects a second outbound call while one is still active.
var ErrBusy = errors.New("another call is active")

// ErrInvalidState rejects accept/reject outside the ringing state.
var ErrInvalidState = errors.New("operation not valid in current call state")

// State is the call lifecycle state.
type State string

const (
	StateIdle      State = "idle"
	StateCalling   State = "calling" // local-initiated, awaiting remote accept
	StateRinging   State = "ringing" // remote-initiated, awaiting local accept
	StateConnected State = "connected"
	StateEnded     State = "ended"
)

// Type is the call media type.
type Type string

const (
	TypeAudio Type = "audio"
	TypeVideo Type = "video"
)

// End reasons surfaced on the session snapshot when State is ended.
const (
	ReasonLocalEnd     = "local_end"
	ReasonRemoteEnd    = "remote_end"
	ReasonLocalReject  = "local_reject"
	ReasonRemoteReject = "remote_reject"
	ReasonRingTimeout  = "ring_timeout"
	ReasonSetupFailed  = "setup_failed"
)

// Session is an immutable snapshot of one call attempt, handed to
// observers on every transition.
type Session struct {
	CallID      string
	ChannelName string
	Type        Type
	LocalID     string
	RemoteID    string
	RemoteName  string
	State       State
	EndReason   string
	CreatedAt   time.Time
	ConnectedAt time.Time
}

// Duration returns the connected time so far, zero before connect.
func (s Session) Duration() time.Duration {
	if s.ConnectedAt.IsZero() {
		return 0
	}
	return time.Since(s.ConnectedAt)
}

// Observer is notified after every state transition. Callbacks run
// outside the manager lock, so they may call back into the Manager.
type Observer func(Session)
