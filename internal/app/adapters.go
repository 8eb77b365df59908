package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/campuslink/campuslink/internal/backend"
	"github.com/campuslink/campuslink/internal/call"
	"github.com/campuslink/campuslink/internal/media"
	"github.com/campuslink/campuslink/internal/messages"
	"github.com/campuslink/campuslink/internal/signaling"
	"github.com/campuslink/campuslink/internal/token"
)

// The call, messages and signaling packages deliberately do not import
// each other; these adapters are the only place their types meet.

// signalerAdapter lets the call manager send control envelopes through
// the signaling channel.
type signalerAdapter struct {
	ch *signaling.Channel
}

func (a *signalerAdapter) SendToPeer(env *call.Envelope, peerID string) error {
	return a.ch.SendToPeer(&signaling.Envelope{
		Kind:        signaling.Kind(env.Kind),
		SenderID:    env.SenderID,
		CallID:      env.CallID,
		CallType:    env.CallType,
		CallerName:  env.CallerName,
		ChannelName: env.ChannelName,
		SentAt:      env.SentAt,
	}, peerID)
}

func toCallEnvelope(env *signaling.Envelope) *call.Envelope {
	return &call.Envelope{
		Kind:        call.Kind(env.Kind),
		SenderID:    env.SenderID,
		CallID:      env.CallID,
		CallType:    env.CallType,
		CallerName:  env.CallerName,
		ChannelName: env.ChannelName,
		SentAt:      env.SentAt,
	}
}

// brokerRef holds the current token broker and backend client. Both are
// immutable once built, so a credentials change (token refresh,
// re-login) swaps in fresh instances rather than mutating them.
type brokerRef struct {
	mu      sync.RWMutex
	broker  *token.Broker
	backend *backend.Client
}

func (r *brokerRef) set(b *token.Broker, c *backend.Client) {
	r.mu.Lock()
	r.broker = b
	r.backend = c
	r.mu.Unlock()
}

func (r *brokerRef) get() (*token.Broker, *backend.Client) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.broker, r.backend
}

// GetSignalingToken implements signaling.Tokens.
func (r *brokerRef) GetSignalingToken(ctx context.Context, identity string) (token.Token, error) {
	b, _ := r.get()
	return b.GetSignalingToken(ctx, identity)
}

// GetMediaToken implements call.TokenSource.
func (r *brokerRef) GetMediaToken(ctx context.Context, channelName, identity string) (string, error) {
	b, _ := r.get()
	tok, err := b.GetMediaToken(ctx, channelName, identity)
	return string(tok), err
}

// Persist implements messages.Persister.
func (r *brokerRef) Persist(ctx context.Context, receiverID, text string) (string, error) {
	_, c := r.get()
	return c.SendMessage(ctx, receiverID, text)
}

// History implements messages.Persister.
func (r *brokerRef) History(ctx context.Context, peerID string) ([]messages.Remote, error) {
	_, c := r.get()
	remote, err := c.History(ctx, peerID)
	if err != nil {
		return nil, err
	}
	out := make([]messages.Remote, 0, len(remote))
	for _, m := range remote {
		out = append(out, messages.Remote{
			ID:       m.ID,
			SenderID: m.SenderID,
			Text:     m.Text,
			SentAt:   m.CreatedAt,
		})
	}
	return out, nil
}

// mediaAdapter narrows a media.Session to what the call manager needs,
// translating capture-unsupported into the manager's degrade signal.
type mediaAdapter struct {
	sess *media.Session
}

func (a *mediaAdapter) Join(ctx context.Context, channelName, mediaToken, identity string) error {
	return a.sess.Join(ctx, channelName, mediaToken, identity)
}

func (a *mediaAdapter) Publish(video bool) error {
	kind := media.KindAudio
	if video {
		kind = media.KindVideo
	}
	if _, err := a.sess.Publish(kind); err != nil {
		if errors.Is(err, media.ErrUnsupported) {
			return call.ErrMediaUnsupported
		}
		return err
	}
	return nil
}

func (a *mediaAdapter) Leave() error {
	return a.sess.Leave()
}

func sentAtTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
