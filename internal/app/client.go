package app

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/campuslink/campuslink/internal/backend"
	"github.com/campuslink/campuslink/internal/call"
	"github.com/campuslink/campuslink/internal/config"
	"github.com/campuslink/campuslink/internal/media"
	"github.com/campuslink/campuslink/internal/messages"
	"github.com/campuslink/campuslink/internal/signaling"
	"github.com/campuslink/campuslink/internal/storage"
	"github.com/campuslink/campuslink/internal/token"
	"github.com/campuslink/campuslink/internal/util"
)

const eventLogSize = 200

// Client is the assembled session layer: signaling, calls, messages and
// the local cache, wired together for one logged-in user.
type Client struct {
	cfg config.Config

	credsMu sync.RWMutex
	creds   config.Credentials

	brokers *brokerRef
	sig     *signaling.Channel
	calls   *call.Manager
	store   *messages.Store
	db      *storage.DB

	mediaMu  sync.Mutex
	curMedia *media.Session // media of the active call, nil when idle

	events *util.RingBuffer[string]
}

// newClient builds the full component graph. Nothing connects yet —
// start() brings the signaling session up.
func newClient(cfg config.Config, creds config.Credentials, dataDir string) (*Client, error) {
	db, err := storage.Open(dataDir)
	if err != nil {
		return nil, fmt.Errorf("open message cache: %w", err)
	}

	c := &Client{
		cfg:     cfg,
		creds:   creds,
		brokers: &brokerRef{},
		db:      db,
		events:  util.NewRingBuffer[string](eventLogSize),
	}
	c.brokers.set(
		token.NewBroker(cfg.Backend.BaseURL, creds.AuthToken, backendTimeout(cfg)),
		backend.NewClient(cfg.Backend.BaseURL, creds.AuthToken, backendTimeout(cfg)),
	)

	c.sig = signaling.New(cfg.Signaling.URL, c.brokers)
	c.store = messages.New(creds.UserID, db, c.brokers)
	c.calls = call.NewManager(
		&signalerAdapter{ch: c.sig},
		c.brokers,
		c.newMedia,
		creds.UserID,
		creds.DisplayName,
		call.Options{
			RingTimeout: time.Duration(cfg.Call.RingTimeoutSec) * time.Second,
			EndedGrace:  time.Duration(cfg.Call.EndedGraceSec) * time.Second,
		},
	)
	c.calls.Observe(c.onCallTransition)
	return c, nil
}

func backendTimeout(cfg config.Config) time.Duration {
	return time.Duration(cfg.Backend.TimeoutSec) * time.Second
}

// newMedia is the per-call media factory handed to the call manager.
func (c *Client) newMedia() call.Media {
	sess := media.NewSession()
	sess.OnRemoteTrack(func(evt media.RemoteTrackEvent) {
		verb := "added"
		if !evt.Added {
			verb = "removed"
		}
		c.record("remote %s track %s", evt.Kind, verb)
	})
	c.mediaMu.Lock()
	c.curMedia = sess
	c.mediaMu.Unlock()
	return &mediaAdapter{sess: sess}
}

func (c *Client) onCallTransition(s call.Session) {
	switch s.State {
	case call.StateIdle:
		c.mediaMu.Lock()
		c.curMedia = nil
		c.mediaMu.Unlock()
		c.record("call idle")
	case call.StateEnded:
		c.record("call %s ended (%s)", s.CallID, s.EndReason)
	default:
		c.record("call %s %s with %s", s.CallID, s.State, s.RemoteID)
	}
}

// SendMessage sends text to peerID: optimistically through the message
// store for persistence, and over signaling for instant delivery. A
// realtime send failure does not fail the message — the peer still gets
// it from history.
func (c *Client) SendMessage(ctx context.Context, peerID, text string) (*messages.Message, error) {
	msg, err := c.store.Send(ctx, peerID, text)
	if err != nil {
		return nil, err
	}
	if err := c.sig.SendToPeer(signaling.NewChat(c.userID(), text), peerID); err != nil {
		log.Printf("APP: realtime send to %s failed: %v", peerID, err)
	}
	return msg, nil
}

// Conversation returns the cached conversation with peerID.
func (c *Client) Conversation(peerID string) ([]*messages.Message, error) {
	return c.store.Conversation(peerID)
}

// RefreshHistory reconciles the peerID conversation against the backend.
func (c *Client) RefreshHistory(ctx context.Context, peerID string) ([]*messages.Message, error) {
	return c.store.Refresh(ctx, peerID)
}

// RetryMessage re-attempts a failed send.
func (c *Client) RetryMessage(ctx context.Context, peerID, msgID string) error {
	return c.store.Retry(ctx, peerID, msgID)
}

// ReplyMessage sends text quoting an earlier message in the
// conversation.
func (c *Client) ReplyMessage(ctx context.Context, peerID, msgID, text string) (*messages.Message, error) {
	msg, err := c.store.SendReply(ctx, peerID, text, msgID)
	if err != nil {
		return nil, err
	}
	if err := c.sig.SendToPeer(signaling.NewChat(c.userID(), text), peerID); err != nil {
		log.Printf("APP: realtime send to %s failed: %v", peerID, err)
	}
	return msg, nil
}

// StarMessage toggles the star on a message.
func (c *Client) StarMessage(peerID, msgID string, on bool) error {
	return c.store.Mark(peerID, msgID, &on, nil)
}

// PinMessage toggles the pin on a message.
func (c *Client) PinMessage(peerID, msgID string, on bool) error {
	return c.store.Mark(peerID, msgID, nil, &on)
}

// MarkMessageRead flips a delivered message to read.
func (c *Client) MarkMessageRead(peerID, msgID string) error {
	return c.store.MarkRead(peerID, msgID)
}

// DeleteMessage removes a message from the local conversation.
func (c *Client) DeleteMessage(peerID, msgID string) error {
	return c.store.Delete(peerID, msgID)
}

// StartCall places an outbound call.
func (c *Client) StartCall(ctx context.Context, peerID string, video bool) error {
	typ := call.TypeAudio
	if video {
		typ = call.TypeVideo
	}
	return c.calls.StartCall(ctx, peerID, "", typ)
}

// Accept answers the ringing call.
func (c *Client) Accept(ctx context.Context) error { return c.calls.Accept(ctx) }

// Reject declines the ringing call.
func (c *Client) Reject() error { return c.calls.Reject() }

// EndCall hangs up.
func (c *Client) EndCall() error { return c.calls.End() }

// CurrentCall returns the active call snapshot, if any.
func (c *Client) CurrentCall() (call.Session, bool) { return c.calls.Current() }

// SetMuted toggles a published local track of the active call.
func (c *Client) SetMuted(kind media.Kind, muted bool) error {
	sess := c.activeMedia()
	if sess == nil {
		return fmt.Errorf("no active call")
	}
	return sess.SetMuted(kind, muted)
}

// SwitchCamera swaps the active call's camera. Best effort.
func (c *Client) SwitchCamera() error {
	sess := c.activeMedia()
	if sess == nil {
		return fmt.Errorf("no active call")
	}
	sess.SwitchCamera()
	return nil
}

// MediaStats returns the active call's receive counters.
func (c *Client) MediaStats() (media.Stats, bool) {
	sess := c.activeMedia()
	if sess == nil {
		return media.Stats{}, false
	}
	return sess.Stats(), true
}

// activeMedia returns the media session only while a call is live.
func (c *Client) activeMedia() *media.Session {
	if s, ok := c.calls.Current(); !ok || s.State == call.StateEnded {
		return nil
	}
	c.mediaMu.Lock()
	defer c.mediaMu.Unlock()
	return c.curMedia
}

// Events returns the recent event log, oldest first.
func (c *Client) Events() []string { return c.events.Snapshot() }

// Connected reports whether the signaling session is up.
func (c *Client) Connected() bool { return c.sig.Connected() }

func (c *Client) userID() string {
	c.credsMu.RLock()
	defer c.credsMu.RUnlock()
	return c.creds.UserID
}

// setCredentials swaps in refreshed credentials: new broker and backend
// client, then a signaling reconnect under the (possibly new) identity.
// The message cache stays — it is keyed by user-visible ids, and a
// re-login as a different user gets a different data dir by convention.
func (c *Client) setCredentials(ctx context.Context, creds config.Credentials) {
	c.credsMu.Lock()
	c.creds = creds
	c.credsMu.Unlock()

	c.brokers.set(
		token.NewBroker(c.cfg.Backend.BaseURL, creds.AuthToken, backendTimeout(c.cfg)),
		backend.NewClient(c.cfg.Backend.BaseURL, creds.AuthToken, backendTimeout(c.cfg)),
	)
	c.record("credentials refreshed for %s", creds.UserID)

	if err := c.connect(ctx); err != nil {
		log.Printf("APP: reconnect after credential refresh failed: %v", err)
	}
}

// connect establishes the signaling session and joins the personal
// channel the service routes directs through.
func (c *Client) connect(ctx context.Context) error {
	id := c.userID()
	if err := c.sig.Connect(ctx, id); err != nil {
		return err
	}
	if err := c.sig.Join("user:" + id); err != nil {
		return fmt.Errorf("join personal channel: %w", err)
	}
	return nil
}

// close tears the client down in dependency order: calls first (so media
// and control envelopes flush through a live signaling session), then
// listeners, then the transport and the cache.
func (c *Client) close() {
	c.calls.Close()
	_ = c.store.Close()
	_ = c.sig.Close()
	if err := c.db.Close(); err != nil {
		log.Printf("APP: close message cache: %v", err)
	}
}

func (c *Client) record(format string, args ...any) {
	c.events.Push(time.Now().Format("15:04:05") + " " + fmt.Sprintf(format, args...))
}
